package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

var ErrDocumentNotFound = errors.New("document not found")

// DocumentRepository persists case documents. Inserts trigger the same change
// feed the delivery bus listens on.
type DocumentRepository interface {
	CreateDocument(ctx context.Context, doc models.Document) (models.Document, error)
	GetDocument(ctx context.Context, documentID string) (models.Document, error)
	ListByCase(ctx context.Context, caseID string) ([]models.Document, error)
}

// DocumentRepo is a sqlx implementation of DocumentRepository.
type DocumentRepo struct {
	db *sqlx.DB
}

// NewDocumentRepo constructs a DocumentRepo.
func NewDocumentRepo(db *sqlx.DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

const documentColumns = `id, case_id, name, mime_type, size, url, uploaded_by, created_at`

// CreateDocument stores a document record.
func (r *DocumentRepo) CreateDocument(ctx context.Context, doc models.Document) (models.Document, error) {
	var stored models.Document
	err := r.db.QueryRowxContext(ctx, `INSERT INTO documents
        (id, case_id, name, mime_type, size, url, uploaded_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING `+documentColumns,
		doc.ID, doc.CaseID, doc.Name, doc.MimeType, doc.Size, doc.URL, doc.UploadedBy).
		StructScan(&stored)
	return stored, err
}

// GetDocument retrieves a document by id.
func (r *DocumentRepo) GetDocument(ctx context.Context, documentID string) (models.Document, error) {
	var doc models.Document
	err := r.db.GetContext(ctx, &doc, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, ErrDocumentNotFound
	}
	return doc, err
}

// ListByCase returns documents of a case, newest first.
func (r *DocumentRepo) ListByCase(ctx context.Context, caseID string) ([]models.Document, error) {
	var docs []models.Document
	err := r.db.SelectContext(ctx, &docs, `SELECT `+documentColumns+` FROM documents
        WHERE case_id=$1 ORDER BY created_at DESC`, caseID)
	return docs, err
}
