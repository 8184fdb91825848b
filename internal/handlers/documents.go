package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"messaging-service/internal/middleware"
	"messaging-service/internal/models"
	"messaging-service/internal/objectstore"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
)

// DocumentHandler manages case document upload and listing. The record insert
// reaches open portal sessions through the change feed, so no broadcast
// happens here.
type DocumentHandler struct {
	docRepo  repositories.DocumentRepository
	store    objectstore.ObjectStore
	audit    *telemetry.AuditEmitter
	maxBytes int64
}

// NewDocumentHandler builds a DocumentHandler.
func NewDocumentHandler(docRepo repositories.DocumentRepository, store objectstore.ObjectStore, audit *telemetry.AuditEmitter, maxBytes int64) *DocumentHandler {
	return &DocumentHandler{docRepo: docRepo, store: store, audit: audit, maxBytes: maxBytes}
}

// UploadDocument stores a case document blob and its record.
func (h *DocumentHandler) UploadDocument(c *gin.Context) {
	caseID := c.Param("case_id")
	if caseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid case id"})
		return
	}

	party, ok := middleware.PartyFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	header, err := c.FormFile("document")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing document file"})
		return
	}
	if header.Size > h.maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("document exceeds the %d byte limit", h.maxBytes)})
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read document"})
		return
	}
	data, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read document"})
		return
	}

	contentType := header.Header.Get("Content-Type")
	id := uuid.NewString()
	path := fmt.Sprintf("cases/%s/%s%s", caseID, id, filepath.Ext(header.Filename))
	if err := h.store.Upload(c.Request.Context(), path, data, contentType); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "document upload failed"})
		return
	}

	doc, err := h.docRepo.CreateDocument(c.Request.Context(), models.Document{
		ID:         id,
		CaseID:     caseID,
		Name:       header.Filename,
		MimeType:   contentType,
		Size:       int64(len(data)),
		URL:        h.store.PublicURL(path),
		UploadedBy: party.ID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store document"})
		return
	}

	h.audit.Emit(c.Request.Context(), requestIDFromContext(c), actorID(party), string(party.Type), telemetry.AuditPayload{
		Action: "document_uploaded",
		Detail: doc.ID,
	})

	c.JSON(http.StatusCreated, doc)
}

// ListCaseDocuments returns the documents of a case, newest first.
func (h *DocumentHandler) ListCaseDocuments(c *gin.Context) {
	caseID := c.Param("case_id")
	if caseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid case id"})
		return
	}

	if _, ok := middleware.PartyFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	docs, err := h.docRepo.ListByCase(c.Request.Context(), caseID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load documents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"documents": docs})
}
