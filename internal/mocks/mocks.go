package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"messaging-service/internal/models"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var stored models.Message
	if val := args.Get(0); val != nil {
		stored = val.(models.Message)
	}
	return stored, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) LatestBetween(ctx context.Context, a, b models.Party, caseID string) (models.Message, error) {
	args := m.Called(ctx, a, b, caseID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) PageMessages(ctx context.Context, threadID string, before time.Time, beforeID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, threadID, before, beforeID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, messageID string, at time.Time) (bool, error) {
	args := m.Called(ctx, messageID, at)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) UnreadForRecipient(ctx context.Context, threadID string, recipient models.Party) ([]models.Message, error) {
	args := m.Called(ctx, threadID, recipient)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) ListThreads(ctx context.Context, p models.Party) ([]models.ThreadSummary, error) {
	args := m.Called(ctx, p)
	var list []models.ThreadSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ThreadSummary)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) IsParticipant(ctx context.Context, threadID string, p models.Party) (bool, error) {
	args := m.Called(ctx, threadID, p)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	args := m.Called(ctx, threadID)
	return args.Bool(0), args.Error(1)
}

type DocumentRepositoryMock struct {
	mock.Mock
}

func (m *DocumentRepositoryMock) CreateDocument(ctx context.Context, doc models.Document) (models.Document, error) {
	args := m.Called(ctx, doc)
	var stored models.Document
	if val := args.Get(0); val != nil {
		stored = val.(models.Document)
	}
	return stored, args.Error(1)
}

func (m *DocumentRepositoryMock) GetDocument(ctx context.Context, documentID string) (models.Document, error) {
	args := m.Called(ctx, documentID)
	var doc models.Document
	if val := args.Get(0); val != nil {
		doc = val.(models.Document)
	}
	return doc, args.Error(1)
}

func (m *DocumentRepositoryMock) ListByCase(ctx context.Context, caseID string) ([]models.Document, error) {
	args := m.Called(ctx, caseID)
	var docs []models.Document
	if val := args.Get(0); val != nil {
		docs = val.([]models.Document)
	}
	return docs, args.Error(1)
}

// PublisherMock stands in for the broker publisher behind audit emission.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

type ObjectStoreMock struct {
	mock.Mock
}

func (m *ObjectStoreMock) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	args := m.Called(ctx, path, data, contentType)
	return args.Error(0)
}

func (m *ObjectStoreMock) PublicURL(path string) string {
	args := m.Called(path)
	return args.String(0)
}
