package messaging

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/attachments"
	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
	"messaging-service/internal/security"
	"messaging-service/internal/threads"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var (
	testClient = models.Party{Type: models.PartyClient, ID: "c1"}
	testStaff  = models.Party{Type: models.PartyStaff, ID: "s1"}
)

func newTestService(t *testing.T, repo *mocks.MessageRepositoryMock, store *mocks.ObjectStoreMock) *Service {
	t.Helper()
	cipher, err := security.NewCipher(testKeyHex)
	require.NoError(t, err)
	binder := attachments.NewBinder(store, 1024, []string{"application/pdf"})
	return NewService(repo, threads.NewResolver(repo), cipher, binder)
}

func TestSendEncryptsContentAtRest(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	svc := newTestService(t, repo, new(mocks.ObjectStoreMock))

	repo.On("LatestBetween", mock.Anything, testClient, testStaff, "").
		Return(models.Message{}, repositories.ErrMessageNotFound).Once()
	repo.On("CreateMessage", mock.Anything, mock.MatchedBy(func(m models.Message) bool {
		return strings.HasPrefix(m.Content, "gcm:") && !strings.Contains(m.Content, "settlement")
	})).Return(models.Message{ID: "m1", ThreadID: "t1", Content: "gcm:opaque"}, nil).Once()

	msg, rejections, err := svc.Send(context.Background(), SendInput{
		Sender:    testClient,
		Recipient: testStaff,
		Content:   "settlement offer attached",
	})

	require.NoError(t, err)
	assert.Empty(t, rejections)
	// The caller gets the plaintext back for the optimistic view.
	assert.Equal(t, "settlement offer attached", msg.Content)
	repo.AssertExpectations(t)
}

func TestSendUsesThreadHintWithoutResolving(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	svc := newTestService(t, repo, new(mocks.ObjectStoreMock))

	repo.On("IsParticipant", mock.Anything, "existing-thread", testClient).Return(true, nil).Once()
	repo.On("CreateMessage", mock.Anything, mock.MatchedBy(func(m models.Message) bool {
		return m.ThreadID == "existing-thread"
	})).Return(models.Message{ID: "m1", ThreadID: "existing-thread"}, nil).Once()

	_, _, err := svc.Send(context.Background(), SendInput{
		Sender:     testClient,
		Recipient:  testStaff,
		Content:    "hello",
		ThreadHint: "existing-thread",
	})

	require.NoError(t, err)
	repo.AssertNotCalled(t, "LatestBetween", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}

func TestSendValidation(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	svc := newTestService(t, repo, new(mocks.ObjectStoreMock))

	_, _, err := svc.Send(context.Background(), SendInput{Sender: testClient, Recipient: testStaff, Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, _, err = svc.Send(context.Background(), SendInput{Sender: testClient, Recipient: models.Party{Type: "robot", ID: "r"}, Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	_, _, err = svc.Send(context.Background(), SendInput{Sender: testClient, Recipient: testClient, Content: "hi"})
	assert.ErrorIs(t, err, ErrSelfMessage)

	repo.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestSendRejectsForeignThreadHint(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	svc := newTestService(t, repo, new(mocks.ObjectStoreMock))

	repo.On("IsParticipant", mock.Anything, "their-thread", testClient).Return(false, nil).Once()
	repo.On("ThreadExists", mock.Anything, "their-thread").Return(true, nil).Once()

	_, _, err := svc.Send(context.Background(), SendInput{
		Sender:     testClient,
		Recipient:  testStaff,
		Content:    "hi",
		ThreadHint: "their-thread",
	})

	assert.ErrorIs(t, err, ErrForeignThread)
	repo.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}

func TestSendAcceptsFreshThreadHint(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	svc := newTestService(t, repo, new(mocks.ObjectStoreMock))

	// A hint with no stored messages yet is a just-resolved conversation.
	repo.On("IsParticipant", mock.Anything, "fresh-thread", testClient).Return(false, nil).Once()
	repo.On("ThreadExists", mock.Anything, "fresh-thread").Return(false, nil).Once()
	repo.On("CreateMessage", mock.Anything, mock.Anything).
		Return(models.Message{ID: "m1", ThreadID: "fresh-thread"}, nil).Once()

	_, _, err := svc.Send(context.Background(), SendInput{
		Sender:     testClient,
		Recipient:  testStaff,
		Content:    "hi",
		ThreadHint: "fresh-thread",
	})

	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestSendAbortsWhenUploadFails(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	store := new(mocks.ObjectStoreMock)
	svc := newTestService(t, repo, store)

	repo.On("IsParticipant", mock.Anything, "t1", testClient).Return(true, nil)
	store.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)

	_, _, err := svc.Send(context.Background(), SendInput{
		Sender:     testClient,
		Recipient:  testStaff,
		Content:    "with file",
		ThreadHint: "t1",
		Files:      []attachments.File{{Name: "a.pdf", MimeType: "application/pdf", Data: []byte("x")}},
	})

	var uploadErr *AttachmentUploadError
	require.ErrorAs(t, err, &uploadErr)
	repo.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestSendRejectsWhenOnlyPayloadWasRejectedFiles(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	svc := newTestService(t, repo, new(mocks.ObjectStoreMock))

	repo.On("IsParticipant", mock.Anything, "t1", testClient).Return(true, nil)

	_, rejections, err := svc.Send(context.Background(), SendInput{
		Sender:     testClient,
		Recipient:  testStaff,
		ThreadHint: "t1",
		Files:      []attachments.File{{Name: "bad.exe", MimeType: "application/x-msdownload", Data: []byte("MZ")}},
	})

	assert.ErrorIs(t, err, ErrEmptyContent)
	require.Len(t, rejections, 1)
	repo.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestFetchPageDecryptsAndReportsContinuation(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	svc := newTestService(t, repo, new(mocks.ObjectStoreMock))

	cipher, err := security.NewCipher(testKeyHex)
	require.NoError(t, err)

	stored := make([]models.Message, 3)
	for i, content := range []string{"newest", "middle", "oldest"} {
		sealed, err := cipher.Encrypt(content)
		require.NoError(t, err)
		stored[i] = models.Message{ID: content, ThreadID: "t1", Content: sealed}
	}

	// Asking for 2 fetches 3; the extra row only signals continuation.
	repo.On("PageMessages", mock.Anything, "t1", time.Time{}, "", 3).Return(stored, nil).Once()

	page, err := svc.FetchPage(context.Background(), "t1", time.Time{}, "", 2)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "newest", page.Messages[0].Content)
	assert.Equal(t, "middle", page.Messages[1].Content)
	repo.AssertExpectations(t)
}

func TestFetchPageForwardsCompositeCursor(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	svc := newTestService(t, repo, new(mocks.ObjectStoreMock))

	cursor := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	repo.On("PageMessages", mock.Anything, "t1", cursor, "edge-id", 11).
		Return([]models.Message{}, nil).Once()

	_, err := svc.FetchPage(context.Background(), "t1", cursor, "edge-id", 10)
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestFetchPageKeepsMalformedEntries(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	svc := newTestService(t, repo, new(mocks.ObjectStoreMock))

	cipher, err := security.NewCipher(testKeyHex)
	require.NoError(t, err)
	sealed, err := cipher.Encrypt("fine")
	require.NoError(t, err)

	repo.On("PageMessages", mock.Anything, "t1", time.Time{}, "", 51).Return([]models.Message{
		{ID: "m1", Content: sealed},
		{ID: "m2", Content: "gcm:broken"},
	}, nil).Once()

	page, err := svc.FetchPage(context.Background(), "t1", time.Time{}, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "fine", page.Messages[0].Content)
	assert.Equal(t, "gcm:broken", page.Messages[1].Content)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	svc := newTestService(t, repo, new(mocks.ObjectStoreMock))

	repo.On("MarkRead", mock.Anything, "m1", mock.Anything).Return(true, nil).Once()
	repo.On("MarkRead", mock.Anything, "m1", mock.Anything).Return(false, nil).Once()

	require.NoError(t, svc.MarkRead(context.Background(), "m1"))
	require.NoError(t, svc.MarkRead(context.Background(), "m1"))
	repo.AssertExpectations(t)
}

func TestListThreadsDecryptsPreviews(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	svc := newTestService(t, repo, new(mocks.ObjectStoreMock))

	cipher, err := security.NewCipher(testKeyHex)
	require.NoError(t, err)
	sealed, err := cipher.Encrypt("latest update")
	require.NoError(t, err)

	repo.On("ListThreads", mock.Anything, testClient).Return([]models.ThreadSummary{
		{ThreadID: "t1", LastMessage: &models.Message{ID: "m1", Content: sealed}, UnreadCount: 2},
	}, nil).Once()

	summaries, err := svc.ListThreads(context.Background(), testClient)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "latest update", summaries[0].LastMessage.Content)
	assert.Equal(t, 2, summaries[0].UnreadCount)
}
