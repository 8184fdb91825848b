package receipts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
)

type markerMock struct {
	mock.Mock
}

func (m *markerMock) MarkRead(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

var viewer = models.Party{Type: models.PartyStaff, ID: "s1"}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never met")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestActivateMarksUnreadAfterDebounce(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	marker := new(markerMock)

	var mu sync.Mutex
	var refreshed []string
	tracker := NewTracker(repo, marker, 30*time.Millisecond, func(threadID string) {
		mu.Lock()
		refreshed = append(refreshed, threadID)
		mu.Unlock()
	})
	defer tracker.Close()

	repo.On("UnreadForRecipient", mock.Anything, "t1", viewer).Return([]models.Message{
		{ID: "m1"}, {ID: "m2"},
	}, nil).Once()
	marker.On("MarkRead", mock.Anything, "m1").Return(nil).Once()
	marker.On("MarkRead", mock.Anything, "m2").Return(nil).Once()

	tracker.Activate("t1", viewer)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(refreshed) == 1
	})
	assert.Equal(t, []string{"t1"}, refreshed)
	repo.AssertExpectations(t)
	marker.AssertExpectations(t)
}

func TestDeactivateCancelsPendingPass(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	marker := new(markerMock)
	tracker := NewTracker(repo, marker, 30*time.Millisecond, nil)
	defer tracker.Close()

	tracker.Activate("t1", viewer)
	tracker.Deactivate("t1", viewer)

	time.Sleep(100 * time.Millisecond)
	repo.AssertNotCalled(t, "UnreadForRecipient", mock.Anything, mock.Anything, mock.Anything)
}

func TestConcurrentViewersKeepSeparateWindows(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	marker := new(markerMock)
	tracker := NewTracker(repo, marker, 30*time.Millisecond, nil)
	defer tracker.Close()

	other := models.Party{Type: models.PartyClient, ID: "c1"}
	repo.On("UnreadForRecipient", mock.Anything, "t1", viewer).Return([]models.Message{
		{ID: "m1"},
	}, nil).Once()
	repo.On("UnreadForRecipient", mock.Anything, "t1", other).Return([]models.Message(nil), nil).Once()
	marker.On("MarkRead", mock.Anything, "m1").Return(nil).Once()

	// The second participant focusing the same thread inside the debounce
	// window must not replace the first one's pending pass.
	tracker.Activate("t1", viewer)
	time.Sleep(10 * time.Millisecond)
	tracker.Activate("t1", other)

	time.Sleep(100 * time.Millisecond)
	repo.AssertExpectations(t)
	marker.AssertExpectations(t)
}

func TestDeactivateByOtherViewerKeepsPending(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	marker := new(markerMock)
	tracker := NewTracker(repo, marker, 30*time.Millisecond, nil)
	defer tracker.Close()

	other := models.Party{Type: models.PartyClient, ID: "c1"}
	repo.On("UnreadForRecipient", mock.Anything, "t1", viewer).Return([]models.Message{
		{ID: "m1"},
	}, nil).Once()
	marker.On("MarkRead", mock.Anything, "m1").Return(nil).Once()

	// The peer disconnecting mid-window only cancels their own pass.
	tracker.Activate("t1", viewer)
	tracker.Deactivate("t1", other)

	time.Sleep(100 * time.Millisecond)
	repo.AssertExpectations(t)
	marker.AssertExpectations(t)
}

func TestReactivationRestartsDebounceWindow(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	marker := new(markerMock)
	tracker := NewTracker(repo, marker, 150*time.Millisecond, nil)
	defer tracker.Close()

	repo.On("UnreadForRecipient", mock.Anything, "t1", viewer).Return([]models.Message(nil), nil).Once()

	tracker.Activate("t1", viewer)
	time.Sleep(100 * time.Millisecond)
	tracker.Activate("t1", viewer)
	time.Sleep(100 * time.Millisecond)

	// 200ms after the first activation only the restarted window counts.
	repo.AssertNotCalled(t, "UnreadForRecipient", mock.Anything, mock.Anything, mock.Anything)

	time.Sleep(150 * time.Millisecond)
	repo.AssertExpectations(t)
}

func TestFlushContinuesPastMarkErrors(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	marker := new(markerMock)

	done := make(chan struct{}, 1)
	tracker := NewTracker(repo, marker, 10*time.Millisecond, func(string) { done <- struct{}{} })
	defer tracker.Close()

	repo.On("UnreadForRecipient", mock.Anything, "t1", viewer).Return([]models.Message{
		{ID: "m1"}, {ID: "m2"},
	}, nil).Once()
	marker.On("MarkRead", mock.Anything, "m1").Return(assert.AnError).Once()
	marker.On("MarkRead", mock.Anything, "m2").Return(nil).Once()

	tracker.Activate("t1", viewer)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flush never completed")
	}
	marker.AssertExpectations(t)
}

func TestNoRefreshWhenNothingUnread(t *testing.T) {
	repo := new(mocks.MessageRepositoryMock)
	marker := new(markerMock)

	refreshed := make(chan struct{}, 1)
	tracker := NewTracker(repo, marker, 10*time.Millisecond, func(string) { refreshed <- struct{}{} })
	defer tracker.Close()

	repo.On("UnreadForRecipient", mock.Anything, "t1", viewer).Return([]models.Message(nil), nil).Once()

	tracker.Activate("t1", viewer)

	select {
	case <-refreshed:
		t.Fatal("refresh fired with nothing marked")
	case <-time.After(100 * time.Millisecond):
	}
	require.True(t, repo.AssertExpectations(t))
}
