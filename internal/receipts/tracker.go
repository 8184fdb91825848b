package receipts

import (
	"context"
	"log"
	"sync"
	"time"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// Marker flips a single message to read. Satisfied by the messaging facade.
type Marker interface {
	MarkRead(ctx context.Context, messageID string) error
}

// Tracker marks inbound unread messages as read when their thread becomes
// the active viewport. The transition is debounced so rapid thread switching
// does not mark conversations the viewer only glanced past.
type Tracker struct {
	repo     repositories.MessageRepository
	marker   Marker
	debounce time.Duration
	// onRefresh is invoked after a batch completes so the view can reload
	// its message list and show the updated checkmarks.
	onRefresh func(threadID string)

	mu     sync.Mutex
	closed bool
	// Debounce windows are independent per viewer: each participant of a
	// thread owns their own pending pass.
	pending map[string]map[models.Party]*time.Timer
}

// NewTracker constructs a Tracker.
func NewTracker(repo repositories.MessageRepository, marker Marker, debounce time.Duration, onRefresh func(threadID string)) *Tracker {
	return &Tracker{
		repo:      repo,
		marker:    marker,
		debounce:  debounce,
		onRefresh: onRefresh,
		pending:   make(map[string]map[models.Party]*time.Timer),
	}
}

// Activate signals that the thread became visible to the viewer. The mark
// pass runs after the debounce window unless the viewer deactivates (or
// re-activates, which restarts their window) first.
func (t *Tracker) Activate(threadID string, viewer models.Party) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	viewers, ok := t.pending[threadID]
	if !ok {
		viewers = make(map[models.Party]*time.Timer)
		t.pending[threadID] = viewers
	}
	if timer, ok := viewers[viewer]; ok {
		timer.Stop()
	}
	viewers[viewer] = time.AfterFunc(t.debounce, func() {
		t.flush(threadID, viewer)
	})
}

// Deactivate cancels the viewer's pending mark pass for the thread, for when
// they switch away before the debounce lapses. Other viewers' windows on the
// same thread keep running.
func (t *Tracker) Deactivate(threadID string, viewer models.Party) {
	t.mu.Lock()
	defer t.mu.Unlock()
	viewers, ok := t.pending[threadID]
	if !ok {
		return
	}
	if timer, ok := viewers[viewer]; ok {
		timer.Stop()
		delete(viewers, viewer)
	}
	if len(viewers) == 0 {
		delete(t.pending, threadID)
	}
}

// Close cancels every pending timer.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, viewers := range t.pending {
		for _, timer := range viewers {
			timer.Stop()
		}
	}
	t.pending = make(map[string]map[models.Party]*time.Timer)
}

func (t *Tracker) flush(threadID string, viewer models.Party) {
	t.mu.Lock()
	if viewers, ok := t.pending[threadID]; ok {
		delete(viewers, viewer)
		if len(viewers) == 0 {
			delete(t.pending, threadID)
		}
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	unread, err := t.repo.UnreadForRecipient(ctx, threadID, viewer)
	if err != nil {
		log.Printf("read receipts: load unread for thread %s: %v", threadID, err)
		return
	}
	if len(unread) == 0 {
		return
	}

	// Marking is idempotent, so a concurrent pass over the same messages is
	// harmless and a partial failure leaves the rest marked.
	for _, msg := range unread {
		if err := t.marker.MarkRead(ctx, msg.ID); err != nil {
			log.Printf("read receipts: mark %s: %v", msg.ID, err)
		}
	}

	if t.onRefresh != nil {
		t.onRefresh(threadID)
	}
}
