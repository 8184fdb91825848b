package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/security"
)

const notifyChannel = "record_changes"

// Status is the connection state of the bus. It cycles
// connecting -> connected -> disconnected -> connecting on every drop.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Event is a normalized change notification. Message is set for rows of the
// messages table (content already decrypted), Document for the documents
// table.
type Event struct {
	Kind     string
	Table    string
	Message  *models.Message
	Document *models.Document
}

// MessageSource resolves full message rows, attachments included, for change
// payloads that carry only the id or lack the attachment records.
type MessageSource interface {
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
}

// DocumentSource resolves full document rows for id-only change payloads.
type DocumentSource interface {
	GetDocument(ctx context.Context, documentID string) (models.Document, error)
}

type changePayload struct {
	Kind   string          `json:"kind"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

// Bus listens on the record-store change feed and re-dispatches normalized
// events to in-process listeners. One subscription cycle owns one listener;
// on every drop the subscription is torn down and recreated after a fixed
// delay, never stacked.
type Bus struct {
	dsn        string
	cipher     *security.Cipher
	messages   MessageSource
	documents  DocumentSource
	retryDelay time.Duration

	mu              sync.RWMutex
	status          Status
	nextID          int
	listeners       map[int]func(Event)
	statusListeners map[int]func(Status)
}

// NewBus constructs a Bus. Start must be called before events flow.
func NewBus(dsn string, cipher *security.Cipher, messages MessageSource, documents DocumentSource, retryDelay time.Duration) *Bus {
	return &Bus{
		dsn:             dsn,
		cipher:          cipher,
		messages:        messages,
		documents:       documents,
		retryDelay:      retryDelay,
		status:          StatusDisconnected,
		listeners:       make(map[int]func(Event)),
		statusListeners: make(map[int]func(Status)),
	}
}

// Subscribe registers a listener for change events. The returned function
// unsubscribes it.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// SubscribeStatus registers a listener for connection-status changes. The
// current status is delivered immediately.
func (b *Bus) SubscribeStatus(fn func(Status)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.statusListeners[id] = fn
	current := b.status
	b.mu.Unlock()

	fn(current)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.statusListeners, id)
	}
}

// Status returns the current connection status.
func (b *Bus) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Start runs the listen/redispatch loop until the context is canceled.
func (b *Bus) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *Bus) run(ctx context.Context) {
	for {
		b.setStatus(StatusConnecting)

		listener := pq.NewListener(b.dsn, time.Second, b.retryDelay, nil)
		if err := listener.Listen(notifyChannel); err != nil {
			log.Printf("delivery bus listen failed: %v", err)
			listener.Close()
			b.setStatus(StatusDisconnected)
			if !b.sleep(ctx) {
				return
			}
			continue
		}

		b.setStatus(StatusConnected)
		alive := b.consume(ctx, listener)
		listener.Close()
		if !alive {
			b.setStatus(StatusDisconnected)
			return
		}

		b.setStatus(StatusDisconnected)
		if !b.sleep(ctx) {
			return
		}
	}
}

// consume pumps notifications until the connection drops (returns true) or
// the context ends (returns false).
func (b *Bus) consume(ctx context.Context, listener *pq.Listener) bool {
	ping := time.NewTicker(time.Minute)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case notification, ok := <-listener.Notify:
			if !ok {
				return true
			}
			if notification == nil {
				// pq signals a reconnect with a nil notification. Treat it
				// as a drop so the cycle tears down and resubscribes.
				return true
			}
			b.dispatch(notification.Extra)
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				log.Printf("delivery bus ping failed: %v", err)
				return true
			}
		}
	}
}

func (b *Bus) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(b.retryDelay):
		return true
	}
}

func (b *Bus) setStatus(status Status) {
	b.mu.Lock()
	if b.status == status {
		b.mu.Unlock()
		return
	}
	b.status = status
	subs := make([]func(Status), 0, len(b.statusListeners))
	for _, fn := range b.statusListeners {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	observability.SetBusConnected(status == StatusConnected)
	for _, fn := range subs {
		fn(status)
	}
}

func (b *Bus) resolveMessage(messageID string) (models.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.messages.GetMessage(ctx, messageID)
}

func (b *Bus) resolveDocument(documentID string) (models.Document, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.documents.GetDocument(ctx, documentID)
}

func (b *Bus) dispatch(payload string) {
	var change changePayload
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		log.Printf("delivery bus: malformed change payload: %v", err)
		return
	}

	event := Event{Kind: change.Kind, Table: change.Table}
	switch change.Table {
	case "messages":
		var msg models.Message
		if err := json.Unmarshal(change.Record, &msg); err != nil {
			log.Printf("delivery bus: malformed message record: %v", err)
			return
		}
		if msg.ID == "" {
			log.Printf("delivery bus: message record without id")
			return
		}
		// Inserts refetch the stored row: the trigger fires before the
		// attachment records land, and oversized rows arrive id-only.
		if change.Kind == "insert" || msg.ThreadID == "" {
			full, err := b.resolveMessage(msg.ID)
			if err != nil {
				if msg.ThreadID == "" {
					log.Printf("delivery bus: resolve message %s: %v", msg.ID, err)
					return
				}
				log.Printf("delivery bus: resolve message %s, using row payload: %v", msg.ID, err)
			} else {
				msg = full
			}
		}
		// Content reaches listeners plaintext; a failed decrypt keeps the
		// stored value rather than dropping the event.
		plaintext, err := b.cipher.Decrypt(msg.Content)
		if err != nil {
			observability.IncDecryptFailure()
		} else {
			msg.Content = plaintext
		}
		event.Message = &msg
	case "documents":
		var doc models.Document
		if err := json.Unmarshal(change.Record, &doc); err != nil {
			log.Printf("delivery bus: malformed document record: %v", err)
			return
		}
		if doc.CaseID == "" {
			full, err := b.resolveDocument(doc.ID)
			if err != nil {
				log.Printf("delivery bus: resolve document %s: %v", doc.ID, err)
				return
			}
			doc = full
		}
		event.Document = &doc
	default:
		return
	}

	observability.IncBusEvent(change.Table, change.Kind)

	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.listeners))
	for _, fn := range b.listeners {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}
