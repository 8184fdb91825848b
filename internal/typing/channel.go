package typing

import (
	"sync"
	"time"

	"messaging-service/internal/models"
)

// Broadcaster carries a typing event to the other sessions of a thread.
type Broadcaster func(models.TypingEvent)

type senderState struct {
	recipientID string
	typing      bool
	idleTimer   *time.Timer
}

type peerState struct {
	typing      bool
	expiryTimer *time.Timer
}

// Channel manages ephemeral typing signals for one session identity. The
// sender side debounces keystrokes into start/stop broadcasts; the receiver
// side mirrors peer state with an auto-expiry guard so a lost stop event
// cannot leave "peer is typing" stuck on.
type Channel struct {
	identity    models.Party
	idleTimeout time.Duration
	expiry      time.Duration
	broadcast   Broadcaster

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []func()
	closed    bool
	senders   map[string]*senderState
	peers     map[string]*peerState
	watchers  map[string]map[int]func(bool)
	nextWatch int
}

// NewChannel constructs a Channel for the given local identity.
func NewChannel(identity models.Party, idleTimeout, expiry time.Duration, broadcast Broadcaster) *Channel {
	c := &Channel{
		identity:    identity,
		idleTimeout: idleTimeout,
		expiry:      expiry,
		broadcast:   broadcast,
		senders:     make(map[string]*senderState),
		peers:       make(map[string]*peerState),
		watchers:    make(map[string]map[int]func(bool)),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.deliver()
	return c
}

// deliver drains the event queue on a single goroutine. Callbacks run outside
// the lock, in the order the state changes occurred; a start/stop pair can
// never reach a peer swapped.
func (c *Channel) deliver() {
	c.mu.Lock()
	for {
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		fn := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
}

// enqueue appends a delivery callback. Callers hold c.mu.
func (c *Channel) enqueue(fn func()) {
	c.queue = append(c.queue, fn)
	c.cond.Signal()
}

// Keystroke records composing activity in a thread. The first keystroke
// broadcasts typing=true immediately; the rolling idle timer broadcasts
// typing=false after it lapses with no further keystrokes.
func (c *Channel) Keystroke(threadID, recipientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	state, ok := c.senders[threadID]
	if !ok {
		state = &senderState{recipientID: recipientID}
		c.senders[threadID] = state
	}
	state.recipientID = recipientID

	if !state.typing {
		state.typing = true
		c.emit(threadID, recipientID, true)
	}

	if state.idleTimer != nil {
		state.idleTimer.Stop()
	}
	state.idleTimer = time.AfterFunc(c.idleTimeout, func() {
		c.Stop(threadID, recipientID)
	})
}

// Stop ends the local typing state, broadcasting typing=false when the flag
// was set. Called on idle lapse and on send.
func (c *Channel) Stop(threadID, recipientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.senders[threadID]
	if !ok || !state.typing {
		return
	}
	state.typing = false
	if state.idleTimer != nil {
		state.idleTimer.Stop()
		state.idleTimer = nil
	}
	c.emit(threadID, recipientID, false)
}

// Observe processes an inbound typing event from a peer. Events addressed to
// a different identity are ignored. typing=true arms the expiry timer; if no
// typing=false arrives before it fires, peer state reverts on its own.
func (c *Channel) Observe(event models.TypingEvent) {
	if event.RecipientID != c.identity.ID || event.SenderID == c.identity.ID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	state, ok := c.peers[event.ThreadID]
	if !ok {
		state = &peerState{}
		c.peers[event.ThreadID] = state
	}

	if state.expiryTimer != nil {
		state.expiryTimer.Stop()
		state.expiryTimer = nil
	}

	if event.IsTyping {
		if !state.typing {
			state.typing = true
			c.notifyWatchers(event.ThreadID, true)
		}
		threadID := event.ThreadID
		state.expiryTimer = time.AfterFunc(c.expiry, func() {
			c.expirePeer(threadID)
		})
		return
	}

	if state.typing {
		state.typing = false
		c.notifyWatchers(event.ThreadID, false)
	}
}

// PeerTyping reports whether the peer of a thread is currently typing.
func (c *Channel) PeerTyping(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.peers[threadID]
	return ok && state.typing
}

// Watch registers a callback for peer-typing changes of a thread. The
// returned function unregisters it.
func (c *Channel) Watch(threadID string, fn func(bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchers[threadID] == nil {
		c.watchers[threadID] = make(map[int]func(bool))
	}
	id := c.nextWatch
	c.nextWatch++
	c.watchers[threadID][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if set, ok := c.watchers[threadID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(c.watchers, threadID)
			}
		}
	}
}

// Close cancels every owned timer so switching threads or tearing down a
// session never leaks one.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, state := range c.senders {
		if state.idleTimer != nil {
			state.idleTimer.Stop()
		}
	}
	for _, state := range c.peers {
		if state.expiryTimer != nil {
			state.expiryTimer.Stop()
		}
	}
	c.senders = make(map[string]*senderState)
	c.peers = make(map[string]*peerState)
	c.cond.Signal()
}

func (c *Channel) expirePeer(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.peers[threadID]
	if !ok || !state.typing {
		return
	}
	state.typing = false
	state.expiryTimer = nil
	c.notifyWatchers(threadID, false)
}

func (c *Channel) emit(threadID, recipientID string, isTyping bool) {
	if c.broadcast == nil {
		return
	}
	event := models.TypingEvent{
		ThreadID:    threadID,
		SenderID:    c.identity.ID,
		RecipientID: recipientID,
		IsTyping:    isTyping,
		Timestamp:   time.Now().UTC(),
	}
	c.enqueue(func() { c.broadcast(event) })
}

func (c *Channel) notifyWatchers(threadID string, typing bool) {
	fns := make([]func(bool), 0, len(c.watchers[threadID]))
	for _, fn := range c.watchers[threadID] {
		fns = append(fns, fn)
	}
	if len(fns) == 0 {
		return
	}
	c.enqueue(func() {
		for _, fn := range fns {
			fn(typing)
		}
	})
}
