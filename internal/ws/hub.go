package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

// Hub maintains the active websocket sessions per conversation thread.
type Hub struct {
	rooms    map[string]map[*websocket.Conn]bool
	connInfo map[string]map[*websocket.Conn]ConnInfo
	mu       sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:    make(map[string]map[*websocket.Conn]bool),
		connInfo: make(map[string]map[*websocket.Conn]ConnInfo),
	}
}

// AddClient registers a websocket connection to a thread room.
func (h *Hub) AddClient(threadID string, conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[threadID]; !ok {
		h.rooms[threadID] = make(map[*websocket.Conn]bool)
	}
	h.rooms[threadID][conn] = true
	if _, ok := h.connInfo[threadID]; !ok {
		h.connInfo[threadID] = make(map[*websocket.Conn]ConnInfo)
	}
	h.connInfo[threadID][conn] = info
}

// RemoveClient removes a thread websocket connection.
func (h *Hub) RemoveClient(threadID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[threadID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, threadID)
		}
	}
	if infos, ok := h.connInfo[threadID]; ok {
		delete(infos, conn)
		if len(infos) == 0 {
			delete(h.connInfo, threadID)
		}
	}
}

// Broadcast sends a thread event to every session in the thread room.
func (h *Hub) Broadcast(threadID string, event models.ThreadEvent) {
	h.broadcast(threadID, event)
}

// Send writes an event to a single connection.
func (h *Hub) Send(threadID string, conn *websocket.Conn, event models.ThreadEvent) {
	payload, _ := json.Marshal(event)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Printf("websocket write error: %v", err)
		conn.Close()
		h.RemoveClient(threadID, conn)
		h.publishWSError(threadID, conn, err)
	}
}

// BroadcastDocument fans a document event out to every open session; the
// receiving views filter by case themselves.
func (h *Hub) BroadcastDocument(event models.ThreadEvent) {
	h.mu.RLock()
	threadIDs := make([]string, 0, len(h.rooms))
	for threadID := range h.rooms {
		threadIDs = append(threadIDs, threadID)
	}
	h.mu.RUnlock()

	for _, threadID := range threadIDs {
		h.broadcast(threadID, event)
	}
}

func (h *Hub) broadcast(threadID string, event models.ThreadEvent) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.rooms[threadID]))
	for conn := range h.rooms[threadID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	payload, _ := json.Marshal(event)
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("websocket write error: %v", err)
			conn.Close()
			h.RemoveClient(threadID, conn)
			h.publishWSError(threadID, conn, err)
		}
	}
}

func (h *Hub) publishWSError(threadID string, conn *websocket.Conn, err error) {
	info, ok := h.getConnInfo(threadID, conn)
	if !ok {
		return
	}

	envelope := observability.NewWSEnvelope(
		observability.WSLifecycle{
			ThreadID:   threadID,
			Event:      "ws_error",
			ConnID:     info.ConnID,
			DurationMS: time.Since(info.ConnectedAt).Milliseconds(),
			Reason:     err.Error(),
		},
		observability.WSIdentity{
			PartyID:   info.Party.ID,
			PartyType: string(info.Party.Type),
			DeviceID:  info.DeviceID,
			IP:        info.IP,
		},
	)
	_ = observability.PublishEvent(context.Background(), "ws_events.threads", envelope,
		observability.BuildHeaders(info.RequestID, info.TraceID))
	observability.IncWSEvent("ws_error")
}

func (h *Hub) getConnInfo(threadID string, conn *websocket.Conn) (ConnInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if infos, ok := h.connInfo[threadID]; ok {
		info, exists := infos[conn]
		return info, exists
	}
	return ConnInfo{}, false
}
