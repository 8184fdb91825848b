package ws

import (
	"time"

	"messaging-service/internal/models"
)

type ConnInfo struct {
	ConnID      string
	Party       models.Party
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
