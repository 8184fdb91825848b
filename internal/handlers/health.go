package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"messaging-service/internal/realtime"
)

// HealthHandler reports process liveness plus the state of the record store
// and the delivery bus.
type HealthHandler struct {
	db  *sqlx.DB
	bus *realtime.Bus
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(db *sqlx.DB, bus *realtime.Bus) *HealthHandler {
	return &HealthHandler{db: db, bus: bus}
}

// Health returns 200 when the record store answers, 503 otherwise. The bus
// status is informational only; a reconnecting bus does not fail the check.
func (h *HealthHandler) Health(c *gin.Context) {
	status := http.StatusOK
	dbState := "up"
	if err := h.db.PingContext(c.Request.Context()); err != nil {
		status = http.StatusServiceUnavailable
		dbState = "down"
	}

	c.JSON(status, gin.H{
		"status":       dbState,
		"delivery_bus": h.bus.Status(),
	})
}
