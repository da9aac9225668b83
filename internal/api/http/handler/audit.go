package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/EternisAI/remote-control/internal/api/http/dto"
	"github.com/EternisAI/remote-control/internal/audit"
)

const (
	maxAuditLimit = 1000
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
	wsWriteWait   = 10 * time.Second
)

type AuditLog interface {
	List(ctx context.Context, limit int) ([]audit.Entry, error)
	Subscribe(buffer int) (<-chan audit.Entry, func())
}

type AuditHandler struct {
	log      AuditLog
	upgrader websocket.Upgrader
}

func NewAuditHandler(log AuditLog) *AuditHandler {
	return &AuditHandler{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The mobile webview loads from a file:// or app:// origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// List returns the most recent entries first.
// GET /api/v1/audit?limit=
func (h *AuditHandler) List(c *gin.Context) {
	limit := audit.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "limit must be a positive integer", Tag: "validation_failed"})
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := h.log.List(c.Request.Context(), limit)
	if err != nil {
		slog.Error("Failed to list audit entries", "error", err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to list audit entries"})
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	c.JSON(http.StatusOK, dto.AuditResponse{Entries: entries, Count: len(entries)})
}

// Stream pushes entries to a websocket as they are recorded.
// GET /api/v1/audit/stream
func (h *AuditHandler) Stream(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	entries, unsubscribe := h.log.Subscribe(64)
	defer unsubscribe()

	slog.Info("Audit stream opened", "remote_addr", c.Request.RemoteAddr)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			slog.Info("Audit stream closed", "remote_addr", c.Request.RemoteAddr)
			return
		case entry, ok := <-entries:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "audit log closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(entry); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
