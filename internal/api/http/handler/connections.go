package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/remote-control/internal/api/http/dto"
	"github.com/EternisAI/remote-control/internal/auth"
	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/conn"
)

type Connector interface {
	Connect(ctx context.Context, endpoint command.Endpoint, creds auth.Credentials) (*conn.Connection, error)
	Disconnect(endpoint command.Endpoint) bool
}

type ConnectionLister interface {
	List() []conn.Info
	NetworkAvailable() bool
}

type ConnectionsHandler struct {
	connector   Connector
	lister      ConnectionLister
	creds       auth.Credentials
	defaultPort uint16
}

func NewConnectionsHandler(connector Connector, lister ConnectionLister, creds auth.Credentials, defaultPort uint16) *ConnectionsHandler {
	return &ConnectionsHandler{
		connector:   connector,
		lister:      lister,
		creds:       creds,
		defaultPort: defaultPort,
	}
}

// Connect opens (or reuses) the connection to an agent.
// POST /api/v1/connections
func (h *ConnectionsHandler) Connect(c *gin.Context) {
	var req dto.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Tag: "validation_failed"})
		return
	}

	port := req.Port
	if port == 0 {
		port = h.defaultPort
	}
	endpoint, err := command.ParseEndpoint(req.Host, port)
	if err != nil {
		writeError(c, err)
		return
	}

	connection, err := h.connector.Connect(c.Request.Context(), endpoint, h.creds)
	if err != nil {
		slog.Warn("Connect failed", "endpoint", endpoint.String(), "error", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, connection.Info())
}

// List returns every connection with its state.
// GET /api/v1/connections
func (h *ConnectionsHandler) List(c *gin.Context) {
	infos := h.lister.List()
	c.JSON(http.StatusOK, dto.ConnectionsResponse{
		Connections:      infos,
		Count:            len(infos),
		NetworkAvailable: h.lister.NetworkAvailable(),
	})
}

// Disconnect closes the connection to an agent.
// DELETE /api/v1/connections/:endpoint
func (h *ConnectionsHandler) Disconnect(c *gin.Context) {
	endpoint, err := command.ParseEndpoint(c.Param("endpoint"), h.defaultPort)
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.connector.Disconnect(endpoint) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "connection not found", Tag: "not_connected"})
		return
	}
	slog.Info("Disconnected from agent", "endpoint", endpoint.String())
	c.Status(http.StatusNoContent)
}

// Network reports the network status collaborator's view.
// GET /api/v1/network
func (h *ConnectionsHandler) Network(c *gin.Context) {
	c.JSON(http.StatusOK, dto.NetworkResponse{Available: h.lister.NetworkAvailable()})
}
