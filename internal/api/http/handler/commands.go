package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/remote-control/internal/api/http/dto"
	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/dispatch"
)

type Executor interface {
	Execute(ctx context.Context, endpoint command.Endpoint, kind command.Kind, args command.Args, timeout time.Duration, opts ...dispatch.CallOption) (*command.Result, error)
	Reject(target string, kind command.Kind, err error)
}

type CommandsHandler struct {
	executor    Executor
	defaultPort uint16
}

func NewCommandsHandler(executor Executor, defaultPort uint16) *CommandsHandler {
	return &CommandsHandler{executor: executor, defaultPort: defaultPort}
}

// Execute runs one command against a connected agent. Agent-side failures
// come back as a 200 with status "failed"; dispatch failures carry a tag.
// POST /api/v1/commands
func (h *CommandsHandler) Execute(c *gin.Context) {
	var req dto.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		err = fmt.Errorf("%w: %v", command.ErrValidationFailed, err)
		h.executor.Reject(req.Host, command.KindUnknown, err)
		writeError(c, err)
		return
	}

	port := req.Port
	if port == 0 {
		port = h.defaultPort
	}
	kind, implied, err := command.ParseKind(req.Kind)
	endpoint, endpointErr := command.ParseEndpoint(req.Host, port)
	if endpointErr != nil {
		h.executor.Reject(req.Host, kind, endpointErr)
		writeError(c, endpointErr)
		return
	}
	if err != nil {
		h.executor.Reject(endpoint.String(), kind, err)
		writeError(c, err)
		return
	}
	args := req.Args
	if args.App == "" {
		args.App = implied.App
	}

	var opts []dispatch.CallOption
	if req.Retry != nil {
		opts = append(opts, dispatch.WithRetry(*req.Retry))
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond

	result, err := h.executor.Execute(c.Request.Context(), endpoint, kind, args, timeout, opts...)
	if err != nil {
		tag := command.Tag(err)
		c.JSON(statusFor(tag), dto.CommandErrorResponse{Error: err.Error(), Tag: tag, Result: result})
		return
	}
	c.JSON(http.StatusOK, result)
}
