package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/remote-control/internal/api/http/dto"
	"github.com/EternisAI/remote-control/internal/command"
)

var tagStatus = map[string]int{
	"validation_failed": http.StatusBadRequest,
	"not_connected":     http.StatusConflict,
	"auth_failed":       http.StatusForbidden,
	"connect_refused":   http.StatusBadGateway,
	"connection_lost":   http.StatusBadGateway,
	"connect_timeout":   http.StatusGatewayTimeout,
	"timed_out":         http.StatusGatewayTimeout,
	"cancelled":         http.StatusServiceUnavailable,
}

func statusFor(tag string) int {
	if status, ok := tagStatus[tag]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	tag := command.Tag(err)
	c.JSON(statusFor(tag), dto.ErrorResponse{Error: err.Error(), Tag: tag})
}
