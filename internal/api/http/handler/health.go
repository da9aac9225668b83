package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/remote-control/internal/api/http/dto"
	"github.com/EternisAI/remote-control/internal/conn"
)

type HealthHandler struct {
	lister ConnectionLister
}

func NewHealthHandler(lister ConnectionLister) *HealthHandler {
	return &HealthHandler{lister: lister}
}

// Check is a liveness check and always answers 200. Status reads "degraded"
// while the network collaborator reports no usable interface.
func (h *HealthHandler) Check(ctx *gin.Context) {
	resp := dto.HealthResponse{Status: "ok", NetworkAvailable: h.lister.NetworkAvailable()}
	if !resp.NetworkAvailable {
		resp.Status = "degraded"
	}
	for _, info := range h.lister.List() {
		resp.Connections++
		if info.State == conn.StateAuthenticated {
			resp.Authenticated++
		}
	}
	ctx.JSON(http.StatusOK, resp)
}
