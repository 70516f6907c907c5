package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/config"
)

type HealthHandler struct {
	backend string
	caps    config.Capabilities
}

func NewHealthHandler(backend string, caps config.Capabilities) *HealthHandler {
	return &HealthHandler{backend: backend, caps: caps}
}

func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"remote_backend": h.backend,
		"remote_primary": h.caps.RemotePrimary,
		"auto_backup":    h.caps.AutoBackup,
		"scheduler":      h.caps.Scheduler,
	})
}
