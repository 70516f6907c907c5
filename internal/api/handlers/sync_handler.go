// backend-go/internal/api/handlers/sync_handler.go
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/syncrun"
)

// SyncRunner is the part of the run coordinator the API drives.
type SyncRunner interface {
	Status() domain.SyncStatus
	RunAsync(req syncrun.RunRequest) syncrun.AsyncAck
}

// SyncDefaults fill in fields a trigger request leaves out.
type SyncDefaults struct {
	Direction string
	Verify    bool
}

type SyncHandler struct {
	runner   SyncRunner
	defaults SyncDefaults
}

func NewSyncHandler(runner SyncRunner, defaults SyncDefaults) *SyncHandler {
	if defaults.Direction == "" {
		defaults.Direction = string(domain.DirectionBoth)
	}
	return &SyncHandler{runner: runner, defaults: defaults}
}

type triggerRequest struct {
	Direction *string `json:"direction"`
	Force     *bool   `json:"force"`
	Verify    *bool   `json:"verify"`
}

// GetStatus returns the persisted sync status
func (h *SyncHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.Status())
}

// Trigger starts a sync in the background and returns the previous status
func (h *SyncHandler) Trigger(c *gin.Context) {
	var body triggerRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	req := syncrun.RunRequest{
		Direction: h.defaults.Direction,
		Verify:    h.defaults.Verify,
	}
	if body.Direction != nil {
		req.Direction = *body.Direction
	}
	if body.Force != nil {
		req.Force = *body.Force
	}
	if body.Verify != nil {
		req.Verify = *body.Verify
	}
	if _, ok := domain.ParseDirection(req.Direction); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid direction: " + req.Direction})
		return
	}

	c.JSON(http.StatusAccepted, h.runner.RunAsync(req))
}
