// backend-go/internal/api/handlers/data_handler.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/storage"
)

type DataHandler struct {
	store storage.ObjectStore
}

func NewDataHandler(store storage.ObjectStore) *DataHandler {
	return &DataHandler{store: store}
}

// ListSenders returns every sender with local data
func (h *DataHandler) ListSenders(c *gin.Context) {
	senders, err := h.store.SenderDirs()
	if err != nil {
		log.Error().Err(err).Msg("failed to list senders")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list senders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"senders": senders})
}

// ListSubmissions returns the submissions of one sender, newest first
func (h *DataHandler) ListSubmissions(c *gin.Context) {
	sender := storage.SanitizeSender(c.Param("sender"))
	submissions, err := h.store.Submissions(sender)
	if err != nil {
		log.Error().Err(err).Str("sender", sender).Msg("failed to list submissions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list submissions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sender": sender, "submissions": submissions})
}

// GetSubmission returns one payload without its reserved keys
func (h *DataHandler) GetSubmission(c *gin.Context) {
	sender := storage.SanitizeSender(c.Param("sender"))
	id := c.Param("id")
	if storage.SanitizeSender(id) != id {
		c.JSON(http.StatusNotFound, gin.H{"error": "Submission not found"})
		return
	}

	payload, err := h.store.ReadPayload(sender, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Submission not found"})
	case errors.Is(err, storage.ErrCorrupt):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Corrupted data file"})
	case err != nil:
		log.Error().Err(err).Str("sender", sender).Str("id", id).Msg("failed to read submission")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read submission"})
	default:
		c.JSON(http.StatusOK, payload)
	}
}
