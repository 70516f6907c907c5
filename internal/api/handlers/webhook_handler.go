// backend-go/internal/api/handlers/webhook_handler.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/domain"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/service"
)

// Ingester stores one webhook delivery.
type Ingester interface {
	Ingest(ctx context.Context, req service.IngestRequest) *domain.IngestResponse
}

type WebhookHandler struct {
	ingester Ingester
}

func NewWebhookHandler(ingester Ingester) *WebhookHandler {
	return &WebhookHandler{ingester: ingester}
}

// Receive accepts a JSON object and stores it.
// 200 when stored as requested, 202 when only a local fallback copy was kept.
func (h *WebhookHandler) Receive(c *gin.Context) {
	if !strings.HasPrefix(c.ContentType(), "application/json") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request must be JSON"})
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(c.Request.Body).Decode(&payload); err != nil || payload == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body must be a JSON object"})
		return
	}

	resp := h.ingester.Ingest(c.Request.Context(), service.IngestRequest{
		Payload: payload,
		IP:      c.ClientIP(),
	})

	switch {
	case resp.Success:
		c.JSON(http.StatusOK, resp)
	case resp.FallbackSaved:
		log.Warn().Str("id", resp.FallbackID).Str("error", resp.Error).Msg("webhook stored as local fallback")
		c.JSON(http.StatusAccepted, resp)
	default:
		log.Error().Str("error", resp.Error).Msg("webhook could not be stored")
		c.JSON(http.StatusInternalServerError, resp)
	}
}
