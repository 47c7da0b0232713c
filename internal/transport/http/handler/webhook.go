package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/webhook"
	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// EventReceiver is implemented by *webhook.Receiver.
type EventReceiver interface {
	Accept(ctx context.Context, oracleAddress, signature string, body []byte) (*domain.WebhookIncoming, bool, error)
}

type WebhookHandler struct {
	receiver EventReceiver
	logger   *slog.Logger
}

func NewWebhookHandler(receiver EventReceiver, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{receiver: receiver, logger: logger.With("component", "webhook_handler")}
}

type acceptWebhookResponse struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

// Receive stores an inbound oracle event. The signature covers the raw body, so it
// is read before any JSON decoding.
func (h *WebhookHandler) Receive(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ctx.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errBodyTooLarge})
			return
		}
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidRequest})
		return
	}

	stored, created, err := h.receiver.Accept(
		ctx.Request.Context(),
		ctx.GetHeader(webhook.HeaderOracleAddress),
		ctx.GetHeader(webhook.HeaderSignature),
		body,
	)
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.Is(err, domain.ErrUnknownOracle), errors.Is(err, domain.ErrInvalidSignature):
			h.logger.WarnContext(ctx.Request.Context(), "webhook rejected",
				"oracle_address", ctx.GetHeader(webhook.HeaderOracleAddress), "error", err)
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": errUnauthorizedWebhook})
		case errors.As(err, &verr):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		default:
			h.logger.ErrorContext(ctx.Request.Context(), "accept webhook", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusOK, acceptWebhookResponse{ID: stored.ID, Duplicate: !created})
}
