package api

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/webhook"
)

// maxWebhookBody caps webhook delivery bodies. GitHub's own limit is 25 MB.
const maxWebhookBody = 25 << 20

// WebhookHandler serves the GitHub push ingress.
type WebhookHandler struct {
	translator *webhook.Translator
	logger     *zap.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(t *webhook.Translator, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{translator: t, logger: logger}
}

// Receive handles POST /v1/webhooks/github. The raw body is read in full
// before verification since the HMAC covers the exact bytes delivered.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		ErrBadRequest(w, "reading delivery body: "+err.Error())
		return
	}

	created, err := h.translator.Ingest(
		r.Context(),
		body,
		r.Header.Get("X-Hub-Signature-256"),
		r.Header.Get("X-GitHub-Event"),
	)
	if err != nil {
		if errors.Is(err, webhook.ErrSignatureInvalid) {
			errJSON(w, http.StatusUnauthorized, "signature verification failed", "signature_invalid")
			return
		}
		ErrBadRequest(w, err.Error())
		return
	}

	JSON(w, http.StatusAccepted, envelope{"data": envelope{"job_ids": created}})
}
