package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"bountyboard/internal/engine"
	"bountyboard/internal/gateway"
)

const signatureHeader = "Stripe-Signature"

const maxWebhookBody = 1 << 20

// registerWebhook mounts the raw webhook endpoint outside the typed API:
// signature verification needs the exact payload bytes. A 5xx tells the
// gateway to redeliver, so transient failures return 502 while permanent
// rejections return 2xx/4xx.
func registerWebhook(r chi.Router, basePath string, cfg Config) {
	r.Post(path.Join(basePath, "webhook"), func(w http.ResponseWriter, req *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable payload", nil))
			return
		}

		if err := gateway.VerifySignature(payload, req.Header.Get(signatureHeader), cfg.WebhookSecret, cfg.Now()); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "invalid_signature", err.Error(), nil))
			return
		}

		evt, err := gateway.ParseWebhookEvent(payload)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			return
		}
		if evt.Type != gateway.EventCheckoutCompleted {
			writeJSON(w, http.StatusOK, map[string]any{"received": true})
			return
		}

		res, err := cfg.Engine.Reconcile(req.Context(), evt.Data.Object.ID)
		if err != nil {
			var ge *gateway.Error
			if errors.As(err, &ge) {
				log.Printf("webhook reconcile session=%s: %v", evt.Data.Object.ID, err)
				respondStatusError(w, newAPIError(http.StatusBadGateway, "gateway_error", "payment gateway unavailable", nil))
				return
			}
			respondStatusError(w, handleError(err))
			return
		}
		if res.Outcome == engine.OutcomeRejected {
			log.Printf("webhook reconcile session=%s rejected: %s", evt.Data.Object.ID, res.Reason)
		}
		writeJSON(w, http.StatusOK, res)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
