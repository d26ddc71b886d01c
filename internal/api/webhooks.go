package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bobarin/clipsa/internal/services"
	"github.com/bobarin/clipsa/internal/webhook"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

// ProviderWebhook handles POST /api/webhooks/{provider}
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	switch provider := chi.URLParam(r, "provider"); provider {
	case "fal":
		h.falWebhook(w, r)
	default:
		respondError(w, http.StatusNotFound, "Unknown provider")
	}
}

func (h *Handler) falWebhook(w http.ResponseWriter, r *http.Request) {
	var body services.FalWebhook
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid webhook body")
		return
	}

	q := r.URL.Query()
	n := webhook.Notification{
		ProjectID: q.Get("projectId"),
		SceneID:   q.Get("sceneId"),
		UnitType:  q.Get("type"),
		RequestID: body.RequestID,
		Status:    body.Status,
		Output:    body.Payload,
		Error:     body.Error,
	}
	if len(n.Error) == 0 && body.PayloadError != "" {
		n.Error, _ = json.Marshal(body.PayloadError)
	}

	result, err := h.completions.Handle(r.Context(), n)
	switch {
	case errors.Is(err, webhook.ErrMissingCorrelationID):
		respondError(w, http.StatusBadRequest, "Missing projectId")
		return
	case errors.Is(err, webhook.ErrUnknownUnitType):
		respondError(w, http.StatusBadRequest, "Unknown type")
		return
	case err != nil:
		// Acknowledged once bookkeeping was attempted.
		log.WithField("requestId", body.RequestID).Errorf("[API] Webhook bookkeeping failed: %v", err)
		respondJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true, "action": result.Action})
}
