package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/bobarin/clipsa/internal/jobs"
	"github.com/bobarin/clipsa/internal/relay"
	log "github.com/sirupsen/logrus"
)

const maxEnvelopeBytes = 1 << 20

// ProcessJob handles POST /api/jobs, the relay's delivery target. The job
// runs before the response is written so a failure reaches the relay's retry.
func (h *Handler) ProcessJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	if h.verifier != nil {
		if err := h.verifier.Verify(r.Header.Get(relay.SignatureHeader), body, h.jobsURL); err != nil {
			log.Warnf("[API] Rejected job delivery: %v", err)
			respondError(w, http.StatusUnauthorized, "Invalid signature")
			return
		}
	}

	var env relay.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job envelope")
		return
	}

	logger := log.WithFields(log.Fields{
		"jobName":   env.JobName,
		"messageId": r.Header.Get("Upstash-Message-Id"),
	})
	logger.Info("[API] Received job")

	// The job's lifetime is not tied to the relay connection.
	ctx := context.WithoutCancel(r.Context())
	if err := h.runner.Run(ctx, env.JobName, env.Payload); err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			logger.Error("[API] Job not found")
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Errorf("[API] Job failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Job failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
