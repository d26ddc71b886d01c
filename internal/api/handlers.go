package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bobarin/clipsa/internal/jobs"
	"github.com/bobarin/clipsa/internal/models"
	"github.com/bobarin/clipsa/internal/relay"
	"github.com/bobarin/clipsa/internal/storage"
	"github.com/bobarin/clipsa/internal/webhook"
	"github.com/google/uuid"
)

// Store is the persistence the HTTP handlers read and write.
type Store interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListGenerations(ctx context.Context, projectID uuid.UUID, unitType models.UnitType, status models.UnitStatus) ([]models.Generation, error)
}

// JobRunner executes a named job in the calling goroutine.
type JobRunner interface {
	Run(ctx context.Context, name string, payload json.RawMessage) error
}

// CompletionHandler consumes provider notifications.
type CompletionHandler interface {
	Handle(ctx context.Context, n webhook.Notification) (*webhook.Result, error)
}

type HandlerConfig struct {
	AppURL string
	// JobsURL is the address relays sign deliveries for.
	JobsURL string
	// Verifier checks relay signatures on /api/jobs; nil accepts unsigned
	// deliveries (development).
	Verifier *relay.Verifier
}

type Handler struct {
	store       Store
	dispatcher  jobs.JobDispatcher
	runner      JobRunner
	completions CompletionHandler
	blobs       storage.BlobStore
	verifier    *relay.Verifier
	jobsURL     string
	appURL      string
}

func NewHandler(
	store Store,
	dispatcher jobs.JobDispatcher,
	runner JobRunner,
	completions CompletionHandler,
	blobs storage.BlobStore,
	cfg HandlerConfig,
) *Handler {
	return &Handler{
		store:       store,
		dispatcher:  dispatcher,
		runner:      runner,
		completions: completions,
		blobs:       blobs,
		verifier:    cfg.Verifier,
		jobsURL:     cfg.JobsURL,
		appURL:      strings.TrimRight(cfg.AppURL, "/"),
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
