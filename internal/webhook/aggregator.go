// Package webhook turns provider completion notifications into unit and
// project state changes, and decides when a project is ready to stitch.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bobarin/clipsa/internal/jobs"
	"github.com/bobarin/clipsa/internal/models"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrMissingCorrelationID = errors.New("missing projectId")
	ErrUnknownUnitType      = errors.New("unknown unit type")
)

// Store is the persistence the aggregator needs.
type Store interface {
	CompleteGeneration(ctx context.Context, unitType models.UnitType, requestID string, status models.UnitStatus, output, errDetail json.RawMessage) (models.CompletionOutcome, error)
	SetSceneStatus(ctx context.Context, projectID uuid.UUID, sceneID string, status models.UnitStatus) error
	SetAudioStatus(ctx context.Context, projectID uuid.UUID, status models.UnitStatus) error
	TallyGenerations(ctx context.Context, projectID uuid.UUID) (*models.GenerationTally, error)
	TransitionProjectStatus(ctx context.Context, id uuid.UUID, to models.ProjectStatus, from ...models.ProjectStatus) (bool, error)
	FailProject(ctx context.Context, id uuid.UUID, message string, from ...models.ProjectStatus) (bool, error)
	CompleteProject(ctx context.Context, id uuid.UUID, assets models.ProjectAssets, from ...models.ProjectStatus) (bool, error)
}

// Notification is one provider callback, already separated from its
// transport. ProjectID, SceneID and UnitType come from the callback URL; the
// rest from the body.
type Notification struct {
	ProjectID string
	SceneID   string
	UnitType  string
	RequestID string
	Status    string // raw provider status
	Output    json.RawMessage
	Error     json.RawMessage
}

// Action is what a notification did to the project.
type Action string

const (
	ActionNone          Action = "none"
	ActionDropped       Action = "dropped"        // no unit matched the request id
	ActionFailedProject Action = "failed_project" // a scene failed
	ActionStitch        Action = "stitch"         // won the stitch transition
)

type Result struct {
	Outcome models.CompletionOutcome
	Status  models.UnitStatus
	Action  Action
	// StitchMessageID is set when Action is ActionStitch and dispatch succeeded.
	StitchMessageID string
}

// activeStatuses are the project states a completion may still move.
var activeStatuses = []models.ProjectStatus{models.ProjectStatusCreated, models.ProjectStatusProcessing}

type Aggregator struct {
	store      Store
	dispatcher jobs.JobDispatcher
}

func NewAggregator(store Store, dispatcher jobs.JobDispatcher) *Aggregator {
	return &Aggregator{store: store, dispatcher: dispatcher}
}

// Handle applies one notification. Only malformed correlation data and store
// write failures are returned as errors; everything after the unit update is
// best effort and logged.
func (a *Aggregator) Handle(ctx context.Context, n Notification) (*Result, error) {
	if strings.TrimSpace(n.ProjectID) == "" {
		return nil, ErrMissingCorrelationID
	}
	projectID, err := uuid.Parse(n.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a project id", ErrMissingCorrelationID, n.ProjectID)
	}
	unitType, ok := models.ParseUnitType(n.UnitType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUnitType, n.UnitType)
	}

	status := models.NormalizeProviderStatus(n.Status)
	logger := log.WithFields(log.Fields{
		"projectId": projectID,
		"requestId": n.RequestID,
		"type":      unitType,
		"status":    status,
	})

	// Output is kept only for successes; error detail whenever the provider sent one.
	var output, errDetail json.RawMessage
	if status == models.UnitStatusSucceeded && !isEmptyJSON(n.Output) {
		output = n.Output
	}
	if !isEmptyJSON(n.Error) {
		errDetail = n.Error
	}

	outcome, err := a.store.CompleteGeneration(ctx, unitType, n.RequestID, status, output, errDetail)
	if err != nil {
		return nil, fmt.Errorf("failed to update generation: %w", err)
	}
	result := &Result{Outcome: outcome, Status: status, Action: ActionNone}

	switch outcome {
	case models.CompletionMissing:
		logger.Warn("[Webhook] No generation matches request id, dropping")
		result.Action = ActionDropped
		return result, nil
	case models.CompletionDuplicate:
		logger.Info("[Webhook] Generation already terminal")
	case models.CompletionApplied:
		a.mirrorStatus(ctx, logger, projectID, unitType, n.SceneID, status)
	}

	if unitType == models.UnitTypeImage {
		if outcome == models.CompletionApplied {
			a.settleImage(ctx, logger, projectID, status, n)
		}
		return result, nil
	}

	tally, err := a.store.TallyGenerations(ctx, projectID)
	if err != nil {
		logger.Errorf("[Webhook] Completion check failed, treating as incomplete: %v", err)
		return result, nil
	}

	if tally.ScenesFailed > 0 {
		failed, err := a.store.FailProject(ctx, projectID, "One or more scenes failed to generate", activeStatuses...)
		if err != nil {
			logger.Errorf("[Webhook] Failed to mark project failed: %v", err)
		} else if failed {
			logger.Warnf("[Webhook] Project failed: %d scene(s) failed", tally.ScenesFailed)
			result.Action = ActionFailedProject
		}
		return result, nil
	}

	if !tally.Complete() {
		logger.WithFields(log.Fields{
			"scenesSucceeded": tally.ScenesSucceeded,
			"totalScenes":     tally.TotalScenes,
			"audioSucceeded":  tally.AudioSucceeded,
		}).Debug("[Webhook] Waiting for remaining units")
		return result, nil
	}

	won, err := a.store.TransitionProjectStatus(ctx, projectID, models.ProjectStatusStitching, activeStatuses...)
	if err != nil {
		logger.Errorf("[Webhook] Stitch transition failed: %v", err)
		return result, nil
	}
	if !won {
		return result, nil
	}

	result.Action = ActionStitch
	receipt, err := a.dispatcher.Dispatch(ctx, jobs.JobStitchVideo, models.StitchPayload{ProjectID: projectID})
	if err != nil {
		logger.Errorf("[Webhook] Failed to dispatch stitch: %v", err)
		return result, nil
	}
	result.StitchMessageID = receipt.MessageID
	logger.WithField("messageId", receipt.MessageID).Info("[Webhook] All units complete, stitch dispatched")
	return result, nil
}

func (a *Aggregator) mirrorStatus(ctx context.Context, logger *log.Entry, projectID uuid.UUID, unitType models.UnitType, sceneID string, status models.UnitStatus) {
	var err error
	switch {
	case unitType == models.UnitTypeVideo && sceneID != "":
		err = a.store.SetSceneStatus(ctx, projectID, sceneID, status)
	case unitType == models.UnitTypeAudio:
		err = a.store.SetAudioStatus(ctx, projectID, status)
	}
	if err != nil {
		logger.Warnf("[Webhook] Failed to mirror unit status: %v", err)
	}
}

// settleImage finishes a standalone image project. Its single unit decides
// the outcome.
func (a *Aggregator) settleImage(ctx context.Context, logger *log.Entry, projectID uuid.UUID, status models.UnitStatus, n Notification) {
	switch status {
	case models.UnitStatusSucceeded:
		out, ok := models.ResolveOutputURL(n.Output)
		if !ok {
			if _, err := a.store.FailProject(ctx, projectID, "Image output has no url", activeStatuses...); err != nil {
				logger.Errorf("[Webhook] Failed to mark image project failed: %v", err)
			}
			return
		}
		if _, err := a.store.CompleteProject(ctx, projectID, models.ProjectAssets{FinalAssetURL: out.URL}, activeStatuses...); err != nil {
			logger.Errorf("[Webhook] Failed to complete image project: %v", err)
		}
	case models.UnitStatusFailed:
		msg := "Image generation failed"
		if detail := strings.Trim(string(n.Error), `"`); !isEmptyJSON(n.Error) && detail != "" {
			msg = msg + ": " + detail
		}
		if _, err := a.store.FailProject(ctx, projectID, msg, activeStatuses...); err != nil {
			logger.Errorf("[Webhook] Failed to mark image project failed: %v", err)
		}
	}
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}
