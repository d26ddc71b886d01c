package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bobarin/clipsa/internal/models"
	"github.com/bobarin/clipsa/internal/storage"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	TransitionProjectStatus(ctx context.Context, id uuid.UUID, to models.ProjectStatus, from ...models.ProjectStatus) (bool, error)
	FailProject(ctx context.Context, id uuid.UUID, message string, from ...models.ProjectStatus) (bool, error)
	CompleteProject(ctx context.Context, id uuid.UUID, assets models.ProjectAssets, from ...models.ProjectStatus) (bool, error)
	SetSceneStatus(ctx context.Context, projectID uuid.UUID, sceneID string, status models.UnitStatus) error
	SetAudioStatus(ctx context.Context, projectID uuid.UUID, status models.UnitStatus) error
	CreateGeneration(ctx context.Context, gen *models.Generation) error
	ListGenerations(ctx context.Context, projectID uuid.UUID, unitType models.UnitType, status models.UnitStatus) ([]models.Generation, error)
}

// Provider submits generation requests to the async media provider. The
// result arrives later on webhookURL.
type Provider interface {
	Submit(ctx context.Context, model string, input any, webhookURL string) (string, error)
}

// MediaTool joins and muxes local media files.
type MediaTool interface {
	Concat(ctx context.Context, manifestPath, outputPath string) error
	Mux(ctx context.Context, videoPath, audioPath, outputPath string) error
}

// JobDispatcher is satisfied by *Dispatcher.
type JobDispatcher interface {
	Dispatch(ctx context.Context, jobName string, payload any, opts ...DispatchOption) (*Receipt, error)
}

type Models struct {
	Video string
	Audio string
	Image string
}

var DefaultModels = Models{
	Video: "fal-ai/veo-3.1",
	Audio: "fal-ai/stable-audio",
	Image: "fal-ai/flux/dev",
}

type PipelineConfig struct {
	AppURL string
	// WebhookProvider is the path segment of the completion callback.
	WebhookProvider string
	Models          Models
	// TempDir is the parent of per-stitch workspaces; empty means os.TempDir.
	TempDir string
}

// Pipeline holds the stage handlers: fan-out, per-unit submission and the
// final stitch.
type Pipeline struct {
	store      Store
	provider   Provider
	dispatcher JobDispatcher
	blobs      storage.BlobStore
	media      MediaTool
	httpClient *http.Client
	uploadSem  chan struct{} // bounds concurrent final uploads
	cfg        PipelineConfig
}

func NewPipeline(
	store Store,
	provider Provider,
	dispatcher JobDispatcher,
	blobs storage.BlobStore,
	media MediaTool,
	cfg PipelineConfig,
) *Pipeline {
	if cfg.WebhookProvider == "" {
		cfg.WebhookProvider = "fal"
	}
	if cfg.Models == (Models{}) {
		cfg.Models = DefaultModels
	}
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")

	return &Pipeline{
		store:      store,
		provider:   provider,
		dispatcher: dispatcher,
		blobs:      blobs,
		media:      media,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		uploadSem:  make(chan struct{}, 2),
		cfg:        cfg,
	}
}

// Register installs every stage handler.
func (p *Pipeline) Register(r *Registry) {
	r.Register(JobStartVideoGeneration, p.handleStartVideoGeneration)
	r.Register(JobProcessSceneVideo, p.handleProcessSceneVideo)
	r.Register(JobProcessAudio, p.handleProcessAudio)
	r.Register(JobProcessImage, p.handleProcessImage)
	r.Register(JobStitchVideo, p.handleStitchVideo)
}

// CallbackURL is where the provider reports a unit's completion.
func CallbackURL(appURL, provider string, projectID uuid.UUID, sceneID string, unitType models.UnitType) string {
	q := url.Values{}
	q.Set("projectId", projectID.String())
	if sceneID != "" {
		q.Set("sceneId", sceneID)
	}
	q.Set("type", string(unitType))
	return fmt.Sprintf("%s/api/webhooks/%s?%s", strings.TrimRight(appURL, "/"), provider, q.Encode())
}

// MediaURL is the public URL a stored blob is served from.
func MediaURL(appURL, id string) string {
	return strings.TrimRight(appURL, "/") + "/api/media/" + id
}

// Provider inputs.

type videoInput struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url,omitempty"`
}

type audioInput struct {
	Prompt       string `json:"prompt"`
	SecondsTotal int    `json:"seconds_total"`
}

type imageInput struct {
	Prompt string `json:"prompt"`
}

func decodePayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (p *Pipeline) handleStartVideoGeneration(ctx context.Context, raw json.RawMessage) error {
	var payload models.StartVideoGenerationPayload
	if err := decodePayload(raw, &payload); err != nil {
		return err
	}
	if len(payload.Scenes) == 0 {
		return fmt.Errorf("%w: no scenes", ErrInvalidPayload)
	}

	logger := log.WithFields(log.Fields{"projectId": payload.ProjectID, "scenes": len(payload.Scenes)})

	moved, err := p.store.TransitionProjectStatus(ctx, payload.ProjectID,
		models.ProjectStatusProcessing, models.ProjectStatusCreated, models.ProjectStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark project processing: %w", err)
	}
	if !moved {
		project, err := p.store.GetProject(ctx, payload.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to load project: %w", err)
		}
		logger.Infof("[Pipeline] Project is %s, skipping fan-out", project.Status)
		return nil
	}

	prompt, duration := BuildAudioRequest(payload)

	g, gctx := errgroup.WithContext(ctx)
	for _, scene := range payload.Scenes {
		scene := scene
		g.Go(func() error {
			_, err := p.dispatcher.Dispatch(gctx, JobProcessSceneVideo, models.SceneVideoPayload{
				ProjectID: payload.ProjectID,
				SceneID:   scene.ID,
				Prompt:    scene.Text,
				ImageURL:  scene.Image,
			})
			if err != nil {
				return fmt.Errorf("scene %s: %w", scene.ID, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		_, err := p.dispatcher.Dispatch(gctx, JobProcessAudio, models.AudioPayload{
			ProjectID: payload.ProjectID,
			Prompt:    prompt,
			Duration:  duration,
		})
		if err != nil {
			return fmt.Errorf("audio: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("fan-out failed: %w", err)
	}

	logger.Infof("[Pipeline] Dispatched %d scene jobs and 1 audio job", len(payload.Scenes))
	return nil
}

// BuildAudioRequest derives the soundtrack prompt and length in seconds.
func BuildAudioRequest(payload models.StartVideoGenerationPayload) (string, int) {
	prompt := strings.TrimSpace(payload.AudioSettings.Narration)
	if prompt == "" {
		mood := payload.AudioSettings.Mood
		if mood == "" {
			mood = "cinematic"
		}
		texts := make([]string, 0, len(payload.Scenes))
		for _, s := range payload.Scenes {
			if t := strings.TrimSpace(s.Text); t != "" {
				texts = append(texts, t)
			}
		}
		prompt = `Soundtrack with mood "` + mood + `" for scenes: ` + strings.Join(texts, ". ")
	}

	total := payload.VideoSettings.TotalDuration
	if total <= 0 {
		for _, s := range payload.Scenes {
			total += s.Duration
		}
	}
	return prompt, max(1, int(math.Round(total)))
}

func (p *Pipeline) handleProcessSceneVideo(ctx context.Context, raw json.RawMessage) error {
	var payload models.SceneVideoPayload
	if err := decodePayload(raw, &payload); err != nil {
		return err
	}
	if payload.SceneID == "" {
		return fmt.Errorf("%w: missing sceneId", ErrInvalidPayload)
	}

	logger := log.WithFields(log.Fields{"projectId": payload.ProjectID, "sceneId": payload.SceneID})

	if err := p.store.SetSceneStatus(ctx, payload.ProjectID, payload.SceneID, models.UnitStatusProcessing); err != nil {
		logger.Warnf("[Pipeline] Failed to mark scene processing: %v", err)
	}

	callback := CallbackURL(p.cfg.AppURL, p.cfg.WebhookProvider, payload.ProjectID, payload.SceneID, models.UnitTypeVideo)
	requestID, err := p.provider.Submit(ctx, p.cfg.Models.Video, videoInput{
		Prompt:   payload.Prompt,
		ImageURL: payload.ImageURL,
	}, callback)
	if err != nil {
		return fmt.Errorf("scene %s: %w", payload.SceneID, err)
	}

	sceneID := payload.SceneID
	if err := p.store.CreateGeneration(ctx, &models.Generation{
		RequestID: requestID,
		ProjectID: payload.ProjectID,
		SceneID:   &sceneID,
		Type:      models.UnitTypeVideo,
		Status:    models.UnitStatusPending,
	}); err != nil {
		return fmt.Errorf("failed to record scene generation: %w", err)
	}

	logger.WithField("requestId", requestID).Info("[Pipeline] Scene video submitted")
	return nil
}

func (p *Pipeline) handleProcessAudio(ctx context.Context, raw json.RawMessage) error {
	var payload models.AudioPayload
	if err := decodePayload(raw, &payload); err != nil {
		return err
	}

	logger := log.WithField("projectId", payload.ProjectID)

	if err := p.store.SetAudioStatus(ctx, payload.ProjectID, models.UnitStatusProcessing); err != nil {
		logger.Warnf("[Pipeline] Failed to mark audio processing: %v", err)
	}

	seconds := payload.Duration
	if seconds <= 0 {
		seconds = 10
	}

	callback := CallbackURL(p.cfg.AppURL, p.cfg.WebhookProvider, payload.ProjectID, "", models.UnitTypeAudio)
	requestID, err := p.provider.Submit(ctx, p.cfg.Models.Audio, audioInput{
		Prompt:       payload.Prompt,
		SecondsTotal: seconds,
	}, callback)
	if err != nil {
		return fmt.Errorf("audio: %w", err)
	}

	if err := p.store.CreateGeneration(ctx, &models.Generation{
		RequestID: requestID,
		ProjectID: payload.ProjectID,
		Type:      models.UnitTypeAudio,
		Status:    models.UnitStatusPending,
	}); err != nil {
		return fmt.Errorf("failed to record audio generation: %w", err)
	}

	logger.WithField("requestId", requestID).Info("[Pipeline] Audio submitted")
	return nil
}

func (p *Pipeline) handleProcessImage(ctx context.Context, raw json.RawMessage) error {
	var payload models.ImagePayload
	if err := decodePayload(raw, &payload); err != nil {
		return err
	}

	logger := log.WithField("projectId", payload.ProjectID)

	if _, err := p.store.TransitionProjectStatus(ctx, payload.ProjectID,
		models.ProjectStatusProcessing, models.ProjectStatusCreated); err != nil {
		logger.Warnf("[Pipeline] Failed to mark project processing: %v", err)
	}

	callback := CallbackURL(p.cfg.AppURL, p.cfg.WebhookProvider, payload.ProjectID, "", models.UnitTypeImage)
	requestID, err := p.provider.Submit(ctx, p.cfg.Models.Image, imageInput{Prompt: payload.Prompt}, callback)
	if err != nil {
		return fmt.Errorf("image: %w", err)
	}

	if err := p.store.CreateGeneration(ctx, &models.Generation{
		RequestID: requestID,
		ProjectID: payload.ProjectID,
		Type:      models.UnitTypeImage,
		Status:    models.UnitStatusPending,
	}); err != nil {
		return fmt.Errorf("failed to record image generation: %w", err)
	}

	logger.WithField("requestId", requestID).Info("[Pipeline] Image submitted")
	return nil
}

func (p *Pipeline) handleStitchVideo(ctx context.Context, raw json.RawMessage) error {
	var payload models.StitchPayload
	if err := decodePayload(raw, &payload); err != nil {
		return err
	}
	return p.Stitch(ctx, payload.ProjectID)
}
