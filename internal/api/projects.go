package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bobarin/clipsa/internal/jobs"
	"github.com/bobarin/clipsa/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	defaultSceneDuration   = 5
	defaultSceneMotion     = "static"
	defaultSceneTransition = "fade"
)

// CreateProject handles POST /api/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Scenes) == 0 {
		respondError(w, http.StatusBadRequest, "At least one scene is required")
		return
	}

	scenes := h.normalizeScenes(req.Scenes)
	if id, dup := duplicateSceneID(scenes); dup {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Duplicate scene id %q", id))
		return
	}

	videoSettings := req.VideoSettings
	if videoSettings.TotalDuration <= 0 {
		for _, s := range scenes {
			videoSettings.TotalDuration += s.Duration
		}
	}

	project := &models.Project{
		ID:            uuid.New(),
		Kind:          models.ProjectKindVideo,
		Scenes:        scenes,
		AudioSettings: req.AudioSettings,
		VideoSettings: videoSettings,
		Status:        models.ProjectStatusCreated,
	}

	if err := h.store.CreateProject(r.Context(), project); err != nil {
		log.WithField("projectId", project.ID).Errorf("[API] Failed to create project: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to create project")
		return
	}

	receipt, err := h.dispatcher.Dispatch(r.Context(), jobs.JobStartVideoGeneration, models.StartVideoGenerationPayload{
		ProjectID:     project.ID,
		Scenes:        project.SceneInputs(),
		AudioSettings: project.AudioSettings,
		VideoSettings: project.VideoSettings,
	})
	if err != nil {
		log.WithField("projectId", project.ID).Errorf("[API] Failed to dispatch generation: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to start video generation")
		return
	}

	log.WithFields(log.Fields{"projectId": project.ID, "scenes": len(scenes)}).Info("[API] Project created")

	respondJSON(w, http.StatusCreated, models.CreateProjectResponse{
		ProjectID: project.ID.String(),
		Status:    project.Status,
		Dispatch:  models.DispatchResponse{MessageID: receipt.MessageID, Local: receipt.Local},
	})
}

func (h *Handler) normalizeScenes(in []models.SceneRequest) []models.Scene {
	scenes := make([]models.Scene, len(in))
	for i, s := range in {
		scene := models.Scene{
			ID:          strings.TrimSpace(s.ID),
			Description: strings.TrimSpace(s.Description),
			Duration:    defaultSceneDuration,
			Motion:      s.Motion,
			Transition:  s.Transition,
			Status:      models.UnitStatusPending,
		}
		if scene.ID == "" {
			scene.ID = fmt.Sprintf("scene-%d", i)
		}
		if scene.Description == "" {
			scene.Description = strings.TrimSpace(s.Text)
		}
		if s.Duration != nil && *s.Duration > 0 {
			scene.Duration = *s.Duration
		}
		if scene.Motion == "" {
			scene.Motion = defaultSceneMotion
		}
		if scene.Transition == "" {
			scene.Transition = defaultSceneTransition
		}

		switch {
		case s.InputImageID != nil && *s.InputImageID != "":
			id := *s.InputImageID
			url := jobs.MediaURL(h.appURL, id)
			scene.InputImageID = &id
			scene.InputImageURL = &url
		case s.InputImageURL != nil && *s.InputImageURL != "":
			url := *s.InputImageURL
			scene.InputImageURL = &url
		}

		scenes[i] = scene
	}
	return scenes
}

// duplicateSceneID finds two scenes that would share generation units.
func duplicateSceneID(scenes []models.Scene) (string, bool) {
	seen := make(map[string]bool, len(scenes))
	for _, s := range scenes {
		if seen[s.ID] {
			return s.ID, true
		}
		seen[s.ID] = true
	}
	return "", false
}

// GetProject handles GET /api/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return
	}

	project, err := h.store.GetProject(r.Context(), projectID)
	if errors.Is(err, models.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load project")
		return
	}

	videos, err := h.store.ListGenerations(r.Context(), projectID, models.UnitTypeVideo, "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load generations")
		return
	}
	audio, err := h.store.ListGenerations(r.Context(), projectID, models.UnitTypeAudio, "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load generations")
		return
	}

	bySceneID := make(map[string][]models.Generation)
	for _, g := range videos {
		if g.SceneID != nil {
			bySceneID[*g.SceneID] = append(bySceneID[*g.SceneID], g)
		}
	}

	response := models.ProjectResponse{
		Project: *project,
		Scenes:  make([]models.SceneResponse, len(project.Scenes)),
	}
	for i, scene := range project.Scenes {
		sr := models.SceneResponse{Scene: scene}
		if unit := representativeUnit(bySceneID[scene.ID]); unit != nil {
			sr.Status = unit.Status
			sr.OutputURL = unit.OutputURL
		}
		response.Scenes[i] = sr
	}
	response.Audio = representativeUnit(audio)

	respondJSON(w, http.StatusOK, response)
}

// representativeUnit reports the unit the stitcher would use: the earliest
// success, or else the most recent attempt.
func representativeUnit(gens []models.Generation) *models.UnitResponse {
	if len(gens) == 0 {
		return nil
	}
	for _, g := range gens {
		if g.Status == models.UnitStatusSucceeded {
			unit := &models.UnitResponse{Status: g.Status}
			if out, ok := models.ResolveOutputURL(g.Output); ok {
				unit.OutputURL = out.URL
			}
			return unit
		}
	}
	return &models.UnitResponse{Status: gens[len(gens)-1].Status}
}

// CreateImage handles POST /api/generation/image
func (h *Handler) CreateImage(w http.ResponseWriter, r *http.Request) {
	var req models.CreateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		respondError(w, http.StatusBadRequest, "Prompt is required")
		return
	}

	project := &models.Project{
		ID:     uuid.New(),
		Kind:   models.ProjectKindImage,
		Prompt: &prompt,
		Scenes: []models.Scene{},
		Status: models.ProjectStatusCreated,
	}
	if err := h.store.CreateProject(r.Context(), project); err != nil {
		log.WithField("projectId", project.ID).Errorf("[API] Failed to create image project: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to create project")
		return
	}

	receipt, err := h.dispatcher.Dispatch(r.Context(), jobs.JobProcessImage, models.ImagePayload{
		ProjectID: project.ID,
		Prompt:    prompt,
	})
	if err != nil {
		log.WithField("projectId", project.ID).Errorf("[API] Failed to dispatch image generation: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to start image generation")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateProjectResponse{
		ProjectID: project.ID.String(),
		Status:    project.Status,
		Dispatch:  models.DispatchResponse{MessageID: receipt.MessageID, Local: receipt.Local},
	})
}
