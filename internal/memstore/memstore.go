// Package memstore is an in-process document store with the same semantics
// as the Postgres store. It backs local runs without DATABASE_URL and tests.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bobarin/clipsa/internal/models"
	"github.com/google/uuid"
)

type Store struct {
	mu          sync.Mutex
	projects    map[uuid.UUID]*models.Project
	generations map[string]*models.Generation
	assets      map[string]*models.Asset
	seq         int64
	created     map[string]int64 // request id -> insertion sequence
}

func New() *Store {
	return &Store{
		projects:    make(map[uuid.UUID]*models.Project),
		generations: make(map[string]*models.Generation),
		assets:      make(map[string]*models.Asset),
		created:     make(map[string]int64),
	}
}

// Projects

func (s *Store) CreateProject(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	if _, exists := s.projects[project.ID]; exists {
		return fmt.Errorf("project %s already exists", project.ID)
	}

	now := time.Now()
	project.CreatedAt = now
	project.UpdatedAt = now
	s.projects[project.ID] = cloneProject(project)
	return nil
}

func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, models.ErrNotFound)
	}
	return cloneProject(p), nil
}

// TransitionProjectStatus sets status to `to` only if the current status is
// one of `from`. The check and the write happen under one lock.
func (s *Store) TransitionProjectStatus(ctx context.Context, id uuid.UUID, to models.ProjectStatus, from ...models.ProjectStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok || !slices.Contains(from, p.Status) {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	return true, nil
}

// FailProject marks the project failed with a message. With no `from`
// statuses it applies unconditionally.
func (s *Store) FailProject(ctx context.Context, id uuid.UUID, message string, from ...models.ProjectStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return false, nil
	}
	if len(from) > 0 && !slices.Contains(from, p.Status) {
		return false, nil
	}
	p.Status = models.ProjectStatusFailed
	if message != "" {
		p.ErrorMessage = &message
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

// CompleteProject records the final asset. With no `from` statuses it
// applies unconditionally.
func (s *Store) CompleteProject(ctx context.Context, id uuid.UUID, assets models.ProjectAssets, from ...models.ProjectStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return false, nil
	}
	if len(from) > 0 && !slices.Contains(from, p.Status) {
		return false, nil
	}
	p.Status = models.ProjectStatusCompleted
	p.Assets = &assets
	p.ErrorMessage = nil
	p.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) SetSceneStatus(ctx context.Context, projectID uuid.UUID, sceneID string, status models.UnitStatus) error {
	return s.updateProject(projectID, func(p *models.Project) {
		for i := range p.Scenes {
			if p.Scenes[i].ID == sceneID {
				p.Scenes[i].Status = status
			}
		}
	})
}

func (s *Store) SetAudioStatus(ctx context.Context, projectID uuid.UUID, status models.UnitStatus) error {
	return s.updateProject(projectID, func(p *models.Project) {
		p.AudioStatus = &status
	})
}

// Missing projects are ignored, matching an UPDATE that touches no rows.
func (s *Store) updateProject(id uuid.UUID, fn func(*models.Project)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.projects[id]; ok {
		fn(p)
		p.UpdatedAt = time.Now()
	}
	return nil
}

// Generations

func (s *Store) CreateGeneration(ctx context.Context, gen *models.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen.RequestID == "" {
		return fmt.Errorf("generation request id is required")
	}
	if _, exists := s.generations[gen.RequestID]; exists {
		return nil
	}

	now := time.Now()
	gen.CreatedAt = now
	gen.UpdatedAt = now
	s.seq++
	s.created[gen.RequestID] = s.seq
	s.generations[gen.RequestID] = cloneGeneration(gen)
	return nil
}

// CompleteGeneration applies a webhook result. Terminal statuses are sticky:
// once a unit is succeeded or failed, later deliveries are duplicates.
func (s *Store) CompleteGeneration(ctx context.Context, unitType models.UnitType, requestID string, status models.UnitStatus, output, errDetail json.RawMessage) (models.CompletionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.generations[requestID]
	if !ok || g.Type != unitType {
		return models.CompletionMissing, nil
	}
	if g.Status.IsTerminal() {
		return models.CompletionDuplicate, nil
	}

	g.Status = status
	if output != nil {
		g.Output = slices.Clone(output)
	}
	if errDetail != nil {
		g.Error = slices.Clone(errDetail)
	}
	g.UpdatedAt = time.Now()
	return models.CompletionApplied, nil
}

func (s *Store) TallyGenerations(ctx context.Context, projectID uuid.UUID) (*models.GenerationTally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, models.ErrNotFound)
	}

	tally := &models.GenerationTally{TotalScenes: len(p.Scenes)}
	succeeded := make(map[string]struct{})
	for _, g := range s.generations {
		if g.ProjectID != projectID {
			continue
		}
		switch g.Type {
		case models.UnitTypeVideo:
			switch g.Status {
			case models.UnitStatusSucceeded:
				if g.SceneID != nil {
					succeeded[*g.SceneID] = struct{}{}
				}
			case models.UnitStatusFailed:
				tally.ScenesFailed++
			}
		case models.UnitTypeAudio:
			if g.Status == models.UnitStatusSucceeded {
				tally.AudioSucceeded = true
			}
		}
	}
	tally.ScenesSucceeded = len(succeeded)
	return tally, nil
}

// ListGenerations returns a project's units of one type in creation order.
// An empty status matches any status.
func (s *Store) ListGenerations(ctx context.Context, projectID uuid.UUID, unitType models.UnitType, status models.UnitStatus) ([]models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Generation
	for _, g := range s.generations {
		if g.ProjectID != projectID || g.Type != unitType {
			continue
		}
		if status != "" && g.Status != status {
			continue
		}
		out = append(out, *cloneGeneration(g))
	}
	sort.Slice(out, func(i, j int) bool {
		return s.created[out[i].RequestID] < s.created[out[j].RequestID]
	})
	return out, nil
}

func (s *Store) GetGeneration(ctx context.Context, requestID string) (*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.generations[requestID]
	if !ok {
		return nil, fmt.Errorf("generation %s: %w", requestID, models.ErrNotFound)
	}
	return cloneGeneration(g), nil
}

// Assets

func (s *Store) CreateAsset(ctx context.Context, asset *models.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset.CreatedAt = time.Now()
	cp := *asset
	cp.Metadata = maps.Clone(asset.Metadata)
	s.assets[asset.ID] = &cp
	return nil
}

func (s *Store) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, models.ErrNotFound)
	}
	cp := *a
	cp.Metadata = maps.Clone(a.Metadata)
	return &cp, nil
}

func (s *Store) DeleteAsset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.assets, id)
	return nil
}

func cloneProject(p *models.Project) *models.Project {
	cp := *p
	cp.Scenes = slices.Clone(p.Scenes)
	for i := range cp.Scenes {
		cp.Scenes[i].InputImageID = cloneStr(p.Scenes[i].InputImageID)
		cp.Scenes[i].InputImageURL = cloneStr(p.Scenes[i].InputImageURL)
	}
	cp.Prompt = cloneStr(p.Prompt)
	cp.ErrorMessage = cloneStr(p.ErrorMessage)
	if p.AudioStatus != nil {
		st := *p.AudioStatus
		cp.AudioStatus = &st
	}
	if p.Assets != nil {
		a := *p.Assets
		cp.Assets = &a
	}
	return &cp
}

func cloneGeneration(g *models.Generation) *models.Generation {
	cp := *g
	cp.SceneID = cloneStr(g.SceneID)
	cp.Output = slices.Clone(g.Output)
	cp.Error = slices.Clone(g.Error)
	return &cp
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
