package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bobarin/clipsa/internal/models"
	"github.com/bobarin/clipsa/internal/services"
	"github.com/bobarin/clipsa/internal/storage"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// stitchPlan is the resolved input of one stitch, in timeline order.
type stitchPlan struct {
	scenes   []sceneSource
	audioURL string
}

type sceneSource struct {
	sceneID string
	url     string
}

// Stitch joins every scene clip in timeline order, lays the soundtrack over
// the result, uploads it and completes the project. It only acts on a
// project in the stitching state; any failure after that marks it failed.
func (p *Pipeline) Stitch(ctx context.Context, projectID uuid.UUID) error {
	logger := log.WithField("projectId", projectID)
	logger.Info("[Stitcher] Stitching final video")

	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}
	// Relays redeliver failed jobs; only the stitching state owns a stitch.
	if project.Status != models.ProjectStatusStitching {
		logger.Infof("[Stitcher] Project is %s, skipping stitch", project.Status)
		return nil
	}

	plan, err := p.planStitch(ctx, project)
	if err != nil {
		p.failProject(ctx, projectID, err)
		return err
	}

	workspace, err := os.MkdirTemp(p.cfg.TempDir, "clipsa-stitch-")
	if err != nil {
		err = fmt.Errorf("failed to create workspace: %w", err)
		p.failProject(ctx, projectID, err)
		return err
	}
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			logger.Warnf("[Stitcher] Failed to remove workspace %s: %v", workspace, rmErr)
		}
	}()

	finalID, err := p.assemble(ctx, workspace, projectID, plan)
	if err != nil {
		p.failProject(ctx, projectID, err)
		return err
	}

	assets := models.ProjectAssets{FinalAssetID: finalID, FinalAssetURL: MediaURL(p.cfg.AppURL, finalID)}
	completed, err := p.store.CompleteProject(ctx, projectID, assets, models.ProjectStatusStitching)
	if err != nil {
		return fmt.Errorf("failed to complete project: %w", err)
	}
	if !completed {
		logger.Warnf("[Stitcher] Project left stitching during the run, discarding asset %s", finalID)
		if err := p.blobs.Delete(ctx, finalID); err != nil {
			logger.Warnf("[Stitcher] Failed to delete discarded asset: %v", err)
		}
		return nil
	}

	logger.WithField("assetId", finalID).Info("[Stitcher] Project completed")
	return nil
}

// planStitch picks the earliest succeeded unit for every scene and for the
// soundtrack, and resolves each to a downloadable URL.
func (p *Pipeline) planStitch(ctx context.Context, project *models.Project) (*stitchPlan, error) {
	if len(project.Scenes) == 0 {
		return nil, fmt.Errorf("%w: project has no scenes", ErrMissingUnit)
	}

	videos, err := p.store.ListGenerations(ctx, project.ID, models.UnitTypeVideo, models.UnitStatusSucceeded)
	if err != nil {
		return nil, fmt.Errorf("failed to list scene generations: %w", err)
	}
	byScene := make(map[string]models.Generation, len(videos))
	for _, g := range videos {
		if g.SceneID == nil {
			continue
		}
		if _, seen := byScene[*g.SceneID]; !seen {
			byScene[*g.SceneID] = g
		}
	}

	plan := &stitchPlan{scenes: make([]sceneSource, 0, len(project.Scenes))}
	for _, scene := range project.Scenes {
		gen, ok := byScene[scene.ID]
		if !ok {
			return nil, fmt.Errorf("%w: scene %s has no succeeded video", ErrMissingUnit, scene.ID)
		}
		out, ok := models.ResolveOutputURL(gen.Output)
		if !ok {
			return nil, fmt.Errorf("%w: scene %s output has no url", ErrUnresolvedAsset, scene.ID)
		}
		plan.scenes = append(plan.scenes, sceneSource{sceneID: scene.ID, url: out.URL})
	}

	audio, err := p.store.ListGenerations(ctx, project.ID, models.UnitTypeAudio, models.UnitStatusSucceeded)
	if err != nil {
		return nil, fmt.Errorf("failed to list audio generations: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: no succeeded audio", ErrMissingUnit)
	}
	out, ok := models.ResolveOutputURL(audio[0].Output)
	if !ok {
		return nil, fmt.Errorf("%w: audio output has no url", ErrUnresolvedAsset)
	}
	plan.audioURL = out.URL

	return plan, nil
}

// assemble downloads the inputs into workspace, runs concat and mux, and
// uploads the result. It returns the stored asset id.
func (p *Pipeline) assemble(ctx context.Context, workspace string, projectID uuid.UUID, plan *stitchPlan) (string, error) {
	clipPaths := make([]string, 0, len(plan.scenes))
	for i, scene := range plan.scenes {
		dest := filepath.Join(workspace, sceneFileName(i, scene.sceneID))
		if err := p.download(ctx, scene.url, dest); err != nil {
			return "", fmt.Errorf("scene %s: %w", scene.sceneID, err)
		}
		clipPaths = append(clipPaths, dest)
	}

	audioPath := filepath.Join(workspace, "audio"+audioExt(plan.audioURL))
	if err := p.download(ctx, plan.audioURL, audioPath); err != nil {
		return "", fmt.Errorf("audio: %w", err)
	}

	manifest := filepath.Join(workspace, "videos.txt")
	if err := services.WriteConcatManifest(manifest, clipPaths); err != nil {
		return "", err
	}

	merged := filepath.Join(workspace, "merged.mp4")
	if err := p.media.Concat(ctx, manifest, merged); err != nil {
		return "", err
	}

	final := filepath.Join(workspace, "final.mp4")
	if err := p.media.Mux(ctx, merged, audioPath, final); err != nil {
		return "", err
	}

	f, err := os.Open(final)
	if err != nil {
		return "", fmt.Errorf("failed to open final video: %w", err)
	}
	defer f.Close()

	var id string
	err = p.withUploadSlot(ctx, func() error {
		var err error
		id, err = p.blobs.Store(ctx, f, fmt.Sprintf("video-%s.mp4", projectID), storage.Metadata{
			"projectId": projectID.String(),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload final video: %w", err)
	}
	return id, nil
}

func (p *Pipeline) withUploadSlot(ctx context.Context, fn func() error) error {
	select {
	case p.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.uploadSem }()
	return fn()
}

func (p *Pipeline) download(ctx context.Context, src, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("invalid asset url: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(dest), err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(dest), err)
	}
	return f.Close()
}

func (p *Pipeline) failProject(ctx context.Context, projectID uuid.UUID, cause error) {
	logger := log.WithField("projectId", projectID)
	logger.Errorf("[Stitcher] Stitch failed: %v", cause)
	if _, err := p.store.FailProject(ctx, projectID, cause.Error(), models.ProjectStatusStitching); err != nil {
		logger.Errorf("[Stitcher] Failed to mark project failed: %v", err)
	}
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// sceneFileName keeps timeline order in the name so a directory listing
// matches the manifest.
func sceneFileName(index int, sceneID string) string {
	safe := unsafeFileChars.ReplaceAllString(sceneID, "_")
	if len(safe) > 40 {
		safe = safe[:40]
	}
	return fmt.Sprintf("scene-%03d-%s.mp4", index, safe)
}

func audioExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ".mp3"
	}
	switch ext := strings.ToLower(path.Ext(u.Path)); ext {
	case ".mp3", ".wav", ".m4a", ".aac", ".ogg", ".flac":
		return ext
	}
	return ".mp3"
}
