package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bobarin/clipsa/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CreateProject inserts the project and its ordered scenes in one transaction.
func (db *DB) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}

	audioSettings, err := json.Marshal(project.AudioSettings)
	if err != nil {
		return fmt.Errorf("failed to marshal audio settings: %w", err)
	}
	videoSettings, err := json.Marshal(project.VideoSettings)
	if err != nil {
		return fmt.Errorf("failed to marshal video settings: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO projects (
			id, kind, prompt, audio_settings, video_settings, status, audio_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRowContext(
		ctx, query,
		project.ID, project.Kind, project.Prompt,
		string(audioSettings), string(videoSettings),
		project.Status, project.AudioStatus,
	).Scan(&project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	sceneQuery := `
		INSERT INTO project_scenes (
			project_id, scene_id, position, description, duration,
			motion, transition, input_image_id, input_image_url, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for i, s := range project.Scenes {
		if _, err := tx.ExecContext(
			ctx, sceneQuery,
			project.ID, s.ID, i, s.Description, s.Duration,
			s.Motion, s.Transition, s.InputImageID, s.InputImageURL, s.Status,
		); err != nil {
			return fmt.Errorf("failed to create scene %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project: %w", err)
	}

	return nil
}

func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `
		SELECT
			id, kind, prompt, audio_settings, video_settings, status,
			audio_status, final_asset_id, final_asset_url, error_message,
			created_at, updated_at
		FROM projects
		WHERE id = $1
	`

	project := &models.Project{}
	var (
		audioSettings, videoSettings []byte
		finalAssetID, finalAssetURL  sql.NullString
	)
	err := db.QueryRowContext(ctx, query, id).Scan(
		&project.ID, &project.Kind, &project.Prompt,
		&audioSettings, &videoSettings, &project.Status,
		&project.AudioStatus, &finalAssetID, &finalAssetURL,
		&project.ErrorMessage, &project.CreatedAt, &project.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	if err := json.Unmarshal(audioSettings, &project.AudioSettings); err != nil {
		return nil, fmt.Errorf("failed to decode audio settings: %w", err)
	}
	if err := json.Unmarshal(videoSettings, &project.VideoSettings); err != nil {
		return nil, fmt.Errorf("failed to decode video settings: %w", err)
	}
	if finalAssetID.Valid {
		project.Assets = &models.ProjectAssets{
			FinalAssetID:  finalAssetID.String,
			FinalAssetURL: finalAssetURL.String,
		}
	}

	scenes, err := db.getProjectScenes(ctx, id)
	if err != nil {
		return nil, err
	}
	project.Scenes = scenes

	return project, nil
}

func (db *DB) getProjectScenes(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	query := `
		SELECT
			scene_id, description, duration, motion, transition,
			input_image_id, input_image_url, status
		FROM project_scenes
		WHERE project_id = $1
		ORDER BY position ASC
	`

	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get scenes: %w", err)
	}
	defer rows.Close()

	scenes := []models.Scene{}
	for rows.Next() {
		var s models.Scene
		if err := rows.Scan(
			&s.ID, &s.Description, &s.Duration, &s.Motion, &s.Transition,
			&s.InputImageID, &s.InputImageURL, &s.Status,
		); err != nil {
			return nil, fmt.Errorf("failed to scan scene: %w", err)
		}
		scenes = append(scenes, s)
	}

	return scenes, rows.Err()
}

// TransitionProjectStatus is a compare-and-set on the status column: the
// write only lands when the current status is one of from. The boolean
// reports whether this call won the transition.
func (db *DB) TransitionProjectStatus(ctx context.Context, id uuid.UUID, to models.ProjectStatus, from ...models.ProjectStatus) (bool, error) {
	query := `
		UPDATE projects
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`

	result, err := db.ExecContext(ctx, query, to, id, pq.Array(statusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("failed to transition project status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return rows == 1, nil
}

// FailProject marks the project failed. When from is non-empty the update is
// conditional on the current status, same as TransitionProjectStatus.
func (db *DB) FailProject(ctx context.Context, id uuid.UUID, message string, from ...models.ProjectStatus) (bool, error) {
	query := `
		UPDATE projects
		SET status = $1,
		    error_message = COALESCE(NULLIF($2, ''), error_message),
		    updated_at = NOW()
		WHERE id = $3 AND (cardinality($4::text[]) = 0 OR status = ANY($4))
	`

	result, err := db.ExecContext(ctx, query, models.ProjectStatusFailed, message, id, pq.Array(statusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("failed to mark project failed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return rows == 1, nil
}

// CompleteProject records the final asset and marks the project completed.
// Like FailProject, a non-empty from makes the write conditional.
func (db *DB) CompleteProject(ctx context.Context, id uuid.UUID, assets models.ProjectAssets, from ...models.ProjectStatus) (bool, error) {
	query := `
		UPDATE projects
		SET status = $1,
		    final_asset_id = $2,
		    final_asset_url = $3,
		    error_message = NULL,
		    updated_at = NOW()
		WHERE id = $4 AND (cardinality($5::text[]) = 0 OR status = ANY($5))
	`

	result, err := db.ExecContext(ctx, query, models.ProjectStatusCompleted, assets.FinalAssetID, assets.FinalAssetURL, id, pq.Array(statusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("failed to complete project: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return rows == 1, nil
}

// SetSceneStatus updates the denormalized status of one scene entry.
func (db *DB) SetSceneStatus(ctx context.Context, projectID uuid.UUID, sceneID string, status models.UnitStatus) error {
	query := `UPDATE project_scenes SET status = $1 WHERE project_id = $2 AND scene_id = $3`
	if _, err := db.ExecContext(ctx, query, status, projectID, sceneID); err != nil {
		return fmt.Errorf("failed to update scene status: %w", err)
	}
	return nil
}

func (db *DB) SetAudioStatus(ctx context.Context, projectID uuid.UUID, status models.UnitStatus) error {
	query := `UPDATE projects SET audio_status = $1, updated_at = NOW() WHERE id = $2`
	if _, err := db.ExecContext(ctx, query, status, projectID); err != nil {
		return fmt.Errorf("failed to update audio status: %w", err)
	}
	return nil
}

func statusStrings(statuses []models.ProjectStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
