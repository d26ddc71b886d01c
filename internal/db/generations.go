package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bobarin/clipsa/internal/models"
	"github.com/google/uuid"
)

// CreateGeneration records a submitted provider request. Re-inserting an
// existing request id is a no-op so a late insert never clobbers a webhook
// result.
func (db *DB) CreateGeneration(ctx context.Context, gen *models.Generation) error {
	query := `
		INSERT INTO generations (
			request_id, project_id, scene_id, type, status, output, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING created_at, updated_at
	`

	err := db.QueryRowContext(
		ctx, query,
		gen.RequestID, gen.ProjectID, gen.SceneID, gen.Type, gen.Status,
		jsonParam(gen.Output), jsonParam(gen.Error),
	).Scan(&gen.CreatedAt, &gen.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create generation: %w", err)
	}

	return nil
}

// CompleteGeneration writes a webhook result onto the unit matched by
// request id and type. Units already succeeded or failed are left untouched.
func (db *DB) CompleteGeneration(ctx context.Context, unitType models.UnitType, requestID string, status models.UnitStatus, output, errDetail json.RawMessage) (models.CompletionOutcome, error) {
	query := `
		UPDATE generations
		SET status = $1,
		    output = COALESCE($2::jsonb, output),
		    error = COALESCE($3::jsonb, error),
		    updated_at = NOW()
		WHERE request_id = $4 AND type = $5
		  AND status NOT IN ('succeeded', 'failed')
	`

	result, err := db.ExecContext(ctx, query, status, jsonParam(output), jsonParam(errDetail), requestID, unitType)
	if err != nil {
		return models.CompletionMissing, fmt.Errorf("failed to complete generation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return models.CompletionMissing, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 1 {
		return models.CompletionApplied, nil
	}

	var exists bool
	err = db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM generations WHERE request_id = $1 AND type = $2)`,
		requestID, unitType,
	).Scan(&exists)
	if err != nil {
		return models.CompletionMissing, fmt.Errorf("failed to look up generation: %w", err)
	}
	if exists {
		return models.CompletionDuplicate, nil
	}

	return models.CompletionMissing, nil
}

func (db *DB) TallyGenerations(ctx context.Context, projectID uuid.UUID) (*models.GenerationTally, error) {
	query := `
		SELECT
			EXISTS (SELECT 1 FROM projects WHERE id = $1),
			(SELECT COUNT(*) FROM project_scenes WHERE project_id = $1),
			(SELECT COUNT(DISTINCT scene_id) FROM generations
				WHERE project_id = $1 AND type = 'video' AND status = 'succeeded'),
			(SELECT COUNT(*) FROM generations
				WHERE project_id = $1 AND type = 'video' AND status = 'failed'),
			EXISTS (SELECT 1 FROM generations
				WHERE project_id = $1 AND type = 'audio' AND status = 'succeeded')
	`

	var (
		found bool
		tally models.GenerationTally
	)
	err := db.QueryRowContext(ctx, query, projectID).Scan(
		&found, &tally.TotalScenes, &tally.ScenesSucceeded,
		&tally.ScenesFailed, &tally.AudioSucceeded,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to tally generations: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("project %s: %w", projectID, models.ErrNotFound)
	}

	return &tally, nil
}

// ListGenerations returns a project's units of one type, oldest first.
// An empty status matches any status.
func (db *DB) ListGenerations(ctx context.Context, projectID uuid.UUID, unitType models.UnitType, status models.UnitStatus) ([]models.Generation, error) {
	query := `
		SELECT
			request_id, project_id, scene_id, type, status,
			output, error, created_at, updated_at
		FROM generations
		WHERE project_id = $1 AND type = $2 AND ($3 = '' OR status = $3)
		ORDER BY created_at ASC, request_id ASC
	`

	rows, err := db.QueryContext(ctx, query, projectID, unitType, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer rows.Close()

	var gens []models.Generation
	for rows.Next() {
		var (
			g             models.Generation
			output, errJS []byte
		)
		if err := rows.Scan(
			&g.RequestID, &g.ProjectID, &g.SceneID, &g.Type, &g.Status,
			&output, &errJS, &g.CreatedAt, &g.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		g.Output = output
		g.Error = errJS
		gens = append(gens, g)
	}

	return gens, rows.Err()
}
