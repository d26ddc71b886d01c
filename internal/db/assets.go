package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bobarin/clipsa/internal/models"
)

// CreateAsset indexes a stored blob so it can be fetched by id.
func (db *DB) CreateAsset(ctx context.Context, asset *models.Asset) error {
	var metadata []byte
	if len(asset.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(asset.Metadata); err != nil {
			return fmt.Errorf("failed to marshal asset metadata: %w", err)
		}
	}

	query := `
		INSERT INTO assets (
			id, filename, storage_path, content_type, byte_size, metadata
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		asset.ID, asset.Filename, asset.StoragePath,
		asset.ContentType, asset.ByteSize, jsonParam(metadata),
	).Scan(&asset.CreatedAt)
}

func (db *DB) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	query := `
		SELECT
			id, filename, storage_path, content_type, byte_size, metadata, created_at
		FROM assets
		WHERE id = $1
	`

	asset := &models.Asset{}
	var metadata []byte
	err := db.QueryRowContext(ctx, query, id).Scan(
		&asset.ID, &asset.Filename, &asset.StoragePath,
		&asset.ContentType, &asset.ByteSize, &metadata, &asset.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("asset %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &asset.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode asset metadata: %w", err)
		}
	}

	return asset, nil
}

func (db *DB) DeleteAsset(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM assets WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	return nil
}
