package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
)

// UpsertSettings overwrites the sender's settings row. Settings are never
// deleted, only replaced by later commands.
func (db *DB) UpsertSettings(ctx context.Context, s models.Settings) error {
	query := `
		INSERT INTO settings (
			sender_id, fps, duration_sec, resolution, aspect_ratio, camera_fixed, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sender_id) DO UPDATE SET
			fps = EXCLUDED.fps,
			duration_sec = EXCLUDED.duration_sec,
			resolution = EXCLUDED.resolution,
			aspect_ratio = EXCLUDED.aspect_ratio,
			camera_fixed = EXCLUDED.camera_fixed,
			updated_at = EXCLUDED.updated_at
	`

	_, err := db.ExecContext(
		ctx, query,
		s.SenderID, s.FPS, s.DurationSec, s.Resolution, s.AspectRatio, s.CameraFixed, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}
	return nil
}

// GetSettings returns the sender's stored settings, or nil when the
// sender never configured anything.
func (db *DB) GetSettings(ctx context.Context, senderID string) (*models.Settings, error) {
	query := `
		SELECT sender_id, fps, duration_sec, resolution, aspect_ratio, camera_fixed, updated_at
		FROM settings
		WHERE sender_id = $1
	`

	s := &models.Settings{}
	err := db.QueryRowContext(ctx, query, senderID).Scan(
		&s.SenderID, &s.FPS, &s.DurationSec, &s.Resolution,
		&s.AspectRatio, &s.CameraFixed, &s.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	return s, nil
}
