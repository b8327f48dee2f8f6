package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
	"github.com/google/uuid"
)

func (db *DB) SaveJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (
			id, sender_id, prompt, fps, duration_sec, resolution,
			aspect_ratio, camera_fixed, state, attempt, requeues,
			message_sid, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := db.ExecContext(
		ctx, query,
		job.ID, job.SenderID, job.Prompt,
		job.Params.FPS, job.Params.DurationSec, job.Params.Resolution,
		job.Params.AspectRatio, job.Params.CameraFixed,
		job.State, job.Attempt, job.Requeues, nullStr(job.MessageSID),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (db *DB) UpdateJob(ctx context.Context, job *models.Job) error {
	query := `
		UPDATE jobs
		SET state = $1, attempt = $2, requeues = $3, last_error = $4, media_ref = $5, updated_at = $6
		WHERE id = $7
	`

	_, err := db.ExecContext(
		ctx, query,
		job.State, job.Attempt, job.Requeues, job.LastError, nullStr(job.MediaRef), job.UpdatedAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `
		SELECT
			id, sender_id, prompt, fps, duration_sec, resolution,
			aspect_ratio, camera_fixed, state, attempt, requeues,
			message_sid, last_error, media_ref, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`

	job := &models.Job{}
	var messageSID, mediaRef sql.NullString
	err := db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.SenderID, &job.Prompt,
		&job.Params.FPS, &job.Params.DurationSec, &job.Params.Resolution,
		&job.Params.AspectRatio, &job.Params.CameraFixed,
		&job.State, &job.Attempt, &job.Requeues, &messageSID,
		&job.LastError, &mediaRef, &job.CreatedAt, &job.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.MessageSID = messageSID.String
	job.MediaRef = mediaRef.String
	return job, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
