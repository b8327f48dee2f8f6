package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
	"github.com/google/uuid"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo Video Generation Service
// Fallback generation provider using the Google Gen AI SDK, used when no
// Replicate token is configured. Text-to-video from the sender's prompt.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel = "veo-3.1-generate-preview"
	veoPollInterval = 10 * time.Second
)

type VeoService struct {
	apiKey  string
	model   string
	tempDir string
}

// NewVeoService creates the fallback generation service. model may be
// empty, in which case the current default is used.
func NewVeoService(apiKey, model, tempDir string) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		apiKey:  apiKey,
		model:   model,
		tempDir: tempDir,
	}
}

// Generate runs a text-to-video generation and returns the path of the
// downloaded MP4. Polling blocks only the owning worker goroutine; the
// stage-timeout ctx bounds the whole operation.
func (s *VeoService) Generate(ctx context.Context, prompt string, params models.GenerationParams) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", models.Transient("failed to create genai client: %w", err)
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      params.AspectRatio,
		Resolution:       params.Resolution,
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	log.Printf("[Veo] Starting video generation (model=%s, promptLen=%d, ratio=%s, resolution=%s)",
		s.model, len(prompt), params.AspectRatio, params.Resolution)

	operation, err := client.Models.GenerateVideos(ctx, s.model, prompt, nil, config)
	if err != nil {
		return "", models.Transient("failed to start video generation: %w", err)
	}

	log.Printf("[Veo] Operation started: %s", operation.Name)

	pollCount := 0
	for !operation.Done {
		select {
		case <-ctx.Done():
			return "", models.Transient("video generation cancelled: %w", ctx.Err())
		case <-time.After(veoPollInterval):
		}

		pollCount++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return "", models.Transient("failed to poll operation (attempt %d): %w", pollCount, err)
		}

		log.Printf("[Veo] Poll %d: done=%v", pollCount, operation.Done)
	}

	if operation.Error != nil && len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return "", models.Transient("video generation operation failed: %s", string(errJSON))
	}

	if operation.Response == nil {
		return "", models.Transient("no response in completed operation after %d polls", pollCount)
	}

	// Safety-filtered output will be filtered again on retry, so don't retry.
	if operation.Response.RAIMediaFilteredCount > 0 {
		return "", models.Deterministic("video blocked by safety filters (%d filtered)", operation.Response.RAIMediaFilteredCount)
	}

	if len(operation.Response.GeneratedVideos) == 0 {
		return "", models.Transient("no videos in response")
	}

	video := operation.Response.GeneratedVideos[0]
	if video.Video == nil {
		return "", models.Transient("generated video object is nil")
	}

	log.Printf("[Veo] Video ready, downloading...")

	downloadURI := genai.NewDownloadURIFromVideo(video.Video)
	videoBytes, err := client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return "", models.Transient("failed to download generated video: %w", err)
	}
	if len(videoBytes) == 0 {
		return "", models.Transient("downloaded video is empty (0 bytes)")
	}

	path := filepath.Join(s.tempDir, fmt.Sprintf("veo_%s.mp4", uuid.New().String()))
	if err := os.WriteFile(path, videoBytes, 0644); err != nil {
		return "", models.Transient("failed to write video file: %w", err)
	}

	log.Printf("[Veo] Video generated successfully (%d bytes, %d polls)", len(videoBytes), pollCount)
	return path, nil
}
