package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
)

// ---------------------------------------------------------------------------
// Replicate Video Generation Service
// Uses the Replicate predictions API to run bytedance/seedance-1-lite.
// Follows a deferred request pattern: submit prediction → poll by id → output URL.
// ---------------------------------------------------------------------------

const (
	replicateBaseURL         = "https://api.replicate.com/v1"
	replicatePollMinInterval = 3 * time.Second
	replicatePollMaxInterval = 15 * time.Second
	replicateBackoffFactor   = 1.5
)

// ReplicateService is the primary generation client. A generation can run
// for minutes; polling blocks only the worker goroutine that owns the job.
type ReplicateService struct {
	apiToken   string
	model      string
	httpClient *http.Client
}

func NewReplicateService(apiToken, model string) *ReplicateService {
	return &ReplicateService{
		apiToken: apiToken,
		model:    model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per HTTP call, not the full poll cycle
		},
	}
}

// replicateInput matches the seedance-1-lite input schema.
type replicateInput struct {
	Prompt      string `json:"prompt"`
	FPS         int    `json:"fps"`
	Duration    int    `json:"duration"`
	Resolution  string `json:"resolution"`
	AspectRatio string `json:"aspect_ratio"`
	CameraFixed bool   `json:"camera_fixed"`
}

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"` // starting, processing, succeeded, failed, canceled
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Generate runs one prediction and returns the output video URL. Each call
// issues a fresh prediction; retries never reuse a previous request.
func (s *ReplicateService) Generate(ctx context.Context, prompt string, params models.GenerationParams) (string, error) {
	input := replicateInput{
		Prompt:      prompt,
		FPS:         params.FPS,
		Duration:    params.DurationSec,
		Resolution:  params.Resolution,
		AspectRatio: params.AspectRatio,
		CameraFixed: params.CameraFixed,
	}

	log.Printf("[Replicate] Starting prediction (model=%s, promptLen=%d, duration=%ds, resolution=%s, ratio=%s)",
		s.model, len(prompt), params.DurationSec, params.Resolution, params.AspectRatio)

	pred, err := s.submitPrediction(ctx, input)
	if err != nil {
		return "", err
	}

	log.Printf("[Replicate] Prediction submitted, id=%s", pred.ID)

	pred, err = s.pollPrediction(ctx, pred.ID)
	if err != nil {
		return "", err
	}

	url, err := outputURL(pred.Output)
	if err != nil {
		return "", models.Transient("prediction %s returned unusable output: %w", pred.ID, err)
	}

	log.Printf("[Replicate] Prediction %s succeeded", pred.ID)
	return url, nil
}

func (s *ReplicateService) submitPrediction(ctx context.Context, input replicateInput) (*replicatePrediction, error) {
	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return nil, models.Deterministic("failed to marshal prediction input: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s/predictions", replicateBaseURL, s.model)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, models.Deterministic("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, models.Transient("prediction request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.Transient("failed to read prediction response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var pred replicatePrediction
	if err := json.Unmarshal(respBody, &pred); err != nil {
		return nil, models.Transient("failed to parse prediction response: %w (body: %s)", err, truncate(string(respBody), 200))
	}
	if pred.ID == "" {
		return nil, models.Transient("no prediction id in response: %s", truncate(string(respBody), 200))
	}

	return &pred, nil
}

// pollPrediction polls until the prediction leaves starting/processing.
// The interval grows by 1.5x up to a cap; the overall deadline is the
// caller's stage-timeout ctx.
func (s *ReplicateService) pollPrediction(ctx context.Context, id string) (*replicatePrediction, error) {
	interval := replicatePollMinInterval
	pollCount := 0

	for {
		select {
		case <-ctx.Done():
			return nil, models.Transient("generation cancelled after %d polls: %w", pollCount, ctx.Err())
		case <-time.After(interval):
		}

		pollCount++
		pred, err := s.getPrediction(ctx, id)
		if err != nil {
			return nil, err
		}

		switch pred.Status {
		case "succeeded":
			log.Printf("[Replicate] Poll %d: succeeded", pollCount)
			return pred, nil
		case "failed", "canceled":
			errMsg := pred.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
			return nil, models.Transient("prediction %s %s: %s", id, pred.Status, errMsg)
		default:
			log.Printf("[Replicate] Poll %d: status=%s (next poll in %v)", pollCount, pred.Status, interval)
			next := time.Duration(float64(interval) * replicateBackoffFactor)
			if next > replicatePollMaxInterval {
				next = replicatePollMaxInterval
			}
			interval = next
		}
	}
}

func (s *ReplicateService) getPrediction(ctx context.Context, id string) (*replicatePrediction, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/predictions/%s", replicateBaseURL, id), nil)
	if err != nil {
		return nil, models.Deterministic("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, models.Transient("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.Transient("failed to read poll response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var pred replicatePrediction
	if err := json.Unmarshal(body, &pred); err != nil {
		return nil, models.Transient("failed to parse poll response: %w", err)
	}
	return &pred, nil
}

// outputURL extracts the video URL: seedance returns a bare string, other
// models a list of URLs.
func outputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty output")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 && list[0] != "" {
		return list[0], nil
	}

	return "", fmt.Errorf("unrecognized output shape: %s", truncate(string(raw), 200))
}

// classifyStatus maps an HTTP failure onto the retry taxonomy: rate
// limits and server errors retry, client errors do not.
func classifyStatus(status int, body []byte) error {
	msg := fmt.Sprintf("replicate returned status %d: %s", status, truncate(string(body), 200))
	if status == http.StatusTooManyRequests || status >= 500 {
		return models.Transient("%s", msg)
	}
	return models.Deterministic("%s", msg)
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
