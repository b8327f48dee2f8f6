// Package channel is the outbound side of the messaging channel: media
// delivery and plain-text notices back to the sender, as two distinct
// calls per the channel API.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
)

const clientTimeout = 60 * time.Second

// WhatsAppClient talks to the WhatsApp Cloud API. Local media files are
// uploaded to the channel's media endpoint first; URLs are sent by link.
type WhatsAppClient struct {
	baseURL       string
	token         string
	phoneNumberID string
	client        *http.Client
}

func NewWhatsAppClient(baseURL, token, phoneNumberID string) *WhatsAppClient {
	return &WhatsAppClient{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		token:         token,
		phoneNumberID: phoneNumberID,
		client: &http.Client{
			Timeout: clientTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SendVideo delivers the generated media to the sender. mediaRef may be a
// public URL (sent by link) or a local file path (uploaded first). Errors
// are classified for the worker's retry taxonomy; the client itself never
// retries.
func (c *WhatsAppClient) SendVideo(ctx context.Context, to, mediaRef string) error {
	video := map[string]string{}
	if strings.HasPrefix(mediaRef, "http://") || strings.HasPrefix(mediaRef, "https://") {
		video["link"] = mediaRef
	} else {
		mediaID, err := c.uploadMedia(ctx, mediaRef)
		if err != nil {
			return err
		}
		video["id"] = mediaID
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "video",
		"video":             video,
	}

	log.Printf("[WhatsApp] Sending video to %s", to)
	return c.sendMessage(ctx, payload)
}

// SendText delivers a plain-text message (settings acks, block and
// failure notices). Same classification rules as media delivery.
func (c *WhatsAppClient) SendText(ctx context.Context, to, text string) error {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}
	return c.sendMessage(ctx, payload)
}

func (c *WhatsAppClient) sendMessage(ctx context.Context, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.Deterministic("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return models.Deterministic("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if isRetryableError(err) {
			return models.Transient("message send failed: %w", err)
		}
		return models.Deterministic("message send failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}
	return classifyStatus(resp.StatusCode, respBody)
}

// uploadMedia pushes a local file to the channel media endpoint and
// returns the media ID to reference in the message.
func (c *WhatsAppClient) uploadMedia(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", models.Deterministic("failed to open media file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", models.Deterministic("failed to build upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", models.Transient("failed to read media file: %w", err)
	}
	_ = mw.WriteField("type", "video/mp4")
	_ = mw.WriteField("messaging_product", "whatsapp")
	if err := mw.Close(); err != nil {
		return "", models.Deterministic("failed to finalize upload form: %w", err)
	}

	url := fmt.Sprintf("%s/%s/media", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, &buf)
	if err != nil {
		return "", models.Deterministic("failed to create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	log.Printf("[WhatsApp] Uploading media %s (%d bytes)", filepath.Base(path), buf.Len())

	resp, err := c.client.Do(req)
	if err != nil {
		if isRetryableError(err) {
			return "", models.Transient("media upload failed: %w", err)
		}
		return "", models.Deterministic("media upload failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", models.Transient("failed to read upload response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", classifyStatus(resp.StatusCode, respBody)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", models.Transient("failed to parse upload response: %w", err)
	}
	if result.ID == "" {
		return "", models.Transient("no media id in upload response: %s", truncate(string(respBody), 200))
	}
	return result.ID, nil
}

// classifyStatus maps channel HTTP failures onto the retry taxonomy.
func classifyStatus(status int, body []byte) error {
	msg := fmt.Sprintf("channel returned status %d: %s", status, truncate(string(body), 200))
	if isRetryableStatus(status) {
		return models.Transient("%s", msg)
	}
	return models.Deterministic("%s", msg)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
