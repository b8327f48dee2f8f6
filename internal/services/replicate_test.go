package services

import (
	"encoding/json"
	"testing"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
)

func TestOutputURL(t *testing.T) {
	url, err := outputURL(json.RawMessage(`"https://replicate.delivery/video.mp4"`))
	if err != nil {
		t.Fatalf("failed on bare string output: %v", err)
	}
	if url != "https://replicate.delivery/video.mp4" {
		t.Errorf("unexpected url %q", url)
	}

	url, err = outputURL(json.RawMessage(`["https://replicate.delivery/a.mp4","https://replicate.delivery/b.mp4"]`))
	if err != nil {
		t.Fatalf("failed on list output: %v", err)
	}
	if url != "https://replicate.delivery/a.mp4" {
		t.Errorf("expected first list entry, got %q", url)
	}
}

func TestOutputURLUnusable(t *testing.T) {
	cases := []string{``, `null`, `[]`, `{"weird":"shape"}`, `""`}
	for _, raw := range cases {
		if _, err := outputURL(json.RawMessage(raw)); err == nil {
			t.Errorf("expected error for output %q", raw)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	transient := []int{429, 500, 502, 503}
	for _, status := range transient {
		if models.IsDeterministic(classifyStatus(status, nil)) {
			t.Errorf("expected status %d to be transient", status)
		}
	}

	deterministic := []int{400, 401, 404, 422}
	for _, status := range deterministic {
		if !models.IsDeterministic(classifyStatus(status, nil)) {
			t.Errorf("expected status %d to be deterministic", status)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("unexpected truncation: %q", got)
	}
	if got := truncate("a longer string", 8); got != "a longer..." {
		t.Errorf("unexpected truncation: %q", got)
	}
}
