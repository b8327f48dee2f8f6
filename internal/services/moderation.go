package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
	openai "github.com/sashabaranov/go-openai"
)

// ModerationService classifies prompts before any expensive generation
// work starts. Backed by the OpenAI moderation endpoint; the worker owns
// the timeout and the fail-closed policy on repeated failure.
type ModerationService struct {
	client *openai.Client
}

func NewModerationService(apiKey string) *ModerationService {
	return &ModerationService{
		client: openai.NewClient(apiKey),
	}
}

// Check returns whether the prompt is allowed, and a category summary when
// it is not. Network and API failures come back as transient errors so the
// worker can retry before failing closed.
func (s *ModerationService) Check(ctx context.Context, prompt string) (bool, string, error) {
	resp, err := s.client.Moderations(ctx, openai.ModerationRequest{
		Model: openai.ModerationOmniLatest,
		Input: prompt,
	})
	if err != nil {
		return false, "", models.Transient("moderation request failed: %w", err)
	}

	if len(resp.Results) == 0 {
		return false, "", models.Transient("moderation returned no results")
	}

	result := resp.Results[0]
	if !result.Flagged {
		return true, "", nil
	}

	reason := flaggedCategories(result)
	log.Printf("[Moderation] Prompt flagged (categories: %s)", reason)
	return false, reason, nil
}

// flaggedCategories collects the category names that tripped, for logs
// and the job's lastError. Never shown verbatim to the sender.
func flaggedCategories(result openai.Result) string {
	var flagged []string
	c := result.Categories
	for name, hit := range map[string]bool{
		"hate":       c.Hate,
		"harassment": c.Harassment,
		"self-harm":  c.SelfHarm,
		"sexual":     c.Sexual,
		"violence":   c.Violence,
	} {
		if hit {
			flagged = append(flagged, name)
		}
	}
	if len(flagged) == 0 {
		return "flagged"
	}
	return fmt.Sprintf("flagged: %s", strings.Join(flagged, ", "))
}
