// Package router classifies inbound chat messages into pipeline actions.
// It is the only consumer-facing entry point into the queue: a message is
// either a generation prompt, a settings command, a help/status request,
// or unrecognized.
package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
	"github.com/ShiroYasha18/peppo-ai-backend/internal/settings"
)

const (
	promptMinLen = 3
	promptMaxLen = 500
)

// ActionKind enumerates what the caller should do with an inbound message.
type ActionKind string

const (
	ActionEnqueue        ActionKind = "enqueue"
	ActionSettingsReply  ActionKind = "settings_reply"
	ActionHelpReply      ActionKind = "help_reply"
	ActionWelcomeReply   ActionKind = "welcome_reply"
	ActionStatusReply    ActionKind = "status_reply"
	ActionRejected       ActionKind = "rejected"
)

// Action is the router's verdict on a single inbound message.
type Action struct {
	Kind   ActionKind
	Prompt string           // set for ActionEnqueue
	Params models.GenerationParams // settings snapshot for ActionEnqueue
	Reply  string           // reply text for everything except ActionEnqueue
	JobID  string           // set for ActionStatusReply
}

const helpText = `Send me a prompt and I'll generate a video for you.

Commands:
/video <prompt> - generate a video (or just send the prompt)
/settings key=value ... - update your defaults
  keys: ratio, resolution, fps, duration, camera
/status <job-id> - check on a request
/help - this message`

const welcomeText = "Hi! Send me a text prompt and I'll turn it into a short video. Type /help for commands."

// Router turns raw message text into actions. Its only side effect is the
// settings store mutation on /settings commands.
type Router struct {
	settings *settings.Store
}

func New(store *settings.Store) *Router {
	return &Router{settings: store}
}

// Route classifies one inbound message. For generation requests the
// returned action carries a copy of the sender's current settings, taken
// here so later settings changes never affect this request.
func (r *Router) Route(ctx context.Context, senderID, rawText string) Action {
	text := strings.TrimSpace(rawText)

	switch {
	case text == "":
		return Action{Kind: ActionWelcomeReply, Reply: welcomeText}

	case strings.HasPrefix(text, "/help"):
		return Action{Kind: ActionHelpReply, Reply: helpText}

	case strings.HasPrefix(text, "/settings"):
		return r.routeSettings(ctx, senderID, strings.TrimSpace(strings.TrimPrefix(text, "/settings")))

	case strings.HasPrefix(text, "/status"):
		jobID := strings.TrimSpace(strings.TrimPrefix(text, "/status"))
		if jobID == "" {
			return Action{Kind: ActionRejected, Reply: "Usage: /status <job-id>"}
		}
		return Action{Kind: ActionStatusReply, JobID: jobID}

	case strings.HasPrefix(text, "/video"):
		return r.routePrompt(ctx, senderID, strings.TrimSpace(strings.TrimPrefix(text, "/video")))

	case strings.HasPrefix(text, "/"):
		// Unknown command, don't burn a generation on a typo
		return Action{Kind: ActionWelcomeReply, Reply: welcomeText}

	default:
		// Product rule: any non-command message is a prompt
		return r.routePrompt(ctx, senderID, text)
	}
}

func (r *Router) routePrompt(ctx context.Context, senderID, prompt string) Action {
	if len(prompt) < promptMinLen {
		return Action{
			Kind:  ActionRejected,
			Reply: fmt.Sprintf("Prompt must be at least %d characters long.", promptMinLen),
		}
	}
	if len(prompt) > promptMaxLen {
		return Action{
			Kind:  ActionRejected,
			Reply: fmt.Sprintf("Prompt must be at most %d characters (yours is %d).", promptMaxLen, len(prompt)),
		}
	}

	current := r.settings.Get(ctx, senderID)
	return Action{
		Kind:   ActionEnqueue,
		Prompt: prompt,
		Params: current.Params(),
	}
}

func (r *Router) routeSettings(ctx context.Context, senderID, args string) Action {
	patch, warnings := ParseSettingsPatch(args)

	updated, err := r.settings.Apply(ctx, senderID, patch)
	if err != nil {
		return Action{Kind: ActionRejected, Reply: "Could not save settings, please try again."}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Settings saved: ratio=%s resolution=%s fps=%d duration=%ds camera_fixed=%v",
		updated.AspectRatio, updated.Resolution, updated.FPS, updated.DurationSec, updated.CameraFixed)
	for _, w := range warnings {
		b.WriteString("\nWarning: ")
		b.WriteString(w)
	}

	return Action{Kind: ActionSettingsReply, Reply: b.String()}
}

// ---------------------------------------------------------------------------
// Settings command parsing
// ---------------------------------------------------------------------------

var validResolutions = map[string]bool{"480p": true, "720p": true, "1080p": true}
var validRatios = map[string]bool{"16:9": true, "9:16": true, "1:1": true, "4:3": true}

// ParseSettingsPatch parses space-separated key=value tokens into a
// settings patch. Unknown keys and malformed values produce warnings and
// are skipped; they never fail the whole command.
func ParseSettingsPatch(args string) (settings.Patch, []string) {
	var patch settings.Patch
	var warnings []string

	for _, token := range strings.Fields(args) {
		key, value, found := strings.Cut(token, "=")
		if !found || value == "" {
			warnings = append(warnings, fmt.Sprintf("ignored %q (expected key=value)", token))
			continue
		}

		switch strings.ToLower(key) {
		case "ratio":
			if !validRatios[value] {
				warnings = append(warnings, fmt.Sprintf("ignored ratio=%q (allowed: 16:9, 9:16, 1:1, 4:3)", value))
				continue
			}
			patch.AspectRatio = strPtr(value)

		case "resolution":
			if !validResolutions[value] {
				warnings = append(warnings, fmt.Sprintf("ignored resolution=%q (allowed: 480p, 720p, 1080p)", value))
				continue
			}
			patch.Resolution = strPtr(value)

		case "fps":
			fps, err := strconv.Atoi(value)
			if err != nil || fps < 1 || fps > 60 {
				warnings = append(warnings, fmt.Sprintf("ignored fps=%q (must be 1-60)", value))
				continue
			}
			patch.FPS = intPtr(fps)

		case "duration":
			dur, err := strconv.Atoi(strings.TrimSuffix(value, "s"))
			if err != nil || dur < 1 || dur > 10 {
				warnings = append(warnings, fmt.Sprintf("ignored duration=%q (must be 1-10 seconds)", value))
				continue
			}
			patch.DurationSec = intPtr(dur)

		case "camera":
			fixed, err := strconv.ParseBool(value)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("ignored camera=%q (use true or false)", value))
				continue
			}
			patch.CameraFixed = boolPtr(fixed)

		default:
			warnings = append(warnings, fmt.Sprintf("unknown key %q", key))
		}
	}

	return patch, warnings
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
