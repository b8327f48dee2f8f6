package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
	"github.com/ShiroYasha18/peppo-ai-backend/internal/queue"
	"github.com/ShiroYasha18/peppo-ai-backend/internal/router"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// replyTimeout bounds the asynchronous chat replies the webhook handler
// fires off. The webhook response itself never waits on them.
const replyTimeout = 15 * time.Second

// Notifier sends plain-text chat replies (command acks, rejections).
type Notifier interface {
	SendText(ctx context.Context, to, text string) error
}

// ActiveCounter reports how many workers are mid-job right now.
type ActiveCounter interface {
	Active() int
}

// JobReader serves job records that have already been evicted from the
// in-memory queue (Postgres when configured). nil disables the fallback.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

type Handler struct {
	queue    *queue.Queue
	router   *router.Router
	notifier Notifier
	workers  ActiveCounter
	jobs     JobReader
}

func NewHandler(q *queue.Queue, msgRouter *router.Router, notifier Notifier, workers ActiveCounter, jobs JobReader) *Handler {
	return &Handler{
		queue:    q,
		router:   msgRouter,
		notifier: notifier,
		workers:  workers,
		jobs:     jobs,
	}
}

// Webhook handles POST /webhook, the inbound message from the chat
// provider. Form fields follow the provider's webhook shape:
//   - From:       sender identifier
//   - Body:       message text
//   - MessageSid: provider's message id, used for duplicate-delivery dedup
//
// The handler classifies the message, enqueues generation requests, and
// acknowledges immediately. Chat replies go out on a separate goroutine
// so a slow channel API never delays the webhook response.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid form body")
		return
	}

	senderID := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	messageSID := r.PostFormValue("MessageSid")

	if senderID == "" {
		respondError(w, http.StatusBadRequest, "From is required")
		return
	}

	action := h.router.Route(r.Context(), senderID, body)

	switch action.Kind {
	case router.ActionEnqueue:
		job, err := h.queue.Enqueue(r.Context(), senderID, action.Prompt, action.Params, messageSID)
		if err != nil {
			if errors.Is(err, models.ErrQueueFull) {
				h.replyAsync(senderID, "We're at capacity right now, please try again in a few minutes.")
				respondJSON(w, http.StatusTooManyRequests, models.WebhookResponse{
					Status: "rejected",
					Reply:  "queue full",
				})
				return
			}
			log.Printf("[API] Failed to enqueue job for %s: %v", senderID, err)
			respondError(w, http.StatusInternalServerError, "Failed to enqueue request")
			return
		}

		h.replyAsync(senderID, "Got it! Your video is being generated, I'll send it here when it's ready.")
		respondJSON(w, http.StatusAccepted, models.WebhookResponse{
			Status: "queued",
			JobID:  &job.ID,
		})

	case router.ActionStatusReply:
		h.replyAsync(senderID, h.statusReply(r.Context(), action.JobID))
		respondJSON(w, http.StatusOK, models.WebhookResponse{Status: "ok"})

	case router.ActionRejected:
		h.replyAsync(senderID, action.Reply)
		respondJSON(w, http.StatusOK, models.WebhookResponse{
			Status: "rejected",
			Reply:  action.Reply,
		})

	default:
		// Settings acks, help, welcome: reply text already built by the router
		h.replyAsync(senderID, action.Reply)
		respondJSON(w, http.StatusOK, models.WebhookResponse{Status: "ok"})
	}
}

// statusReply builds the /status command's answer from the in-memory
// job table, falling back to persisted records for evicted jobs.
func (h *Handler) statusReply(ctx context.Context, rawID string) string {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return "That doesn't look like a job id. Usage: /status <job-id>"
	}

	job, err := h.lookupJob(ctx, id)
	if err != nil {
		return "I couldn't find that request. It may have finished a while ago."
	}

	switch job.State {
	case models.JobStateDelivered:
		return "That video was generated and delivered."
	case models.JobStateFailed:
		return "That request failed. Feel free to try again."
	case models.JobStateBlocked:
		return "That request was blocked by content moderation."
	default:
		return "Your request is " + string(job.State) + ". Hang tight!"
	}
}

// replyAsync fires a chat reply without blocking the webhook response.
// Failures are logged and dropped: the webhook ack already went out.
func (h *Handler) replyAsync(to, text string) {
	if h.notifier == nil || text == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()
		if err := h.notifier.SendText(ctx, to, text); err != nil {
			log.Printf("[API] Failed to send reply to %s: %v", to, err)
		}
	}()
}

// lookupJob checks the live queue first, then the persisted job records
// for anything the retention window already evicted.
func (h *Handler) lookupJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := h.queue.Get(id)
	if err != nil && h.jobs != nil {
		return h.jobs.GetJob(ctx, id)
	}
	return job, err
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.lookupJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := h.queue.Stats()
	if h.workers != nil {
		stats.ActiveWorkers = h.workers.Active()
	}
	respondJSON(w, http.StatusOK, stats)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondJSON writes a JSON response with the given status code
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

// respondError writes a JSON error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
