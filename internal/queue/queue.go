// Package queue is the buffered heart of the pipeline: it accepts inbound
// generation requests, hands them to workers one owner at a time, and
// tracks every job's state until eviction.
package queue

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
	"github.com/google/uuid"
)

// Journal durably records enqueued jobs so a crash between enqueue and
// dispatch loses nothing. Implemented by RedisJournal; nil disables it.
type Journal interface {
	Append(ctx context.Context, job *models.Job) error
	Update(ctx context.Context, job *models.Job) error
	Remove(ctx context.Context, id uuid.UUID) error
	Replay(ctx context.Context) ([]*models.Job, error)
	ClaimMessage(ctx context.Context, messageSID string, id uuid.UUID) (uuid.UUID, bool, error)
	ReleaseMessage(ctx context.Context, messageSID string) error
}

// Recorder mirrors job records into long-term storage (Postgres when
// configured). Failures are logged, never fatal to the pipeline.
type Recorder interface {
	SaveJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, job *models.Job) error
}

// Queue is the single concurrency-safe structure shared by the webhook
// path and all workers. One mutex guards the job map and FIFO index;
// everything observable goes through it.
type Queue struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	fifo      []uuid.UUID          // queued job IDs in enqueue order
	byMessage map[string]uuid.UUID // webhook message-id dedup

	capacity int
	wake     chan struct{}

	journal  Journal  // nil = no durability
	recorder Recorder // nil = no persistence
}

func New(capacity int, journal Journal, recorder Recorder) *Queue {
	return &Queue{
		jobs:      make(map[uuid.UUID]*models.Job),
		fifo:      make([]uuid.UUID, 0, capacity),
		byMessage: make(map[string]uuid.UUID),
		capacity:  capacity,
		wake:      make(chan struct{}, capacity),
		journal:   journal,
		recorder:  recorder,
	}
}

// Enqueue records a new job and returns immediately; the webhook caller
// never waits on pipeline work. At capacity it rejects with
// models.ErrQueueFull. Duplicate webhook deliveries (same messageSID)
// return the originally enqueued job instead of a second one.
func (q *Queue) Enqueue(ctx context.Context, senderID, prompt string, params models.GenerationParams, messageSID string) (*models.Job, error) {
	now := time.Now()
	job := &models.Job{
		ID:         uuid.New(),
		SenderID:   senderID,
		Prompt:     prompt,
		Params:     params,
		State:      models.JobStateQueued,
		MessageSID: messageSID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	q.mu.Lock()
	if messageSID != "" {
		if existingID, ok := q.byMessage[messageSID]; ok {
			existing := q.jobs[existingID]
			q.mu.Unlock()
			log.Printf("[Queue] Duplicate webhook delivery for message %s, returning job %s", messageSID, existingID)
			if existing != nil {
				copied := *existing
				return &copied, nil
			}
			return nil, models.ErrJobNotFound
		}
	}
	if len(q.fifo) >= q.capacity {
		q.mu.Unlock()
		return nil, models.ErrQueueFull
	}
	q.mu.Unlock()

	// Cross-restart dedup through the journal. The in-memory check above
	// already covers the common case; this catches replays after a crash.
	claimedHere := false
	if q.journal != nil && messageSID != "" {
		owner, claimed, err := q.journal.ClaimMessage(ctx, messageSID, job.ID)
		if err != nil {
			log.Printf("[Queue] Journal dedup check failed (continuing): %v", err)
		} else if !claimed {
			q.mu.Lock()
			existing := q.jobs[owner]
			q.mu.Unlock()
			if existing != nil {
				copied := *existing
				return &copied, nil
			}
			return nil, models.ErrJobNotFound
		} else {
			claimedHere = true
		}
	}

	// Durably record before the job becomes dispatchable. If journaling
	// fails, the message claim must go with it, or the provider's
	// redelivery would find a claim pointing at a job that never existed.
	if q.journal != nil {
		if err := q.journal.Append(ctx, job); err != nil {
			q.releaseClaim(ctx, claimedHere, messageSID)
			return nil, fmt.Errorf("failed to journal job: %w", err)
		}
	}

	q.mu.Lock()
	if len(q.fifo) >= q.capacity {
		q.mu.Unlock()
		if q.journal != nil {
			_ = q.journal.Remove(ctx, job.ID)
			q.releaseClaim(ctx, claimedHere, messageSID)
		}
		return nil, models.ErrQueueFull
	}
	q.jobs[job.ID] = job
	q.fifo = append(q.fifo, job.ID)
	if messageSID != "" {
		q.byMessage[messageSID] = job.ID
	}
	q.mu.Unlock()

	q.record(ctx, job, true)
	q.notify()

	copied := *job
	return &copied, nil
}

// releaseClaim undoes a message claim this enqueue took but could not
// honor. Best effort: a leftover claim only matters until its TTL.
func (q *Queue) releaseClaim(ctx context.Context, claimedHere bool, messageSID string) {
	if !claimedHere || messageSID == "" {
		return
	}
	if err := q.journal.ReleaseMessage(ctx, messageSID); err != nil {
		log.Printf("[Queue] Failed to release claim on message %s: %v", messageSID, err)
	}
}

// Dequeue blocks until a queued job is available or ctx is cancelled.
// Removing the ID from the FIFO under the lock is what enforces the
// single-owner invariant: no two workers can claim the same job.
func (q *Queue) Dequeue(ctx context.Context) (*models.Job, error) {
	for {
		q.mu.Lock()
		for len(q.fifo) > 0 {
			id := q.fifo[0]
			q.fifo = q.fifo[1:]
			job, ok := q.jobs[id]
			if !ok || job.State != models.JobStateQueued {
				// Evicted or already moved on, skip.
				continue
			}
			copied := *job
			q.mu.Unlock()
			return &copied, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// Get returns a copy of the job for status lookups.
func (q *Queue) Get(id uuid.UUID) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

// SetState transitions a job along the pipeline graph. The new state is
// persisted before the caller starts the next stage's side effect, so a
// crash mid-stage shows up as "stuck in state X" for the sweep to recover.
// Entering a new stage resets the per-stage retry counter.
func (q *Queue) SetState(ctx context.Context, id uuid.UUID, state models.JobState, lastError string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return models.ErrJobNotFound
	}
	if !models.CanTransition(job.State, state) {
		from := job.State
		q.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s for job %s", from, state, id)
	}

	if job.State != state {
		job.Attempt = 0
	}
	job.State = state
	job.UpdatedAt = time.Now()
	if lastError != "" {
		job.LastError = &lastError
	}
	if state == models.JobStateQueued {
		q.fifo = append(q.fifo, id)
	}
	copied := *job
	q.mu.Unlock()

	if state == models.JobStateQueued {
		q.notify()
	}

	if q.journal != nil {
		var err error
		if state.Terminal() {
			err = q.journal.Remove(ctx, id)
		} else {
			err = q.journal.Update(ctx, &copied)
		}
		if err != nil {
			log.Printf("[Queue] Journal update for job %s failed: %v", id, err)
		}
	}
	q.record(ctx, &copied, false)

	return nil
}

// RecordAttempt bumps the per-stage retry counter and remembers the
// failure that caused it. Returns the new attempt count.
func (q *Queue) RecordAttempt(ctx context.Context, id uuid.UUID, lastError string) (int, error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return 0, models.ErrJobNotFound
	}
	job.Attempt++
	job.UpdatedAt = time.Now()
	if lastError != "" {
		job.LastError = &lastError
	}
	attempt := job.Attempt
	copied := *job
	q.mu.Unlock()

	q.record(ctx, &copied, false)
	return attempt, nil
}

// SetMediaRef stores the media reference produced by a stage.
func (q *Queue) SetMediaRef(ctx context.Context, id uuid.UUID, mediaRef string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return models.ErrJobNotFound
	}
	job.MediaRef = mediaRef
	job.UpdatedAt = time.Now()
	copied := *job
	q.mu.Unlock()

	q.record(ctx, &copied, false)
	return nil
}

// Stats derives the per-state counts. ActiveWorkers is filled by the
// caller, which owns the worker pool.
func (q *Queue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byState := make(map[models.JobState]int)
	for _, job := range q.jobs {
		byState[job.State]++
	}
	return models.QueueStats{
		QueueSize:   len(q.fifo),
		JobsByState: byState,
	}
}

// SweepStale recovers jobs stuck mid-stage longer than olderThan: they are
// requeued if under the requeue bound, failed otherwise. The bound counts
// Requeues, which survives stage transitions; the per-stage Attempt counter
// resets on every stage entry and cannot bound the sweep. Returns the jobs
// it failed so the caller can send failure notices.
func (q *Queue) SweepStale(ctx context.Context, olderThan time.Duration, maxAttempts int) (requeued, failed []models.Job) {
	cutoff := time.Now().Add(-olderThan)

	q.mu.Lock()
	var stale []uuid.UUID
	for id, job := range q.jobs {
		if job.State == models.JobStateQueued || job.State.Terminal() {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	q.mu.Unlock()

	for _, id := range stale {
		job, err := q.Get(id)
		if err != nil {
			continue
		}
		if job.Requeues >= maxAttempts {
			log.Printf("[Queue] Sweep: job %s stuck in %s after %d requeues, failing", id, job.State, job.Requeues)
			if err := q.SetState(ctx, id, models.JobStateFailed, fmt.Sprintf("stage %s timed out without completing", job.State)); err == nil {
				if j, err := q.Get(id); err == nil {
					failed = append(failed, *j)
				}
			}
			continue
		}
		log.Printf("[Queue] Sweep: requeuing job %s stuck in %s (requeue %d)", id, job.State, job.Requeues+1)
		if _, err := q.recordRequeue(ctx, id, fmt.Sprintf("stage %s stalled, requeued", job.State)); err != nil {
			continue
		}
		if err := q.SetState(ctx, id, models.JobStateQueued, ""); err == nil {
			if j, err := q.Get(id); err == nil {
				requeued = append(requeued, *j)
			}
		}
	}
	return requeued, failed
}

// recordRequeue bumps the sweep's requeue counter. Unlike Attempt this is
// never reset, so a job that keeps stalling eventually exhausts the bound.
func (q *Queue) recordRequeue(ctx context.Context, id uuid.UUID, lastError string) (int, error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return 0, models.ErrJobNotFound
	}
	job.Requeues++
	job.UpdatedAt = time.Now()
	if lastError != "" {
		job.LastError = &lastError
	}
	requeues := job.Requeues
	copied := *job
	q.mu.Unlock()

	q.record(ctx, &copied, false)
	return requeues, nil
}

// EvictTerminal drops terminal jobs older than the retention window so
// the job map stays bounded. Returns the number evicted.
func (q *Queue) EvictTerminal(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	for id, job := range q.jobs {
		if job.State.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(q.jobs, id)
			if job.MessageSID != "" {
				delete(q.byMessage, job.MessageSID)
			}
			evicted++
		}
	}
	return evicted
}

// Replay reloads journaled jobs after a restart. Jobs caught mid-stage go
// back to Queued; their pipeline restarts from moderation.
func (q *Queue) Replay(ctx context.Context) error {
	if q.journal == nil {
		return nil
	}

	jobs, err := q.journal.Replay(ctx)
	if err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	q.mu.Lock()
	restored := 0
	for _, job := range jobs {
		if job.State.Terminal() {
			continue
		}
		if job.State != models.JobStateQueued {
			job.State = models.JobStateQueued
			job.Attempt = 0
		}
		job.UpdatedAt = time.Now()
		q.jobs[job.ID] = job
		q.fifo = append(q.fifo, job.ID)
		if job.MessageSID != "" {
			q.byMessage[job.MessageSID] = job.ID
		}
		restored++
	}
	q.mu.Unlock()

	for i := 0; i < restored; i++ {
		q.notify()
	}

	log.Printf("[Queue] Replayed %d job(s) from journal", restored)
	return nil
}

// notify wakes one blocked Dequeue without ever blocking the caller.
func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) record(ctx context.Context, job *models.Job, create bool) {
	if q.recorder == nil {
		return
	}
	var err error
	if create {
		err = q.recorder.SaveJob(ctx, job)
	} else {
		err = q.recorder.UpdateJob(ctx, job)
	}
	if err != nil {
		log.Printf("[Queue] Failed to persist job %s record: %v", job.ID, err)
	}
}
