// Package worker drives queued jobs through the pipeline stages:
// Moderating -> Generating -> Compressing -> Delivering. A bounded pool
// of workers each owns one job end to end; every external call happens
// under a per-stage timeout with bounded, backed-off retries.
package worker

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
	"github.com/ShiroYasha18/peppo-ai-backend/internal/queue"
	"golang.org/x/sync/errgroup"
)

// Moderator classifies a prompt before expensive work starts.
type Moderator interface {
	Check(ctx context.Context, prompt string) (allowed bool, reason string, err error)
}

// Generator invokes the external video model and returns a media
// reference (URL or local path). May run for minutes.
type Generator interface {
	Generate(ctx context.Context, prompt string, params models.GenerationParams) (string, error)
}

// Compressor ensures media fits the channel's size/format constraints.
type Compressor interface {
	Compress(ctx context.Context, mediaRef string) (string, error)
	Cleanup(paths ...string)
}

// Deliverer pushes results back out through the messaging channel.
// Media and text notices are distinct outbound calls.
type Deliverer interface {
	SendVideo(ctx context.Context, to, mediaRef string) error
	SendText(ctx context.Context, to, text string) error
}

// StagePolicy bounds one pipeline stage: how long a single attempt may
// run and how many retries it gets after the first try.
type StagePolicy struct {
	Timeout    time.Duration
	MaxRetries int
}

type Config struct {
	Concurrency int

	Moderation  StagePolicy
	Generation  StagePolicy
	Compression StagePolicy
	Delivery    StagePolicy

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Janitor settings: how often to sweep, how old a mid-stage job must
	// be before it counts as stuck, and how long terminal jobs are kept
	// for status queries.
	SweepInterval time.Duration
	StaleAfter    time.Duration
	JobRetention  time.Duration
}

// sweepMaxAttempts bounds how often the janitor will requeue the same
// stuck job before giving up on it.
const sweepMaxAttempts = 3

// noticeTimeout bounds the single best-effort failure/block notice so a
// dead channel can't wedge a worker.
const noticeTimeout = 15 * time.Second

const blockedNotice = "Sorry, your request couldn't be processed because it doesn't meet our content guidelines."
const failedNotice = "Sorry, something went wrong generating your video. Please try again later."

type Pool struct {
	queue      *queue.Queue
	moderator  Moderator
	generator  Generator
	compressor Compressor
	deliverer  Deliverer
	cfg        Config

	active int64
}

func New(q *queue.Queue, mod Moderator, gen Generator, comp Compressor, del Deliverer, cfg Config) *Pool {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Pool{
		queue:      q,
		moderator:  mod,
		generator:  gen,
		compressor: comp,
		deliverer:  del,
		cfg:        cfg,
	}
}

// Active returns how many workers are currently processing a job.
func (p *Pool) Active() int {
	return int(atomic.LoadInt64(&p.active))
}

// Start runs the worker pool and janitor until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	log.Printf("Worker pool started with concurrency: %d", p.cfg.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			p.run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		p.janitor(gctx)
		return nil
	})

	err := g.Wait()
	log.Println("Worker pool shutting down...")
	return err
}

func (p *Pool) run(ctx context.Context) {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			return // ctx cancelled
		}

		atomic.AddInt64(&p.active, 1)
		p.process(ctx, job)
		atomic.AddInt64(&p.active, -1)
	}
}

// process drives one job through all stages. Errors never escape: every
// outcome ends in a terminal state plus, where owed, a notice to the
// sender. The state write always lands before the next stage's side
// effect, so a crash shows up as "stuck in state X" for the janitor.
func (p *Pool) process(ctx context.Context, job *models.Job) {
	log.Printf("Processing job %s (sender: %s)", job.ID, job.SenderID)

	// Moderation
	if err := p.queue.SetState(ctx, job.ID, models.JobStateModerating, ""); err != nil {
		log.Printf("Job %s: failed to enter moderation: %v", job.ID, err)
		return
	}

	var allowed bool
	var reason string
	err := p.runStage(ctx, job, "moderation", p.cfg.Moderation, func(sctx context.Context) error {
		a, r, err := p.moderator.Check(sctx, job.Prompt)
		if err != nil {
			return err
		}
		allowed, reason = a, r
		return nil
	})
	if err != nil {
		// Fail closed: a moderation service we can't reach blocks the
		// prompt rather than letting it through.
		log.Printf("Job %s: moderation unavailable, failing closed: %v", job.ID, err)
		p.finish(ctx, job, models.JobStateBlocked, "moderation unavailable: "+err.Error(), blockedNotice)
		return
	}
	if !allowed {
		log.Printf("Job %s: prompt blocked (%s)", job.ID, reason)
		p.finish(ctx, job, models.JobStateBlocked, reason, blockedNotice)
		return
	}

	// Generation
	if err := p.queue.SetState(ctx, job.ID, models.JobStateGenerating, ""); err != nil {
		log.Printf("Job %s: failed to enter generation: %v", job.ID, err)
		return
	}

	var rawRef string
	err = p.runStage(ctx, job, "generation", p.cfg.Generation, func(sctx context.Context) error {
		ref, err := p.generator.Generate(sctx, job.Prompt, job.Params)
		if err != nil {
			return err
		}
		rawRef = ref
		return nil
	})
	if err != nil {
		log.Printf("Job %s: generation failed: %v", job.ID, err)
		p.finish(ctx, job, models.JobStateFailed, err.Error(), failedNotice)
		return
	}
	if err := p.queue.SetMediaRef(ctx, job.ID, rawRef); err != nil {
		log.Printf("Job %s: failed to record media ref: %v", job.ID, err)
	}

	// Compression
	if err := p.queue.SetState(ctx, job.ID, models.JobStateCompressing, ""); err != nil {
		log.Printf("Job %s: failed to enter compression: %v", job.ID, err)
		return
	}

	var finalRef string
	err = p.runStage(ctx, job, "compression", p.cfg.Compression, func(sctx context.Context) error {
		ref, err := p.compressor.Compress(sctx, rawRef)
		if err != nil {
			return err
		}
		finalRef = ref
		return nil
	})
	if err != nil {
		log.Printf("Job %s: compression failed: %v", job.ID, err)
		p.finish(ctx, job, models.JobStateFailed, err.Error(), failedNotice)
		return
	}
	if finalRef != rawRef {
		if err := p.queue.SetMediaRef(ctx, job.ID, finalRef); err != nil {
			log.Printf("Job %s: failed to record compressed media ref: %v", job.ID, err)
		}
	}

	// Delivery
	if err := p.queue.SetState(ctx, job.ID, models.JobStateDelivering, ""); err != nil {
		log.Printf("Job %s: failed to enter delivery: %v", job.ID, err)
		return
	}

	err = p.runStage(ctx, job, "delivery", p.cfg.Delivery, func(sctx context.Context) error {
		return p.deliverer.SendVideo(sctx, job.SenderID, finalRef)
	})

	p.compressor.Cleanup(localOnly(rawRef), localOnly(finalRef))

	if err != nil {
		log.Printf("Job %s: delivery failed: %v", job.ID, err)
		p.finish(ctx, job, models.JobStateFailed, err.Error(), failedNotice)
		return
	}

	if err := p.queue.SetState(ctx, job.ID, models.JobStateDelivered, ""); err != nil {
		log.Printf("Job %s: failed to mark delivered: %v", job.ID, err)
		return
	}
	log.Printf("Job %s delivered", job.ID)
}

// runStage executes one stage attempt-by-attempt: each attempt gets its
// own timeout; transient failures back off and retry up to the stage cap;
// deterministic failures return immediately.
func (p *Pool) runStage(ctx context.Context, job *models.Job, name string, policy StagePolicy, fn func(context.Context) error) error {
	for {
		stageCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		err := fn(stageCtx)
		cancel()

		if err == nil {
			return nil
		}
		if models.IsDeterministic(err) {
			return err
		}

		attempt, recErr := p.queue.RecordAttempt(ctx, job.ID, err.Error())
		if recErr != nil {
			return err
		}
		if attempt > policy.MaxRetries {
			log.Printf("Job %s: %s exhausted %d retries", job.ID, name, policy.MaxRetries)
			return err
		}

		delay := p.retryDelay(attempt)
		log.Printf("Job %s: %s attempt %d failed (retrying in %v): %v", job.ID, name, attempt, delay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// finish moves the job to a terminal state and sends the sender a single
// best-effort notice. The notice's own failure is logged and swallowed;
// notices sit outside the retry taxonomy.
func (p *Pool) finish(ctx context.Context, job *models.Job, state models.JobState, lastError, notice string) {
	if err := p.queue.SetState(ctx, job.ID, state, lastError); err != nil {
		log.Printf("Job %s: failed to mark %s: %v", job.ID, state, err)
	}
	p.notify(job.SenderID, notice)
}

func (p *Pool) notify(senderID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
	defer cancel()

	if err := p.deliverer.SendText(ctx, senderID, text); err != nil {
		log.Printf("Failed to send notice to %s (giving up): %v", senderID, err)
	}
}

// janitor periodically requeues jobs stuck mid-stage and evicts terminal
// jobs past the retention window.
func (p *Pool) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, failed := p.queue.SweepStale(ctx, p.cfg.StaleAfter, sweepMaxAttempts)
			for _, job := range failed {
				p.notify(job.SenderID, failedNotice)
			}
			if evicted := p.queue.EvictTerminal(p.cfg.JobRetention); evicted > 0 {
				log.Printf("Evicted %d terminal job(s) past retention", evicted)
			}
		}
	}
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func (p *Pool) retryDelay(attempt int) time.Duration {
	delay := float64(p.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.cfg.BackoffMax) {
		delay = float64(p.cfg.BackoffMax)
	}
	// Add 0-25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// localOnly filters out URL refs so Cleanup only touches temp files.
func localOnly(ref string) string {
	if ref == "" || len(ref) >= 4 && ref[:4] == "http" {
		return ""
	}
	return ref
}
