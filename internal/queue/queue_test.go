package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
	"github.com/google/uuid"
)

var testParams = models.GenerationParams{
	FPS:         24,
	DurationSec: 5,
	Resolution:  "720p",
	AspectRatio: "16:9",
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(10, nil, nil)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "wa:1", "first prompt", testParams, "")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	second, err := q.Enqueue(ctx, "wa:1", "second prompt", testParams, "")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("expected first job out first, got %s", got.ID)
	}

	got, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("expected second job out second, got %s", got.ID)
	}
}

func TestEnqueueAtCapacity(t *testing.T) {
	q := New(2, nil, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, "wa:1", "some prompt", testParams, ""); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	_, err := q.Enqueue(ctx, "wa:1", "one too many", testParams, "")
	if !errors.Is(err, models.ErrQueueFull) {
		t.Errorf("expected ErrQueueFull at capacity, got %v", err)
	}

	// Draining one slot frees capacity again
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if err := q.SetState(ctx, job.ID, models.JobStateModerating, ""); err != nil {
		t.Fatalf("set state failed: %v", err)
	}

	if _, err := q.Enqueue(ctx, "wa:1", "fits now", testParams, ""); err != nil {
		t.Errorf("expected enqueue to succeed after drain, got %v", err)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(10, nil, nil)
	ctx := context.Background()

	done := make(chan uuid.UUID, 1)
	go func() {
		job, err := q.Dequeue(ctx)
		if err != nil {
			return
		}
		done <- job.ID
	}()

	time.Sleep(20 * time.Millisecond)
	job, err := q.Enqueue(ctx, "wa:1", "wake the worker", testParams, "")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case id := <-done:
		if id != job.ID {
			t.Errorf("expected dequeued id %s, got %s", job.ID, id)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestDequeueRespectsContext(t *testing.T) {
	q := New(10, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Error("expected error from cancelled dequeue")
	}
}

func TestDuplicateMessageSID(t *testing.T) {
	q := New(10, nil, nil)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "wa:1", "a red balloon", testParams, "SM123")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	dup, err := q.Enqueue(ctx, "wa:1", "a red balloon", testParams, "SM123")
	if err != nil {
		t.Fatalf("duplicate enqueue failed: %v", err)
	}
	if dup.ID != first.ID {
		t.Errorf("expected duplicate delivery to return original job %s, got %s", first.ID, dup.ID)
	}

	stats := q.Stats()
	if stats.QueueSize != 1 {
		t.Errorf("expected one queued job, got %d", stats.QueueSize)
	}
}

func TestJobParamsImmutableAfterEnqueue(t *testing.T) {
	q := New(10, nil, nil)
	ctx := context.Background()

	params := testParams
	job, err := q.Enqueue(ctx, "wa:1", "a quiet lake", params, "")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// The caller's params and the returned copy are both detached
	params.Resolution = "1080p"
	job.Params.FPS = 60

	stored, err := q.Get(job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Params.Resolution != "720p" || stored.Params.FPS != 24 {
		t.Errorf("job params changed after enqueue: %+v", stored.Params)
	}
}

func TestSetStateRejectsIllegalTransition(t *testing.T) {
	q := New(10, nil, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "wa:1", "a glass city", testParams, "")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := q.SetState(ctx, job.ID, models.JobStateDelivered, ""); err == nil {
		t.Error("expected queued -> delivered to be rejected")
	}

	if err := q.SetState(ctx, job.ID, models.JobStateModerating, ""); err != nil {
		t.Errorf("expected queued -> moderating to succeed, got %v", err)
	}
	if err := q.SetState(ctx, job.ID, models.JobStateBlocked, "flagged"); err != nil {
		t.Errorf("expected moderating -> blocked to succeed, got %v", err)
	}
	if err := q.SetState(ctx, job.ID, models.JobStateGenerating, ""); err == nil {
		t.Error("expected blocked -> generating to be rejected")
	}
}

func TestStageChangeResetsAttempt(t *testing.T) {
	q := New(10, nil, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "wa:1", "a paper crane", testParams, "")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := q.SetState(ctx, job.ID, models.JobStateModerating, ""); err != nil {
		t.Fatalf("set state failed: %v", err)
	}
	if _, err := q.RecordAttempt(ctx, job.ID, "timeout"); err != nil {
		t.Fatalf("record attempt failed: %v", err)
	}
	if _, err := q.RecordAttempt(ctx, job.ID, "timeout again"); err != nil {
		t.Fatalf("record attempt failed: %v", err)
	}

	got, _ := q.Get(job.ID)
	if got.Attempt != 2 {
		t.Fatalf("expected attempt=2, got %d", got.Attempt)
	}

	if err := q.SetState(ctx, job.ID, models.JobStateGenerating, ""); err != nil {
		t.Fatalf("set state failed: %v", err)
	}
	got, _ = q.Get(job.ID)
	if got.Attempt != 0 {
		t.Errorf("expected attempt reset on stage change, got %d", got.Attempt)
	}
	if got.LastError == nil || *got.LastError != "timeout again" {
		t.Error("expected last error to survive the stage change")
	}
}

func TestStats(t *testing.T) {
	q := New(10, nil, nil)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, "wa:1", "prompt a", testParams, "")
	q.Enqueue(ctx, "wa:1", "prompt b", testParams, "")

	job, _ := q.Dequeue(ctx)
	if job.ID != a.ID {
		t.Fatalf("unexpected dequeue order")
	}
	q.SetState(ctx, a.ID, models.JobStateModerating, "")

	stats := q.Stats()
	if stats.QueueSize != 1 {
		t.Errorf("expected queue size 1, got %d", stats.QueueSize)
	}
	if stats.JobsByState[models.JobStateQueued] != 1 {
		t.Errorf("expected 1 queued, got %d", stats.JobsByState[models.JobStateQueued])
	}
	if stats.JobsByState[models.JobStateModerating] != 1 {
		t.Errorf("expected 1 moderating, got %d", stats.JobsByState[models.JobStateModerating])
	}
}

func TestSweepStaleRequeues(t *testing.T) {
	q := New(10, nil, nil)
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "wa:1", "stuck prompt", testParams, "")
	q.Dequeue(ctx)
	q.SetState(ctx, job.ID, models.JobStateModerating, "")
	q.SetState(ctx, job.ID, models.JobStateGenerating, "")

	// olderThan 0 makes every mid-stage job stale immediately
	requeued, failed := q.SweepStale(ctx, 0, 3)
	if len(requeued) != 1 || len(failed) != 0 {
		t.Fatalf("expected one requeue and no failures, got %d/%d", len(requeued), len(failed))
	}

	got, _ := q.Get(job.ID)
	if got.State != models.JobStateQueued {
		t.Errorf("expected swept job back in queued, got %s", got.State)
	}

	// And it must be dequeueable again
	again, err := q.Dequeue(ctx)
	if err != nil || again.ID != job.ID {
		t.Errorf("expected swept job to be dispatchable, got %v, %v", again, err)
	}
}

func TestSweepStaleFailsPastRetryBound(t *testing.T) {
	q := New(10, nil, nil)
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "wa:1", "doomed prompt", testParams, "")
	q.Dequeue(ctx)
	q.SetState(ctx, job.ID, models.JobStateModerating, "")
	q.SetState(ctx, job.ID, models.JobStateGenerating, "")
	for i := 0; i < 3; i++ {
		q.RecordAttempt(ctx, job.ID, "stalled")
	}

	requeued, failed := q.SweepStale(ctx, 0, 3)
	if len(requeued) != 0 || len(failed) != 1 {
		t.Fatalf("expected one failure and no requeues, got %d/%d", len(requeued), len(failed))
	}

	got, _ := q.Get(job.ID)
	if got.State != models.JobStateFailed {
		t.Errorf("expected failed, got %s", got.State)
	}
	if failed[0].SenderID != "wa:1" {
		t.Errorf("expected failed job to carry sender for the notice, got %q", failed[0].SenderID)
	}
}

func TestSweepIgnoresFreshAndTerminalJobs(t *testing.T) {
	q := New(10, nil, nil)
	ctx := context.Background()

	fresh, _ := q.Enqueue(ctx, "wa:1", "fresh prompt", testParams, "")
	q.Dequeue(ctx)
	q.SetState(ctx, fresh.ID, models.JobStateModerating, "")

	requeued, failed := q.SweepStale(ctx, time.Hour, 3)
	if len(requeued) != 0 || len(failed) != 0 {
		t.Errorf("expected fresh job untouched, got %d/%d", len(requeued), len(failed))
	}
}

func TestEvictTerminal(t *testing.T) {
	q := New(10, nil, nil)
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "wa:1", "done prompt", testParams, "SM9")
	q.Dequeue(ctx)
	q.SetState(ctx, job.ID, models.JobStateModerating, "")
	q.SetState(ctx, job.ID, models.JobStateBlocked, "flagged")

	if n := q.EvictTerminal(time.Hour); n != 0 {
		t.Errorf("expected nothing evicted inside retention, got %d", n)
	}

	if n := q.EvictTerminal(0); n != 1 {
		t.Errorf("expected one eviction past retention, got %d", n)
	}
	if _, err := q.Get(job.ID); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("expected evicted job to be gone, got %v", err)
	}

	// The message id is free again after eviction
	fresh, err := q.Enqueue(ctx, "wa:1", "done prompt", testParams, "SM9")
	if err != nil {
		t.Fatalf("enqueue after eviction failed: %v", err)
	}
	if fresh.ID == job.ID {
		t.Error("expected a new job, not the evicted one")
	}
}

func TestSweepFailsAfterRepeatedRequeues(t *testing.T) {
	q := New(10, nil, nil)
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "wa:1", "forever stalling", testParams, "")

	// Each cycle: a worker claims the job, enters a stage, stalls, and the
	// sweep puts it back. Entering the stage resets the per-stage attempt
	// counter, so only the requeue counter can bound this loop.
	for cycle := 0; cycle < 3; cycle++ {
		if _, err := q.Dequeue(ctx); err != nil {
			t.Fatalf("cycle %d: dequeue failed: %v", cycle, err)
		}
		if err := q.SetState(ctx, job.ID, models.JobStateModerating, ""); err != nil {
			t.Fatalf("cycle %d: set state failed: %v", cycle, err)
		}
		requeued, failed := q.SweepStale(ctx, 0, 3)
		if len(requeued) != 1 || len(failed) != 0 {
			t.Fatalf("cycle %d: expected requeue, got %d/%d", cycle, len(requeued), len(failed))
		}
	}

	// Fourth stall: the requeue bound is exhausted, the job must fail
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	q.SetState(ctx, job.ID, models.JobStateModerating, "")
	requeued, failed := q.SweepStale(ctx, 0, 3)
	if len(requeued) != 0 || len(failed) != 1 {
		t.Fatalf("expected terminal failure after 3 requeues, got %d/%d", len(requeued), len(failed))
	}

	got, _ := q.Get(job.ID)
	if got.State != models.JobStateFailed {
		t.Errorf("expected failed, got %s", got.State)
	}
	if got.Requeues != 3 {
		t.Errorf("expected 3 recorded requeues, got %d", got.Requeues)
	}
}

// fakeJournal records journal calls in memory. appendFailures makes the
// next N Append calls fail.
type fakeJournal struct {
	entries        map[uuid.UUID]*models.Job
	claims         map[string]uuid.UUID
	appendFailures int
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{
		entries: make(map[uuid.UUID]*models.Job),
		claims:  make(map[string]uuid.UUID),
	}
}

func (f *fakeJournal) Append(ctx context.Context, job *models.Job) error {
	if f.appendFailures > 0 {
		f.appendFailures--
		return errors.New("journal write failed")
	}
	copied := *job
	f.entries[job.ID] = &copied
	return nil
}

func (f *fakeJournal) Update(ctx context.Context, job *models.Job) error {
	return f.Append(ctx, job)
}

func (f *fakeJournal) Remove(ctx context.Context, id uuid.UUID) error {
	delete(f.entries, id)
	return nil
}

func (f *fakeJournal) Replay(ctx context.Context) ([]*models.Job, error) {
	jobs := make([]*models.Job, 0, len(f.entries))
	for _, job := range f.entries {
		copied := *job
		jobs = append(jobs, &copied)
	}
	return jobs, nil
}

func (f *fakeJournal) ClaimMessage(ctx context.Context, messageSID string, id uuid.UUID) (uuid.UUID, bool, error) {
	if owner, ok := f.claims[messageSID]; ok {
		return owner, false, nil
	}
	f.claims[messageSID] = id
	return id, true, nil
}

func (f *fakeJournal) ReleaseMessage(ctx context.Context, messageSID string) error {
	delete(f.claims, messageSID)
	return nil
}

func TestJournalLifecycle(t *testing.T) {
	journal := newFakeJournal()
	q := New(10, journal, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "wa:1", "journaled prompt", testParams, "SM1")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, ok := journal.entries[job.ID]; !ok {
		t.Fatal("expected job journaled on enqueue")
	}

	q.Dequeue(ctx)
	q.SetState(ctx, job.ID, models.JobStateModerating, "")
	q.SetState(ctx, job.ID, models.JobStateGenerating, "")
	if journal.entries[job.ID].State != models.JobStateGenerating {
		t.Errorf("expected journal to track state, got %s", journal.entries[job.ID].State)
	}

	q.SetState(ctx, job.ID, models.JobStateFailed, "gave up")
	if _, ok := journal.entries[job.ID]; ok {
		t.Error("expected terminal job removed from journal")
	}
}

func TestEnqueueReleasesClaimOnJournalFailure(t *testing.T) {
	journal := newFakeJournal()
	journal.appendFailures = 1
	q := New(10, journal, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "wa:1", "a red balloon", testParams, "SM42")
	if err == nil {
		t.Fatal("expected enqueue to fail when the journal write fails")
	}
	if _, ok := journal.claims["SM42"]; ok {
		t.Fatal("expected message claim released after failed enqueue")
	}

	// The provider retries the delivery; the message id must be usable again
	job, err := q.Enqueue(ctx, "wa:1", "a red balloon", testParams, "SM42")
	if err != nil {
		t.Fatalf("redelivered enqueue failed: %v", err)
	}
	if _, err := q.Get(job.ID); err != nil {
		t.Errorf("expected redelivered job to be tracked, got %v", err)
	}
}

func TestReplayRequeuesMidStageJobs(t *testing.T) {
	journal := newFakeJournal()
	before := New(10, journal, nil)
	ctx := context.Background()

	queued, _ := before.Enqueue(ctx, "wa:1", "still waiting", testParams, "SM1")
	inflight, _ := before.Enqueue(ctx, "wa:2", "was generating", testParams, "SM2")
	before.Dequeue(ctx)
	before.Dequeue(ctx)
	before.SetState(ctx, inflight.ID, models.JobStateModerating, "")
	before.SetState(ctx, inflight.ID, models.JobStateGenerating, "")

	// Simulate a restart: a fresh queue over the same journal
	after := New(10, journal, nil)
	if err := after.Replay(ctx); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	for _, id := range []uuid.UUID{queued.ID, inflight.ID} {
		job, err := after.Get(id)
		if err != nil {
			t.Fatalf("expected job %s restored: %v", id, err)
		}
		if job.State != models.JobStateQueued {
			t.Errorf("expected restored job %s queued, got %s", id, job.State)
		}
	}

	// Restored jobs are dispatchable without a new enqueue
	if _, err := after.Dequeue(ctx); err != nil {
		t.Errorf("expected restored job to be dispatchable: %v", err)
	}

	// And the message ids are still claimed
	dup, err := after.Enqueue(ctx, "wa:1", "still waiting", testParams, "SM1")
	if err != nil {
		t.Fatalf("duplicate enqueue failed: %v", err)
	}
	if dup.ID != queued.ID {
		t.Error("expected dedup to survive replay")
	}
}
