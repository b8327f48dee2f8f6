package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	journalKey   = "peppo:jobs"
	dedupPrefix  = "peppo:msg:"
	dedupTTL     = 24 * time.Hour
	journalProbe = 5 * time.Second
)

// RedisJournal keeps every non-terminal job in a Redis hash keyed by job
// ID, so an in-process crash between enqueue and dispatch (or mid-stage)
// loses nothing: the queue replays the hash on startup.
type RedisJournal struct {
	client *redis.Client
}

func NewRedisJournal(redisURL string) (*RedisJournal, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), journalProbe)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisJournal{client: client}, nil
}

func (j *RedisJournal) Close() error {
	return j.client.Close()
}

func (j *RedisJournal) Append(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return j.client.HSet(ctx, journalKey, job.ID.String(), data).Err()
}

// Update rewrites the journaled record so a mid-stage crash replays the
// job with its latest attempt count.
func (j *RedisJournal) Update(ctx context.Context, job *models.Job) error {
	return j.Append(ctx, job)
}

func (j *RedisJournal) Remove(ctx context.Context, id uuid.UUID) error {
	return j.client.HDel(ctx, journalKey, id.String()).Err()
}

// Replay loads every journaled job. The queue decides what to do with
// each (requeue, drop terminals).
func (j *RedisJournal) Replay(ctx context.Context) ([]*models.Job, error) {
	entries, err := j.client.HGetAll(ctx, journalKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	jobs := make([]*models.Job, 0, len(entries))
	for id, raw := range entries {
		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal journaled job %s: %w", id, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// ClaimMessage implements webhook dedup across restarts: the first caller
// to claim a channel message ID owns it. Returns the owning job ID and
// whether this call won the claim.
func (j *RedisJournal) ClaimMessage(ctx context.Context, messageSID string, id uuid.UUID) (uuid.UUID, bool, error) {
	key := dedupPrefix + messageSID

	claimed, err := j.client.SetNX(ctx, key, id.String(), dedupTTL).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to claim message id: %w", err)
	}
	if claimed {
		return id, true, nil
	}

	ownerStr, err := j.client.Get(ctx, key).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to read message claim: %w", err)
	}
	owner, err := uuid.Parse(ownerStr)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("malformed message claim %q: %w", ownerStr, err)
	}
	return owner, false, nil
}

// ReleaseMessage frees a claim whose job never made it into the journal,
// so the provider's redelivery can enqueue instead of hitting a dead claim.
func (j *RedisJournal) ReleaseMessage(ctx context.Context, messageSID string) error {
	return j.client.Del(ctx, dedupPrefix+messageSID).Err()
}
