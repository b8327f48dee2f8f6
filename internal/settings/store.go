// Package settings keeps per-sender generation defaults. Reads hand out
// copies; writes for the same sender are serialized, writes for different
// senders are independent.
package settings

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
)

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	FPS         *int
	DurationSec *int
	Resolution  *string
	AspectRatio *string
	CameraFixed *bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.FPS == nil && p.DurationSec == nil && p.Resolution == nil &&
		p.AspectRatio == nil && p.CameraFixed == nil
}

// Persister is the optional write-through backing store (Postgres when
// configured). GetSettings returns (nil, nil) for senders with no stored
// row.
type Persister interface {
	UpsertSettings(ctx context.Context, s models.Settings) error
	GetSettings(ctx context.Context, senderID string) (*models.Settings, error)
}

type entry struct {
	mu       sync.Mutex
	settings models.Settings
	loaded   bool // whether the persister has been consulted
}

// Store is the in-memory settings map with optional persistence.
type Store struct {
	mu       sync.Mutex
	bySender map[string]*entry
	db       Persister // nil = memory only
}

func NewStore(db Persister) *Store {
	return &Store{
		bySender: make(map[string]*entry),
		db:       db,
	}
}

func (s *Store) entryFor(senderID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.bySender[senderID]
	if !ok {
		e = &entry{settings: models.DefaultSettings(senderID)}
		s.bySender[senderID] = e
	}
	return e
}

// load pulls the sender's persisted settings on first touch. Caller holds
// the entry lock.
func (s *Store) load(ctx context.Context, e *entry, senderID string) {
	if e.loaded {
		return
	}
	e.loaded = true

	if s.db == nil {
		return
	}
	stored, err := s.db.GetSettings(ctx, senderID)
	if err != nil {
		log.Printf("[Settings] load for %s failed, using defaults: %v", senderID, err)
		return
	}
	if stored != nil {
		e.settings = *stored
	}
}

// Get returns a copy of the sender's current settings, falling back to
// defaults for senders that never configured anything.
func (s *Store) Get(ctx context.Context, senderID string) models.Settings {
	e := s.entryFor(senderID)
	e.mu.Lock()
	defer e.mu.Unlock()

	s.load(ctx, e, senderID)
	return e.settings
}

// Apply merges a partial update into the sender's settings and returns
// the result. Fields absent from the patch keep their prior values. The
// patch lands on a copy first: if the write-through fails, the in-memory
// settings stay exactly what the sender last successfully saved.
func (s *Store) Apply(ctx context.Context, senderID string, patch Patch) (models.Settings, error) {
	e := s.entryFor(senderID)
	e.mu.Lock()
	defer e.mu.Unlock()

	s.load(ctx, e, senderID)

	updated := e.settings
	if patch.FPS != nil {
		updated.FPS = *patch.FPS
	}
	if patch.DurationSec != nil {
		updated.DurationSec = *patch.DurationSec
	}
	if patch.Resolution != nil {
		updated.Resolution = *patch.Resolution
	}
	if patch.AspectRatio != nil {
		updated.AspectRatio = *patch.AspectRatio
	}
	if patch.CameraFixed != nil {
		updated.CameraFixed = *patch.CameraFixed
	}
	updated.UpdatedAt = time.Now()

	if s.db != nil {
		if err := s.db.UpsertSettings(ctx, updated); err != nil {
			return models.Settings{}, err
		}
	}

	e.settings = updated
	return updated, nil
}
