package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
)

func TestGetReturnsDefaults(t *testing.T) {
	store := NewStore(nil)

	s := store.Get(context.Background(), "wa:1")
	if s.FPS != 24 || s.DurationSec != 5 || s.Resolution != "720p" || s.AspectRatio != "16:9" {
		t.Errorf("expected defaults, got %+v", s)
	}
}

func TestApplyPartialPatch(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()

	fps := 30
	updated, err := store.Apply(ctx, "wa:1", Patch{FPS: &fps})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if updated.FPS != 30 {
		t.Errorf("expected fps=30, got %d", updated.FPS)
	}
	// Everything else keeps the defaults
	if updated.DurationSec != 5 || updated.Resolution != "720p" || updated.AspectRatio != "16:9" || updated.CameraFixed {
		t.Errorf("expected other fields untouched, got %+v", updated)
	}
	if updated.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()

	s := store.Get(ctx, "wa:1")
	s.FPS = 999

	again := store.Get(ctx, "wa:1")
	if again.FPS != 24 {
		t.Errorf("mutating a returned copy leaked into the store: fps=%d", again.FPS)
	}
}

func TestSendersAreIndependent(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()

	res := "1080p"
	if _, err := store.Apply(ctx, "wa:1", Patch{Resolution: &res}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	other := store.Get(ctx, "wa:2")
	if other.Resolution != "720p" {
		t.Errorf("expected wa:2 to keep defaults, got %s", other.Resolution)
	}
}

type fakePersister struct {
	stored  map[string]models.Settings
	failing bool
}

func (f *fakePersister) UpsertSettings(ctx context.Context, s models.Settings) error {
	if f.failing {
		return errors.New("db down")
	}
	if f.stored == nil {
		f.stored = make(map[string]models.Settings)
	}
	f.stored[s.SenderID] = s
	return nil
}

func (f *fakePersister) GetSettings(ctx context.Context, senderID string) (*models.Settings, error) {
	if f.failing {
		return nil, errors.New("db down")
	}
	s, ok := f.stored[senderID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func TestApplyWritesThrough(t *testing.T) {
	p := &fakePersister{}
	store := NewStore(p)

	fps := 12
	if _, err := store.Apply(context.Background(), "wa:1", Patch{FPS: &fps}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	stored, ok := p.stored["wa:1"]
	if !ok {
		t.Fatal("expected settings to be persisted")
	}
	if stored.FPS != 12 {
		t.Errorf("expected persisted fps=12, got %d", stored.FPS)
	}
}

func TestGetLoadsPersisted(t *testing.T) {
	p := &fakePersister{stored: map[string]models.Settings{
		"wa:1": {SenderID: "wa:1", FPS: 18, DurationSec: 7, Resolution: "480p", AspectRatio: "9:16"},
	}}
	store := NewStore(p)

	s := store.Get(context.Background(), "wa:1")
	if s.FPS != 18 || s.Resolution != "480p" {
		t.Errorf("expected persisted settings, got %+v", s)
	}
}

func TestApplySurfacesPersistFailure(t *testing.T) {
	store := NewStore(&fakePersister{failing: true})

	fps := 30
	if _, err := store.Apply(context.Background(), "wa:1", Patch{FPS: &fps}); err == nil {
		t.Error("expected error when persistence fails")
	}
}

func TestFailedPersistLeavesSettingsUntouched(t *testing.T) {
	p := &fakePersister{}
	store := NewStore(p)
	ctx := context.Background()

	fps := 30
	if _, err := store.Apply(ctx, "wa:1", Patch{FPS: &fps}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// The next save fails; memory must stay on the last saved values so
	// what the sender sees matches what the database holds
	p.failing = true
	fps = 60
	if _, err := store.Apply(ctx, "wa:1", Patch{FPS: &fps}); err == nil {
		t.Fatal("expected error when persistence fails")
	}

	got := store.Get(ctx, "wa:1")
	if got.FPS != 30 {
		t.Errorf("expected fps to stay 30 after failed save, got %d", got.FPS)
	}
}
