package cleanup

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dtnrpc/dtnrpc/internal/bundle"
)

type fakeBlanker struct {
	blanked []string
}

func (f *fakeBlanker) Update(ctx context.Context, bundleID string, patch bundle.Patch, payload []byte) (bundle.Bundle, error) {
	f.blanked = append(f.blanked, bundleID)
	return bundle.Bundle{ID: bundleID}, nil
}

func TestTrackerRegisterAndOnCleanupInMemory(t *testing.T) {
	tr := New(nil, zap.NewNop())
	tr.Register(context.Background(), "inbound-1", "outbound-a")
	tr.Register(context.Background(), "inbound-1", "outbound-b")

	if tr.Len() != 1 {
		t.Fatalf("expected 1 tracked chain, got %d", tr.Len())
	}

	fb := &fakeBlanker{}
	tr.OnCleanup(context.Background(), fb, "inbound-1")

	if len(fb.blanked) != 2 {
		t.Fatalf("expected 2 bundles blanked, got %d: %v", len(fb.blanked), fb.blanked)
	}
	if tr.Len() != 0 {
		t.Fatalf("expected entry removed after cleanup, got %d remaining", tr.Len())
	}
}

func TestTrackerOnCleanupMissingEntryIsNoop(t *testing.T) {
	tr := New(nil, zap.NewNop())
	fb := &fakeBlanker{}
	tr.OnCleanup(context.Background(), fb, "never-registered")
	if len(fb.blanked) != 0 {
		t.Fatalf("expected no blanking for unknown inbound id, got %v", fb.blanked)
	}
}

func TestTrackerWithPersistedLedger(t *testing.T) {
	db, err := OpenDB("file::memory:?cache=shared", zap.NewNop())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}

	tr := New(db, zap.NewNop())
	tr.Register(context.Background(), "inbound-1", "outbound-a")

	var count int64
	if err := db.Model(&cleanupLink{}).Where("inbound_bundle_id = ?", "inbound-1").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 persisted link, got %d", count)
	}

	fb := &fakeBlanker{}
	tr.OnCleanup(context.Background(), fb, "inbound-1")

	if err := db.Model(&cleanupLink{}).Where("inbound_bundle_id = ?", "inbound-1").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected persisted link deleted after cleanup, got %d remaining", count)
	}
}

func TestTrackerEvictOlderThan(t *testing.T) {
	db, err := OpenDB("file::memory:?cache=shared", zap.NewNop())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}

	tr := New(db, zap.NewNop())
	tr.Register(context.Background(), "inbound-old", "outbound-a")

	// Backdate the row so it's evictable without needing a real sleep.
	if err := db.Model(&cleanupLink{}).
		Where("inbound_bundle_id = ?", "inbound-old").
		Update("created_at", time.Now().Add(-48*time.Hour)).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := tr.EvictOlderThan(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("EvictOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row evicted, got %d", n)
	}
	if tr.Len() != 0 {
		t.Fatalf("expected in-memory entry dropped after eviction, got %d", tr.Len())
	}
}
