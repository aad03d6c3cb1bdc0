// Package cleanup implements the Cleanup Tracker (spec §4.7): a process-local
// map from an inbound CALL bundle-id to every outbound bundle-id this node
// authored while handling it, so they can all be blanked when a CLEANUP
// arrives for that inbound id.
//
// The map is the source of truth at runtime; a sqlite-backed ledger
// (db.go) persists the same links so a restarted node doesn't lose the
// ability to blank bundles it authored before a crash, and so the tracker's
// size can be bounded across restarts (spec §9, "Arena/index for in-flight
// calls"). Persistence is best-effort: a failed write is logged, never
// fatal, matching spec §9's tolerance for lost entries.
package cleanup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dtnrpc/dtnrpc/internal/bundle"
)

// Blanker is the subset of store.Adapter the tracker needs to blank a
// bundle. Declared locally so this package doesn't import store just for
// one method.
type Blanker interface {
	Update(ctx context.Context, bundleID string, patch bundle.Patch, payload []byte) (bundle.Bundle, error)
}

// Tracker is the in-memory Cleanup Tracker, optionally backed by a
// persisted ledger. The zero value is not usable — construct with New.
type Tracker struct {
	mu      sync.Mutex
	entries map[string][]string

	db     *gorm.DB
	logger *zap.Logger
}

// New constructs a Tracker. db may be nil, in which case the tracker is
// purely in-memory (tests, or a node configured without a ledger). With a
// ledger, the in-memory map is seeded from the links already persisted.
func New(db *gorm.DB, logger *zap.Logger) *Tracker {
	t := &Tracker{
		entries: map[string][]string{},
		db:      db,
		logger:  logger.Named("cleanup"),
	}
	if db != nil {
		var links []cleanupLink
		if err := db.Find(&links).Error; err != nil {
			t.logger.Warn("failed to load persisted cleanup links", zap.Error(err))
		}
		for _, l := range links {
			t.entries[l.InboundBundleID] = append(t.entries[l.InboundBundleID], l.OutboundBundleID)
		}
	}
	return t
}

// Register records that outboundID was authored in response to inboundID.
// Per Testable Property 4, callers must call Register before the authored
// bundle is observable to any other node — i.e. before the insert that
// created it returns to the caller's caller.
func (t *Tracker) Register(ctx context.Context, inboundID, outboundID string) {
	t.mu.Lock()
	t.entries[inboundID] = append(t.entries[inboundID], outboundID)
	t.mu.Unlock()

	if t.db == nil {
		return
	}
	link := cleanupLink{InboundBundleID: inboundID, OutboundBundleID: outboundID}
	if err := t.db.WithContext(ctx).Create(&link).Error; err != nil {
		t.logger.Warn("failed to persist cleanup link",
			zap.String("inbound_bundle_id", inboundID),
			zap.String("outbound_bundle_id", outboundID),
			zap.Error(err),
		)
	}
}

// OnCleanup handles a CLEANUP bundle observed for inboundID: it blanks every
// outbound bundle registered under it via blanker, then removes the entry.
// A missing entry is silently ignored — the CLEANUP may be concurrent with
// another node's handling of the same chain, or a replay (spec §4.7).
func (t *Tracker) OnCleanup(ctx context.Context, blanker Blanker, inboundID string) {
	t.mu.Lock()
	outbound := t.entries[inboundID]
	delete(t.entries, inboundID)
	t.mu.Unlock()

	for _, id := range outbound {
		patch, payload := bundle.Blank()
		if _, err := blanker.Update(ctx, id, patch, payload); err != nil {
			t.logger.Warn("failed to blank outbound bundle on cleanup",
				zap.String("inbound_bundle_id", inboundID),
				zap.String("outbound_bundle_id", id),
				zap.Error(err),
			)
		}
	}

	if t.db != nil {
		if err := t.db.WithContext(ctx).
			Where("inbound_bundle_id = ?", inboundID).
			Delete(&cleanupLink{}).Error; err != nil {
			t.logger.Warn("failed to delete cleanup links", zap.String("inbound_bundle_id", inboundID), zap.Error(err))
		}
	}
}

// Len reports the current number of tracked inbound chains. Exposed so
// callers can publish it as a gauge.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// EvictOlderThan removes persisted links older than cutoff from the ledger
// and, for any inbound id with no remaining persisted links, drops the
// in-memory entry too. This is the bounded-size discipline spec §9 asks
// for; it runs periodically off a gocron tick (see server.Engine).
func (t *Tracker) EvictOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if t.db == nil {
		return 0, nil
	}

	var stale []cleanupLink
	if err := t.db.WithContext(ctx).Where("created_at < ?", cutoff).Find(&stale).Error; err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	result := t.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&cleanupLink{})
	if result.Error != nil {
		return 0, result.Error
	}

	drop := map[string]bool{}
	for _, link := range stale {
		if _, seen := drop[link.InboundBundleID]; seen {
			continue
		}
		var remaining int64
		if err := t.db.WithContext(ctx).Model(&cleanupLink{}).
			Where("inbound_bundle_id = ?", link.InboundBundleID).
			Count(&remaining).Error; err != nil {
			return result.RowsAffected, err
		}
		drop[link.InboundBundleID] = remaining == 0
	}

	t.mu.Lock()
	for id, empty := range drop {
		if empty {
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	return result.RowsAffected, nil
}
