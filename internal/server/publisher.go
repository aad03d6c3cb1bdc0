package server

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/dtnrpc/dtnrpc/internal/bundle"
	"github.com/dtnrpc/dtnrpc/internal/offer"
)

// cleanupEvictionInterval is how often the Cleanup Tracker's persisted
// ledger is swept for stale entries (spec §9, "bound its size").
const cleanupEvictionInterval = 10 * time.Minute

// cleanupEvictionAge is how long a tracked chain may go unresolved before
// its entry is considered abandoned and evicted.
const cleanupEvictionAge = 24 * time.Hour

const publishTag = "offer-publish"
const evictionTag = "cleanup-eviction"

// startPublisher registers the OFFER publish ticker and the cleanup
// eviction sweep as gocron jobs, publishes once immediately (spec §4.5
// "first publication immediate"), then starts the scheduler.
func (e *Engine) startPublisher(ctx context.Context) error {
	if err := e.publishOffer(ctx); err != nil {
		e.logger.Warn("initial offer publication failed", zap.Error(err))
	}

	_, err := e.cron.NewJob(
		gocron.DurationJob(PublishInterval),
		gocron.NewTask(func() {
			if err := e.publishOffer(ctx); err != nil {
				e.logger.Warn("offer publication failed", zap.Error(err))
			}
		}),
		gocron.WithTags(publishTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("server: scheduling offer publisher: %w", err)
	}

	if e.tracker != nil {
		_, err = e.cron.NewJob(
			gocron.DurationJob(cleanupEvictionInterval),
			gocron.NewTask(func() {
				n, err := e.tracker.EvictOlderThan(ctx, time.Now().Add(-cleanupEvictionAge))
				if err != nil {
					e.logger.Warn("cleanup eviction sweep failed", zap.Error(err))
					return
				}
				if n > 0 {
					e.logger.Info("evicted stale cleanup entries", zap.Int64("count", n))
				}
				if e.metrics != nil {
					e.metrics.CleanupTracked.Set(float64(e.tracker.Len()))
				}
			}),
			gocron.WithTags(evictionTag),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("server: scheduling cleanup eviction: %w", err)
		}
	}

	e.cron.Start()
	return nil
}

// publishOffer implements spec §4.2 "Publish": resample capabilities,
// encode the current offer, and update-in-place the node's own RPCOFFER
// bundle, or insert if none exists yet.
func (e *Engine) publishOffer(ctx context.Context) error {
	procedures, caps := e.catalog.Self()
	payload := offer.Encode(procedures, caps)

	existing, err := e.findOwnOffer(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		_, err := e.store.Update(ctx, existing.ID, bundle.Patch{}, payload)
		return err
	}

	m := bundle.Manifest{
		Service: bundle.ServiceOffer,
		Name:    e.sid,
		Sender:  e.sid,
	}
	_, err = e.store.Insert(ctx, m, payload, e.sid)
	return err
}

// findOwnOffer locates this node's self-authored RPCOFFER bundle, if any
// (spec §3 Invariants: "at most one per (author, service=RPCOFFER)").
func (e *Engine) findOwnOffer(ctx context.Context) (*bundle.Bundle, error) {
	bundles, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range bundles {
		b := &bundles[i]
		if b.Manifest.Service == bundle.ServiceOffer && b.Manifest.Name == e.sid && b.Manifest.FromHere {
			return b, nil
		}
	}
	return nil, nil
}
