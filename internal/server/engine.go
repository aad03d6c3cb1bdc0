// Package server implements the Server Engine (spec §4.5): the receive
// loop that polls the store, routes inbound bundles by type, and dispatches
// CALLs to the Step Handler pool.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/dtnrpc/dtnrpc/internal/bundle"
	"github.com/dtnrpc/dtnrpc/internal/cleanup"
	"github.com/dtnrpc/dtnrpc/internal/metrics"
	"github.com/dtnrpc/dtnrpc/internal/offer"
	"github.com/dtnrpc/dtnrpc/internal/store"
)

// PublishInterval is the fixed cadence for republishing the node's own
// RPCOFFER bundle (spec §4.2).
const PublishInterval = 30 * time.Second

// StepHandler is the subset of handler.Handler the Engine depends on.
type StepHandler interface {
	Handle(ctx context.Context, call bundle.Bundle)
}

// Engine is one node's Server Engine: receive loop, worker pool, publisher.
type Engine struct {
	sid     string
	store   store.Adapter
	catalog *offer.Catalog
	tracker *cleanup.Tracker
	handler StepHandler
	metrics *metrics.Registry
	logger  *zap.Logger

	queue bool // true forces sequential handler execution

	cron gocron.Scheduler

	wg sync.WaitGroup
}

// Config bundles an Engine's dependencies.
type Config struct {
	SID     string
	Store   store.Adapter
	Catalog *offer.Catalog
	Tracker *cleanup.Tracker
	Handler StepHandler
	Metrics *metrics.Registry
	Logger  *zap.Logger
	// Queue forces sequential Step Handler execution instead of the default
	// parallel pool (spec §6.1 `-q/--queue`).
	Queue bool
}

// New constructs an Engine. Call Run to start it.
func New(cfg Config) (*Engine, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("server: failed to create gocron scheduler: %w", err)
	}
	return &Engine{
		sid:     cfg.SID,
		store:   cfg.Store,
		catalog: cfg.Catalog,
		tracker: cfg.Tracker,
		handler: cfg.Handler,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.Named("server"),
		queue:   cfg.Queue,
		cron:    cron,
	}, nil
}

// Run starts the publish ticker and the receive loop, blocking until ctx is
// cancelled. Shutdown drains any in-flight handlers before returning (spec
// §4.5 "Shutdown").
func (e *Engine) Run(ctx context.Context) error {
	if err := e.startPublisher(ctx); err != nil {
		return err
	}
	defer func() {
		if err := e.cron.Shutdown(); err != nil {
			e.logger.Warn("gocron shutdown error", zap.Error(err))
		}
	}()

	token, err := e.newestToken(ctx)
	if err != nil {
		return fmt.Errorf("server: reading initial watermark: %w", err)
	}

	e.receiveLoop(ctx, token)
	e.wg.Wait()
	return nil
}

// receiveLoop implements spec §4.5's single-threaded dispatch loop.
func (e *Engine) receiveLoop(ctx context.Context, token string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bundles, err := e.store.NewSince(ctx, token)
		if err != nil {
			e.logger.Warn("store poll failed", zap.Error(err))
			if !store.Sleep(ctx.Done()) {
				return
			}
			continue
		}
		if len(bundles) == 0 {
			if !store.Sleep(ctx.Done()) {
				return
			}
			continue
		}

		token = bundles[0].Token

		for _, b := range bundles {
			e.route(ctx, b)
		}
	}
}

func (e *Engine) route(ctx context.Context, b bundle.Bundle) {
	if b.Manifest.Service != bundle.ServiceRPC || b.Manifest.Recipient != e.sid {
		return
	}

	full, err := e.store.Fetch(ctx, b.ID)
	if err != nil {
		e.logger.Warn("failed to fetch bundle, skipping", zap.String("bundle_id", b.ID), zap.Error(err))
		return
	}

	if e.metrics != nil {
		e.metrics.BundlesByType.WithLabelValues(full.Manifest.Type.String()).Inc()
	}

	switch full.Manifest.Type {
	case bundle.TypeAck:
		e.logger.Info("observed ack", zap.String("rpcid", full.Manifest.RPCID))
	case bundle.TypeCall:
		e.dispatch(ctx, full)
	case bundle.TypeCleanup:
		e.tracker.OnCleanup(ctx, e.store, full.ID)
	case bundle.TypeResult:
		// A server may observe its own downstream results transiting the
		// overlay; spec §4.5 says ignore.
	default:
		e.logger.Warn("unrecognized bundle type, skipping", zap.Int("type", int(full.Manifest.Type)))
	}
}

// dispatch hands a CALL to a fresh Step Handler invocation, either in the
// parallel pool (default) or inline when queue mode forces sequential
// execution (spec §4.5, §6.1 `-q`).
func (e *Engine) dispatch(ctx context.Context, call bundle.Bundle) {
	if e.metrics != nil {
		e.metrics.HandlersInFlight.Inc()
	}
	run := func() {
		defer func() {
			if e.metrics != nil {
				e.metrics.HandlersInFlight.Dec()
			}
		}()
		e.handler.Handle(ctx, call)
	}

	if e.queue {
		run()
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		run()
	}()
}

func (e *Engine) newestToken(ctx context.Context) (string, error) {
	bundles, err := e.store.List(ctx)
	if err != nil {
		return "", err
	}
	if len(bundles) == 0 {
		return "", nil
	}
	return bundles[0].Token, nil
}
