// Package client implements the Client Engine (spec §4.4): the originating
// side of one RPC call — discover a server for the first step if needed,
// inject the CALL bundle, and wait for a terminal reply.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dtnrpc/dtnrpc/internal/bundle"
	"github.com/dtnrpc/dtnrpc/internal/jobdoc"
	"github.com/dtnrpc/dtnrpc/internal/offer"
	"github.com/dtnrpc/dtnrpc/internal/selector"
	"github.com/dtnrpc/dtnrpc/internal/store"
	"github.com/dtnrpc/dtnrpc/internal/ziputil"
)

// DiscoveryAttempts and DiscoverySpacing implement spec §4.4 step 3 and §9
// "Discovery backoff": ten tries, one second apart, for client-originated
// discovery.
const (
	DiscoveryAttempts = 10
	DiscoverySpacing  = 1 * time.Second
)

// ErrDiscoveryFailed is returned when no candidate server is found after
// DiscoveryAttempts tries.
var ErrDiscoveryFailed = fmt.Errorf("client: no candidate server found after %d discovery attempts", DiscoveryAttempts)

// Outcome is the terminal result of a Call.
type Outcome struct {
	RPCID      string
	ResultPath string // set on RESULT
	ErrorPath  string // set on ERROR
}

// Engine is the Client Engine for one local identity.
type Engine struct {
	sid      string
	store    store.Adapter
	catalog  *offer.Catalog
	selector *selector.Selector
	logger   *zap.Logger
}

// New constructs an Engine. catalog supplies this node's own gps_coord
// (spec §3 "distance_from_self is Euclidean... if both endpoints supply
// one") and accumulates decoded remote offers across discovery attempts —
// a client publishes no procedures of its own, but uses the same Catalog
// type as the server so candidate distance is computed identically on both
// paths.
func New(sid string, adapter store.Adapter, catalog *offer.Catalog, sel *selector.Selector, logger *zap.Logger) *Engine {
	return &Engine{sid: sid, store: adapter, catalog: catalog, selector: sel, logger: logger.Named("client")}
}

// Call runs the full client-side protocol for the job file at jobPath:
// parse, discover (if needed), inject CALL, wait for a terminal reply.
// Result/error artifacts are written alongside jobPath.
func (e *Engine) Call(ctx context.Context, jobPath string) (Outcome, error) {
	doc, err := e.parseJobFile(jobPath)
	if err != nil {
		return Outcome{}, err
	}

	if len(doc.Jobs) == 0 {
		return Outcome{}, fmt.Errorf("client: job document has no steps")
	}
	firstJob := &doc.Jobs[0]

	rpcid := computeRPCID(firstJob.Procedure, doc.ClientSID, time.Now())

	if firstJob.Server == jobdoc.AnyServer {
		chosen, err := e.discover(ctx, *firstJob, doc.EffectiveFilter(*firstJob), "")
		if err != nil {
			return Outcome{}, err
		}
		if err := doc.SetServer(firstJob.Line, chosen.SID); err != nil {
			return Outcome{}, err
		}
	}

	if err := e.rewriteJobFile(jobPath, doc); err != nil {
		return Outcome{}, err
	}

	files := map[string]string{filepath.Base(jobPath): jobPath}
	for _, arg := range firstJob.Arguments {
		if info, err := os.Stat(arg); err == nil && !info.IsDir() {
			files[filepath.Base(arg)] = arg
		}
	}
	payload, err := ziputil.Build(files)
	if err != nil {
		return Outcome{}, fmt.Errorf("client: building call package: %w", err)
	}

	m := bundle.Manifest{
		Service:    bundle.ServiceRPC,
		Name:       firstJob.Procedure,
		Sender:     doc.ClientSID,
		Recipient:  doc.Jobs[0].Server,
		Type:       bundle.TypeCall,
		Originator: doc.ClientSID,
		RPCID:      rpcid,
	}

	call, err := e.store.Insert(ctx, m, payload, doc.ClientSID)
	if err != nil {
		return Outcome{}, fmt.Errorf("client: inserting call bundle: %w", err)
	}

	return e.waitForResult(ctx, jobPath, rpcid, call.ID)
}

// computeRPCID implements spec §3's rpcid derivation: sha256(procedure ||
// client_sid || time)[:8], where time is seconds since epoch with 9 decimal
// places (i.e. nanosecond resolution expressed as a fraction of a second).
func computeRPCID(procedure, clientSID string, now time.Time) string {
	seconds := float64(now.UnixNano()) / 1e9
	input := fmt.Sprintf("%s%s%.9f", procedure, clientSID, seconds)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:8]
}

// discover implements spec §4.4 step 3: snapshot offers, filter by
// procedure/arity/capability, and select. excludeSID drops a candidate from
// consideration (the originator, when called from an intermediate hop).
func (e *Engine) discover(ctx context.Context, job jobdoc.Job, filter map[string]string, excludeSID string) (offer.Candidate, error) {
	for attempt := 0; attempt < DiscoveryAttempts; attempt++ {
		candidates, err := e.snapshotCandidates(ctx, excludeSID)
		if err != nil {
			e.logger.Warn("discovery snapshot failed", zap.Error(err), zap.Int("attempt", attempt))
		} else {
			matched := offer.Filter(candidates, job.Procedure, len(job.Arguments), filter)
			if len(matched) > 0 {
				chosen, err := e.selector.Select(matched)
				if err == nil {
					return chosen, nil
				}
			}
		}

		if attempt < DiscoveryAttempts-1 {
			select {
			case <-ctx.Done():
				return offer.Candidate{}, ctx.Err()
			case <-time.After(DiscoverySpacing):
			}
		}
	}
	return offer.Candidate{}, ErrDiscoveryFailed
}

// snapshotCandidates lists every RPCOFFER bundle in the store, decodes each
// into the Catalog, and returns the accumulated candidates with distance
// from this node filled in by Catalog.Candidates (spec §4.2 step 1).
func (e *Engine) snapshotCandidates(ctx context.Context, excludeSID string) ([]offer.Candidate, error) {
	bundles, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	for _, b := range bundles {
		if b.Manifest.Service != bundle.ServiceOffer {
			continue
		}
		sid := b.Manifest.Name
		if sid == e.sid {
			continue
		}

		full, err := e.store.Fetch(ctx, b.ID)
		if err != nil {
			continue
		}
		procedures, caps, err := offer.Decode(full.Payload)
		if err != nil {
			continue
		}
		e.catalog.PutRemote(offer.Candidate{SID: sid, Procedures: procedures, Capabilities: caps})
	}
	return e.catalog.Candidates(excludeSID), nil
}

// waitForResult implements spec §4.4 step 7: poll newsince, react to ACK /
// RESULT / ERROR addressed to this client with the matching rpcid, and
// blank the original CALL on any terminal outcome.
func (e *Engine) waitForResult(ctx context.Context, jobPath, rpcid, callBundleID string) (Outcome, error) {
	base := rpcIDBase(jobPath, rpcid)
	token := ""

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		default:
		}

		bundles, err := e.store.NewSince(ctx, token)
		if err != nil {
			e.logger.Warn("store poll failed, retrying", zap.Error(err))
			if !store.Sleep(ctx.Done()) {
				return Outcome{}, ctx.Err()
			}
			continue
		}
		if len(bundles) == 0 {
			if !store.Sleep(ctx.Done()) {
				return Outcome{}, ctx.Err()
			}
			continue
		}
		token = bundles[0].Token

		for _, b := range bundles {
			if b.Manifest.Service != bundle.ServiceRPC || b.Manifest.Recipient != e.sid {
				continue
			}

			full, err := e.store.Fetch(ctx, b.ID)
			if err != nil {
				continue
			}
			if full.Manifest.RPCID != rpcid {
				continue
			}

			switch full.Manifest.Type {
			case bundle.TypeAck:
				e.logger.Info("received ack", zap.String("rpcid", rpcid))
			case bundle.TypeResult:
				resultPath := base + "_result.zip"
				if err := os.WriteFile(resultPath, full.Payload, 0o644); err != nil {
					return Outcome{}, fmt.Errorf("client: writing result: %w", err)
				}
				e.blank(ctx, callBundleID)
				return Outcome{RPCID: rpcid, ResultPath: resultPath}, nil
			case bundle.TypeError:
				errorPath := base + "_error.zip"
				if err := os.WriteFile(errorPath, full.Payload, 0o644); err != nil {
					return Outcome{}, fmt.Errorf("client: writing error: %w", err)
				}
				e.blank(ctx, callBundleID)
				return Outcome{RPCID: rpcid, ErrorPath: errorPath}, nil
			}
		}

		if !store.Sleep(ctx.Done()) {
			return Outcome{}, ctx.Err()
		}
	}
}

func (e *Engine) blank(ctx context.Context, bundleID string) {
	patch, payload := bundle.Blank()
	if _, err := e.store.Update(ctx, bundleID, patch, payload); err != nil {
		e.logger.Warn("failed to blank call bundle", zap.String("bundle_id", bundleID), zap.Error(err))
	}
}

func (e *Engine) parseJobFile(jobPath string) (*jobdoc.Document, error) {
	f, err := os.Open(jobPath)
	if err != nil {
		return nil, fmt.Errorf("client: opening job file: %w", err)
	}
	defer f.Close()
	return jobdoc.Parse(f)
}

func (e *Engine) rewriteJobFile(jobPath string, doc *jobdoc.Document) error {
	f, err := os.Create(jobPath)
	if err != nil {
		return fmt.Errorf("client: rewriting job file: %w", err)
	}
	defer f.Close()
	return jobdoc.Serialize(f, doc)
}

func rpcIDBase(jobPath, rpcid string) string {
	return filepath.Join(filepath.Dir(jobPath), rpcid)
}
