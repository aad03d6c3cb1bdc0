// Package handler implements the Step Handler (spec §4.6): everything that
// happens for a single inbound CALL bundle, from unpacking the call package
// through executing the step and forwarding or terminating the cascade.
package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dtnrpc/dtnrpc/internal/bundle"
	"github.com/dtnrpc/dtnrpc/internal/cleanup"
	"github.com/dtnrpc/dtnrpc/internal/jobdoc"
	"github.com/dtnrpc/dtnrpc/internal/offer"
	"github.com/dtnrpc/dtnrpc/internal/selector"
	"github.com/dtnrpc/dtnrpc/internal/store"
	"github.com/dtnrpc/dtnrpc/internal/ziputil"
)

// Handler executes one CALL bundle end to end. A fresh Handler instance is
// not required per call — Handle is safe to invoke concurrently for
// disjoint rpcid's, since all state lives in the call's own working
// directory (spec §5, "Job file on disk: owned by the active handler").
type Handler struct {
	sid      string
	store    store.Adapter
	catalog  *offer.Catalog
	selector *selector.Selector
	tracker  *cleanup.Tracker
	runner   *Runner
	binDir   string
	workDir  string
	logger   *zap.Logger
}

// Config bundles a Handler's dependencies.
type Config struct {
	SID      string
	Store    store.Adapter
	Catalog  *offer.Catalog
	Selector *selector.Selector
	Tracker  *cleanup.Tracker
	Runner   *Runner
	// BinDir is where this node's offered procedures' executables live;
	// Handle looks up <BinDir>/<procedure> and requires it to exist and be
	// executable (spec §4.6 step 5).
	BinDir string
	// WorkDir is the parent directory under which each call's scoped
	// working directory is created (spec §4.6 step 1).
	WorkDir string
	Logger  *zap.Logger
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	return &Handler{
		sid:      cfg.SID,
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		selector: cfg.Selector,
		tracker:  cfg.Tracker,
		runner:   cfg.Runner,
		binDir:   cfg.BinDir,
		workDir:  cfg.WorkDir,
		logger:   cfg.Logger.Named("handler"),
	}
}

// Handle runs the full Step Handler pipeline for one inbound CALL bundle.
func (h *Handler) Handle(ctx context.Context, call bundle.Bundle) {
	log := h.logger.With(zap.String("inbound_bundle_id", call.ID), zap.String("rpcid", call.Manifest.RPCID))

	base := h.basePath(call.Manifest.RPCID)
	if err := os.MkdirAll(base, 0o755); err != nil {
		log.Error("failed to create working directory", zap.Error(err))
		return
	}

	// Step 2: save payload, validate ZIP.
	zipPath := base + "_step.zip"
	if err := os.WriteFile(zipPath, call.Payload, 0o644); err != nil {
		log.Error("failed to save call package", zap.Error(err))
		return
	}

	extractDir := base
	if err := ziputil.Extract(call.Payload, extractDir); err != nil {
		h.emitError(ctx, call, "Call package is not a valid ZIP archive.")
		return
	}

	// Step 3: locate and parse the job file.
	jobPath, err := ziputil.FindByExt(extractDir, ".jb")
	if err != nil {
		h.emitError(ctx, call, "Call package does not contain exactly one job file.")
		return
	}
	doc, err := parseJobFile(jobPath)
	if err != nil {
		h.emitError(ctx, call, "Job file is malformed.")
		return
	}

	// Step 4: locate my step.
	job, next, found := doc.MyOpenStep(h.sid)
	if !found {
		h.emitError(ctx, call, "Server is not offering this procedure.")
		return
	}

	// Step 5: offering check.
	execPath := filepath.Join(h.binDir, job.Procedure)
	if !h.catalog.SelfOffers(job.Procedure, len(job.Arguments)) || !isExecutable(execPath) {
		h.emitError(ctx, call, "Server is not offering this procedure.")
		return
	}

	// Step 6: capability check.
	filter := doc.EffectiveFilter(*job)
	selfCaps := h.catalog.SelfCapabilities()
	if !offer.Matches(offer.Candidate{SID: h.sid, Procedures: []offer.Procedure{{Name: job.Procedure, ArgTypes: make([]string, len(job.Arguments))}}, Capabilities: selfCaps}, job.Procedure, len(job.Arguments), filter) {
		h.emitError(ctx, call, "Server does not meet the required capabilities.")
		return
	}

	// Step 7: emit ACK.
	h.ack(ctx, call)

	// Step 8: execute.
	resolvedArgs := make([]string, len(job.Arguments))
	for i, a := range job.Arguments {
		resolvedArgs[i] = resolveFileArg(extractDir, a)
	}
	result, execErr := h.runner.Run(ctx, execPath, resolvedArgs, extractDir)

	// Step 9: update capabilities (energy consumption), if the filter
	// specified one.
	if v, ok := filter["energy"]; ok {
		if consumed, err := strconv.ParseFloat(v, 64); err == nil {
			h.catalog.ConsumeEnergy(consumed)
		}
	}

	// Step 10: write back status and substitute placeholders.
	status := jobdoc.StatusDone
	resultText := result.Stdout
	if execErr != nil {
		status = jobdoc.StatusError
		resultText = result.Stderr
	}
	if err := doc.Finish(job.Line, status); err != nil {
		log.Error("failed to record step status", zap.Error(err))
	}
	doc.SubstitutePlaceholder(job.Line, strings.TrimPrefix(resultText, extractDir+string(os.PathSeparator)))

	// Step 11: branch.
	if next != nil && status == jobdoc.StatusDone {
		h.forward(ctx, call, doc, job, next, jobPath, extractDir)
		return
	}
	h.terminate(ctx, call, doc, jobPath, extractDir, status, resultText)
}

func (h *Handler) ack(ctx context.Context, call bundle.Bundle) {
	m := bundle.Manifest{
		Service:    bundle.ServiceRPC,
		Name:       call.Manifest.Name,
		Sender:     h.sid,
		Recipient:  call.Manifest.Sender,
		Type:       bundle.TypeAck,
		Originator: call.Manifest.Originator,
		RPCID:      call.Manifest.RPCID,
	}
	b, err := h.store.Insert(ctx, m, nil, h.sid)
	if err != nil && err != store.ErrDuplicate {
		h.logger.Warn("failed to emit ack", zap.Error(err))
		return
	}
	h.tracker.Register(ctx, call.ID, b.ID)
}

// forward implements spec §4.6 step 11 "Next hop exists".
func (h *Handler) forward(ctx context.Context, call bundle.Bundle, doc *jobdoc.Document, job, next *jobdoc.Job, jobPath, extractDir string) {
	if next.Server == jobdoc.AnyServer {
		filter := doc.EffectiveFilter(*next)
		candidates, err := h.snapshotCandidates(ctx, doc.ClientSID)
		if err != nil {
			h.emitError(ctx, call, "Failed to discover next-hop server.")
			return
		}
		matched := offer.Filter(candidates, next.Procedure, len(next.Arguments), filter)
		chosen, err := h.selector.Select(matched)
		if err != nil {
			h.emitError(ctx, call, "No candidate server available for next step.")
			return
		}
		if err := doc.SetServer(next.Line, chosen.SID); err != nil {
			h.emitError(ctx, call, "Failed to resolve next-hop server.")
			return
		}
	}

	if err := rewriteJobFile(jobPath, doc); err != nil {
		h.logger.Error("failed to rewrite job file", zap.Error(err))
		return
	}

	payload, err := ziputil.BuildFromDir(extractDir)
	if err != nil {
		h.logger.Error("failed to build forward package", zap.Error(err))
		return
	}

	m := bundle.Manifest{
		Service:    bundle.ServiceRPC,
		Name:       next.Procedure,
		Sender:     h.sid,
		Recipient:  next.Server,
		Type:       bundle.TypeCall,
		Originator: call.Manifest.Originator,
		RPCID:      call.Manifest.RPCID,
	}
	b, err := h.store.Insert(ctx, m, payload, h.sid)
	if err != nil {
		h.logger.Error("failed to insert forward call", zap.Error(err))
		return
	}
	h.tracker.Register(ctx, call.ID, b.ID)
}

// terminate implements spec §4.6 step 11 "Terminal step".
func (h *Handler) terminate(ctx context.Context, call bundle.Bundle, doc *jobdoc.Document, jobPath, extractDir string, status jobdoc.Status, reason string) {
	if err := rewriteJobFile(jobPath, doc); err != nil {
		h.logger.Error("failed to rewrite job file", zap.Error(err))
		return
	}

	payload, err := ziputil.BuildFromDir(extractDir)
	if err != nil {
		h.logger.Error("failed to build result package", zap.Error(err))
		return
	}

	typ := bundle.TypeResult
	if status == jobdoc.StatusError {
		typ = bundle.TypeError
	}

	m := bundle.Manifest{
		Service:    bundle.ServiceRPC,
		Sender:     h.sid,
		Recipient:  doc.ClientSID,
		Type:       typ,
		Originator: call.Manifest.Originator,
		RPCID:      call.Manifest.RPCID,
	}
	if typ == bundle.TypeError {
		m.Reason = reason
	}

	b, err := h.store.Insert(ctx, m, payload, h.sid)
	if err != nil {
		h.logger.Error("failed to insert terminal bundle", zap.Error(err))
		return
	}
	h.tracker.Register(ctx, call.ID, b.ID)
}

// emitError implements the protocol-failure path of spec §7: translate a
// local failure into an ERROR bundle addressed to the originator and cease
// to participate in this rpcid.
func (h *Handler) emitError(ctx context.Context, call bundle.Bundle, reason string) {
	m := bundle.Manifest{
		Service:    bundle.ServiceRPC,
		Sender:     h.sid,
		Recipient:  call.Manifest.Originator,
		Type:       bundle.TypeError,
		Originator: call.Manifest.Originator,
		RPCID:      call.Manifest.RPCID,
		Reason:     reason,
	}
	b, err := h.store.Insert(ctx, m, nil, h.sid)
	if err != nil {
		h.logger.Error("failed to emit error bundle", zap.Error(err))
		return
	}
	h.tracker.Register(ctx, call.ID, b.ID)
}

// snapshotCandidates decodes every RPCOFFER bundle into the Catalog and
// returns the accumulated candidates with distance from this node filled in
// by Catalog.Candidates (spec §4.2 step 1: exclude self and the originator).
func (h *Handler) snapshotCandidates(ctx context.Context, excludeSID string) ([]offer.Candidate, error) {
	bundles, err := h.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range bundles {
		if b.Manifest.Service != bundle.ServiceOffer {
			continue
		}
		sid := b.Manifest.Name
		if sid == h.sid {
			continue
		}
		full, err := h.store.Fetch(ctx, b.ID)
		if err != nil {
			continue
		}
		procedures, caps, err := offer.Decode(full.Payload)
		if err != nil {
			continue
		}
		h.catalog.PutRemote(offer.Candidate{SID: sid, Procedures: procedures, Capabilities: caps})
	}
	return h.catalog.Candidates(excludeSID), nil
}

func (h *Handler) basePath(rpcid string) string {
	return filepath.Join(h.workDir, fmt.Sprintf("%s_%d", rpcid, time.Now().UnixMilli()))
}

func parseJobFile(path string) (*jobdoc.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return jobdoc.Parse(f)
}

func rewriteJobFile(path string, doc *jobdoc.Document) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return jobdoc.Serialize(f, doc)
}

// resolveFileArg resolves arg to <extractDir>/<arg> if that path exists,
// collapsing any doubled slashes (spec §4.6 step 8). Arguments that don't
// name an extracted file pass through unchanged.
func resolveFileArg(extractDir, arg string) string {
	candidate := filepath.Join(extractDir, arg)
	candidate = strings.ReplaceAll(candidate, "//", "/")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return arg
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
