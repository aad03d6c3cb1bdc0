package server

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/dtnrpc/dtnrpc/internal/bundle"
	"github.com/dtnrpc/dtnrpc/internal/cleanup"
)

const selfSID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type fakeStore struct {
	mu      sync.Mutex
	bundles map[string]bundle.Bundle
	updated []string
}

func newFakeStore() *fakeStore { return &fakeStore{bundles: map[string]bundle.Bundle{}} }

func (f *fakeStore) List(ctx context.Context) ([]bundle.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bundle.Bundle
	for _, b := range f.bundles {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeStore) NewSince(ctx context.Context, token string) ([]bundle.Bundle, error) {
	return f.List(ctx)
}

func (f *fakeStore) Fetch(ctx context.Context, bundleID string) (bundle.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bundles[bundleID], nil
}

func (f *fakeStore) Insert(ctx context.Context, m bundle.Manifest, payload []byte, author string) (bundle.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := m.RPCID + "-" + m.Type.String()
	b := bundle.Bundle{ID: id, Token: id, Manifest: m, Payload: payload}
	f.bundles[id] = b
	return b, nil
}

func (f *fakeStore) Update(ctx context.Context, bundleID string, patch bundle.Patch, payload []byte) (bundle.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, bundleID)
	b := f.bundles[bundleID]
	if patch.Type != nil {
		b.Manifest.Type = *patch.Type
	}
	b.Payload = payload
	f.bundles[bundleID] = b
	return b, nil
}

type fakeHandler struct {
	mu      sync.Mutex
	handled []string
}

func (f *fakeHandler) Handle(ctx context.Context, call bundle.Bundle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, call.ID)
}

func TestRouteDispatchesCallToHandler(t *testing.T) {
	fs := newFakeStore()
	fh := &fakeHandler{}
	e := &Engine{sid: selfSID, store: fs, handler: fh, logger: zap.NewNop(), queue: true}

	call := bundle.Bundle{ID: "call-1", Manifest: bundle.Manifest{Service: bundle.ServiceRPC, Recipient: selfSID, Type: bundle.TypeCall}}
	fs.bundles["call-1"] = call

	e.route(context.Background(), bundle.Bundle{ID: "call-1", Manifest: call.Manifest})

	if len(fh.handled) != 1 || fh.handled[0] != "call-1" {
		t.Fatalf("expected call-1 dispatched to handler, got %v", fh.handled)
	}
}

func TestRouteIgnoresBundlesNotAddressedToSelf(t *testing.T) {
	fs := newFakeStore()
	fh := &fakeHandler{}
	e := &Engine{sid: selfSID, store: fs, handler: fh, logger: zap.NewNop(), queue: true}

	other := bundle.Bundle{ID: "call-2", Manifest: bundle.Manifest{Service: bundle.ServiceRPC, Recipient: "someone-else", Type: bundle.TypeCall}}
	e.route(context.Background(), other)

	if len(fh.handled) != 0 {
		t.Fatalf("expected no dispatch for bundle addressed elsewhere, got %v", fh.handled)
	}
}

func TestRouteCleanupInvokesTracker(t *testing.T) {
	fs := newFakeStore()
	fh := &fakeHandler{}
	tr := cleanup.New(nil, zap.NewNop())
	tr.Register(context.Background(), "inbound-1", "outbound-1")
	fs.bundles["outbound-1"] = bundle.Bundle{ID: "outbound-1", Manifest: bundle.Manifest{Type: bundle.TypeResult}}

	e := &Engine{sid: selfSID, store: fs, handler: fh, tracker: tr, logger: zap.NewNop(), queue: true}

	cleanupBundle := bundle.Bundle{ID: "inbound-1", Manifest: bundle.Manifest{Service: bundle.ServiceRPC, Recipient: selfSID, Type: bundle.TypeCleanup}}
	fs.bundles["inbound-1"] = cleanupBundle

	e.route(context.Background(), cleanupBundle)

	if len(fs.updated) != 1 || fs.updated[0] != "outbound-1" {
		t.Fatalf("expected outbound-1 to be blanked, got %v", fs.updated)
	}
	if tr.Len() != 0 {
		t.Fatalf("expected tracker entry removed, got %d remaining", tr.Len())
	}
}

func TestRouteACKIsLogOnly(t *testing.T) {
	fs := newFakeStore()
	fh := &fakeHandler{}
	e := &Engine{sid: selfSID, store: fs, handler: fh, logger: zap.NewNop(), queue: true}

	ack := bundle.Bundle{ID: "ack-1", Manifest: bundle.Manifest{Service: bundle.ServiceRPC, Recipient: selfSID, Type: bundle.TypeAck}}
	fs.bundles["ack-1"] = ack

	e.route(context.Background(), ack)

	if len(fh.handled) != 0 {
		t.Fatalf("expected ACK not dispatched to handler, got %v", fh.handled)
	}
}
