package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dtnrpc/dtnrpc/internal/bundle"
	"github.com/dtnrpc/dtnrpc/internal/offer"
	"github.com/dtnrpc/dtnrpc/internal/selector"
)

const clientSID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const serverSID = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

// fakeStore is an in-memory store.Adapter for exercising the Client Engine
// without a network dependency.
type fakeStore struct {
	bundles []bundle.Bundle
	nextID  int
}

func (f *fakeStore) List(ctx context.Context) ([]bundle.Bundle, error) {
	out := make([]bundle.Bundle, len(f.bundles))
	for i := range f.bundles {
		out[len(f.bundles)-1-i] = f.bundles[i]
	}
	return out, nil
}

func (f *fakeStore) NewSince(ctx context.Context, token string) ([]bundle.Bundle, error) {
	return f.List(ctx)
}

func (f *fakeStore) Fetch(ctx context.Context, bundleID string) (bundle.Bundle, error) {
	for _, b := range f.bundles {
		if b.ID == bundleID {
			return b, nil
		}
	}
	return bundle.Bundle{}, os.ErrNotExist
}

func (f *fakeStore) Insert(ctx context.Context, m bundle.Manifest, payload []byte, author string) (bundle.Bundle, error) {
	f.nextID++
	id := "bundle-" + string(rune('0'+f.nextID))
	b := bundle.Bundle{ID: id, Token: id, Manifest: m, Payload: payload}
	f.bundles = append(f.bundles, b)
	return b, nil
}

func (f *fakeStore) Update(ctx context.Context, bundleID string, patch bundle.Patch, payload []byte) (bundle.Bundle, error) {
	for i := range f.bundles {
		if f.bundles[i].ID == bundleID {
			if patch.Type != nil {
				f.bundles[i].Manifest.Type = *patch.Type
			}
			f.bundles[i].Payload = payload
			return f.bundles[i], nil
		}
	}
	return bundle.Bundle{}, os.ErrNotExist
}

func TestCallSingleHopSuccess(t *testing.T) {
	dir := t.TempDir()
	jobPath := filepath.Join(dir, "job.jb")
	content := "client_sid=" + clientSID + "\n" + serverSID + " echo hello\n"
	if err := os.WriteFile(jobPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fs := &fakeStore{}
	catalog := newTestCatalog(clientSID, nil)
	eng := New(clientSID, fs, catalog, selector.New(selector.PolicyBest, 0), zap.NewNop())

	resultCh := make(chan Outcome, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := eng.Call(context.Background(), jobPath)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	// Give the call-insert a moment, then simulate the server replying.
	time.Sleep(50 * time.Millisecond)

	var rpcid string
	for _, b := range fs.bundles {
		if b.Manifest.Type == bundle.TypeCall {
			rpcid = b.Manifest.RPCID
		}
	}
	if rpcid == "" {
		t.Fatal("expected a CALL bundle to have been inserted")
	}

	resultPayload := []byte("result-zip-bytes")
	fs.Insert(context.Background(), bundle.Manifest{
		Service:    bundle.ServiceRPC,
		Recipient:  clientSID,
		Type:       bundle.TypeResult,
		Originator: clientSID,
		RPCID:      rpcid,
	}, resultPayload, serverSID)

	select {
	case out := <-resultCh:
		if out.RPCID != rpcid {
			t.Fatalf("outcome rpcid mismatch: got %s want %s", out.RPCID, rpcid)
		}
		data, err := os.ReadFile(out.ResultPath)
		if err != nil {
			t.Fatalf("ReadFile result: %v", err)
		}
		if string(data) != string(resultPayload) {
			t.Fatalf("result payload mismatch")
		}
	case err := <-errCh:
		t.Fatalf("Call returned error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Call to complete")
	}

	var callBlanked bool
	for _, b := range fs.bundles {
		if b.Manifest.Type == bundle.TypeCleanup {
			callBlanked = true
		}
	}
	if !callBlanked {
		t.Fatal("expected the original CALL bundle to be blanked after RESULT")
	}
}

func TestComputeRPCIDIsEightHex(t *testing.T) {
	id := computeRPCID("echo", clientSID, time.Now())
	if len(id) != 8 {
		t.Fatalf("expected 8-character rpcid, got %q (%d chars)", id, len(id))
	}
}

func TestSnapshotCandidatesExcludesSelfAndDecodesOffers(t *testing.T) {
	fs := &fakeStore{}
	payload := offer.Encode([]offer.Procedure{{Name: "echo", ArgTypes: []string{"str"}}}, offer.Capabilities{CPULoad: 0.1})
	fs.bundles = append(fs.bundles, bundle.Bundle{
		ID:      "offer-1",
		Token:   "t1",
		Manifest: bundle.Manifest{Service: bundle.ServiceOffer, Name: serverSID},
		Payload: payload,
	})
	fs.bundles = append(fs.bundles, bundle.Bundle{
		ID:       "offer-self",
		Token:    "t2",
		Manifest: bundle.Manifest{Service: bundle.ServiceOffer, Name: clientSID},
		Payload:  payload,
	})

	catalog := newTestCatalog(clientSID, nil)
	eng := New(clientSID, fs, catalog, selector.New(selector.PolicyBest, 0), zap.NewNop())
	candidates, err := eng.snapshotCandidates(context.Background(), "")
	if err != nil {
		t.Fatalf("snapshotCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].SID != serverSID {
		t.Fatalf("expected one candidate for serverSID, got %+v", candidates)
	}
}

func TestSnapshotCandidatesFillsDistanceFromSelfGPS(t *testing.T) {
	fs := &fakeStore{}
	remoteGPS := offer.Point{X: 3, Y: 4}
	payload := offer.Encode([]offer.Procedure{{Name: "echo", ArgTypes: []string{"str"}}}, offer.Capabilities{GPSCoord: &remoteGPS})
	fs.bundles = append(fs.bundles, bundle.Bundle{
		ID:       "offer-1",
		Token:    "t1",
		Manifest: bundle.Manifest{Service: bundle.ServiceOffer, Name: serverSID},
		Payload:  payload,
	})

	selfGPS := offer.Point{X: 0, Y: 0}
	catalog := newTestCatalog(clientSID, &selfGPS)
	eng := New(clientSID, fs, catalog, selector.New(selector.PolicyBest, 0), zap.NewNop())

	candidates, err := eng.snapshotCandidates(context.Background(), "")
	if err != nil {
		t.Fatalf("snapshotCandidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected one candidate, got %+v", candidates)
	}
	if !candidates[0].HasDistance {
		t.Fatalf("expected HasDistance to be true when both endpoints publish gps_coord")
	}
	if candidates[0].Distance != 5 {
		t.Fatalf("expected distance 5 (3-4-5 triangle), got %v", candidates[0].Distance)
	}
}

// newTestCatalog builds a Catalog seeded with gps, the way main.go does via
// catalog.Self() before first use.
func newTestCatalog(sid string, gps *offer.Point) *offer.Catalog {
	c := offer.New(sid, nil, offer.StaticSampler{Value: offer.Capabilities{GPSCoord: gps}})
	c.Self()
	return c
}
