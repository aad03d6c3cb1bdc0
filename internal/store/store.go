// Package store is the thin abstraction over the opportunistic bundle
// overlay (spec §4.1, §6.2). The overlay itself — a content-addressed,
// signed-manifest store with a monotone "new since" token — is an external
// collaborator; this package only speaks its HTTP+JSON wire protocol and
// classifies failures per the taxonomy in spec §7.
//
// The wire format mirrors a row-oriented JSON list response: a "header"
// array naming the columns and a "rows" array of equal-width tuples. Seven
// columns are required on every row: token, bundle_id, from_here, service,
// name, sender, recipient. Any other string-valued column the store returns
// survives in bundle.Manifest.Extra; non-string values are dropped.
package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dtnrpc/dtnrpc/internal/bundle"
)

// Adapter is the contract every component of the engine depends on. The HTTP
// implementation below is the only production implementation; tests use
// in-memory fakes against the same interface.
type Adapter interface {
	// List returns a snapshot of all bundles, most-recent first.
	List(ctx context.Context) ([]bundle.Bundle, error)

	// NewSince returns bundles strictly newer than token, most-recent first.
	// An empty result is legal and not an error.
	NewSince(ctx context.Context, token string) ([]bundle.Bundle, error)

	// Fetch retrieves the manifest and payload for a single bundle.
	Fetch(ctx context.Context, bundleID string) (bundle.Bundle, error)

	// Insert authors a new bundle under identity author.
	Insert(ctx context.Context, m bundle.Manifest, payload []byte, author string) (bundle.Bundle, error)

	// Update applies patch and replaces payload on an already-inserted
	// bundle. The only mutation the protocol permits is blanking
	// (bundle.Blank()) — see spec §3, Invariants.
	Update(ctx context.Context, bundleID string, patch bundle.Patch, payload []byte) (bundle.Bundle, error)
}

// Config holds what's needed to reach one store endpoint.
type Config struct {
	BaseURL string
	// BasicAuthUser/Pass authenticate inserts per spec §6.2. Usually
	// BasicAuthUser is the local SID.
	BasicAuthUser string
	BasicAuthPass string
	HTTPClient    *http.Client
}

// Client is the HTTP+JSON Adapter implementation.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a Client. logger is named "store".
func New(cfg Config, logger *zap.Logger) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, http: hc, logger: logger.Named("store")}
}

// listResponse mirrors the overlay's row-oriented JSON shape.
type listResponse struct {
	Header []string          `json:"header"`
	Rows   [][]json.RawMessage `json:"rows"`
}

// fetchResponse carries the manifest keys plus base64 payload for a single
// bundle.
type fetchResponse struct {
	Manifest map[string]json.RawMessage `json:"manifest"`
	Payload  string                     `json:"payload"`
}

func (c *Client) List(ctx context.Context) ([]bundle.Bundle, error) {
	return c.doList(ctx, "/bundles")
}

func (c *Client) NewSince(ctx context.Context, token string) ([]bundle.Bundle, error) {
	path := "/bundles?since=" + token
	if token == "" {
		path = "/bundles"
	}
	return c.doList(ctx, path)
}

func (c *Client) doList(ctx context.Context, path string) ([]bundle.Bundle, error) {
	var lr listResponse
	if err := c.get(ctx, path, &lr); err != nil {
		return nil, err
	}

	bundles := make([]bundle.Bundle, 0, len(lr.Rows))
	for _, row := range lr.Rows {
		b, err := decodeRow(lr.Header, row)
		if err != nil {
			// A single malformed row is a framing error — transient, the
			// caller may simply retry the whole poll.
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

func (c *Client) Fetch(ctx context.Context, bundleID string) (bundle.Bundle, error) {
	var fr fetchResponse
	if err := c.get(ctx, "/bundles/"+bundleID, &fr); err != nil {
		return bundle.Bundle{}, err
	}

	payload, err := base64.StdEncoding.DecodeString(fr.Payload)
	if err != nil {
		return bundle.Bundle{}, fmt.Errorf("%w: bad payload encoding: %v", ErrTransient, err)
	}

	m, err := decodeManifest(fr.Manifest)
	if err != nil {
		return bundle.Bundle{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	return bundle.Bundle{ID: bundleID, Manifest: m, Payload: payload}, nil
}

type insertRequest struct {
	Manifest map[string]any `json:"manifest"`
	Payload  string         `json:"payload"`
	Author   string         `json:"author"`
}

func (c *Client) Insert(ctx context.Context, m bundle.Manifest, payload []byte, author string) (bundle.Bundle, error) {
	req := insertRequest{
		Manifest: encodeManifest(m),
		Payload:  base64.StdEncoding.EncodeToString(payload),
		Author:   author,
	}
	var result struct {
		BundleID string `json:"bundle_id"`
		Token    string `json:"token"`
	}
	if err := c.post(ctx, "/bundles", req, &result); err != nil {
		return bundle.Bundle{}, err
	}
	return bundle.Bundle{ID: result.BundleID, Token: result.Token, Manifest: m, Payload: payload}, nil
}

type updateRequest struct {
	Type    *int   `json:"type,omitempty"`
	Payload string `json:"payload"`
}

func (c *Client) Update(ctx context.Context, bundleID string, patch bundle.Patch, payload []byte) (bundle.Bundle, error) {
	req := updateRequest{Payload: base64.StdEncoding.EncodeToString(payload)}
	if patch.Type != nil {
		v := int(*patch.Type)
		req.Type = &v
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := c.patch(ctx, "/bundles/"+bundleID, req, &result); err != nil {
		return bundle.Bundle{}, err
	}
	return bundle.Bundle{ID: bundleID, Token: result.Token, Payload: payload}, nil
}

// ─── transport plumbing ───────────────────────────────────────────────────

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.send(ctx, http.MethodPost, path, body, out)
}

func (c *Client) patch(ctx context.Context, path string, body, out any) error {
	return c.send(ctx, http.MethodPatch, path, body, out)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrTransient, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do attaches basic auth, executes the request, and classifies the response
// per spec §7: 200/201 succeed, 401 is fatal, 403/404/409/410 map to their
// sentinels, and any other status is transient.
func (c *Client) do(req *http.Request, out any) error {
	if c.cfg.BasicAuthUser != "" {
		req.SetBasicAuth(c.cfg.BasicAuthUser, c.cfg.BasicAuthPass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: decoding response: %v", ErrTransient, err)
		}
		return nil
	case http.StatusUnauthorized:
		return ErrAuth
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrDuplicate
	case http.StatusForbidden:
		return ErrNotAuthor
	case http.StatusGone:
		return ErrInvalidToken
	default:
		c.logger.Warn("store: unexpected status", zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
}

// ─── row/manifest decoding ─────────────────────────────────────────────────

func decodeRow(header []string, row []json.RawMessage) (bundle.Bundle, error) {
	if len(header) != len(row) {
		return bundle.Bundle{}, fmt.Errorf("row width %d does not match header width %d", len(row), len(header))
	}
	fields := make(map[string]json.RawMessage, len(row))
	for i, key := range header {
		fields[key] = row[i]
	}

	var b bundle.Bundle
	if err := jsonString(fields["token"], &b.Token); err != nil {
		return b, err
	}
	if err := jsonString(fields["bundle_id"], &b.ID); err != nil {
		return b, err
	}

	m, err := decodeManifest(fields)
	if err != nil {
		return b, err
	}
	b.Manifest = m
	return b, nil
}

func decodeManifest(fields map[string]json.RawMessage) (bundle.Manifest, error) {
	var m bundle.Manifest
	m.Extra = map[string]string{}

	known := map[string]*string{
		"service":   &m.Service,
		"name":      &m.Name,
		"sender":    &m.Sender,
		"recipient": &m.Recipient,
		"rpcid":     &m.RPCID,
		"originator": &m.Originator,
		"reason":    &m.Reason,
	}
	for key, dst := range known {
		if raw, ok := fields[key]; ok {
			if err := jsonString(raw, dst); err != nil {
				return m, fmt.Errorf("field %q: %w", key, err)
			}
		}
	}

	if raw, ok := fields["from_here"]; ok {
		if err := json.Unmarshal(raw, &m.FromHere); err != nil {
			return m, fmt.Errorf("field from_here: %w", err)
		}
	}

	if raw, ok := fields["type"]; ok {
		var t int
		if err := json.Unmarshal(raw, &t); err != nil {
			return m, fmt.Errorf("field type: %w", err)
		}
		m.Type = bundle.Type(t)
	}

	reserved := map[string]bool{
		"token": true, "bundle_id": true, "from_here": true, "service": true,
		"name": true, "sender": true, "recipient": true, "rpcid": true,
		"originator": true, "reason": true, "type": true,
	}
	for key, raw := range fields {
		if reserved[key] {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			m.Extra[key] = s
		}
	}

	return m, nil
}

func encodeManifest(m bundle.Manifest) map[string]any {
	out := map[string]any{
		"service":   m.Service,
		"name":      m.Name,
		"sender":    m.Sender,
		"recipient": m.Recipient,
		"type":      int(m.Type),
	}
	if m.RPCID != "" {
		out["rpcid"] = m.RPCID
	}
	if m.Originator != "" {
		out["originator"] = m.Originator
	}
	if m.Reason != "" {
		out["reason"] = m.Reason
	}
	for k, v := range m.Extra {
		out[k] = v
	}
	return out
}

func jsonString(raw json.RawMessage, dst *string) error {
	if raw == nil {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
