package store

import "errors"

// Sentinel errors returned by Client. Callers use errors.Is to classify them
// per the taxonomy in spec §7: transient errors are retried by the caller
// with a 1s backoff, auth errors are fatal, everything else is surfaced.
var (
	// ErrTransient wraps a connection drop, timeout, or JSON framing error.
	// The caller should sleep 1s and retry the same call.
	ErrTransient = errors.New("store: transient error")

	// ErrAuth is returned on a 401 from the store. Fatal — the caller must
	// not retry.
	ErrAuth = errors.New("store: authentication failed")

	// ErrInvalidToken is returned when newsince is called with a watermark
	// the store no longer recognizes (e.g. after a store compaction).
	ErrInvalidToken = errors.New("store: invalid token")

	// ErrNotFound is returned by Fetch when the bundle-id does not exist.
	ErrNotFound = errors.New("store: bundle not found")

	// ErrDuplicate is returned by Insert when the store already holds an
	// equivalent bundle. Per spec §7 this is non-fatal and treated as success
	// by callers (e.g. Step Handler's ACK emission).
	ErrDuplicate = errors.New("store: duplicate bundle")

	// ErrNotAuthor is returned by Update when the local identity did not
	// author the bundle being mutated.
	ErrNotAuthor = errors.New("store: not the bundle author")

	// ErrDecryption names the case of a bundle the store cannot decrypt for
	// the local identity. Client.Fetch does not return it: no response is
	// classified as a decryption failure. The engine's callers skip a bundle
	// on any Fetch error, so such a bundle is never surfaced as a protocol
	// failure.
	ErrDecryption = errors.New("store: cannot decrypt bundle")
)
