// Package idempotency maps deduplication keys to the request ids they were
// first assigned, so retried submissions of the same logical request return
// the original id instead of creating new work.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

// ErrClosed is returned by registries used after Close.
var ErrClosed = errors.New("idempotency registry closed")

// Registry stores dedup key -> request id mappings for a bounded time.
type Registry interface {
	// Get returns the request id mapped to key, if any.
	Get(ctx context.Context, key string) (string, bool, error)
	// PutIfAbsent maps key to requestID unless a mapping exists.
	// When one exists it is returned with stored=false.
	PutIfAbsent(ctx context.Context, key, requestID string) (existing string, stored bool, err error)
	// RemoveIfPresent deletes the mapping and reports what was removed.
	RemoveIfPresent(ctx context.Context, key string) (string, bool, error)
	// Prune drops mappings older than the retention window.
	Prune(ctx context.Context) (int, error)
	Close() error
}

// DeriveKey hashes the significant subset of the payload.
// Keys are sorted at every level so field order never changes the result.
func DeriveKey(p *model.Payload) (string, error) {
	canonical, err := Canonicalize(p.Significant())
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize renders v as JSON with recursively sorted object keys and
// numbers preserved verbatim.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	// encoding/json writes map keys in sorted order
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
