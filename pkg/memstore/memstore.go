// Package memstore implements the execution-local, reference-counted
// blob store described in spec.md §4.4: keys are MemoryAddresses, values
// are immutable blobs with metadata, written once by a producer step and
// released once every downstream consumer (and the recovery window) has
// finished with them.
//
// Grounded on the reference's kernel/memory adapter (keyed bridge) and
// pkg/artifacts.S3Store (cold-tier blob overflow); checksums use
// gowebpki/jcs to canonicalize JSON payloads before hashing, the real
// library the reference's own canonicalize package re-implemented by hand.
package memstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowkit/orchestrator/pkg/memaddr"
	"github.com/gowebpki/jcs"
)

var (
	// ErrExists is returned by Put when addr already has a live entry —
	// MemoryEntry is write-once per spec.md §3.
	ErrExists = errors.New("memstore: address already has a live entry")
	// ErrNotFound is returned by Get/Acquire/Release for an address that
	// was never written, or has already been evicted.
	ErrNotFound = errors.New("memstore: not found")
)

// Meta is the metadata carried alongside a MemoryEntry's payload.
type Meta struct {
	SchemaID string
	Size     int
	Checksum string
}

// entry is the internal, reference-counted record.
type entry struct {
	payload  []byte
	meta     Meta
	refCount int
	evictAt  time.Time // zero until refCount hits zero
}

// ColdStore is the optional overflow tier for payloads above a size
// threshold (grounded on pkg/artifacts.S3Store's Put/Get contract).
type ColdStore interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Store is the execution-scoped Memory Store.
type Store struct {
	mu    sync.Mutex
	items map[string]*entry

	cold           ColdStore
	coldThreshold  int           // payloads >= this many bytes spill to cold tier
	evictionGrace  time.Duration // Release-to-zero schedules eviction after this grace
	now            func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithColdStore attaches an overflow blob tier for large payloads.
func WithColdStore(cold ColdStore, thresholdBytes int) Option {
	return func(s *Store) {
		s.cold = cold
		s.coldThreshold = thresholdBytes
	}
}

// WithEvictionGrace overrides the default grace window before a
// zero-refcount entry is actually evicted (kept available briefly for
// compensation/retry per spec.md §4.4).
func WithEvictionGrace(d time.Duration) Option {
	return func(s *Store) { s.evictionGrace = d }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		items:         make(map[string]*entry),
		evictionGrace: 30 * time.Second,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Checksum canonicalizes v as JSON (RFC 8785 JCS) and returns its SHA-256
// hex digest. Payloads that are already raw bytes should be hashed
// directly by the caller instead of round-tripped through JSON.
func Checksum(v any) (string, error) {
	canon, err := jcs.Transform(mustJSON(v))
	if err != nil {
		return "", fmt.Errorf("memstore: jcs canonicalization failed: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Put writes a new, write-once entry. Fails ErrExists if addr already has
// a live (non-evicted) entry.
func (s *Store) Put(ctx context.Context, addr memaddr.Address, payload []byte, meta Meta) error {
	key := addr.String()

	s.mu.Lock()
	if _, ok := s.items[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	meta.Size = len(payload)
	e := &entry{meta: meta}
	s.items[key] = e
	s.mu.Unlock()

	if s.cold != nil && len(payload) >= s.coldThreshold && s.coldThreshold > 0 {
		if err := s.cold.Put(ctx, key, payload); err != nil {
			s.mu.Lock()
			delete(s.items, key)
			s.mu.Unlock()
			return fmt.Errorf("memstore: cold tier put failed for %s: %w", key, err)
		}
		return nil
	}

	s.mu.Lock()
	e.payload = payload
	s.mu.Unlock()
	return nil
}

// Get reads the payload at addr. Returns ErrNotFound if it was never
// written or has been evicted.
func (s *Store) Get(ctx context.Context, addr memaddr.Address) ([]byte, Meta, error) {
	key := addr.String()

	s.mu.Lock()
	e, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return nil, Meta{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	payload := e.payload
	meta := e.meta
	s.mu.Unlock()

	if payload != nil {
		return payload, meta, nil
	}
	if s.cold == nil {
		return nil, Meta{}, fmt.Errorf("memstore: entry %s has no hot payload and no cold tier configured", key)
	}
	b, err := s.cold.Get(ctx, key)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("memstore: cold tier get failed for %s: %w", key, err)
	}
	return b, meta, nil
}

// Acquire increments the reference count for addr, e.g. once per
// downstream consumer the scheduler resolves for a step.
func (s *Store) Acquire(addr memaddr.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := addr.String()
	e, ok := s.items[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	e.refCount++
	e.evictAt = time.Time{}
	return nil
}

// Release decrements the reference count for addr. When it reaches zero,
// eviction is scheduled after the configured grace window rather than
// performed immediately, per spec.md §4.4.
func (s *Store) Release(addr memaddr.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := addr.String()
	e, ok := s.items[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if e.refCount > 0 {
		e.refCount--
	}
	if e.refCount == 0 {
		e.evictAt = s.now().Add(s.evictionGrace)
	}
	return nil
}

// Sweep evicts every entry whose grace window has elapsed. Callers run
// this periodically (the orchestrator drives it off a ticker); it is
// also called synchronously by tests via a fixed clock.
func (s *Store) Sweep(ctx context.Context) []string {
	now := s.now()

	s.mu.Lock()
	var toEvict []string
	for key, e := range s.items {
		if e.refCount == 0 && !e.evictAt.IsZero() && !now.Before(e.evictAt) {
			toEvict = append(toEvict, key)
		}
	}
	for _, key := range toEvict {
		delete(s.items, key)
	}
	s.mu.Unlock()

	if s.cold != nil {
		for _, key := range toEvict {
			_ = s.cold.Delete(ctx, key)
		}
	}
	return toEvict
}

// RefCount reports the current reference count for addr, for tests and
// invariant checks (spec.md §8: "reservation count... is zero").
func (s *Store) RefCount(addr memaddr.Address) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[addr.String()]
	if !ok {
		return 0, false
	}
	return e.refCount, true
}

func mustJSON(v any) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			// Checksum is only ever called with values the caller has
			// already validated as JSON-marshalable (schema-checked
			// payloads); a marshal failure here indicates a programming
			// error, not a runtime condition to recover from.
			panic(fmt.Sprintf("memstore: value not JSON-marshalable: %v", err))
		}
		return b
	}
}
