package natsclient

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// MemoryBucket is an in-memory Bucket with JetStream KV compare-and-set
// semantics. It backs unit tests and the development mode server that runs
// without a NATS deployment.
type MemoryBucket struct {
	mu      sync.Mutex
	entries map[string]*memEntry

	// PreWrite, when set, runs before each Create/Update while a caller is
	// mid read-modify-write. Test hook for forcing CAS conflicts.
	PreWrite func()
}

type memEntry struct {
	key      string
	value    []byte
	revision uint64
}

func (e *memEntry) Bucket() string                  { return "memory" }
func (e *memEntry) Key() string                     { return e.key }
func (e *memEntry) Value() []byte                   { return e.value }
func (e *memEntry) Revision() uint64                { return e.revision }
func (e *memEntry) Created() time.Time              { return time.Time{} }
func (e *memEntry) Delta() uint64                   { return 0 }
func (e *memEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

// NewMemoryBucket creates an empty in-memory bucket.
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{entries: make(map[string]*memEntry)}
}

// Get implements Bucket.
func (b *MemoryBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	cp := *e
	return &cp, nil
}

// Put implements Bucket (last writer wins).
func (b *MemoryBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		b.entries[key] = &memEntry{key: key, value: value, revision: 1}
		return 1, nil
	}
	e.value = append([]byte(nil), value...)
	e.revision++
	return e.revision, nil
}

// Create implements Bucket; fails when the key already exists.
func (b *MemoryBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	if b.PreWrite != nil {
		b.PreWrite()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	b.entries[key] = &memEntry{key: key, value: append([]byte(nil), value...), revision: 1}
	return 1, nil
}

// Update implements Bucket; fails unless revision matches the stored entry.
func (b *MemoryBucket) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if b.PreWrite != nil {
		b.PreWrite()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok || e.revision != revision {
		return 0, errWrongLastSequence
	}
	e.value = append([]byte(nil), value...)
	e.revision++
	return e.revision, nil
}

// Bump overwrites a key's value and advances its revision directly,
// bypassing CAS. Test hook for simulating a concurrent writer.
func (b *MemoryBucket) Bump(key string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		b.entries[key] = &memEntry{key: key, value: value, revision: 1}
		return
	}
	e.value = append([]byte(nil), value...)
	e.revision++
}

type memLister struct{ ch chan string }

func (l *memLister) Keys() <-chan string { return l.ch }
func (l *memLister) Stop() error         { return nil }

// ListKeys implements Bucket.
func (b *MemoryBucket) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan string, len(b.entries))
	for k := range b.entries {
		ch <- k
	}
	close(ch)
	return &memLister{ch: ch}, nil
}

// errWrongLastSequence mirrors the server-side CAS failure message so the
// conflict detection path matches production behavior.
var errWrongLastSequence = &wrongSequenceError{}

type wrongSequenceError struct{}

func (*wrongSequenceError) Error() string {
	return "nats: API error: code=400 err_code=10071 description=wrong last sequence"
}
