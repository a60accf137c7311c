package conntable

import (
	"sync"
	"sync/atomic"
	"time"
)

// Closer is the minimal capability a table resource must offer: the
// table never interprets what a resource is, only that removal and
// shutdown must release it.
type Closer interface {
	Close() error
}

// Entry wraps a caller-owned resource (a *tcpproxy.connection or a
// *udpproxy.connection, typically) with the bookkeeping every kind of
// flow needs: creation time, last-activity time, and additive byte
// counters. Fields are accessed concurrently; use the provided methods
// rather than touching them directly.
type Entry[T Closer] struct {
	Key       FiveTuple
	Resource  T
	CreatedAt time.Time

	lastActivityAt atomic.Int64 // UnixNano
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
}

func newEntry[T Closer](key FiveTuple, resource T, now time.Time) *Entry[T] {
	e := &Entry[T]{Key: key, Resource: resource, CreatedAt: now}
	e.lastActivityAt.Store(now.UnixNano())
	return e
}

// LastActivityAt returns the timestamp of the most recent AddStats call
// (or creation, if none yet).
func (e *Entry[T]) LastActivityAt() time.Time {
	return time.Unix(0, e.lastActivityAt.Load())
}

// BytesSent and BytesReceived report the additive counters maintained
// by AddStats. Both are monotonically non-decreasing for the life of
// the entry.
func (e *Entry[T]) BytesSent() uint64     { return e.bytesSent.Load() }
func (e *Entry[T]) BytesReceived() uint64 { return e.bytesReceived.Load() }

// AddStats adds sent/received bytes to the running counters and always
// refreshes the activity timestamp, even when both deltas are zero —
// callers use a zero-valued call purely to mark the flow as alive.
func (e *Entry[T]) AddStats(now time.Time, sent, received uint64) {
	if sent != 0 {
		e.bytesSent.Add(sent)
	}
	if received != 0 {
		e.bytesReceived.Add(received)
	}
	e.lastActivityAt.Store(now.UnixNano())
}

// Table is a concurrent registry of entries keyed by FiveTuple. It is
// safe for arbitrary concurrent callers. T is the resource type a
// particular flow kind stores (TCP or UDP connection state); the table
// itself never inspects it beyond calling Close.
type Table[T Closer] struct {
	mu      sync.RWMutex
	entries map[FiveTuple]*Entry[T]
	total   atomic.Int64

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	observer atomic.Pointer[func(FiveTuple, string)]
}

// SetObserver installs a callback invoked whenever a record is
// inserted or removed, with event one of "insert", "remove", "evict",
// "shutdown". The callback is invoked synchronously without the
// table's lock held and must return quickly; it is intended for a
// debug feed, not for anything load-bearing. Passing nil disables
// notification.
func (t *Table[T]) SetObserver(obs func(key FiveTuple, event string)) {
	if obs == nil {
		t.observer.Store(nil)
		return
	}
	t.observer.Store(&obs)
}

func (t *Table[T]) notify(key FiveTuple, event string) {
	if p := t.observer.Load(); p != nil {
		(*p)(key, event)
	}
}

// New constructs an empty table.
func New[T Closer]() *Table[T] {
	return &Table[T]{entries: make(map[FiveTuple]*Entry[T])}
}

// Insert installs resource under key if no entry already exists for it
// and returns the new entry with ok=true. If an entry already exists,
// it is left untouched and ok is false — callers use this to implement
// "drop a retransmitted SYN silently".
func (t *Table[T]) Insert(key FiveTuple, resource T, now time.Time) (*Entry[T], bool) {
	t.mu.Lock()
	if existing, ok := t.entries[key]; ok {
		t.mu.Unlock()
		return existing, false
	}
	e := newEntry(key, resource, now)
	t.entries[key] = e
	t.total.Add(1)
	t.mu.Unlock()

	t.notify(key, "insert")
	return e, true
}

// Get returns the entry for key, if any.
func (t *Table[T]) Get(key FiveTuple) (*Entry[T], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e, ok
}

// Remove deletes and returns the entry for key, if present. The caller
// is responsible for closing e.Resource outside any lock the caller
// itself might be holding.
func (t *Table[T]) Remove(key FiveTuple) (*Entry[T], bool) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return nil, false
	}
	delete(t.entries, key)
	t.mu.Unlock()

	t.notify(key, "remove")
	return e, true
}

// Active returns the number of entries currently installed.
func (t *Table[T]) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Total returns the number of entries ever inserted, including ones
// since removed. It never decreases.
func (t *Table[T]) Total() int64 {
	return t.total.Load()
}

// AddBytes accumulates sent/received bytes into table-wide cumulative
// counters that survive entry removal, independent of any single
// Entry's AddStats call. Callers invoke this alongside an entry's own
// AddStats so that BytesSent/BytesReceived report traffic moved over
// the table's lifetime, not just by currently-active connections.
func (t *Table[T]) AddBytes(sent, received uint64) {
	if sent != 0 {
		t.bytesSent.Add(sent)
	}
	if received != 0 {
		t.bytesReceived.Add(received)
	}
}

// BytesSent and BytesReceived report cumulative bytes moved across
// every connection the table has ever held, open or closed. Both are
// monotonically non-decreasing.
func (t *Table[T]) BytesSent() uint64     { return t.bytesSent.Load() }
func (t *Table[T]) BytesReceived() uint64 { return t.bytesReceived.Load() }

// Evict removes every entry for which shouldEvict returns true,
// evaluated against a single consistent snapshot of the map, and
// returns their resources for the caller to close. Calling Evict twice
// in a row with an unchanged clock and no intervening inserts yields an
// empty result the second time (idempotence, spec §8).
func (t *Table[T]) Evict(shouldEvict func(e *Entry[T]) bool) []T {
	t.mu.Lock()
	var removed []T
	var removedKeys []FiveTuple
	for key, e := range t.entries {
		if shouldEvict(e) {
			delete(t.entries, key)
			removed = append(removed, e.Resource)
			removedKeys = append(removedKeys, key)
		}
	}
	t.mu.Unlock()

	for _, key := range removedKeys {
		t.notify(key, "evict")
	}
	return removed
}

// CloseAll removes every entry, closes each resource, and returns how
// many were closed. It is intended for full-system shutdown.
func (t *Table[T]) CloseAll() int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[FiveTuple]*Entry[T])
	t.mu.Unlock()

	for key, e := range entries {
		e.Resource.Close()
		t.notify(key, "shutdown")
	}
	return len(entries)
}
