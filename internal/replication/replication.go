// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package replication implements the since-keyed update protocol that keeps
// eventually-consistent replicas of a canonical object set: an append-only
// event archive, a canonical store mutating through it, a server handing
// out leased update batches, and the replica applying them.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when deleting an object that is not in the store.
var ErrNotFound = errors.New("object not in canonical store")

// Object is anything that can be replicated. Keys are unique within a store.
type Object interface {
	Key() string
}

// Op discriminates archive events.
type Op string

const (
	OpInsert Op = "insert"
	OpDelete Op = "delete"
)

// Event is one entry of the append-only archive. Seq is monotonic and
// starts at 1.
type Event[T Object] struct {
	Seq    int64
	Op     Op
	Object T
}

// UpdateBatch is the server's answer to an update request: the events after
// FromSeq, the new cursor, and a lease until which the snapshot is
// guaranteed current.
type UpdateBatch[T Object] struct {
	Events     []Event[T]
	FromSeq    int64
	ToSeq      int64
	ValidUntil time.Time
}

// Sink observes appended events, e.g. to persist them.
type Sink[T Object] func(Event[T]) error

// Archive is the append-only event log backing a canonical store.
type Archive[T Object] struct {
	mu      sync.Mutex
	events  []Event[T]
	nextSeq int64
	sink    Sink[T]
}

// NewArchive creates an empty archive. A nil sink is allowed.
func NewArchive[T Object](sink Sink[T]) *Archive[T] {
	return &Archive[T]{nextSeq: 1, sink: sink}
}

// Restore seeds the archive with previously persisted events, in seq order.
// It must be called before any Append.
func (a *Archive[T]) Restore(events []Event[T]) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) > 0 {
		return errors.New("archive already has events")
	}
	for i, ev := range events {
		if ev.Seq != int64(i)+1 {
			return fmt.Errorf("restored event %d has seq %d", i, ev.Seq)
		}
	}
	a.events = append(a.events, events...)
	a.nextSeq = int64(len(events)) + 1
	return nil
}

// Append records an event, persists it through the sink if one is set, and
// returns it with its assigned seq.
func (a *Archive[T]) Append(op Op, obj T) (Event[T], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ev := Event[T]{Seq: a.nextSeq, Op: op, Object: obj}
	if a.sink != nil {
		if err := a.sink(ev); err != nil {
			return Event[T]{}, fmt.Errorf("persisting event %d: %w", ev.Seq, err)
		}
	}
	a.events = append(a.events, ev)
	a.nextSeq++
	return ev, nil
}

// Since returns all events with seq > since, plus the current max seq.
func (a *Archive[T]) Since(since int64) ([]Event[T], int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Event[T]
	for _, ev := range a.events {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out, a.nextSeq - 1
}

// CanonicalStore is the authoritative object set. All mutations flow through
// the archive so replicas can catch up from any cursor.
type CanonicalStore[T Object] struct {
	mu      sync.RWMutex
	archive *Archive[T]
	objects map[string]T
}

// NewCanonicalStore creates an empty store over the archive. If the archive
// was restored, the store replays it to rebuild current state.
func NewCanonicalStore[T Object](archive *Archive[T]) *CanonicalStore[T] {
	s := &CanonicalStore[T]{archive: archive, objects: make(map[string]T)}
	events, _ := archive.Since(0)
	for _, ev := range events {
		switch ev.Op {
		case OpInsert:
			s.objects[ev.Object.Key()] = ev.Object
		case OpDelete:
			delete(s.objects, ev.Object.Key())
		}
	}
	return s
}

// Insert adds an object to the canonical set.
func (s *CanonicalStore[T]) Insert(obj T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.archive.Append(OpInsert, obj); err != nil {
		return err
	}
	s.objects[obj.Key()] = obj
	return nil
}

// Delete removes the object with the given key.
func (s *CanonicalStore[T]) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if _, err := s.archive.Append(OpDelete, obj); err != nil {
		return err
	}
	delete(s.objects, key)
	return nil
}

// Get returns the object with the given key, if present.
func (s *CanonicalStore[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Objects returns a snapshot of the canonical set.
func (s *CanonicalStore[T]) Objects() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.objects))
	for _, obj := range s.objects {
		out = append(out, obj)
	}
	return out
}

// Server answers update requests against the archive, granting a freshness
// lease with each batch.
type Server[T Object] struct {
	archive *Archive[T]
	lease   time.Duration
	clock   func() time.Time
}

// NewServer creates a replication server with the given lease duration.
func NewServer[T Object](archive *Archive[T], lease time.Duration) *Server[T] {
	return &Server[T]{archive: archive, lease: lease, clock: time.Now}
}

// Updates returns the events after since together with a lease.
func (s *Server[T]) Updates(since int64) UpdateBatch[T] {
	events, maxSeq := s.archive.Since(since)
	return UpdateBatch[T]{
		Events:     events,
		FromSeq:    since,
		ToSeq:      maxSeq,
		ValidUntil: s.clock().Add(s.lease),
	}
}

// Fetcher obtains update batches, typically over REST.
type Fetcher[T Object] interface {
	Fetch(ctx context.Context, since int64) (UpdateBatch[T], error)
}

// LocalFetcher adapts an in-process Server to the Fetcher interface.
type LocalFetcher[T Object] struct {
	Server *Server[T]
}

func (f LocalFetcher[T]) Fetch(_ context.Context, since int64) (UpdateBatch[T], error) {
	return f.Server.Updates(since), nil
}

// Callback is notified with the created and deleted objects of an applied
// update. On registration it is invoked once with the full current set.
type Callback[T Object] func(created, deleted []T)

// Replica is an eventually-consistent local mirror of a canonical set.
type Replica[T Object] struct {
	fetcher Fetcher[T]

	mu          sync.RWMutex
	objects     map[string]T
	lastSeq     int64
	leaseExpiry time.Time
	callbacks   []Callback[T]

	clock func() time.Time
}

// NewReplica creates an empty replica over the fetcher.
func NewReplica[T Object](fetcher Fetcher[T]) *Replica[T] {
	return &Replica[T]{
		fetcher: fetcher,
		objects: make(map[string]T),
		clock:   time.Now,
	}
}

// Update brings the replica up to date. While the freshness lease is live
// it returns immediately without contacting the server.
func (r *Replica[T]) Update(ctx context.Context) error {
	r.mu.Lock()
	if r.clock().Before(r.leaseExpiry) {
		r.mu.Unlock()
		return nil
	}
	lastSeq := r.lastSeq
	r.mu.Unlock()

	batch, err := r.fetcher.Fetch(ctx, lastSeq)
	if err != nil {
		return fmt.Errorf("fetching updates since %d: %w", lastSeq, err)
	}

	r.mu.Lock()
	if batch.FromSeq != r.lastSeq {
		// Concurrent update already applied a newer batch.
		r.mu.Unlock()
		return nil
	}

	// Swap in a fresh set so in-flight readers keep their snapshot.
	next := make(map[string]T, len(r.objects))
	for k, v := range r.objects {
		next[k] = v
	}
	var created, deleted []T
	for _, ev := range batch.Events {
		switch ev.Op {
		case OpInsert:
			next[ev.Object.Key()] = ev.Object
			created = append(created, ev.Object)
		case OpDelete:
			delete(next, ev.Object.Key())
			deleted = append(deleted, ev.Object)
		}
	}
	r.objects = next
	r.lastSeq = batch.ToSeq
	r.leaseExpiry = batch.ValidUntil
	callbacks := append([]Callback[T]{}, r.callbacks...)
	r.mu.Unlock()

	if len(created) > 0 || len(deleted) > 0 {
		for _, cb := range callbacks {
			cb(created, deleted)
		}
	}
	return nil
}

// Invalidate expires the lease so the next Update contacts the server.
func (r *Replica[T]) Invalidate() {
	r.mu.Lock()
	r.leaseExpiry = time.Time{}
	r.mu.Unlock()
}

// OnUpdate registers a callback. It is called immediately with the current
// object set as created and nothing deleted.
func (r *Replica[T]) OnUpdate(cb Callback[T]) {
	r.mu.Lock()
	r.callbacks = append(r.callbacks, cb)
	current := make([]T, 0, len(r.objects))
	for _, obj := range r.objects {
		current = append(current, obj)
	}
	r.mu.Unlock()
	cb(current, nil)
}

// Objects returns a snapshot of the replicated set.
func (r *Replica[T]) Objects() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.objects))
	for _, obj := range r.objects {
		out = append(out, obj)
	}
	return out
}

// Get returns the replicated object with the given key, if present.
func (r *Replica[T]) Get(key string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[key]
	return obj, ok
}
