// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testObject struct {
	Name  string
	Value int
}

func (o testObject) Key() string { return o.Name }

func newPair(t *testing.T, lease time.Duration) (*CanonicalStore[testObject], *Server[testObject], *Replica[testObject]) {
	t.Helper()
	archive := NewArchive[testObject](nil)
	store := NewCanonicalStore(archive)
	server := NewServer(archive, lease)
	replica := NewReplica[testObject](LocalFetcher[testObject]{Server: server})
	return store, server, replica
}

func names(objs []testObject) []string {
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Name)
	}
	sort.Strings(out)
	return out
}

func TestReplicaConvergence(t *testing.T) {
	ctx := context.Background()
	store, _, replica := newPair(t, 0)

	require.NoError(t, store.Insert(testObject{Name: "a", Value: 1}))
	require.NoError(t, store.Insert(testObject{Name: "b", Value: 2}))
	require.NoError(t, replica.Update(ctx))
	assert.Equal(t, []string{"a", "b"}, names(replica.Objects()))

	require.NoError(t, store.Delete("a"))
	require.NoError(t, store.Insert(testObject{Name: "c", Value: 3}))
	require.NoError(t, replica.Update(ctx))
	assert.Equal(t, []string{"b", "c"}, names(replica.Objects()))
}

func TestDeleteMissing(t *testing.T) {
	store, _, _ := newPair(t, 0)
	assert.ErrorIs(t, store.Delete("ghost"), ErrNotFound)
}

func TestLeaseShortCircuit(t *testing.T) {
	ctx := context.Background()
	store, _, replica := newPair(t, time.Hour)

	require.NoError(t, store.Insert(testObject{Name: "a"}))
	require.NoError(t, replica.Update(ctx))

	// Within the lease, a canonical change is not yet visible.
	require.NoError(t, store.Insert(testObject{Name: "b"}))
	require.NoError(t, replica.Update(ctx))
	assert.Equal(t, []string{"a"}, names(replica.Objects()))

	// Expiring the lease makes the next update fetch.
	replica.Invalidate()
	require.NoError(t, replica.Update(ctx))
	assert.Equal(t, []string{"a", "b"}, names(replica.Objects()))
}

func TestCallbacks(t *testing.T) {
	ctx := context.Background()
	store, _, replica := newPair(t, 0)

	require.NoError(t, store.Insert(testObject{Name: "a"}))
	require.NoError(t, replica.Update(ctx))

	var initial, created, deleted []testObject
	replica.OnUpdate(func(c, d []testObject) {
		if initial == nil {
			initial = append([]testObject{}, c...)
			return
		}
		created = append(created, c...)
		deleted = append(deleted, d...)
	})
	assert.Equal(t, []string{"a"}, names(initial))

	require.NoError(t, store.Insert(testObject{Name: "b"}))
	require.NoError(t, store.Delete("a"))
	require.NoError(t, replica.Update(ctx))
	assert.Equal(t, []string{"b"}, names(created))
	assert.Equal(t, []string{"a"}, names(deleted))
}

func TestArchiveRestore(t *testing.T) {
	archive := NewArchive[testObject](nil)
	events := []Event[testObject]{
		{Seq: 1, Op: OpInsert, Object: testObject{Name: "a"}},
		{Seq: 2, Op: OpInsert, Object: testObject{Name: "b"}},
		{Seq: 3, Op: OpDelete, Object: testObject{Name: "a"}},
	}
	require.NoError(t, archive.Restore(events))

	store := NewCanonicalStore(archive)
	assert.Equal(t, []string{"b"}, names(store.Objects()))

	// New events continue after the restored seq.
	ev, err := archive.Append(OpInsert, testObject{Name: "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.Seq)
}

func TestArchiveRestoreRejectsGaps(t *testing.T) {
	archive := NewArchive[testObject](nil)
	err := archive.Restore([]Event[testObject]{{Seq: 2, Op: OpInsert, Object: testObject{Name: "a"}}})
	assert.Error(t, err)
}

func TestSinkFailureAborts(t *testing.T) {
	sinkErr := assert.AnError
	archive := NewArchive[testObject](func(Event[testObject]) error { return sinkErr })
	store := NewCanonicalStore(archive)

	err := store.Insert(testObject{Name: "a"})
	assert.ErrorIs(t, err, sinkErr)
	assert.Empty(t, store.Objects())

	events, maxSeq := archive.Since(0)
	assert.Empty(t, events)
	assert.Equal(t, int64(0), maxSeq)
}
