package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentruntime/pkg/runtime"
)

func openTestDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "runtime.db")
}

func TestOpenIsIdempotent(t *testing.T) {
	path := openTestDB(t)

	db, err := Open(path)
	require.NoError(t, err)
	version, err := SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	version, err = SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestSinkPersistsRecords(t *testing.T) {
	db, err := Open(openTestDB(t))
	require.NoError(t, err)
	defer db.Close()

	sink := NewSinkWithDB(db, 16)
	sink.Emit(runtime.Record{Kind: runtime.RecordActorCreated, ActorID: "a1", Version: 1})
	sink.Emit(runtime.Record{Kind: runtime.RecordTransition, ActorID: "a1", From: "IDLE", To: "RUNNING"})
	sink.Emit(runtime.Record{Kind: runtime.RecordStateApplied, ActorID: "a1", ActivityID: "act-1", Version: 2,
		Data: map[string]int{"n": 1}})
	sink.Emit(runtime.Record{Kind: runtime.RecordActorCreated, ActorID: "a2", Version: 1})
	require.NoError(t, sink.Flush())

	ctx := context.Background()
	all, err := Query(ctx, db, Filter{ActorID: "a1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, runtime.RecordActorCreated, all[0].Kind)
	assert.Equal(t, "IDLE", all[1].From)
	assert.Equal(t, "RUNNING", all[1].To)
	assert.False(t, all[1].Time.IsZero())
	assert.Less(t, all[0].Seq, all[1].Seq)

	var data map[string]int
	require.NoError(t, json.Unmarshal(all[2].RawData, &data))
	assert.Equal(t, 1, data["n"])
	assert.Equal(t, uint64(2), all[2].Version)

	created, err := Query(ctx, db, Filter{Kind: runtime.RecordActorCreated})
	require.NoError(t, err)
	assert.Len(t, created, 2)

	limited, err := Query(ctx, db, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, sink.Close())
	assert.Zero(t, sink.Dropped())
	assert.Zero(t, sink.Failed())
}

func TestSinkCloseDrainsQueueAndClosesOwnedDB(t *testing.T) {
	path := openTestDB(t)
	sink, err := NewSink(path, 0)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		sink.Emit(runtime.Record{Kind: runtime.RecordActivityDiscarded, ActorID: "a1"})
	}
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	sink.Emit(runtime.Record{Kind: runtime.RecordActorTerminated, ActorID: "a1"})
	assert.Equal(t, uint64(1), sink.Dropped())
	assert.ErrorIs(t, sink.Flush(), ErrClosed)

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()
	records, err := Query(context.Background(), db, Filter{})
	require.NoError(t, err)
	assert.Len(t, records, 10)
}
