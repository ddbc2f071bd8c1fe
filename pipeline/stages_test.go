package pipeline

import (
	"testing"

	"github.com/audiarr-project/audiarr/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_HappyPath(t *testing.T) {
	path := []db.Stage{
		db.StageQueued,
		db.StageDispatched,
		db.StageDownloading,
		db.StageDownloadComplete,
		db.StageConverting,
		db.StageConverted,
		db.StageImporting,
		db.StageImported,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestCanTransition_SkipConversion(t *testing.T) {
	assert.True(t, CanTransition(db.StageDownloadComplete, db.StageImporting))
}

func TestCanTransition_DisallowedEdges(t *testing.T) {
	cases := []struct {
		from, to db.Stage
	}{
		{db.StageQueued, db.StageDownloading},
		{db.StageQueued, db.StageImported},
		{db.StageDownloading, db.StageImporting},
		{db.StageConverted, db.StageConverting},
		{db.StageImported, db.StageQueued},
		{db.StageCancelled, db.StageQueued},
		{db.StageCancelled, db.StageDispatched},
		{db.StageImported, db.StageCancelled},
		{db.StageFailed, db.StageQueued},
	}
	for _, c := range cases {
		assert.False(t, CanTransition(c.from, c.to), "%s -> %s should be disallowed", c.from, c.to)
	}
}

func TestCanTransition_CancelFromNonTerminal(t *testing.T) {
	for from := range transitions {
		if from == db.StageImported || from == db.StageCancelled {
			continue
		}
		assert.True(t, CanTransition(from, db.StageCancelled), "%s -> cancelled", from)
	}
}

func TestTransition_WritesStage(t *testing.T) {
	gdb, err := db.SqliteForTest()
	require.NoError(t, err)

	item := &db.QueueItem{ID: "t1", SourceType: db.SourcePeerSwarm}
	require.NoError(t, db.EnqueueQueueItem(gdb, item))

	require.NoError(t, Transition(gdb, item, db.StageDispatched))
	assert.Equal(t, db.StageDispatched, item.Stage)

	got, err := db.GetQueueItem(gdb, "t1")
	require.NoError(t, err)
	assert.Equal(t, db.StageDispatched, got.Stage)
	assert.Equal(t, int64(1), got.Revision)
}

func TestTransition_IllegalEdgeRejected(t *testing.T) {
	gdb, err := db.SqliteForTest()
	require.NoError(t, err)

	item := &db.QueueItem{ID: "t2", SourceType: db.SourcePeerSwarm}
	require.NoError(t, db.EnqueueQueueItem(gdb, item))

	err = Transition(gdb, item, db.StageImported)
	require.Error(t, err)
	assert.Equal(t, db.StageQueued, item.Stage)

	// Nothing was written.
	got, err := db.GetQueueItem(gdb, "t2")
	require.NoError(t, err)
	assert.Equal(t, db.StageQueued, got.Stage)
	assert.Equal(t, int64(0), got.Revision)
}

func TestTransition_SeedingRequiresRetention(t *testing.T) {
	gdb, err := db.SqliteForTest()
	require.NoError(t, err)

	item := &db.QueueItem{ID: "t3", SourceType: db.SourceVendorDirect}
	require.NoError(t, db.EnqueueQueueItem(gdb, item))
	for _, stage := range []db.Stage{db.StageDispatched, db.StageDownloading, db.StageDownloadComplete, db.StageImporting, db.StageImported} {
		require.NoError(t, Transition(gdb, item, stage))
	}

	err = Transition(gdb, item, db.StageSeeding)
	require.Error(t, err)
	assert.Equal(t, db.StageImported, item.Stage)
}

func TestTransition_ConflictLeavesOneWinner(t *testing.T) {
	gdb, err := db.SqliteForTest()
	require.NoError(t, err)

	item := &db.QueueItem{ID: "t4", SourceType: db.SourcePeerSwarm}
	require.NoError(t, db.EnqueueQueueItem(gdb, item))

	a, err := db.GetQueueItem(gdb, "t4")
	require.NoError(t, err)
	b, err := db.GetQueueItem(gdb, "t4")
	require.NoError(t, err)

	require.NoError(t, Transition(gdb, a, db.StageDispatched))

	err = Transition(gdb, b, db.StageCancelled)
	assert.ErrorIs(t, err, db.ErrConflict)

	got, err := db.GetQueueItem(gdb, "t4")
	require.NoError(t, err)
	assert.Equal(t, db.StageDispatched, got.Stage)
}
