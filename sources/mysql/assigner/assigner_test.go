package assigner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/artie-labs/capture/sources/mysql/offset"
	"github.com/artie-labs/capture/sources/mysql/split"
)

func productsTable() split.TableID {
	return split.NewTableID("shop", "products")
}

func productsSchema() split.TableSchema {
	return split.TableSchema{
		Columns: []split.ColumnDef{
			{Name: "id", Type: "bigint"},
			{Name: "name", Type: "varchar(255)"},
		},
		PrimaryKeys:     []string{"id"},
		ChunkKeyColumns: []string{"id"},
	}
}

func plannedSplits(count int) []split.SnapshotSplit {
	out := make([]split.SnapshotSplit, count)
	for i := range out {
		out[i] = split.SnapshotSplit{
			ID:     fmt.Sprintf("shop.products.%d", i),
			Table:  productsTable(),
			Start:  split.Key{int64(i * 10)},
			End:    split.Key{int64((i + 1) * 10)},
			Schema: productsSchema(),
		}
	}
	return out
}

func finishedInfo(s split.SnapshotSplit, pos uint32) split.FinishedSnapshotSplitInfo {
	return split.FinishedSnapshotSplitInfo{
		SplitID:       s.ID,
		Table:         s.Table,
		Start:         s.Start,
		End:           s.End,
		HighWatermark: offset.Offset{File: "mysql-bin.000002", Pos: pos},
	}
}

// newPlannedAssigner builds an assigner mid SNAPSHOT_ASSIGNING with a fixed
// chunk plan, bypassing discovery.
func newPlannedAssigner(pending []split.SnapshotSplit) *Assigner {
	a := New(nil, Config{
		TableFilter:         `shop\..*`,
		ChunkSize:           10,
		IncrementalSnapshot: true,
		JobID:               "job-1",
	})
	a.phase = PhaseSnapshotAssigning
	a.tables = []split.TableID{productsTable()}
	a.schemas = map[string]split.TableSchema{productsTable().String(): productsSchema()}
	a.tableCursor = 1 // chunk plan exhausted; work only from pending
	a.pending = pending
	return a
}

func TestAssigner_HappyPath(t *testing.T) {
	splits := plannedSplits(2)
	a := newPlannedAssigner(splits)

	// Hand out both splits.
	first, err := a.NextSplit("worker-0")
	assert.NoError(t, err)
	assert.NotNil(t, first.Snapshot)
	assert.Equal(t, "shop.products.0", first.Snapshot.ID)

	second, err := a.NextSplit("worker-1")
	assert.NoError(t, err)
	assert.NotNil(t, second.Snapshot)

	// Chunks exhausted with two splits in flight: draining, nothing to hand out.
	none, err := a.NextSplit("worker-2")
	assert.NoError(t, err)
	assert.Nil(t, none)
	assert.Equal(t, PhaseSnapshotDraining, a.Phase())
	assert.True(t, a.Waiting())

	// First split reports in; still draining.
	assert.NoError(t, a.OnSplitFinished(splits[0].ID, finishedInfo(splits[0], 300)))
	assert.Equal(t, PhaseSnapshotDraining, a.Phase())

	// Last split reports in: the binlog split becomes ready.
	assert.NoError(t, a.OnSplitFinished(splits[1].ID, finishedInfo(splits[1], 500)))
	assert.Equal(t, PhaseBinlogAssigned, a.Phase())

	assignment, err := a.NextSplit("worker-0")
	assert.NoError(t, err)
	assert.NotNil(t, assignment.Binlog)
	assert.Equal(t, split.BinlogSplitID, assignment.Binlog.ID)
	assert.Len(t, assignment.Binlog.FinishedSplits, 2)
	assert.Equal(t, offset.NoStopping, assignment.Binlog.StopOffset)

	// The binlog split is handed out exactly once.
	again, err := a.NextSplit("worker-1")
	assert.NoError(t, err)
	assert.Nil(t, again)

	a.MarkTerminal()
	assert.Equal(t, PhaseTerminal, a.Phase())
	none, err = a.NextSplit("worker-0")
	assert.NoError(t, err)
	assert.Nil(t, none)
}

func TestAssigner_DirectToBinlogWhenNothingInFlight(t *testing.T) {
	a := newPlannedAssigner(nil)

	// No pending, no in-flight: the same call flips the phase and hands out
	// the binlog split.
	assignment, err := a.NextSplit("worker-0")
	assert.NoError(t, err)
	assert.NotNil(t, assignment)
	assert.NotNil(t, assignment.Binlog)
	assert.Empty(t, assignment.Binlog.FinishedSplits)
}

func TestAssigner_OnWorkerFailure(t *testing.T) {
	splits := plannedSplits(2)
	a := newPlannedAssigner(splits)

	first, err := a.NextSplit("worker-0")
	assert.NoError(t, err)
	_, err = a.NextSplit("worker-1")
	assert.NoError(t, err)

	a.OnWorkerFailure("worker-0")

	// worker-0's split is assignable again.
	reassigned, err := a.NextSplit("worker-2")
	assert.NoError(t, err)
	assert.NotNil(t, reassigned.Snapshot)
	assert.Equal(t, first.Snapshot.ID, reassigned.Snapshot.ID)
}

func TestAssigner_OnSplitFailed_RetriesThenEscalates(t *testing.T) {
	splits := plannedSplits(1)
	a := newPlannedAssigner(splits)
	a.cfg.MaxSplitRetries = 2

	for attempt := 1; attempt <= 2; attempt++ {
		assignment, err := a.NextSplit("worker-0")
		assert.NoError(t, err)
		assert.NotNil(t, assignment.Snapshot)
		assert.NoError(t, a.OnSplitFailed(assignment.Snapshot.ID, fmt.Errorf("connection reset")))
	}

	assignment, err := a.NextSplit("worker-0")
	assert.NoError(t, err)
	err = a.OnSplitFailed(assignment.Snapshot.ID, fmt.Errorf("connection reset"))
	assert.ErrorContains(t, err, "escalating")
}

func TestAssigner_FinishUnknownSplit(t *testing.T) {
	a := newPlannedAssigner(nil)
	err := a.OnSplitFinished("shop.products.99", split.FinishedSnapshotSplitInfo{})
	assert.ErrorContains(t, err, "is not in flight")
}

func TestState_RoundTripByteIdentical(t *testing.T) {
	splits := plannedSplits(5)
	a := newPlannedAssigner(splits[3:])
	a.finished = []split.FinishedSnapshotSplitInfo{
		finishedInfo(splits[0], 300),
		finishedInfo(splits[1], 400),
		finishedInfo(splits[2], 500),
	}

	state := a.Snapshot()
	first, err := state.Marshal()
	assert.NoError(t, err)

	restored, err := UnmarshalState(first)
	assert.NoError(t, err)

	second, err := restored.Marshal()
	assert.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAssigner_RestoreWhileDraining(t *testing.T) {
	// 3 of 5 splits finished, 2 were in flight when the checkpoint fired.
	splits := plannedSplits(5)
	a := newPlannedAssigner(splits[3:])

	inFlight0, err := a.NextSplit("worker-0")
	assert.NoError(t, err)
	inFlight1, err := a.NextSplit("worker-1")
	assert.NoError(t, err)
	a.finished = []split.FinishedSnapshotSplitInfo{
		finishedInfo(splits[0], 300),
		finishedInfo(splits[1], 400),
		finishedInfo(splits[2], 500),
	}
	a.phase = PhaseSnapshotDraining

	state := a.Snapshot()
	// In-flight splits are folded into pending in the checkpoint.
	assert.Len(t, state.Pending, 2)
	assert.Equal(t, PhaseSnapshotDraining, state.Phase)

	restored, err := Restore(nil, nil, a.cfg, state)
	assert.NoError(t, err)

	// The in-flight splits rerun from scratch.
	assert.Equal(t, PhaseSnapshotAssigning, restored.Phase())

	rerun0, err := restored.NextSplit("worker-0")
	assert.NoError(t, err)
	rerun1, err := restored.NextSplit("worker-1")
	assert.NoError(t, err)
	rerunIDs := []string{rerun0.Snapshot.ID, rerun1.Snapshot.ID}
	assert.ElementsMatch(t, []string{inFlight0.Snapshot.ID, inFlight1.Snapshot.ID}, rerunIDs)

	// Finishing them produces a binlog split filtered by all 5 splits.
	assert.NoError(t, restored.OnSplitFinished(rerun0.Snapshot.ID, finishedInfo(*rerun0.Snapshot, 600)))
	assert.NoError(t, restored.OnSplitFinished(rerun1.Snapshot.ID, finishedInfo(*rerun1.Snapshot, 700)))

	none, err := restored.NextSplit("worker-0")
	assert.NoError(t, err)
	if none == nil {
		none, err = restored.NextSplit("worker-0")
		assert.NoError(t, err)
	}
	assert.NotNil(t, none.Binlog)
	assert.Len(t, none.Binlog.FinishedSplits, 5)
}

func TestAssigner_RestoreBinlogAssigned(t *testing.T) {
	a := newPlannedAssigner(nil)
	assignment, err := a.NextSplit("worker-0")
	assert.NoError(t, err)
	assert.NotNil(t, assignment.Binlog)

	state := a.Snapshot()
	assert.Equal(t, PhaseBinlogAssigned, state.Phase)
	assert.True(t, state.BinlogSplitAssigned)

	restored, err := Restore(nil, nil, a.cfg, state)
	assert.NoError(t, err)

	// The restored job hands the binlog split out again.
	again, err := restored.NextSplit("worker-0")
	assert.NoError(t, err)
	assert.NotNil(t, again.Binlog)
}
