package assigner

import (
	"encoding/json"
	"fmt"

	"github.com/artie-labs/capture/sources/mysql/offset"
	"github.com/artie-labs/capture/sources/mysql/split"
)

type Phase string

const (
	PhaseInitial           Phase = "INITIAL"
	PhaseDiscoveringTables Phase = "DISCOVERING_TABLES"
	PhaseSnapshotAssigning Phase = "SNAPSHOT_ASSIGNING"
	PhaseSnapshotDraining  Phase = "SNAPSHOT_DRAINING"
	PhaseBinlogAssigned    Phase = "BINLOG_ASSIGNED"
	PhaseTerminal          Phase = "TERMINAL"
)

// State is everything needed to rebuild the assigner after a restart.
// In-flight splits are folded into Pending: they rerun from scratch on
// restore. Field order is fixed and maps serialize with sorted keys, so
// serialize -> deserialize -> serialize is byte-identical.
type State struct {
	Phase   Phase           `json:"phase"`
	JobID   string          `json:"jobId"`
	Tables  []split.TableID `json:"tables,omitempty"`
	Schemas map[string]split.TableSchema `json:"schemas,omitempty"`

	// Chunk cursor of the table currently being split.
	TableCursor    int       `json:"tableCursor"`
	ChunkCursor    split.Key `json:"chunkCursor,omitempty"`
	NextSplitIndex int       `json:"nextSplitIndex"`

	Pending  []split.SnapshotSplit              `json:"pending,omitempty"`
	Finished []split.FinishedSnapshotSplitInfo  `json:"finished,omitempty"`

	BinlogSplit         *split.BinlogSplit `json:"binlogSplit,omitempty"`
	BinlogSplitAssigned bool               `json:"binlogSplitAssigned"`

	StartOffset offset.Offset `json:"startOffset"`
	StopOffset  offset.Offset `json:"stopOffset"`
}

func (s State) Marshal() ([]byte, error) {
	out, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal assigner state: %w", err)
	}
	return out, nil
}

func UnmarshalState(data []byte) (State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("failed to unmarshal assigner state: %w", err)
	}
	return state, nil
}
