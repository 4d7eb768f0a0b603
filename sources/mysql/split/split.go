package split

import (
	"fmt"
	"strings"

	"github.com/artie-labs/capture/sources/mysql/offset"
)

// BinlogSplitID is the id of the single binlog split of a job.
const BinlogSplitID = "binlog-split"

// TableID identifies a table within a MySQL server.
type TableID struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

func NewTableID(schema, table string) TableID {
	return TableID{Schema: schema, Table: table}
}

func (t TableID) String() string {
	return fmt.Sprintf("%s.%s", t.Schema, t.Table)
}

func ParseTableID(s string) (TableID, error) {
	tokens := strings.SplitN(s, ".", 2)
	if len(tokens) != 2 || tokens[0] == "" || tokens[1] == "" {
		return TableID{}, fmt.Errorf("cannot parse table id from %q, expected schema.table", s)
	}
	return TableID{Schema: tokens[0], Table: tokens[1]}, nil
}

// ColumnDef is a column name and its raw MySQL type, e.g. "bigint unsigned".
type ColumnDef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableSchema is the captured shape of a table at split-planning time.
// Splits carry it so row decoding stays stable even if the live table
// changes afterwards.
type TableSchema struct {
	Columns         []ColumnDef `json:"columns"`
	PrimaryKeys     []string    `json:"primaryKeys"`
	ChunkKeyColumns []string    `json:"chunkKeyColumns"`
}

func (t TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

func (t TableSchema) ColumnIndex(name string) int {
	for i, col := range t.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// SnapshotSplit is one key-range partition of a table. Immutable once
// created.
type SnapshotSplit struct {
	ID     string      `json:"id"`
	Table  TableID     `json:"table"`
	Start  Key         `json:"start,omitempty"`
	End    Key         `json:"end,omitempty"`
	Schema TableSchema `json:"schema"`
}

func (s SnapshotSplit) String() string {
	return fmt.Sprintf("SnapshotSplit{id=%s, table=%s, range=[%v, %v)}", s.ID, s.Table, s.Start, s.End)
}

// Contains reports whether the split's half-open range contains key.
func (s SnapshotSplit) Contains(key Key) (bool, error) {
	return RangeContains(key, s.Start, s.End)
}

// FinishedSnapshotSplitInfo is recorded when a snapshot split completes. The
// binlog reader consults these to deduplicate events across the
// snapshot/binlog boundary.
type FinishedSnapshotSplitInfo struct {
	SplitID       string        `json:"splitId"`
	Table         TableID       `json:"table"`
	Start         Key           `json:"start,omitempty"`
	End           Key           `json:"end,omitempty"`
	HighWatermark offset.Offset `json:"highWatermark"`
}

// BinlogSplit is created exactly once per job when the snapshot phase
// drains. An empty FinishedSplits list means pure binlog mode: stream from
// StartOffset with no filtering.
type BinlogSplit struct {
	ID             string                      `json:"id"`
	StartOffset    offset.Offset               `json:"startOffset"`
	StopOffset     offset.Offset               `json:"stopOffset"`
	FinishedSplits []FinishedSnapshotSplitInfo `json:"finishedSplits,omitempty"`
	// TableSchemas is keyed by TableID.String().
	TableSchemas map[string]TableSchema `json:"tableSchemas"`
}

func (b BinlogSplit) String() string {
	return fmt.Sprintf("BinlogSplit{id=%s, start=%s, stop=%s, finishedSplits=%d}",
		b.ID, b.StartOffset, b.StopOffset, len(b.FinishedSplits))
}

// EffectiveStartOffset is where the global binlog reader actually begins:
// the minimum high watermark across finished snapshot splits, or the
// declared start offset when the split carries none. A declared offset past
// the minimum watermark (a committed resume position) wins, so the reader
// never starts before any split's high watermark and never rewinds past a
// checkpoint.
func (b BinlogSplit) EffectiveStartOffset() (offset.Offset, error) {
	if len(b.FinishedSplits) == 0 {
		return b.StartOffset, nil
	}

	start := b.FinishedSplits[0].HighWatermark
	for _, info := range b.FinishedSplits[1:] {
		lower, err := offset.Min(start, info.HighWatermark)
		if err != nil {
			return offset.Offset{}, fmt.Errorf("failed to order high watermarks: %w", err)
		}
		start = lower
	}

	if b.StartOffset.IsEarliest() {
		return start, nil
	}
	return offset.Max(b.StartOffset, start)
}
