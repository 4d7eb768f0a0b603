package reader

import (
	"errors"
	"fmt"

	"github.com/artie-labs/capture/lib"
	"github.com/artie-labs/capture/sources/mysql/offset"
	"github.com/artie-labs/capture/sources/mysql/split"
)

// ErrBinlogPositionLost means the requested offset has been pruned by the
// server. There is no way to recover the missing events; the job must be
// re-snapshotted.
var ErrBinlogPositionLost = errors.New("binlog position no longer available on the server")

// SplitFailedError wraps the terminal failure of one snapshot split so the
// assigner can decide whether to retry it from scratch.
type SplitFailedError struct {
	SplitID string
	Err     error
}

func (e *SplitFailedError) Error() string {
	return fmt.Sprintf("split %s failed: %v", e.SplitID, e.Err)
}

func (e *SplitFailedError) Unwrap() error {
	return e.Err
}

type EventKind uint8

const (
	KindLowWatermark EventKind = iota
	KindSnapshotRow
	KindHighWatermark
	KindReplayRow
	KindBinlogEnd
)

// SplitEvent is one element of a snapshot split's raw stream:
//
//	[LOW(L)] [snapshot rows...] [HIGH(H)] [replay rows...] [BINLOG_END(H)]
//
// The normalizer folds this into the split's contents as of H.
type SplitEvent struct {
	Kind EventKind
	// Watermark is set for LOW / HIGH / BINLOG_END.
	Watermark offset.Offset
	// Record, Key and Offset are set for row events. Snapshot rows carry no
	// offset of their own; they are implicitly at the low watermark.
	Record lib.Record
	Key    split.Key
	Offset offset.Offset
}

func lowWatermarkEvent(o offset.Offset) SplitEvent {
	return SplitEvent{Kind: KindLowWatermark, Watermark: o}
}

func highWatermarkEvent(o offset.Offset) SplitEvent {
	return SplitEvent{Kind: KindHighWatermark, Watermark: o}
}

func binlogEndEvent(o offset.Offset) SplitEvent {
	return SplitEvent{Kind: KindBinlogEnd, Watermark: o}
}
