package reader

import (
	"fmt"
	"log/slog"

	"github.com/artie-labs/capture/sources/mysql/offset"
	"github.com/artie-labs/capture/sources/mysql/split"
)

// eventFilter decides whether a binlog event should be emitted, given the
// finished snapshot splits. This is the deduplication rule across the
// snapshot/binlog boundary: an event already represented in some split's
// normalized batch (offset at or below that split's high watermark) is
// dropped; everything later is emitted.
type eventFilter struct {
	// finished splits grouped by TableID.String()
	splitsByTable map[string][]split.FinishedSnapshotSplitInfo
	// frontiers holds the max high watermark per table: past it no
	// per-split range search is needed.
	frontiers map[string]offset.Offset
}

func newEventFilter(binlogSplit split.BinlogSplit) (*eventFilter, error) {
	filter := &eventFilter{
		splitsByTable: make(map[string][]split.FinishedSnapshotSplitInfo),
		frontiers:     make(map[string]offset.Offset),
	}

	for _, info := range binlogSplit.FinishedSplits {
		table := info.Table.String()
		filter.splitsByTable[table] = append(filter.splitsByTable[table], info)

		frontier, seen := filter.frontiers[table]
		if !seen {
			filter.frontiers[table] = info.HighWatermark
			continue
		}

		// The frontier is the MAX high watermark across the table's splits.
		higher, err := offset.Max(frontier, info.HighWatermark)
		if err != nil {
			return nil, fmt.Errorf("failed to order high watermarks for %s: %w", table, err)
		}
		filter.frontiers[table] = higher
	}
	return filter, nil
}

// pureBinlog reports whether the split carried no snapshot history, meaning
// every data event streams through unfiltered.
func (f *eventFilter) pureBinlog() bool {
	return len(f.splitsByTable) == 0
}

// shouldEmit applies the dedup rule to one data-change event. Non-data
// events (schema changes, heartbeats) never reach this; they are always
// forwarded.
func (f *eventFilter) shouldEmit(table string, key split.Key, o offset.Offset) (bool, error) {
	if f.pureBinlog() {
		return true, nil
	}

	frontier, seen := f.frontiers[table]
	if seen {
		// Fast path: past the table's frontier every event is after every
		// snapshot split of the table.
		afterFrontier, err := frontier.Before(o)
		if err != nil {
			return false, err
		}
		if afterFrontier {
			return true, nil
		}
	}

	for _, info := range f.splitsByTable[table] {
		contains, err := split.RangeContains(key, info.Start, info.End)
		if err != nil {
			return false, err
		}
		if !contains {
			continue
		}

		// The unique split covering this key: emit only past its high
		// watermark; at or below it the snapshot batch already has it.
		covered, err := o.AtOrBefore(info.HighWatermark)
		if err != nil {
			return false, err
		}
		return !covered, nil
	}

	// The key is outside the planned keyspace partition.
	slog.Warn("UnmappedKey: binlog event key is outside every finished split, dropping",
		slog.String("table", table),
		slog.Any("key", key),
		slog.String("offset", o.String()),
	)
	return false, nil
}
