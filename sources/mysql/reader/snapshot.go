package reader

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/artie-labs/transfer/lib/retry"
	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/artie-labs/capture/lib"
	"github.com/artie-labs/capture/sources/mysql/offset"
	"github.com/artie-labs/capture/sources/mysql/split"
)

const (
	snapshotJitterBaseMs = 300
	snapshotJitterMaxMs  = 5000
)

type snapshotResult struct {
	info    split.FinishedSnapshotSplitInfo
	records []lib.Record
}

// SnapshotReader executes the watermark protocol for one snapshot split:
// read the low watermark, scan the key range, read the high watermark,
// replay the binlog slice [low, high) bounded to the split, then normalize.
//
// The work runs on a goroutine owned by Start; Poll surfaces the normalized
// batch (or the failure) exactly once.
type SnapshotReader struct {
	db        *sql.DB
	syncerCfg replication.BinlogSyncerConfig
	split     split.SnapshotSplit
	meta      lib.SourceMeta
	retryCfg  retry.RetryConfig

	running atomic.Bool
	results chan snapshotResult
	errs    chan error
}

func NewSnapshotReader(db *sql.DB, syncerCfg replication.BinlogSyncerConfig, s split.SnapshotSplit, meta lib.SourceMeta, errorRetries int) (*SnapshotReader, error) {
	retryCfg, err := retry.NewJitterRetryConfig(snapshotJitterBaseMs, snapshotJitterMaxMs, errorRetries, retry.AlwaysRetry)
	if err != nil {
		return nil, fmt.Errorf("failed to build retry config: %w", err)
	}

	return &SnapshotReader{
		db:        db,
		syncerCfg: syncerCfg,
		split:     s,
		meta:      meta,
		retryCfg:  retryCfg,
		results:   make(chan snapshotResult, 1),
		errs:      make(chan error, 1),
	}, nil
}

// Start launches the split's read task. The returned reader must be polled
// until it reports finished or an error.
func (r *SnapshotReader) Start(ctx context.Context) {
	r.running.Store(true)
	go func() {
		defer r.running.Store(false)

		result, err := r.execute(ctx)
		if err != nil {
			r.errs <- &SplitFailedError{SplitID: r.split.ID, Err: err}
			return
		}
		r.results <- result
	}()
}

// Poll returns the split's normalized batch once it is ready. A nil result
// with done == false means not ready yet; done == true means the batch (or
// the terminal error) has been delivered.
func (r *SnapshotReader) Poll() (*split.FinishedSnapshotSplitInfo, []lib.Record, bool, error) {
	select {
	case err := <-r.errs:
		return nil, nil, true, err
	case result := <-r.results:
		return &result.info, result.records, true, nil
	default:
		return nil, nil, false, nil
	}
}

// PollBlocking waits for the split to finish or the context to end.
func (r *SnapshotReader) PollBlocking(ctx context.Context) (*split.FinishedSnapshotSplitInfo, []lib.Record, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case err := <-r.errs:
		return nil, nil, err
	case result := <-r.results:
		return &result.info, result.records, nil
	}
}

func (r *SnapshotReader) execute(ctx context.Context) (snapshotResult, error) {
	start := time.Now()

	low, err := retry.WithRetriesAndResult(r.retryCfg, func(_ int, _ error) (offset.Offset, error) {
		return offset.Current(r.db)
	})
	if err != nil {
		return snapshotResult{}, fmt.Errorf("failed to read low watermark: %w", err)
	}

	events := []SplitEvent{lowWatermarkEvent(low)}

	snapshotRows, err := retry.WithRetriesAndResult(r.retryCfg, func(_ int, _ error) ([]SplitEvent, error) {
		return scanSplit(r.db, r.split, r.meta)
	})
	if err != nil {
		return snapshotResult{}, fmt.Errorf("failed to scan key range: %w", err)
	}
	events = append(events, snapshotRows...)

	high, err := retry.WithRetriesAndResult(r.retryCfg, func(_ int, _ error) (offset.Offset, error) {
		return offset.Current(r.db)
	})
	if err != nil {
		return snapshotResult{}, fmt.Errorf("failed to read high watermark: %w", err)
	}
	events = append(events, highWatermarkEvent(high))

	if !low.Equal(high) {
		// Changes landed while we were scanning; replay [low, high) bounded
		// to this split so the batch is consistent at the high watermark.
		// A replay that fails midway restarts from the low watermark.
		replayEvents, err := retry.WithRetriesAndResult(r.retryCfg, func(_ int, _ error) ([]SplitEvent, error) {
			return r.replay(ctx, low, high)
		})
		if err != nil {
			return snapshotResult{}, fmt.Errorf("failed to replay binlog slice: %w", err)
		}
		events = append(events, replayEvents...)
	} else {
		slog.Info("Low watermark equals high watermark, skipping binlog replay",
			slog.String("split", r.split.ID))
	}
	events = append(events, binlogEndEvent(high))

	records, err := Normalize(r.split, events)
	if err != nil {
		return snapshotResult{}, fmt.Errorf("failed to normalize split stream: %w", err)
	}

	slog.Info("Finished snapshot split",
		slog.String("split", r.split.ID),
		slog.Int("rows", len(records)),
		slog.String("highWatermark", high.String()),
		slog.Duration("duration", time.Since(start)),
	)

	return snapshotResult{
		info: split.FinishedSnapshotSplitInfo{
			SplitID:       r.split.ID,
			Table:         r.split.Table,
			Start:         r.split.Start,
			End:           r.split.End,
			HighWatermark: high,
		},
		records: records,
	}, nil
}

// replay streams the binlog slice [low, high), keeping only row events for
// the split's table. Range filtering happens in the normalizer.
func (r *SnapshotReader) replay(ctx context.Context, low, high offset.Offset) ([]SplitEvent, error) {
	syncer := replication.NewBinlogSyncer(r.syncerCfg)
	defer syncer.Close()

	streamer, err := syncer.StartSync(low.ToMySQLPosition())
	if err != nil {
		return nil, fmt.Errorf("failed to start bounded sync at %s: %w", low, err)
	}

	// The slice boundary lives within one session, so (file, pos) is
	// authoritative; the watermarks' GTID sets would go stale as the cursor
	// advances and must not participate in the comparison.
	boundary := high
	boundary.GTIDSet = ""
	cursor := low
	cursor.GTIDSet = ""
	var out []SplitEvent
	for {
		event, err := streamer.GetEvent(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get binlog event: %w", err)
		}

		cursor = advanceCursor(cursor, event)
		reachedHigh, err := boundary.AtOrBefore(cursor)
		if err != nil {
			return nil, err
		}
		// Events ending at or below the high watermark belong to the slice;
		// the one ending exactly at H is the last of them.
		inSlice, err := cursor.AtOrBefore(boundary)
		if err != nil {
			return nil, err
		}

		if isRowsEvent(event.Header.EventType) {
			rowsEvent := event.Event.(*replication.RowsEvent)
			if matchesTable(rowsEvent, r.split.Table) && inSlice {
				meta := r.meta
				meta.File = cursor.File
				meta.Pos = cursor.Pos
				meta.TsMs = time.Unix(int64(event.Header.Timestamp), 0).UnixMilli()

				records, err := rowsEventToRecords(event, r.split.Table, r.split.Schema, meta)
				if err != nil {
					return nil, err
				}
				for _, record := range records {
					key, err := chunkKeyOf(record, r.split.Schema)
					if err != nil {
						return nil, err
					}
					out = append(out, SplitEvent{
						Kind:   KindReplayRow,
						Record: record,
						Key:    key,
						Offset: cursor,
					})
				}
			}
		}

		if reachedHigh {
			return out, nil
		}
	}
}

func matchesTable(rowsEvent *replication.RowsEvent, tableID split.TableID) bool {
	return string(rowsEvent.Table.Schema) == tableID.Schema && string(rowsEvent.Table.Table) == tableID.Table
}

// advanceCursor tracks the read position across events. Rotate events move
// to the next file; everything else advances the position within the file.
func advanceCursor(cursor offset.Offset, event *replication.BinlogEvent) offset.Offset {
	if event.Header.EventType == replication.ROTATE_EVENT {
		if rotate, isOk := event.Event.(*replication.RotateEvent); isOk {
			cursor.File = string(rotate.NextLogName)
			cursor.Pos = uint32(rotate.Position)
			return cursor
		}
	}

	if event.Header.LogPos > 0 {
		cursor.Pos = event.Header.LogPos
	}
	return cursor
}
