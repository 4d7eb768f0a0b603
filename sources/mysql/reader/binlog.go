package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artie-labs/transfer/lib/typing"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/artie-labs/capture/lib"
	"github.com/artie-labs/capture/sources/mysql/offset"
	"github.com/artie-labs/capture/sources/mysql/split"
)

const (
	binlogQueueSize    = 64
	reconnectBackoff   = 3 * time.Second
	maxReconnectJitter = 2 * time.Second
)

// binlogBatch pairs records with the offset they were read at, so the
// consumer commits exactly what it has handed downstream.
type binlogBatch struct {
	records  []lib.Record
	position offset.Offset
}

// BinlogReader streams the global binlog from the split's effective start
// offset, filtering data events against the finished snapshot splits so
// nothing is emitted twice and nothing is skipped. Schema-change events are
// forwarded unconditionally.
type BinlogReader struct {
	binlogSplit split.BinlogSplit
	syncerCfg   replication.BinlogSyncerConfig
	filter      *eventFilter
	meta        lib.SourceMeta
	// startTsMs drops earlier data events for the timestamp startup mode.
	startTsMs int64

	running atomic.Bool
	queue   chan binlogBatch
	errs    chan error

	mu sync.Mutex
	// position is the offset of the last batch delivered through Poll.
	position offset.Offset
}

func NewBinlogReader(syncerCfg replication.BinlogSyncerConfig, binlogSplit split.BinlogSplit, meta lib.SourceMeta, startTsMs int64) (*BinlogReader, error) {
	filter, err := newEventFilter(binlogSplit)
	if err != nil {
		return nil, err
	}

	return &BinlogReader{
		binlogSplit: binlogSplit,
		syncerCfg:   syncerCfg,
		filter:      filter,
		meta:        meta,
		startTsMs:   startTsMs,
		queue:       make(chan binlogBatch, binlogQueueSize),
		errs:        make(chan error, 1),
	}, nil
}

// Start begins streaming on a goroutine owned by the reader. Transient
// disconnects reconnect from the producer's last cursor; a pruned start
// position surfaces ErrBinlogPositionLost through Poll.
func (r *BinlogReader) Start(ctx context.Context) error {
	start, err := r.binlogSplit.EffectiveStartOffset()
	if err != nil {
		return fmt.Errorf("failed to resolve binlog start offset: %w", err)
	}

	r.setPosition(start)
	r.running.Store(true)
	slog.Info("Starting binlog reader",
		slog.String("startOffset", start.String()),
		slog.String("stopOffset", r.binlogSplit.StopOffset.String()),
		slog.Int("finishedSplits", len(r.binlogSplit.FinishedSplits)),
	)

	go r.run(ctx, start)
	return nil
}

// Poll drains the reader's failure slot, then returns whatever batch is
// ready. A nil batch means nothing is buffered right now.
func (r *BinlogReader) Poll() ([]lib.Record, error) {
	select {
	case err := <-r.errs:
		return nil, err
	default:
	}

	select {
	case batch := <-r.queue:
		r.setPosition(batch.position)
		return batch.records, nil
	default:
		return nil, nil
	}
}

// PollBlocking waits for the next batch, a terminal error, or the context.
func (r *BinlogReader) PollBlocking(ctx context.Context) ([]lib.Record, error) {
	select {
	case err := <-r.errs:
		return nil, err
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-r.errs:
		return nil, err
	case batch := <-r.queue:
		r.setPosition(batch.position)
		return batch.records, nil
	}
}

func (r *BinlogReader) Finished() bool {
	return !r.running.Load() && len(r.queue) == 0
}

// Position is the offset of the last batch handed out by Poll; safe to
// commit once the downstream write succeeded. Batches still buffered are
// all past it.
func (r *BinlogReader) Position() offset.Offset {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

func (r *BinlogReader) setPosition(o offset.Offset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.position = o
}

func (r *BinlogReader) run(ctx context.Context, start offset.Offset) {
	defer r.running.Store(false)

	cursor := start
	for {
		last, err := r.stream(ctx, cursor)
		cursor = last
		switch {
		case err == nil:
			// Reached the stop offset.
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, ErrBinlogPositionLost):
			r.errs <- err
			return
		default:
			sleep := reconnectBackoff + time.Duration(time.Now().UnixNano()%int64(maxReconnectJitter))
			slog.Warn("Binlog stream interrupted, reconnecting",
				slog.Any("err", err),
				slog.String("position", cursor.String()),
				slog.Duration("sleep", sleep),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
		}
	}
}

// stream runs one syncer session from the given cursor, returning the
// cursor it got to. A nil error means the stop offset was reached.
func (r *BinlogReader) stream(ctx context.Context, cursor offset.Offset) (offset.Offset, error) {
	syncer := replication.NewBinlogSyncer(r.syncerCfg)
	defer syncer.Close()

	streamer, err := syncer.StartSync(cursor.ToMySQLPosition())
	if err != nil {
		return cursor, classifySyncError(fmt.Errorf("failed to start sync at %s: %w", cursor, err))
	}

	for {
		event, err := streamer.GetEvent(ctx)
		if err != nil {
			return cursor, classifySyncError(fmt.Errorf("failed to get binlog event: %w", err))
		}

		cursor = advanceCursor(cursor, event)
		gtid, err := gtidOf(cursor.GTIDSet, event)
		if err != nil {
			return cursor, err
		}
		cursor.GTIDSet = gtid

		records, err := r.recordsFor(event, cursor)
		if err != nil {
			return cursor, err
		}

		if len(records) > 0 {
			select {
			case <-ctx.Done():
				return cursor, ctx.Err()
			case r.queue <- binlogBatch{records: records, position: cursor}:
			}
		}

		if !r.binlogSplit.StopOffset.IsNoStopping() {
			reachedStop, err := r.binlogSplit.StopOffset.AtOrBefore(cursor)
			if err != nil {
				return cursor, err
			}
			if reachedStop {
				slog.Info("Binlog reader reached the stop offset",
					slog.String("stopOffset", r.binlogSplit.StopOffset.String()))
				return cursor, nil
			}
		}
	}
}

// recordsFor converts one binlog event into the records that survive
// filtering. Schema changes pass through unconditionally; data events go
// through the dedup filter.
func (r *BinlogReader) recordsFor(event *replication.BinlogEvent, cursor offset.Offset) ([]lib.Record, error) {
	meta := r.meta
	meta.File = cursor.File
	meta.Pos = cursor.Pos
	meta.GTIDSet = cursor.GTIDSet
	meta.TsMs = time.Unix(int64(event.Header.Timestamp), 0).UnixMilli()

	switch {
	case event.Header.EventType == replication.QUERY_EVENT:
		queryEvent, err := typing.AssertType[*replication.QueryEvent](event.Event)
		if err != nil {
			return nil, err
		}

		query := string(queryEvent.Query)
		if query == "BEGIN" || query == "COMMIT" {
			return nil, nil
		}

		// Downstream needs schema updates regardless of snapshot state.
		record := lib.NewRecord(lib.OpSchemaChange, string(queryEvent.Schema), nil, nil, meta)
		record.DDL = query
		return []lib.Record{record}, nil
	case isRowsEvent(event.Header.EventType):
		rowsEvent, err := typing.AssertType[*replication.RowsEvent](event.Event)
		if err != nil {
			return nil, err
		}

		tableID := split.NewTableID(string(rowsEvent.Table.Schema), string(rowsEvent.Table.Table))
		tableSchema, captured := r.binlogSplit.TableSchemas[tableID.String()]
		if !captured {
			return nil, nil
		}

		if r.startTsMs > 0 && meta.TsMs < r.startTsMs {
			return nil, nil
		}

		records, err := rowsEventToRecords(event, tableID, tableSchema, meta)
		if err != nil {
			return nil, err
		}

		out := make([]lib.Record, 0, len(records))
		for _, record := range records {
			key, err := chunkKeyOf(record, tableSchema)
			if err != nil {
				return nil, err
			}

			emit, err := r.filter.shouldEmit(tableID.String(), key, cursor)
			if err != nil {
				return nil, err
			}
			if emit {
				out = append(out, record)
			}
		}
		return out, nil
	default:
		return nil, nil
	}
}

// gtidOf folds GTID events into the running executed set.
func gtidOf(current string, event *replication.BinlogEvent) (string, error) {
	if event.Header.EventType != replication.GTID_EVENT {
		return current, nil
	}

	gtidEvent, err := typing.AssertType[*replication.GTIDEvent](event.Event)
	if err != nil {
		return "", err
	}

	next, err := gtidEvent.GTIDNext()
	if err != nil {
		return "", fmt.Errorf("failed to retrieve next GTID set: %w", err)
	}

	if current == "" {
		return next.String(), nil
	}

	set, err := mysql.ParseGTIDSet(mysql.MySQLFlavor, current)
	if err != nil {
		return "", fmt.Errorf("failed to parse GTID set: %w", err)
	}
	if err = set.Update(next.String()); err != nil {
		return "", fmt.Errorf("failed to update GTID set: %w", err)
	}
	return set.String(), nil
}

// classifySyncError maps the server's "could not find first log file"
// class of failures (the requested offset was purged) onto
// ErrBinlogPositionLost.
func classifySyncError(err error) error {
	var myErr *mysql.MyError
	if errors.As(err, &myErr) && myErr.Code == mysql.ER_MASTER_FATAL_ERROR_READING_BINLOG {
		return fmt.Errorf("%w: %v", ErrBinlogPositionLost, err)
	}
	return err
}
