package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"golang.org/x/sync/errgroup"

	"github.com/artie-labs/capture/config"
	"github.com/artie-labs/capture/constants"
	"github.com/artie-labs/capture/lib"
	"github.com/artie-labs/capture/lib/iterator"
	"github.com/artie-labs/capture/lib/mtr"
	"github.com/artie-labs/capture/lib/storage/persistedmap"
	"github.com/artie-labs/capture/sources/mysql/assigner"
	"github.com/artie-labs/capture/sources/mysql/offset"
	"github.com/artie-labs/capture/sources/mysql/reader"
	"github.com/artie-labs/capture/sources/mysql/split"
	"github.com/artie-labs/capture/writers"
)

const (
	checkpointKeyState    = "assignerState"
	checkpointKeyPosition = "binlogPosition"

	idleWait = 500 * time.Millisecond
)

type Source struct {
	cfg         config.MySQL
	db          *sql.DB
	jobID       string
	checkpoints *persistedmap.PersistedMap[string]
	statsD      mtr.Client
}

func (s *Source) Close() error {
	return s.db.Close()
}

// Run drives the whole job: restore or build the assigner, fan out workers,
// snapshot splits first, then the single binlog split until cancellation or
// the stop offset.
func (s *Source) Run(ctx context.Context, writer writers.Writer) error {
	asgn, startTsMs, err := s.buildAssigner(ctx)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for workerID := 0; workerID < s.cfg.GetParallelism(); workerID++ {
		workerID := workerID
		group.Go(func() error {
			return s.runWorker(groupCtx, workerID, asgn, writer, startTsMs)
		})
	}

	if err = group.Wait(); err != nil {
		return err
	}

	return s.checkpoint(asgn)
}

// buildAssigner restores from the checkpoint file when one exists;
// otherwise it opens a fresh assigner per the configured startup mode.
func (s *Source) buildAssigner(ctx context.Context) (*assigner.Assigner, int64, error) {
	startOffset, startTsMs, err := s.resolveStartOffset()
	if err != nil {
		return nil, 0, err
	}

	incremental := s.cfg.GetIncrementalSnapshot() && s.cfg.GetStartupMode() == config.StartupModeInitial

	asgnCfg := assigner.Config{
		DatabaseFilter:      s.cfg.DatabaseFilter,
		TableFilter:         s.cfg.TableFilter,
		ChunkKeyOverrides:   s.chunkKeyOverrides(),
		ChunkSize:           s.cfg.GetChunkSize(),
		ErrorRetries:        constants.DefaultErrorRetries,
		IncrementalSnapshot: incremental,
		StartOffset:         startOffset,
		JobID:               s.jobID,
	}

	serialized, hasCheckpoint := s.checkpoints.Get(checkpointKeyState)
	if !hasCheckpoint {
		asgn := assigner.New(s.db, asgnCfg)
		if err = asgn.Open(ctx); err != nil {
			return nil, 0, err
		}
		return asgn, startTsMs, nil
	}

	state, err := assigner.UnmarshalState([]byte(serialized))
	if err != nil {
		return nil, 0, err
	}
	if state.JobID != "" {
		s.jobID = state.JobID
		asgnCfg.JobID = state.JobID
	}

	// A committed binlog position moves the restored binlog split forward;
	// the finished-split filter set stays exactly as planned.
	if committed, hasPosition := s.checkpoints.Get(checkpointKeyPosition); hasPosition && state.BinlogSplit != nil {
		var position offset.Offset
		if err = json.Unmarshal([]byte(committed), &position); err != nil {
			return nil, 0, fmt.Errorf("failed to parse committed binlog position: %w", err)
		}
		state.BinlogSplit.StartOffset = position
	}

	asgn, err := assigner.Restore(ctx, s.db, asgnCfg, state)
	if err != nil {
		return nil, 0, err
	}
	return asgn, startTsMs, nil
}

func (s *Source) runWorker(ctx context.Context, workerID int, asgn *assigner.Assigner, writer writers.Writer, startTsMs int64) error {
	name := fmt.Sprintf("worker-%d", workerID)
	serverID := s.cfg.ServerIDBase + uint32(workerID)

	for {
		select {
		case <-ctx.Done():
			asgn.OnWorkerFailure(name)
			return ctx.Err()
		default:
		}

		assignment, err := asgn.NextSplit(name)
		if err != nil {
			return err
		}

		if assignment == nil {
			switch asgn.Phase() {
			case assigner.PhaseTerminal, assigner.PhaseBinlogAssigned:
				// Nothing left for this worker: the job ended, or another
				// worker owns the binlog split.
				return nil
			default:
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(idleWait):
				}
				continue
			}
		}

		if assignment.Snapshot != nil {
			if err = s.runSnapshotSplit(ctx, *assignment.Snapshot, serverID, name, asgn, writer); err != nil {
				return err
			}
			continue
		}
		return s.runBinlogSplit(ctx, *assignment.Binlog, serverID, asgn, writer, startTsMs)
	}
}

func (s *Source) runSnapshotSplit(ctx context.Context, snapshotSplit split.SnapshotSplit, serverID uint32, workerName string, asgn *assigner.Assigner, writer writers.Writer) error {
	slog.Info("Executing snapshot split",
		slog.String("split", snapshotSplit.ID),
		slog.String("worker", workerName),
	)
	start := time.Now()

	splitReader, err := reader.NewSnapshotReader(s.db, s.syncerConfig(serverID), snapshotSplit, s.sourceMeta(serverID), constants.DefaultErrorRetries)
	if err != nil {
		return err
	}

	splitReader.Start(ctx)
	info, records, err := splitReader.PollBlocking(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Cancelled mid-split: the partial emission is discarded and the
			// split becomes pending again.
			asgn.OnWorkerFailure(workerName)
			return err
		}
		// Terminal split failure: the assigner decides retry vs escalate.
		return asgn.OnSplitFailed(snapshotSplit.ID, err)
	}

	schemas := map[string]split.TableSchema{snapshotSplit.Table.String(): snapshotSplit.Schema}
	msgs, err := rawMessages(records, schemas)
	if err != nil {
		return err
	}

	if _, err = writer.Write(ctx, iterator.Once(msgs)); err != nil {
		return fmt.Errorf("failed to write snapshot batch for %s: %w", snapshotSplit.ID, err)
	}

	if err = asgn.OnSplitFinished(snapshotSplit.ID, *info); err != nil {
		return err
	}

	s.statsD.Count("snapshot.rows", int64(len(records)), map[string]string{"table": snapshotSplit.Table.String()})
	s.statsD.Timing("snapshot.split.duration", time.Since(start), map[string]string{"table": snapshotSplit.Table.String()})

	return s.checkpoint(asgn)
}

func (s *Source) runBinlogSplit(ctx context.Context, binlogSplit split.BinlogSplit, serverID uint32, asgn *assigner.Assigner, writer writers.Writer, startTsMs int64) error {
	binlogReader, err := reader.NewBinlogReader(s.syncerConfig(serverID), binlogSplit, s.sourceMeta(serverID), startTsMs)
	if err != nil {
		return err
	}

	if err = binlogReader.Start(ctx); err != nil {
		return err
	}

	iter := &binlogIterator{
		ctx:    ctx,
		reader: binlogReader,
		source: s,
		asgn:   asgn,
		split:  binlogSplit,
	}

	if _, err = writer.Write(ctx, iter); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("binlog stream failed: %w", err)
	}

	// The stop offset was reached.
	asgn.MarkTerminal()
	return s.checkpoint(asgn)
}

// binlogIterator adapts the binlog reader to the writer contract. Offsets
// commit only after the destination accepted the batch.
type binlogIterator struct {
	ctx    context.Context
	reader *reader.BinlogReader
	source *Source
	asgn   *assigner.Assigner
	split  split.BinlogSplit
}

func (b *binlogIterator) HasNext() bool {
	return !b.reader.Finished()
}

func (b *binlogIterator) Next() ([]lib.RawMessage, error) {
	records, err := b.reader.PollBlocking(b.ctx)
	if err != nil {
		return nil, err
	}
	return rawMessages(records, b.split.TableSchemas)
}

func (b *binlogIterator) CommitOffset() error {
	return b.source.commitPosition(b.reader.Position(), b.asgn)
}

func (s *Source) checkpoint(asgn *assigner.Assigner) error {
	stateBytes, err := asgn.Snapshot().Marshal()
	if err != nil {
		return err
	}
	return s.checkpoints.Set(checkpointKeyState, string(stateBytes))
}

func (s *Source) commitPosition(position offset.Offset, asgn *assigner.Assigner) error {
	positionBytes, err := json.Marshal(position)
	if err != nil {
		return fmt.Errorf("failed to marshal binlog position: %w", err)
	}
	if err = s.checkpoints.Set(checkpointKeyPosition, string(positionBytes)); err != nil {
		return err
	}
	return s.checkpoint(asgn)
}

func (s *Source) resolveStartOffset() (offset.Offset, int64, error) {
	switch s.cfg.GetStartupMode() {
	case config.StartupModeInitial, config.StartupModeEarliestOffset:
		return offset.Earliest, 0, nil
	case config.StartupModeLatestOffset:
		current, err := offset.Current(s.db)
		if err != nil {
			return offset.Offset{}, 0, err
		}
		return current, 0, nil
	case config.StartupModeSpecificOffset:
		parsed, err := offset.Parse(s.cfg.SpecificOffset)
		if err != nil {
			return offset.Offset{}, 0, err
		}
		return parsed, 0, nil
	case config.StartupModeTimestamp:
		// Stream from the earliest retained offset, dropping data events
		// older than the requested timestamp.
		return offset.Earliest, s.cfg.SpecificTimestampMs, nil
	default:
		return offset.Offset{}, 0, fmt.Errorf("unknown startup mode %q", s.cfg.StartupMode)
	}
}

func (s *Source) syncerConfig(serverID uint32) replication.BinlogSyncerConfig {
	return replication.BinlogSyncerConfig{
		ServerID: serverID,
		Flavor:   "mysql",
		Host:     s.cfg.Host,
		Port:     uint16(s.cfg.Port),
		User:     s.cfg.Username,
		Password: s.cfg.Password,
	}
}

func (s *Source) sourceMeta(serverID uint32) lib.SourceMeta {
	return lib.SourceMeta{JobID: s.jobID, ServerID: serverID}
}

func (s *Source) chunkKeyOverrides() map[string][]string {
	if len(s.cfg.Tables) == 0 {
		return nil
	}

	out := make(map[string][]string)
	for _, table := range s.cfg.Tables {
		if columns := table.GetChunkKeyColumns(); len(columns) > 0 {
			out[table.Name] = columns
		}
	}
	return out
}

// rawMessages shapes records for the destination: the topic comes from the
// table, the partition key from the primary key columns so everything for
// one row lands in one partition.
func rawMessages(records []lib.Record, schemas map[string]split.TableSchema) ([]lib.RawMessage, error) {
	out := make([]lib.RawMessage, 0, len(records))
	for _, record := range records {
		if record.Op == lib.OpSchemaChange {
			out = append(out, lib.NewRawMessage(record.Table, nil, record))
			continue
		}

		tableSchema, isOk := schemas[record.Table]
		if !isOk {
			return nil, fmt.Errorf("no schema snapshot for table %s", record.Table)
		}

		image := record.After
		if image == nil {
			image = record.Before
		}

		partitionKey := make(map[string]any, len(tableSchema.PrimaryKeys))
		for _, column := range tableSchema.PrimaryKeys {
			partitionKey[column] = image[column]
		}
		out = append(out, lib.NewRawMessage(record.Table, partitionKey, record))
	}
	return out, nil
}
