package assigner

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/artie-labs/capture/sources/mysql/chunk"
	"github.com/artie-labs/capture/sources/mysql/offset"
	"github.com/artie-labs/capture/sources/mysql/split"
)

const defaultMaxSplitRetries = 3

type Config struct {
	DatabaseFilter string
	TableFilter    string
	// ChunkKeyOverrides maps "schema.table" to an explicit chunk key.
	ChunkKeyOverrides map[string][]string

	ChunkSize    uint
	ErrorRetries int
	// MaxSplitRetries bounds how often one failed split is handed out again
	// before the failure escalates.
	MaxSplitRetries int

	// IncrementalSnapshot false skips straight to the binlog phase.
	IncrementalSnapshot bool
	// StartOffset seeds the binlog split when there is no snapshot history.
	StartOffset offset.Offset
	StopOffset  offset.Offset

	JobID string
}

func (c Config) maxSplitRetries() int {
	if c.MaxSplitRetries <= 0 {
		return defaultMaxSplitRetries
	}
	return c.MaxSplitRetries
}

// Assignment is the tagged result of NextSplit: exactly one side is set.
type Assignment struct {
	Snapshot *split.SnapshotSplit
	Binlog   *split.BinlogSplit
}

type assignedSplit struct {
	split  split.SnapshotSplit
	worker string
}

// Assigner owns the split lifecycle: it hands snapshot splits to workers,
// collects finished-split reports, flips the job from the snapshot phase to
// the binlog phase, and snapshots/restores its own state for checkpoints.
// All its methods are safe for concurrent use; the assigner is the single
// authority over this state.
type Assigner struct {
	mu sync.Mutex

	db  *sql.DB
	cfg Config

	phase   Phase
	tables  []split.TableID
	schemas map[string]split.TableSchema

	tableCursor int
	chunker     *chunk.Chunker

	pending  []split.SnapshotSplit
	assigned map[string]assignedSplit
	finished []split.FinishedSnapshotSplitInfo

	binlogSplit         *split.BinlogSplit
	binlogSplitAssigned bool

	splitRetries map[string]int
}

func New(db *sql.DB, cfg Config) *Assigner {
	return &Assigner{
		db:           db,
		cfg:          cfg,
		phase:        PhaseInitial,
		assigned:     make(map[string]assignedSplit),
		splitRetries: make(map[string]int),
	}
}

// Open discovers the captured tables and enters the first assigning phase.
// It is a no-op on an assigner that was restored past discovery.
func (a *Assigner) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.phase != PhaseInitial {
		return nil
	}

	a.phase = PhaseDiscoveringTables
	tables, err := discoverTables(ctx, a.db, a.cfg.DatabaseFilter, a.cfg.TableFilter)
	if err != nil {
		a.phase = PhaseInitial
		return err
	}

	schemas := make(map[string]split.TableSchema, len(tables))
	for _, tableID := range tables {
		tableSchema, err := describeTable(a.db, tableID, a.cfg.ChunkKeyOverrides[tableID.String()])
		if err != nil {
			a.phase = PhaseInitial
			return err
		}
		schemas[tableID.String()] = tableSchema
	}

	a.tables = tables
	a.schemas = schemas

	if !a.cfg.IncrementalSnapshot {
		// Binlog-only mode: no snapshot splits, stream from the configured
		// offset with no filtering.
		a.buildBinlogSplit()
		a.phase = PhaseBinlogAssigned
		slog.Info("Skipping snapshot phase, binlog split is ready",
			slog.String("startOffset", a.cfg.StartOffset.String()))
		return nil
	}

	a.phase = PhaseSnapshotAssigning
	slog.Info("Chunk plan ready, assigning snapshot splits",
		slog.Int("tables", len(tables)),
		slog.Any("chunkSize", a.cfg.ChunkSize),
	)
	return nil
}

// NextSplit hands out work for one worker. It never blocks: a nil
// assignment means nothing is ready right now (or ever again, when the
// phase is terminal).
func (a *Assigner) NextSplit(workerID string) (*Assignment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.phase {
	case PhaseSnapshotAssigning:
		next, err := a.nextSnapshotSplit()
		if err != nil {
			return nil, err
		}
		if next != nil {
			a.assigned[next.ID] = assignedSplit{split: *next, worker: workerID}
			return &Assignment{Snapshot: next}, nil
		}

		// Chunks are exhausted and nothing is pending.
		if len(a.assigned) > 0 {
			a.phase = PhaseSnapshotDraining
			slog.Info("All snapshot splits handed out, draining in-flight splits",
				slog.Int("inFlight", len(a.assigned)))
			return nil, nil
		}
		a.finishSnapshotPhase()
		return a.assignBinlogSplit(), nil
	case PhaseBinlogAssigned:
		return a.assignBinlogSplit(), nil
	default:
		return nil, nil
	}
}

// nextSnapshotSplit pops a returned split first, then draws from the chunk
// plan, advancing across tables.
func (a *Assigner) nextSnapshotSplit() (*split.SnapshotSplit, error) {
	if len(a.pending) > 0 {
		next := a.pending[0]
		a.pending = a.pending[1:]
		return &next, nil
	}

	for {
		if a.chunker == nil {
			if a.tableCursor >= len(a.tables) {
				return nil, nil
			}

			tableID := a.tables[a.tableCursor]
			chunker, err := chunk.NewChunker(a.db, tableID, a.schemas[tableID.String()], a.chunkConfig())
			if err != nil {
				return nil, fmt.Errorf("failed to build chunker for %s: %w", tableID, err)
			}
			a.chunker = chunker
		}

		if a.chunker.HasNext() {
			next, err := a.chunker.Next()
			if err != nil {
				return nil, fmt.Errorf("failed to chunk table: %w", err)
			}
			return &next, nil
		}

		a.chunker = nil
		a.tableCursor++
	}
}

// OnSplitFinished records a completed snapshot split and, once the last
// in-flight split reports in, flips the job to the binlog phase.
func (a *Assigner) OnSplitFinished(splitID string, info split.FinishedSnapshotSplitInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, isOk := a.assigned[splitID]; !isOk {
		return fmt.Errorf("split %s is not in flight", splitID)
	}

	delete(a.assigned, splitID)
	delete(a.splitRetries, splitID)
	a.finished = append(a.finished, info)

	if a.phase == PhaseSnapshotDraining && len(a.assigned) == 0 && len(a.pending) == 0 {
		a.finishSnapshotPhase()
	}
	return nil
}

// OnSplitFailed returns a failed split to the pending queue for a rerun
// from scratch, up to the configured retry budget.
func (a *Assigner) OnSplitFailed(splitID string, cause error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, isOk := a.assigned[splitID]
	if !isOk {
		return fmt.Errorf("split %s is not in flight", splitID)
	}

	a.splitRetries[splitID]++
	if a.splitRetries[splitID] > a.cfg.maxSplitRetries() {
		return fmt.Errorf("split %s failed %d times, escalating: %w", splitID, a.splitRetries[splitID], cause)
	}

	delete(a.assigned, splitID)
	a.pending = append(a.pending, entry.split)
	if a.phase == PhaseSnapshotDraining {
		a.phase = PhaseSnapshotAssigning
	}

	slog.Warn("Snapshot split failed, requeued for retry",
		slog.String("split", splitID),
		slog.Int("attempt", a.splitRetries[splitID]),
		slog.Any("err", cause),
	)
	return nil
}

// OnWorkerFailure returns every split the worker held to the pending queue.
func (a *Assigner) OnWorkerFailure(workerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var returned []string
	for splitID, entry := range a.assigned {
		if entry.worker != workerID {
			continue
		}
		delete(a.assigned, splitID)
		a.pending = append(a.pending, entry.split)
		returned = append(returned, splitID)
	}

	if len(returned) > 0 {
		if a.phase == PhaseSnapshotDraining {
			a.phase = PhaseSnapshotAssigning
		}
		sort.Strings(returned)
		slog.Warn("Worker failed, returned its splits to the pending queue",
			slog.String("worker", workerID),
			slog.Any("splits", returned),
		)
	}
}

// MarkTerminal ends the job: the binlog split reached its stop offset or
// the job was cancelled.
func (a *Assigner) MarkTerminal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.phase = PhaseTerminal
}

func (a *Assigner) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Waiting reports whether the caller should poll again later: work remains
// but none can be handed out right now.
func (a *Assigner) Waiting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase == PhaseSnapshotDraining
}

func (a *Assigner) finishSnapshotPhase() {
	a.buildBinlogSplit()
	a.phase = PhaseBinlogAssigned
	slog.Info("All snapshot splits finished, binlog split is ready",
		slog.Int("finishedSplits", len(a.finished)))
}

func (a *Assigner) buildBinlogSplit() {
	a.binlogSplit = &split.BinlogSplit{
		ID:             split.BinlogSplitID,
		StartOffset:    a.cfg.StartOffset,
		StopOffset:     a.stopOffset(),
		FinishedSplits: append([]split.FinishedSnapshotSplitInfo(nil), a.finished...),
		TableSchemas:   a.schemas,
	}
}

func (a *Assigner) stopOffset() offset.Offset {
	if a.cfg.StopOffset == (offset.Offset{}) {
		return offset.NoStopping
	}
	return a.cfg.StopOffset
}

func (a *Assigner) assignBinlogSplit() *Assignment {
	if a.binlogSplitAssigned || a.binlogSplit == nil {
		return nil
	}
	a.binlogSplitAssigned = true
	return &Assignment{Binlog: a.binlogSplit}
}

func (a *Assigner) chunkConfig() chunk.Config {
	return chunk.Config{
		ChunkSize:    a.cfg.ChunkSize,
		ErrorRetries: a.cfg.ErrorRetries,
	}
}

// Snapshot captures the assigner's state for a checkpoint. In-flight splits
// are folded into pending: after a restore they rerun from scratch.
func (a *Assigner) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending := append([]split.SnapshotSplit(nil), a.pending...)
	inFlight := make([]split.SnapshotSplit, 0, len(a.assigned))
	for _, entry := range a.assigned {
		inFlight = append(inFlight, entry.split)
	}
	sort.Slice(inFlight, func(i, j int) bool { return inFlight[i].ID < inFlight[j].ID })
	pending = append(pending, inFlight...)

	state := State{
		Phase:               a.phase,
		JobID:               a.cfg.JobID,
		Tables:              a.tables,
		Schemas:             a.schemas,
		TableCursor:         a.tableCursor,
		NextSplitIndex:      0,
		Pending:             pending,
		Finished:            append([]split.FinishedSnapshotSplitInfo(nil), a.finished...),
		BinlogSplit:         a.binlogSplit,
		BinlogSplitAssigned: a.binlogSplitAssigned,
		StartOffset:         a.cfg.StartOffset,
		StopOffset:          a.stopOffset(),
	}

	if a.chunker != nil {
		state.ChunkCursor = a.chunker.LastBoundary()
		state.NextSplitIndex = a.chunker.NextSplitIndex()
	}
	return state
}

// Restore re-enters the phase captured by a checkpoint. Splits that were in
// flight at checkpoint time are already part of state.Pending.
func Restore(ctx context.Context, db *sql.DB, cfg Config, state State) (*Assigner, error) {
	a := New(db, cfg)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.phase = state.Phase
	a.tables = state.Tables
	a.schemas = state.Schemas
	a.tableCursor = state.TableCursor
	a.pending = append([]split.SnapshotSplit(nil), state.Pending...)
	a.finished = append([]split.FinishedSnapshotSplitInfo(nil), state.Finished...)
	a.binlogSplit = state.BinlogSplit
	a.binlogSplitAssigned = state.BinlogSplitAssigned

	// In-flight splits became pending again: if the checkpoint landed while
	// draining, there is assignable work once more.
	if a.phase == PhaseSnapshotDraining && len(a.pending) > 0 {
		a.phase = PhaseSnapshotAssigning
	}

	// The binlog split was assigned before the restart; the restored job
	// must hand it out again.
	if a.phase == PhaseBinlogAssigned {
		a.binlogSplitAssigned = false
	}

	switch a.phase {
	case PhaseInitial, PhaseDiscoveringTables:
		a.phase = PhaseInitial
		return a, a.openLocked(ctx)
	case PhaseSnapshotAssigning, PhaseSnapshotDraining:
		if a.tableCursor < len(a.tables) {
			tableID := a.tables[a.tableCursor]
			chunker, err := chunk.Resume(db, tableID, a.schemas[tableID.String()], a.chunkConfig(), state.ChunkCursor, state.NextSplitIndex)
			if err != nil {
				return nil, fmt.Errorf("failed to resume chunker for %s: %w", tableID, err)
			}
			a.chunker = chunker
		}
	}

	slog.Info("Restored assigner state",
		slog.String("phase", string(a.phase)),
		slog.Int("pending", len(a.pending)),
		slog.Int("finished", len(a.finished)),
	)
	return a, nil
}

// openLocked re-runs discovery for checkpoints taken before the chunk plan
// existed. Callers must hold the mutex.
func (a *Assigner) openLocked(ctx context.Context) error {
	a.mu.Unlock()
	defer a.mu.Lock()
	return a.Open(ctx)
}
