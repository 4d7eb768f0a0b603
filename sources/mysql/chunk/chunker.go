package chunk

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/artie-labs/transfer/lib/retry"

	"github.com/artie-labs/capture/lib/mysql/schema"
	"github.com/artie-labs/capture/sources/mysql/split"
)

const (
	jitterBaseMs = 300
	jitterMaxMs  = 5000

	// A table is chunked with evenly-spaced numeric ranges when
	// (max-min+1)/rowCount lands inside these bounds; outside them the key
	// space is too skewed and we walk boundaries with queries instead.
	defaultDistributionFactorLower = 0.05
	defaultDistributionFactorUpper = 1000.0
)

type Config struct {
	ChunkSize    uint
	ErrorRetries int

	DistributionFactorLower float64
	DistributionFactorUpper float64
}

func (c Config) distributionBounds() (float64, float64) {
	lower := c.DistributionFactorLower
	if lower == 0 {
		lower = defaultDistributionFactorLower
	}
	upper := c.DistributionFactorUpper
	if upper == 0 {
		upper = defaultDistributionFactorUpper
	}
	return lower, upper
}

// Chunker lazily partitions one table into snapshot splits covering
// (-inf, +inf). It implements iterator.Iterator[split.SnapshotSplit].
type Chunker struct {
	// immutable
	db       *sql.DB
	table    split.TableID
	schema   split.TableSchema
	cfg      Config
	retryCfg retry.RetryConfig

	keyColumns []schema.Column

	// mutable
	started      bool
	done         bool
	splitIndex   int
	lastBoundary split.Key

	// uniform numeric fast path
	uniform    bool
	step       int64
	maxValue   int64
	nextUpper  int64
}

func NewChunker(db *sql.DB, table split.TableID, tableSchema split.TableSchema, cfg Config) (*Chunker, error) {
	return resumeChunker(db, table, tableSchema, cfg, nil, 0)
}

// Resume recreates a chunker mid-table from checkpointed cursor state: the
// last handed-out boundary and the index of the next split.
func Resume(db *sql.DB, table split.TableID, tableSchema split.TableSchema, cfg Config, lastBoundary split.Key, nextSplitIndex int) (*Chunker, error) {
	return resumeChunker(db, table, tableSchema, cfg, lastBoundary, nextSplitIndex)
}

func resumeChunker(db *sql.DB, table split.TableID, tableSchema split.TableSchema, cfg Config, lastBoundary split.Key, nextSplitIndex int) (*Chunker, error) {
	if len(tableSchema.ChunkKeyColumns) == 0 {
		return nil, fmt.Errorf("table %s has no chunk key columns", table)
	}

	keyColumns, err := parseKeyColumns(tableSchema)
	if err != nil {
		return nil, err
	}

	errorRetries := cfg.ErrorRetries
	if errorRetries <= 0 {
		errorRetries = 3
	}
	retryCfg, err := retry.NewJitterRetryConfig(jitterBaseMs, jitterMaxMs, errorRetries, retry.AlwaysRetry)
	if err != nil {
		return nil, fmt.Errorf("failed to build retry config: %w", err)
	}

	return &Chunker{
		db:           db,
		table:        table,
		schema:       tableSchema,
		cfg:          cfg,
		retryCfg:     retryCfg,
		keyColumns:   keyColumns,
		lastBoundary: lastBoundary,
		splitIndex:   nextSplitIndex,
		// A resumed chunker mid-table takes the boundary-walk path; the
		// uniform probe is only sound from a clean start.
		started: nextSplitIndex > 0 || lastBoundary != nil,
	}, nil
}

func parseKeyColumns(tableSchema split.TableSchema) ([]schema.Column, error) {
	out := make([]schema.Column, len(tableSchema.ChunkKeyColumns))
	for i, name := range tableSchema.ChunkKeyColumns {
		idx := tableSchema.ColumnIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("chunk key column %q not found in table schema", name)
		}

		def := tableSchema.Columns[idx]
		dataType, unsigned, err := schema.ParseColumnDataType(def.Type)
		if err != nil {
			return nil, fmt.Errorf("chunk key column %q: %w", name, err)
		}
		out[i] = schema.Column{Name: def.Name, Type: dataType, RawType: def.Type, Unsigned: unsigned}
	}
	return out, nil
}

// LastBoundary exposes the chunk cursor for checkpointing.
func (c *Chunker) LastBoundary() split.Key {
	return c.lastBoundary
}

// NextSplitIndex exposes the split counter for checkpointing.
func (c *Chunker) NextSplitIndex() int {
	return c.splitIndex
}

func (c *Chunker) HasNext() bool {
	return !c.done
}

func (c *Chunker) Next() (split.SnapshotSplit, error) {
	if !c.HasNext() {
		return split.SnapshotSplit{}, fmt.Errorf("chunker has finished")
	}

	if !c.started {
		if err := c.probe(); err != nil {
			c.done = true
			return split.SnapshotSplit{}, err
		}
		c.started = true
	}

	end, err := c.nextBoundary()
	if err != nil {
		c.done = true
		return split.SnapshotSplit{}, err
	}

	out := split.SnapshotSplit{
		ID:     fmt.Sprintf("%s.%d", c.table, c.splitIndex),
		Table:  c.table,
		Start:  c.lastBoundary,
		End:    end,
		Schema: c.schema,
	}

	c.splitIndex++
	c.lastBoundary = end
	if end == nil {
		// The final split always stretches to +inf.
		c.done = true
	}
	return out, nil
}

// probe decides between evenly-spaced numeric ranges and boundary walking.
func (c *Chunker) probe() error {
	if len(c.keyColumns) != 1 || !schema.IsIntegerType(c.keyColumns[0].Type) || c.keyColumns[0].Unsigned {
		return nil
	}

	rowCount, err := c.approximateRowCount()
	if err != nil {
		return err
	}
	if rowCount == 0 || uint(rowCount) <= c.cfg.ChunkSize {
		// Single (-inf, +inf) split; nextBoundary will see no row past the
		// chunk size and finish immediately.
		return nil
	}

	minValue, maxValue, ok, err := c.minMax()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	factor := float64(maxValue-minValue+1) / float64(rowCount)
	lower, upper := c.cfg.distributionBounds()
	if factor < lower || factor > upper {
		slog.Info("Chunk key distribution is skewed, walking boundaries with queries",
			slog.String("table", c.table.String()),
			slog.Float64("distributionFactor", factor),
		)
		return nil
	}

	step := int64(float64(c.cfg.ChunkSize) * factor)
	if step < 1 {
		step = 1
	}

	c.uniform = true
	c.step = step
	c.maxValue = maxValue
	c.nextUpper = minValue + step
	slog.Info("Chunking table with evenly-spaced ranges",
		slog.String("table", c.table.String()),
		slog.Int64("step", step),
		slog.Float64("distributionFactor", factor),
	)
	return nil
}

func (c *Chunker) nextBoundary() (split.Key, error) {
	if c.uniform {
		if c.nextUpper > c.maxValue {
			return nil, nil
		}
		boundary := split.Key{c.nextUpper}
		c.nextUpper += c.step
		return boundary, nil
	}

	query, parameters := buildBoundaryQuery(c.table.Schema, c.table.Table, c.schema.ChunkKeyColumns, c.lastBoundary, c.cfg.ChunkSize)
	row, err := retry.WithRetriesAndResult(c.retryCfg, func(_ int, _ error) ([]any, error) {
		return c.queryBoundaryRow(query, parameters)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk boundary for %s: %w", c.table, err)
	}
	if row == nil {
		return nil, nil
	}
	return split.Key(row), nil
}

func (c *Chunker) queryBoundaryRow(query string, parameters []any) ([]any, error) {
	rows, err := c.db.Query(query, parameters...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	values := make([]any, len(c.keyColumns))
	valuePtrs := make([]any, len(values))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err = rows.Scan(valuePtrs...); err != nil {
		return nil, err
	}

	if err = schema.ConvertValues(values, c.keyColumns); err != nil {
		return nil, err
	}
	return values, nil
}

func (c *Chunker) approximateRowCount() (int64, error) {
	var rowCount sql.NullInt64
	if err := c.db.QueryRow(buildRowCountQuery(), c.table.Schema, c.table.Table).Scan(&rowCount); err != nil {
		return 0, fmt.Errorf("failed to read approximate row count for %s: %w", c.table, err)
	}
	return rowCount.Int64, nil
}

func (c *Chunker) minMax() (int64, int64, bool, error) {
	var minValue, maxValue sql.NullInt64
	query := buildMinMaxQuery(c.table.Schema, c.table.Table, c.schema.ChunkKeyColumns[0])
	if err := c.db.QueryRow(query).Scan(&minValue, &maxValue); err != nil {
		return 0, 0, false, fmt.Errorf("failed to read chunk key bounds for %s: %w", c.table, err)
	}
	if !minValue.Valid || !maxValue.Valid {
		return 0, 0, false, nil
	}
	return minValue.Int64, maxValue.Int64, true, nil
}
