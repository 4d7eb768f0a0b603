package assigner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/artie-labs/capture/lib/mysql/schema"
	"github.com/artie-labs/capture/sources/mysql/split"
)

// ErrChunkKeyUnavailable means a captured table has neither a primary key
// nor a configured chunk key override, so it cannot be partitioned.
var ErrChunkKeyUnavailable = errors.New("table has no usable chunk key")

// systemSchemas are never captured.
var systemSchemas = map[string]bool{
	"mysql":              true,
	"information_schema": true,
	"performance_schema": true,
	"sys":                true,
}

// discoverTables enumerates base tables matching the inclusion filters.
// databaseFilter matches the schema name; tableFilter matches
// "schema.table". An empty filter matches everything.
func discoverTables(ctx context.Context, db *sql.DB, databaseFilter, tableFilter string) ([]split.TableID, error) {
	databaseRegex, tableRegex, err := compileFilters(databaseFilter, tableFilter)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT TABLE_SCHEMA, TABLE_NAME FROM information_schema.TABLES WHERE TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_SCHEMA, TABLE_NAME`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var out []split.TableID
	for rows.Next() {
		var tableSchema, tableName string
		if err = rows.Scan(&tableSchema, &tableName); err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}

		if systemSchemas[tableSchema] {
			continue
		}

		tableID := split.NewTableID(tableSchema, tableName)
		if databaseRegex != nil && !databaseRegex.MatchString(tableSchema) {
			continue
		}
		if tableRegex != nil && !tableRegex.MatchString(tableID.String()) {
			continue
		}
		out = append(out, tableID)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no tables matched databaseFilter=%q tableFilter=%q", databaseFilter, tableFilter)
	}

	slog.Info("Discovered captured tables", slog.Int("count", len(out)))
	return out, nil
}

func compileFilters(databaseFilter, tableFilter string) (*regexp.Regexp, *regexp.Regexp, error) {
	var databaseRegex, tableRegex *regexp.Regexp
	var err error
	if databaseFilter != "" {
		if databaseRegex, err = regexp.Compile(databaseFilter); err != nil {
			return nil, nil, fmt.Errorf("invalid database filter: %w", err)
		}
	}
	if tableFilter != "" {
		if tableRegex, err = regexp.Compile(tableFilter); err != nil {
			return nil, nil, fmt.Errorf("invalid table filter: %w", err)
		}
	}
	return databaseRegex, tableRegex, nil
}

// describeTable captures a table's schema snapshot and resolves its chunk
// key: the configured override when present, the primary key otherwise.
func describeTable(db *sql.DB, tableID split.TableID, chunkKeyOverride []string) (split.TableSchema, error) {
	columns, err := schema.DescribeTable(db, tableID.Schema, tableID.Table)
	if err != nil {
		return split.TableSchema{}, err
	}

	defs := make([]split.ColumnDef, len(columns))
	for i, col := range columns {
		defs[i] = split.ColumnDef{Name: col.Name, Type: col.RawType}
	}

	out := split.TableSchema{
		Columns:     defs,
		PrimaryKeys: schema.PrimaryKeyColumns(columns),
	}

	chunkKey := chunkKeyOverride
	if len(chunkKey) == 0 {
		chunkKey = out.PrimaryKeys
	}
	if len(chunkKey) == 0 {
		return split.TableSchema{}, fmt.Errorf("%w: %s", ErrChunkKeyUnavailable, tableID)
	}

	for _, name := range chunkKey {
		if out.ColumnIndex(name) < 0 {
			return split.TableSchema{}, fmt.Errorf("chunk key column %q does not exist on %s", name, tableID)
		}
	}

	out.ChunkKeyColumns = chunkKey
	return out, nil
}
