package reader

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/artie-labs/capture/lib"
	"github.com/artie-labs/capture/lib/mysql/schema"
	"github.com/artie-labs/capture/sources/mysql/split"
)

// buildScanQuery selects every column of the split's half-open key range,
// ordered by the chunk key. Missing endpoints are unbounded.
func buildScanQuery(s split.SnapshotSplit) (string, []any) {
	colNames := make([]string, len(s.Schema.Columns))
	for i, col := range s.Schema.Columns {
		colNames[i] = schema.QuoteIdentifier(col.Name)
	}

	quotedKeys := make([]string, len(s.Schema.ChunkKeyColumns))
	for i, name := range s.Schema.ChunkKeyColumns {
		quotedKeys[i] = schema.QuoteIdentifier(name)
	}
	keyTuple := strings.Join(quotedKeys, ",")

	var conditions []string
	var parameters []any
	if s.Start != nil {
		conditions = append(conditions, fmt.Sprintf("(%s) >= (%s)", keyTuple, placeholders(len(s.Start))))
		parameters = append(parameters, s.Start...)
	}
	if s.End != nil {
		conditions = append(conditions, fmt.Sprintf("(%s) < (%s)", keyTuple, placeholders(len(s.End))))
		parameters = append(parameters, s.End...)
	}

	var whereClause string
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY %s`,
		strings.Join(colNames, ","),
		schema.QualifiedTableName(s.Table.Schema, s.Table.Table),
		whereClause,
		keyTuple,
	)
	return query, parameters
}

func placeholders(count int) string {
	result := make([]string, count)
	for i := range count {
		result[i] = "?"
	}
	return strings.Join(result, ",")
}

// scanSplit runs the split's range query and converts each row into a
// snapshot-row event.
func scanSplit(db *sql.DB, s split.SnapshotSplit, meta lib.SourceMeta) ([]SplitEvent, error) {
	columns, err := parseColumns(s.Schema)
	if err != nil {
		return nil, err
	}

	query, parameters := buildScanQuery(s)
	rows, err := db.Query(query, parameters...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan split %s: %w", s.ID, err)
	}
	defer rows.Close()

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(values))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	var out []SplitEvent
	for rows.Next() {
		if err = rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		if err = schema.ConvertValues(values, columns); err != nil {
			return nil, err
		}

		after := make(map[string]any, len(columns))
		for i, col := range columns {
			after[col.Name] = values[i]
		}

		record := lib.NewRecord(lib.OpInsert, s.Table.String(), nil, after, meta)
		key, err := chunkKeyOf(record, s.Schema)
		if err != nil {
			return nil, err
		}

		out = append(out, SplitEvent{Kind: KindSnapshotRow, Record: record, Key: key})
	}
	return out, rows.Err()
}

func parseColumns(tableSchema split.TableSchema) ([]schema.Column, error) {
	out := make([]schema.Column, len(tableSchema.Columns))
	for i, def := range tableSchema.Columns {
		dataType, unsigned, err := schema.ParseColumnDataType(def.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", def.Name, err)
		}
		out[i] = schema.Column{Name: def.Name, Type: dataType, RawType: def.Type, Unsigned: unsigned}
	}
	return out, nil
}
