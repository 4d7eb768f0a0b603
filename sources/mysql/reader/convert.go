package reader

import (
	"fmt"

	"github.com/artie-labs/transfer/lib/typing"
	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/artie-labs/capture/lib"
	"github.com/artie-labs/capture/sources/mysql/split"
)

func isRowsEvent(eventType replication.EventType) bool {
	switch eventType {
	case replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2,
		replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2,
		replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return true
	default:
		return false
	}
}

// rowsEventToRecords converts one binlog rows event into change records.
// Column names come from the split's schema snapshot, not from the event:
// binlog row metadata is only present when the server is configured for it,
// and the snapshot is what the rest of the pipeline was planned against.
func rowsEventToRecords(event *replication.BinlogEvent, tableID split.TableID, tableSchema split.TableSchema, meta lib.SourceMeta) ([]lib.Record, error) {
	rowsEvent, err := typing.AssertType[*replication.RowsEvent](event.Event)
	if err != nil {
		return nil, err
	}

	columns := tableSchema.ColumnNames()
	table := tableID.String()

	switch event.Header.EventType {
	case replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		out := make([]lib.Record, 0, len(rowsEvent.Rows))
		for _, row := range rowsEvent.Rows {
			after, err := zipRow(columns, row)
			if err != nil {
				return nil, err
			}
			out = append(out, lib.NewRecord(lib.OpInsert, table, nil, after, meta))
		}
		return out, nil
	case replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		out := make([]lib.Record, 0, len(rowsEvent.Rows))
		for _, row := range rowsEvent.Rows {
			before, err := zipRow(columns, row)
			if err != nil {
				return nil, err
			}
			out = append(out, lib.NewRecord(lib.OpDelete, table, before, nil, meta))
		}
		return out, nil
	case replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		// Updates arrive as (before, after) row pairs.
		if len(rowsEvent.Rows)%2 != 0 {
			return nil, fmt.Errorf("update event for %s has %d rows, expected pairs", table, len(rowsEvent.Rows))
		}

		out := make([]lib.Record, 0, len(rowsEvent.Rows))
		for i := 0; i < len(rowsEvent.Rows); i += 2 {
			before, err := zipRow(columns, rowsEvent.Rows[i])
			if err != nil {
				return nil, err
			}
			after, err := zipRow(columns, rowsEvent.Rows[i+1])
			if err != nil {
				return nil, err
			}
			out = append(out,
				lib.NewRecord(lib.OpUpdateBefore, table, before, nil, meta),
				lib.NewRecord(lib.OpUpdateAfter, table, before, after, meta),
			)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported rows event type: %s", event.Header.EventType)
	}
}

func zipRow(columns []string, row []any) (map[string]any, error) {
	if len(row) != len(columns) {
		return nil, fmt.Errorf("row has %d values but the schema snapshot has %d columns", len(row), len(columns))
	}

	out := make(map[string]any, len(columns))
	for i, value := range row {
		out[columns[i]] = normalizeRowValue(value)
	}
	return out, nil
}

// normalizeRowValue widens the driver-specific integer types the binlog
// parser produces so chunk-key comparison sees the same types the snapshot
// scanner produced.
func normalizeRowValue(value any) any {
	switch castValue := value.(type) {
	case int8:
		return int64(castValue)
	case int16:
		return int64(castValue)
	case int32:
		return int64(castValue)
	case int:
		return int64(castValue)
	case uint8:
		return uint64(castValue)
	case uint16:
		return uint64(castValue)
	case uint32:
		return uint64(castValue)
	case uint:
		return uint64(castValue)
	case float32:
		return float64(castValue)
	default:
		return value
	}
}

// chunkKeyOf extracts the chunk key tuple from a record's row image.
func chunkKeyOf(record lib.Record, tableSchema split.TableSchema) (split.Key, error) {
	image := record.After
	if image == nil {
		image = record.Before
	}
	if image == nil {
		return nil, fmt.Errorf("record for %s carries no row image", record.Table)
	}

	key := make(split.Key, len(tableSchema.ChunkKeyColumns))
	for i, column := range tableSchema.ChunkKeyColumns {
		value, isOk := image[column]
		if !isOk {
			return nil, fmt.Errorf("chunk key column %q missing from row image for %s", column, record.Table)
		}
		key[i] = normalizeRowValue(value)
	}
	return key, nil
}
