package reader

import (
	"fmt"
	"testing"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/stretchr/testify/assert"

	"github.com/artie-labs/capture/lib"
	"github.com/artie-labs/capture/sources/mysql/offset"
	"github.com/artie-labs/capture/sources/mysql/split"
)

func newBinlogTestReader(t *testing.T) *BinlogReader {
	binlogSplit := split.BinlogSplit{
		ID:             split.BinlogSplitID,
		StartOffset:    offset.Earliest,
		StopOffset:     offset.NoStopping,
		FinishedSplits: finishedProducts(),
		TableSchemas: map[string]split.TableSchema{
			"shop.products": testTableSchema(),
		},
	}

	reader, err := NewBinlogReader(replication.BinlogSyncerConfig{ServerID: 5400}, binlogSplit, lib.SourceMeta{JobID: "job"}, 0)
	assert.NoError(t, err)
	return reader
}

func TestRecordsFor_FiltersAgainstFinishedSplits(t *testing.T) {
	reader := newBinlogTestReader(t)

	{
		// key=6 is covered by split 1 (high watermark 500): dropped below it.
		event := newRowsEvent(replication.WRITE_ROWS_EVENTv2, [][]any{{int32(6), "six"}})
		records, err := reader.recordsFor(event, offset.Offset{File: "mysql-bin.000002", Pos: 350})
		assert.NoError(t, err)
		assert.Empty(t, records)
	}
	{
		// the same key past the covering split's high watermark: emitted.
		event := newRowsEvent(replication.WRITE_ROWS_EVENTv2, [][]any{{int32(6), "six"}})
		records, err := reader.recordsFor(event, offset.Offset{File: "mysql-bin.000002", Pos: 501})
		assert.NoError(t, err)
		assert.Len(t, records, 1)
		assert.Equal(t, "mysql-bin.000002", records[0].Source.File)
		assert.Equal(t, uint32(501), records[0].Source.Pos)
	}
	{
		// consecutive updates past every watermark both come through, in order.
		event := newRowsEvent(replication.UPDATE_ROWS_EVENTv2, [][]any{
			{int32(1), "one"},
			{int32(1), "one-v2"},
		})
		first, err := reader.recordsFor(event, offset.Offset{File: "mysql-bin.000002", Pos: 600})
		assert.NoError(t, err)
		assert.Len(t, first, 2)

		event = newRowsEvent(replication.UPDATE_ROWS_EVENTv2, [][]any{
			{int32(1), "one-v2"},
			{int32(1), "one-v3"},
		})
		second, err := reader.recordsFor(event, offset.Offset{File: "mysql-bin.000002", Pos: 700})
		assert.NoError(t, err)
		assert.Len(t, second, 2)
		assert.Equal(t, "one-v2", first[1].After["name"])
		assert.Equal(t, "one-v3", second[1].After["name"])
	}
}

func TestRecordsFor_UncapturedTable(t *testing.T) {
	reader := newBinlogTestReader(t)

	event := newRowsEvent(replication.WRITE_ROWS_EVENTv2, [][]any{{int32(1), "x"}})
	rowsEvent := event.Event.(*replication.RowsEvent)
	rowsEvent.Table.Table = []byte("reviews")

	records, err := reader.recordsFor(event, offset.Offset{File: "mysql-bin.000002", Pos: 600})
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecordsFor_SchemaChangePassesThrough(t *testing.T) {
	reader := newBinlogTestReader(t)

	event := &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: replication.QUERY_EVENT, Timestamp: 1700000000},
		Event: &replication.QueryEvent{
			Schema: []byte("shop"),
			Query:  []byte("ALTER TABLE products ADD COLUMN sku varchar(64)"),
		},
	}

	// Schema changes are forwarded even below every high watermark.
	records, err := reader.recordsFor(event, offset.Offset{File: "mysql-bin.000002", Pos: 10})
	assert.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, lib.OpSchemaChange, records[0].Op)
	assert.Contains(t, records[0].DDL, "ALTER TABLE")

	// Transaction markers are not.
	event.Event = &replication.QueryEvent{Schema: []byte("shop"), Query: []byte("BEGIN")}
	records, err = reader.recordsFor(event, offset.Offset{File: "mysql-bin.000002", Pos: 10})
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecordsFor_TimestampStartupFilter(t *testing.T) {
	binlogSplit := split.BinlogSplit{
		ID:          split.BinlogSplitID,
		StartOffset: offset.Earliest,
		StopOffset:  offset.NoStopping,
		TableSchemas: map[string]split.TableSchema{
			"shop.products": testTableSchema(),
		},
	}

	// Capture from 2023-11-15T00:00:00Z onwards; the fabricated event is
	// timestamped 2023-11-14T22:13:20Z.
	reader, err := NewBinlogReader(replication.BinlogSyncerConfig{ServerID: 5400}, binlogSplit, lib.SourceMeta{JobID: "job"}, 1700006400000)
	assert.NoError(t, err)

	event := newRowsEvent(replication.WRITE_ROWS_EVENTv2, [][]any{{int32(1), "x"}})
	records, err := reader.recordsFor(event, offset.Offset{File: "mysql-bin.000001", Pos: 10})
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestAdvanceCursor(t *testing.T) {
	cursor := offset.Offset{File: "mysql-bin.000001", Pos: 100}

	{
		// ordinary events advance the position within the file
		next := advanceCursor(cursor, &replication.BinlogEvent{
			Header: &replication.EventHeader{EventType: replication.WRITE_ROWS_EVENTv2, LogPos: 250},
			Event:  &replication.RowsEvent{},
		})
		assert.Equal(t, offset.Offset{File: "mysql-bin.000001", Pos: 250}, next)
	}
	{
		// rotate moves to the next file
		next := advanceCursor(cursor, &replication.BinlogEvent{
			Header: &replication.EventHeader{EventType: replication.ROTATE_EVENT},
			Event:  &replication.RotateEvent{NextLogName: []byte("mysql-bin.000002"), Position: 4},
		})
		assert.Equal(t, offset.Offset{File: "mysql-bin.000002", Pos: 4}, next)
	}
}

func TestClassifySyncError(t *testing.T) {
	{
		err := classifySyncError(fmt.Errorf("wrapped: %w", mysql.NewError(mysql.ER_MASTER_FATAL_ERROR_READING_BINLOG, "could not find first log file name in binary log index file")))
		assert.ErrorIs(t, err, ErrBinlogPositionLost)
	}
	{
		err := classifySyncError(fmt.Errorf("connection reset"))
		assert.NotErrorIs(t, err, ErrBinlogPositionLost)
	}
}
