package reader

import (
	"testing"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/stretchr/testify/assert"

	"github.com/artie-labs/capture/lib"
	"github.com/artie-labs/capture/sources/mysql/split"
)

func newRowsEvent(eventType replication.EventType, rows [][]any) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: eventType, Timestamp: 1700000000},
		Event: &replication.RowsEvent{
			Table: &replication.TableMapEvent{Schema: []byte("shop"), Table: []byte("products")},
			Rows:  rows,
		},
	}
}

func testTableSchema() split.TableSchema {
	return split.TableSchema{
		Columns: []split.ColumnDef{
			{Name: "id", Type: "bigint"},
			{Name: "name", Type: "varchar(255)"},
		},
		PrimaryKeys:     []string{"id"},
		ChunkKeyColumns: []string{"id"},
	}
}

func TestRowsEventToRecords(t *testing.T) {
	tableID := split.NewTableID("shop", "products")
	meta := lib.SourceMeta{JobID: "job", TsMs: 1}

	{
		// write
		records, err := rowsEventToRecords(newRowsEvent(replication.WRITE_ROWS_EVENTv2, [][]any{{int32(5), "five"}}), tableID, testTableSchema(), meta)
		assert.NoError(t, err)
		assert.Len(t, records, 1)
		assert.Equal(t, lib.OpInsert, records[0].Op)
		assert.Equal(t, int64(5), records[0].After["id"])
		assert.Equal(t, "five", records[0].After["name"])
		assert.Nil(t, records[0].Before)
	}
	{
		// delete
		records, err := rowsEventToRecords(newRowsEvent(replication.DELETE_ROWS_EVENTv2, [][]any{{int32(5), "five"}}), tableID, testTableSchema(), meta)
		assert.NoError(t, err)
		assert.Len(t, records, 1)
		assert.Equal(t, lib.OpDelete, records[0].Op)
		assert.Equal(t, int64(5), records[0].Before["id"])
		assert.Nil(t, records[0].After)
	}
	{
		// update: before/after pair
		records, err := rowsEventToRecords(newRowsEvent(replication.UPDATE_ROWS_EVENTv2, [][]any{
			{int32(5), "five"},
			{int32(5), "five-v2"},
		}), tableID, testTableSchema(), meta)
		assert.NoError(t, err)
		assert.Len(t, records, 2)
		assert.Equal(t, lib.OpUpdateBefore, records[0].Op)
		assert.Equal(t, "five", records[0].Before["name"])
		assert.Equal(t, lib.OpUpdateAfter, records[1].Op)
		assert.Equal(t, "five-v2", records[1].After["name"])
	}
	{
		// unpaired update rows
		_, err := rowsEventToRecords(newRowsEvent(replication.UPDATE_ROWS_EVENTv2, [][]any{{int32(5), "five"}}), tableID, testTableSchema(), meta)
		assert.ErrorContains(t, err, "expected pairs")
	}
	{
		// column count drift between the event and the schema snapshot
		_, err := rowsEventToRecords(newRowsEvent(replication.WRITE_ROWS_EVENTv2, [][]any{{int32(5)}}), tableID, testTableSchema(), meta)
		assert.ErrorContains(t, err, "schema snapshot has 2 columns")
	}
}

func TestChunkKeyOf(t *testing.T) {
	tableSchema := testTableSchema()
	{
		record := lib.NewRecord(lib.OpInsert, "shop.products", nil, map[string]any{"id": int64(5), "name": "five"}, lib.SourceMeta{TsMs: 1})
		key, err := chunkKeyOf(record, tableSchema)
		assert.NoError(t, err)
		assert.Equal(t, split.Key{int64(5)}, key)
	}
	{
		// deletes read the key from the before image
		record := lib.NewRecord(lib.OpDelete, "shop.products", map[string]any{"id": int64(5), "name": "five"}, nil, lib.SourceMeta{TsMs: 1})
		key, err := chunkKeyOf(record, tableSchema)
		assert.NoError(t, err)
		assert.Equal(t, split.Key{int64(5)}, key)
	}
	{
		// narrow integer types widen to int64
		record := lib.NewRecord(lib.OpInsert, "shop.products", nil, map[string]any{"id": int32(5), "name": "five"}, lib.SourceMeta{TsMs: 1})
		key, err := chunkKeyOf(record, tableSchema)
		assert.NoError(t, err)
		assert.Equal(t, split.Key{int64(5)}, key)
	}
	{
		record := lib.NewRecord(lib.OpInsert, "shop.products", nil, map[string]any{"name": "five"}, lib.SourceMeta{TsMs: 1})
		_, err := chunkKeyOf(record, tableSchema)
		assert.ErrorContains(t, err, `chunk key column "id" missing`)
	}
}

func TestBuildScanQuery(t *testing.T) {
	tableID := split.NewTableID("shop", "products")
	{
		// bounded on both sides
		s := split.SnapshotSplit{ID: "shop.products.1", Table: tableID, Start: split.Key{int64(5)}, End: split.Key{int64(9)}, Schema: testTableSchema()}
		query, parameters := buildScanQuery(s)
		assert.Equal(t, "SELECT `id`,`name` FROM `shop`.`products` WHERE (`id`) >= (?) AND (`id`) < (?) ORDER BY `id`", query)
		assert.Equal(t, []any{int64(5), int64(9)}, parameters)
	}
	{
		// unbounded start
		s := split.SnapshotSplit{ID: "shop.products.0", Table: tableID, End: split.Key{int64(5)}, Schema: testTableSchema()}
		query, parameters := buildScanQuery(s)
		assert.Equal(t, "SELECT `id`,`name` FROM `shop`.`products` WHERE (`id`) < (?) ORDER BY `id`", query)
		assert.Equal(t, []any{int64(5)}, parameters)
	}
	{
		// fully unbounded
		s := split.SnapshotSplit{ID: "shop.products.0", Table: tableID, Schema: testTableSchema()}
		query, parameters := buildScanQuery(s)
		assert.Equal(t, "SELECT `id`,`name` FROM `shop`.`products` ORDER BY `id`", query)
		assert.Empty(t, parameters)
	}
}
