package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/artie-labs/capture/lib"
	"github.com/artie-labs/capture/sources/mysql/split"
)

func productsSchemas() map[string]split.TableSchema {
	return map[string]split.TableSchema{
		"shop.products": {
			Columns: []split.ColumnDef{
				{Name: "id", Type: "bigint"},
				{Name: "name", Type: "varchar(255)"},
			},
			PrimaryKeys:     []string{"id"},
			ChunkKeyColumns: []string{"id"},
		},
	}
}

func TestRawMessages(t *testing.T) {
	{
		// inserts partition by primary key from the after image
		record := lib.NewRecord(lib.OpInsert, "shop.products", nil, map[string]any{"id": int64(5), "name": "five"}, lib.SourceMeta{JobID: "job", TsMs: 1})
		msgs, err := rawMessages([]lib.Record{record}, productsSchemas())
		assert.NoError(t, err)
		assert.Len(t, msgs, 1)
		assert.Equal(t, "shop.products", msgs[0].TopicSuffix())
		assert.Equal(t, map[string]any{"id": int64(5)}, msgs[0].PartitionKey())
	}
	{
		// deletes partition by primary key from the before image
		record := lib.NewRecord(lib.OpDelete, "shop.products", map[string]any{"id": int64(5), "name": "five"}, nil, lib.SourceMeta{JobID: "job", TsMs: 1})
		msgs, err := rawMessages([]lib.Record{record}, productsSchemas())
		assert.NoError(t, err)
		assert.Equal(t, map[string]any{"id": int64(5)}, msgs[0].PartitionKey())
	}
	{
		// schema changes pass through without a partition key
		record := lib.NewRecord(lib.OpSchemaChange, "shop", nil, nil, lib.SourceMeta{JobID: "job", TsMs: 1})
		record.DDL = "ALTER TABLE products ADD COLUMN sku varchar(64)"
		msgs, err := rawMessages([]lib.Record{record}, productsSchemas())
		assert.NoError(t, err)
		assert.Nil(t, msgs[0].PartitionKey())
	}
	{
		// unknown tables are an error, not silent drops
		record := lib.NewRecord(lib.OpInsert, "shop.reviews", nil, map[string]any{"id": int64(1)}, lib.SourceMeta{JobID: "job", TsMs: 1})
		_, err := rawMessages([]lib.Record{record}, productsSchemas())
		assert.ErrorContains(t, err, "no schema snapshot for table shop.reviews")
	}
}
