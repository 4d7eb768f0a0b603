package chunk

import (
	"fmt"
	"strings"

	"github.com/artie-labs/capture/lib/mysql/schema"
)

func queryPlaceholders(count int) []string {
	result := make([]string, count)
	for i := range count {
		result[i] = "?"
	}
	return result
}

func quoteColumns(names []string) []string {
	result := make([]string, len(names))
	for i, name := range names {
		result[i] = schema.QuoteIdentifier(name)
	}
	return result
}

// buildBoundaryQuery selects the chunk key of the first row of the NEXT
// chunk: rows are ordered by the chunk key and we skip chunkSize of them
// past lastBoundary. No row means the remaining tail is the final chunk.
func buildBoundaryQuery(schemaName, table string, chunkKeyColumns []string, lastBoundary []any, chunkSize uint) (string, []any) {
	quotedKeys := quoteColumns(chunkKeyColumns)
	keyTuple := strings.Join(quotedKeys, ",")

	var whereClause string
	if len(lastBoundary) > 0 {
		whereClause = fmt.Sprintf(` WHERE (%s) >= (%s)`, keyTuple, strings.Join(queryPlaceholders(len(lastBoundary)), ","))
	}

	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY %s LIMIT 1 OFFSET %d`,
		keyTuple,
		schema.QualifiedTableName(schemaName, table),
		whereClause,
		keyTuple,
		chunkSize,
	)
	return query, lastBoundary
}

func buildMinMaxQuery(schemaName, table, chunkKeyColumn string) string {
	quoted := schema.QuoteIdentifier(chunkKeyColumn)
	return fmt.Sprintf(`SELECT MIN(%s),MAX(%s) FROM %s`, quoted, quoted, schema.QualifiedTableName(schemaName, table))
}

func buildRowCountQuery() string {
	return `SELECT TABLE_ROWS FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`
}
