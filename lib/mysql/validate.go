package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func FetchVariable(ctx context.Context, db *sql.DB, name string) (string, error) {
	row := db.QueryRowContext(ctx, "SHOW VARIABLES WHERE variable_name = ?", name)
	if row.Err() != nil {
		return "", fmt.Errorf("failed to query for %q variable: %w", name, row.Err())
	}

	var variableName string
	var value string
	if err := row.Scan(&variableName, &value); err != nil {
		return "", fmt.Errorf("failed to scan row: %w", err)
	} else if variableName != name {
		return "", fmt.Errorf("the variable %q was returned instead of %q", variableName, name)
	}

	return value, nil
}

// ValidateServer checks the replication prerequisites before any event is
// emitted. Row-format binlogs are required; full row images keep
// update-before payloads complete.
func ValidateServer(ctx context.Context, db *sql.DB) error {
	value, err := FetchVariable(ctx, db, "binlog_format")
	if err != nil {
		return err
	}

	if strings.ToUpper(value) != "ROW" {
		return fmt.Errorf("'binlog_format' must be set to 'ROW', current value is '%s'", value)
	}

	value, err = FetchVariable(ctx, db, "binlog_row_image")
	if err != nil {
		return err
	}

	if strings.ToUpper(value) != "FULL" {
		return fmt.Errorf("'binlog_row_image' must be set to 'FULL', current value is '%s'", value)
	}

	return nil
}
