package schema

import (
	"database/sql"
	"fmt"
	"strings"
)

type DataType int

const (
	// Integer Types (Exact Value)
	TinyInt DataType = iota + 1
	SmallInt
	MediumInt
	Int
	BigInt
	// Fixed-Point Types (Exact Value)
	Decimal
	// Floating-Point Types (Approximate Value)
	Float
	Double
	// Bit-Value Type
	Bit
	Boolean
	// Date and Time Data Types
	Date
	DateTime
	Timestamp
	Time
	Year
	// String Types
	Char
	Varchar
	Binary
	Varbinary
	Blob
	Text
	Enum
	Set
	// JSON
	JSON
)

type Column struct {
	Name string
	Type DataType
	// RawType is the type as DESCRIBE reported it, e.g. "bigint unsigned".
	RawType    string
	Unsigned   bool
	PrimaryKey bool
}

func QuoteIdentifier(s string) string {
	return fmt.Sprintf("`%s`", strings.ReplaceAll(s, "`", "``"))
}

func QualifiedTableName(schemaName, table string) string {
	return fmt.Sprintf("%s.%s", QuoteIdentifier(schemaName), QuoteIdentifier(table))
}

// DescribeTable loads column definitions, including which columns form the
// primary key.
func DescribeTable(db *sql.DB, schemaName, table string) ([]Column, error) {
	r, err := db.Query("DESCRIBE " + QualifiedTableName(schemaName, table))
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s.%s: %w", schemaName, table, err)
	}
	defer r.Close()

	var result []Column
	for r.Next() {
		var colName string
		var colType string
		var nullable string
		var key string
		var defaultValue sql.NullString
		var extra string
		if err = r.Scan(&colName, &colType, &nullable, &key, &defaultValue, &extra); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}

		dataType, unsigned, err := ParseColumnDataType(colType)
		if err != nil {
			return nil, fmt.Errorf("failed to parse data type: %w", err)
		}

		result = append(result, Column{
			Name:       colName,
			Type:       dataType,
			RawType:    colType,
			Unsigned:   unsigned,
			PrimaryKey: key == "PRI",
		})
	}
	if err = r.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("table %s.%s has no columns", schemaName, table)
	}
	return result, nil
}

// PrimaryKeyColumns returns the names of the primary key columns in
// definition order.
func PrimaryKeyColumns(columns []Column) []string {
	var keys []string
	for _, col := range columns {
		if col.PrimaryKey {
			keys = append(keys, col.Name)
		}
	}
	return keys
}

func ParseColumnDataType(originalS string) (DataType, bool, error) {
	s := strings.ToLower(originalS)
	unsigned := strings.HasSuffix(s, " unsigned")
	s = strings.TrimSuffix(s, " unsigned")
	s = strings.TrimSuffix(s, " zerofill")

	// Strip any "(...)" size/precision metadata.
	if idx := strings.Index(s, "("); idx > 0 {
		metadata := s[idx+1 : strings.LastIndex(s, ")")]
		base := s[:idx]
		// tinyint(1) is the conventional boolean
		if base == "tinyint" && metadata == "1" {
			return Boolean, false, nil
		}
		s = base
	}

	switch s {
	case "tinyint":
		return TinyInt, unsigned, nil
	case "smallint":
		return SmallInt, unsigned, nil
	case "mediumint":
		return MediumInt, unsigned, nil
	case "int":
		return Int, unsigned, nil
	case "bigint":
		return BigInt, unsigned, nil
	case "decimal", "numeric":
		return Decimal, unsigned, nil
	case "float":
		return Float, unsigned, nil
	case "double":
		return Double, unsigned, nil
	case "bit":
		return Bit, false, nil
	case "bool", "boolean":
		return Boolean, false, nil
	case "date":
		return Date, false, nil
	case "datetime":
		return DateTime, false, nil
	case "timestamp":
		return Timestamp, false, nil
	case "time":
		return Time, false, nil
	case "year":
		return Year, false, nil
	case "char":
		return Char, false, nil
	case "varchar":
		return Varchar, false, nil
	case "binary":
		return Binary, false, nil
	case "varbinary":
		return Varbinary, false, nil
	case "tinyblob", "blob", "mediumblob", "longblob":
		return Blob, false, nil
	case "tinytext", "text", "mediumtext", "longtext":
		return Text, false, nil
	case "enum":
		return Enum, false, nil
	case "set":
		return Set, false, nil
	case "json":
		return JSON, false, nil
	default:
		return -1, false, fmt.Errorf("unknown data type %q", originalS)
	}
}

// IsIntegerType reports whether the column can be chunked with evenly-spaced
// numeric ranges.
func IsIntegerType(dataType DataType) bool {
	switch dataType {
	case TinyInt, SmallInt, MediumInt, Int, BigInt, Year:
		return true
	default:
		return false
	}
}
