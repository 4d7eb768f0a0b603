package schema

import (
	"fmt"
	"strconv"
)

// ConvertValue takes a value returned from the MySQL driver and converts it
// to a native Go type. The driver hands back []byte for text-protocol
// queries and native types for prepared statements; both are accepted.
func ConvertValue(value any, col Column) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch col.Type {
	case Bit:
		castValue, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("expected []byte got %T for value: %v", value, value)
		}
		if len(castValue) != 1 || castValue[0] > 1 {
			return nil, fmt.Errorf("bit value is invalid: %v", value)
		}
		return castValue[0] == 1, nil
	case Boolean:
		castValue, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		if castValue > 1 || castValue < 0 {
			return nil, fmt.Errorf("boolean value %d not in [0, 1]", castValue)
		}
		return castValue == 1, nil
	case TinyInt, SmallInt, MediumInt, Int, BigInt, Year:
		if col.Unsigned {
			return toUint64(value)
		}
		return toInt64(value)
	case Float, Double:
		return toFloat64(value)
	case Binary, Varbinary, Blob:
		castValue, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("expected []byte got %T for value: %v", value, value)
		}
		return castValue, nil
	case Decimal, Date, DateTime, Timestamp, Time, Char, Varchar, Text, Enum, Set, JSON:
		// Kept as strings in wire form.
		return toString(value)
	default:
		return nil, fmt.Errorf("unsupported column type %d for column %q", col.Type, col.Name)
	}
}

// ConvertValues mutates values in place, converting each element per its
// column definition.
func ConvertValues(values []any, columns []Column) error {
	if len(values) != len(columns) {
		return fmt.Errorf("values (%d) and columns (%d) length mismatch", len(values), len(columns))
	}

	for i, col := range columns {
		converted, err := ConvertValue(values[i], col)
		if err != nil {
			return fmt.Errorf("column %q: %w", col.Name, err)
		}
		values[i] = converted
	}
	return nil
}

func toInt64(value any) (int64, error) {
	switch castValue := value.(type) {
	case int64:
		return castValue, nil
	case int32:
		return int64(castValue), nil
	case int16:
		return int64(castValue), nil
	case int8:
		return int64(castValue), nil
	case int:
		return int64(castValue), nil
	case []byte:
		return strconv.ParseInt(string(castValue), 10, 64)
	default:
		return 0, fmt.Errorf("expected an integer got %T for value: %v", value, value)
	}
}

func toUint64(value any) (uint64, error) {
	switch castValue := value.(type) {
	case uint64:
		return castValue, nil
	case uint32:
		return uint64(castValue), nil
	case int64:
		if castValue < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned column", castValue)
		}
		return uint64(castValue), nil
	case []byte:
		return strconv.ParseUint(string(castValue), 10, 64)
	default:
		return 0, fmt.Errorf("expected an unsigned integer got %T for value: %v", value, value)
	}
}

func toFloat64(value any) (float64, error) {
	switch castValue := value.(type) {
	case float64:
		return castValue, nil
	case float32:
		return float64(castValue), nil
	case []byte:
		return strconv.ParseFloat(string(castValue), 64)
	default:
		return 0, fmt.Errorf("expected a float got %T for value: %v", value, value)
	}
}

func toString(value any) (string, error) {
	switch castValue := value.(type) {
	case string:
		return castValue, nil
	case []byte:
		return string(castValue), nil
	default:
		return "", fmt.Errorf("expected a string got %T for value: %v", value, value)
	}
}
