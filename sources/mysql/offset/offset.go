package offset

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
)

// ErrIncomparable is returned when two offsets come from unrelated servers:
// their binlog basenames differ and neither carries a GTID set that subsumes
// the other's.
var ErrIncomparable = errors.New("binlog offsets are not comparable")

// Offset is a position in a MySQL server's binlog. Within one server the
// (file, pos) pair is totally ordered; across servers ordering is only
// defined through GTID set subsumption.
type Offset struct {
	File    string `yaml:"file" json:"file"`
	Pos     uint32 `yaml:"pos" json:"pos"`
	GTIDSet string `yaml:"gtidSet,omitempty" json:"gtidSet,omitempty"`
}

// Earliest sorts before every real offset.
var Earliest = Offset{}

// NoStopping sorts after every real offset. Used as the stop offset of an
// unbounded binlog split.
var NoStopping = Offset{File: "", Pos: math.MaxUint32}

func (o Offset) IsEarliest() bool {
	return o.File == "" && o.Pos == 0
}

func (o Offset) IsNoStopping() bool {
	return o.File == "" && o.Pos == math.MaxUint32
}

func (o Offset) String() string {
	if o.IsEarliest() {
		return "earliest"
	}
	if o.IsNoStopping() {
		return "no-stopping"
	}
	return fmt.Sprintf("%s:%d", o.File, o.Pos)
}

func (o Offset) ToMySQLPosition() mysql.Position {
	return mysql.Position{Name: o.File, Pos: o.Pos}
}

// Parse reads an offset from its "file:pos" form.
func Parse(s string) (Offset, error) {
	tokens := strings.SplitN(s, ":", 2)
	if len(tokens) != 2 {
		return Offset{}, fmt.Errorf("cannot parse offset from %q, expected file:pos", s)
	}

	pos, err := strconv.ParseUint(tokens[1], 10, 32)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid pos %q: %w", tokens[1], err)
	}

	return Offset{File: tokens[0], Pos: uint32(pos)}, nil
}

// splitFile breaks "mysql-bin.000042" into its basename and numeric index.
func splitFile(file string) (string, int64, error) {
	idx := strings.LastIndex(file, ".")
	if idx < 0 {
		return "", 0, fmt.Errorf("binlog file %q has no numeric suffix", file)
	}

	seq, err := strconv.ParseInt(file[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("binlog file %q has a non-numeric suffix: %w", file, err)
	}

	return file[:idx], seq, nil
}

// Compare orders two offsets. It returns -1, 0 or 1, or [ErrIncomparable]
// when the offsets cannot be related. GTID subsumption takes precedence when
// both sides carry a set; otherwise the (file, pos) pair decides, and the
// binlog basenames must match.
func Compare(a, b Offset) (int, error) {
	if a == b {
		return 0, nil
	}

	// Sentinels bracket everything.
	switch {
	case a.IsEarliest():
		return -1, nil
	case b.IsEarliest():
		return 1, nil
	case a.IsNoStopping():
		return 1, nil
	case b.IsNoStopping():
		return -1, nil
	}

	if a.GTIDSet != "" && b.GTIDSet != "" {
		result, decided, err := compareGTIDSets(a.GTIDSet, b.GTIDSet)
		if err != nil {
			return 0, err
		}
		if decided {
			return result, nil
		}
		// Equal GTID sets: fall through to (file, pos).
	}

	aBase, aSeq, err := splitFile(a.File)
	if err != nil {
		return 0, err
	}
	bBase, bSeq, err := splitFile(b.File)
	if err != nil {
		return 0, err
	}

	if aBase != bBase {
		return 0, fmt.Errorf("%w: %q vs %q", ErrIncomparable, a.File, b.File)
	}

	if aSeq != bSeq {
		if aSeq < bSeq {
			return -1, nil
		}
		return 1, nil
	}

	switch {
	case a.Pos < b.Pos:
		return -1, nil
	case a.Pos > b.Pos:
		return 1, nil
	default:
		return 0, nil
	}
}

// compareGTIDSets orders by set containment. The bool result is false when
// the sets are equal, meaning the caller should break the tie elsewhere.
func compareGTIDSets(a, b string) (int, bool, error) {
	aSet, err := mysql.ParseGTIDSet(mysql.MySQLFlavor, a)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse GTID set %q: %w", a, err)
	}
	bSet, err := mysql.ParseGTIDSet(mysql.MySQLFlavor, b)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse GTID set %q: %w", b, err)
	}

	if aSet.Equal(bSet) {
		return 0, false, nil
	}
	if bSet.Contain(aSet) {
		return -1, true, nil
	}
	if aSet.Contain(bSet) {
		return 1, true, nil
	}
	return 0, false, fmt.Errorf("%w: disjoint GTID sets %q and %q", ErrIncomparable, a, b)
}

func (o Offset) Equal(other Offset) bool {
	return o == other
}

// AtOrBefore reports o <= other.
func (o Offset) AtOrBefore(other Offset) (bool, error) {
	result, err := Compare(o, other)
	if err != nil {
		return false, err
	}
	return result <= 0, nil
}

// Before reports o < other.
func (o Offset) Before(other Offset) (bool, error) {
	result, err := Compare(o, other)
	if err != nil {
		return false, err
	}
	return result < 0, nil
}

func Min(a, b Offset) (Offset, error) {
	result, err := Compare(a, b)
	if err != nil {
		return Offset{}, err
	}
	if result <= 0 {
		return a, nil
	}
	return b, nil
}

func Max(a, b Offset) (Offset, error) {
	result, err := Compare(a, b)
	if err != nil {
		return Offset{}, err
	}
	if result >= 0 {
		return a, nil
	}
	return b, nil
}

// Current reads the server's current binlog position. This is the watermark
// read used by the snapshot protocol, so it must see positions already
// committed by other sessions.
func Current(db *sql.DB) (Offset, error) {
	rows, err := db.Query("SHOW MASTER STATUS")
	if err != nil {
		return Offset{}, fmt.Errorf("failed to read master status: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Offset{}, fmt.Errorf("master status returned no rows, is binary logging enabled?")
	}

	columns, err := rows.Columns()
	if err != nil {
		return Offset{}, fmt.Errorf("failed to get master status columns: %w", err)
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(values))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err = rows.Scan(valuePtrs...); err != nil {
		return Offset{}, fmt.Errorf("failed to scan master status: %w", err)
	}

	var out Offset
	for i, column := range columns {
		switch column {
		case "File":
			out.File = asString(values[i])
		case "Position":
			pos, err := asUint32(values[i])
			if err != nil {
				return Offset{}, fmt.Errorf("failed to parse master status position: %w", err)
			}
			out.Pos = pos
		case "Executed_Gtid_Set":
			out.GTIDSet = strings.ReplaceAll(asString(values[i]), "\n", "")
		}
	}

	if out.File == "" {
		return Offset{}, fmt.Errorf("master status did not include a binlog file")
	}
	return out, nil
}

func asString(value any) string {
	switch castValue := value.(type) {
	case string:
		return castValue
	case []byte:
		return string(castValue)
	default:
		return fmt.Sprint(value)
	}
}

func asUint32(value any) (uint32, error) {
	switch castValue := value.(type) {
	case int64:
		return uint32(castValue), nil
	case uint64:
		return uint32(castValue), nil
	case []byte:
		parsed, err := strconv.ParseUint(string(castValue), 10, 32)
		return uint32(parsed), err
	case string:
		parsed, err := strconv.ParseUint(castValue, 10, 32)
		return uint32(parsed), err
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}
