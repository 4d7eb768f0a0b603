package config

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/artie-labs/transfer/lib/stringutil"
	"github.com/go-sql-driver/mysql"

	"github.com/artie-labs/capture/constants"
)

type StartupMode string

const (
	// StartupModeInitial snapshots the captured tables, then tails the
	// binlog from the snapshot's watermarks.
	StartupModeInitial StartupMode = "initial"
	// StartupModeLatestOffset skips the snapshot and tails from the
	// server's current position.
	StartupModeLatestOffset StartupMode = "latest_offset"
	// StartupModeEarliestOffset skips the snapshot and tails from the
	// oldest binlog the server retains.
	StartupModeEarliestOffset StartupMode = "earliest_offset"
	// StartupModeSpecificOffset skips the snapshot and tails from
	// specificOffset.
	StartupModeSpecificOffset StartupMode = "specific_offset"
	// StartupModeTimestamp skips the snapshot and tails from the oldest
	// binlog the server retains, dropping row events older than
	// specificTimestampMs; schema changes are forwarded regardless of their
	// time. Binlog files are not binary-searched.
	StartupModeTimestamp StartupMode = "timestamp"
)

type MySQLTable struct {
	// Name is "schema.table".
	Name string `yaml:"name"`
	// ChunkKeyColumns overrides the chunk key for tables whose primary key
	// is unusable (or absent). Comma separated, must be a unique key.
	ChunkKeyColumns string `yaml:"chunkKeyColumns,omitempty"`
}

func (m *MySQLTable) GetChunkKeyColumns() []string {
	return splitCommaSeparated(m.ChunkKeyColumns)
}

type MySQL struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DatabaseFilter and TableFilter are regex inclusion filters applied
	// during table discovery. TableFilter matches "schema.table".
	DatabaseFilter string `yaml:"databaseFilter"`
	TableFilter    string `yaml:"tableFilter"`

	// Tables holds optional per-table overrides; tables do not need to be
	// listed here to be captured.
	Tables []*MySQLTable `yaml:"tables,omitempty"`

	StartupMode StartupMode `yaml:"startupMode,omitempty"`
	// SpecificOffset is "file:pos", required for startupMode: specific_offset.
	SpecificOffset string `yaml:"specificOffset,omitempty"`
	// SpecificTimestampMs is required for startupMode: timestamp.
	SpecificTimestampMs int64 `yaml:"specificTimestampMs,omitempty"`

	// IncrementalSnapshot toggles the snapshot phase; when false the source
	// behaves as a plain binlog tail from StartupMode's offset.
	IncrementalSnapshot *bool `yaml:"incrementalSnapshot,omitempty"`

	ChunkSize   uint `yaml:"chunkSize,omitempty"`
	Parallelism int  `yaml:"parallelism,omitempty"`
	// ServerIDBase is the first replication client id; worker n (counted
	// from 0) registers with ServerIDBase + n, so the range
	// [base, base+parallelism) must be free on the server.
	ServerIDBase uint32 `yaml:"serverIDBase,omitempty"`

	// CheckpointFile is where assigner state and the binlog position are
	// persisted between runs.
	CheckpointFile string `yaml:"checkpointFile"`
}

func (m *MySQL) ToDSN() string {
	cfg := mysql.NewConfig()
	cfg.User = m.Username
	cfg.Passwd = m.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", m.Host, m.Port)
	return cfg.FormatDSN()
}

func (m *MySQL) GetIncrementalSnapshot() bool {
	if m.IncrementalSnapshot == nil {
		return true
	}
	return *m.IncrementalSnapshot
}

func (m *MySQL) GetChunkSize() uint {
	if m.ChunkSize == 0 {
		return constants.DefaultChunkSize
	}
	return m.ChunkSize
}

func (m *MySQL) GetParallelism() int {
	if m.Parallelism <= 0 {
		return constants.DefaultParallelism
	}
	return m.Parallelism
}

func (m *MySQL) GetStartupMode() StartupMode {
	if m.StartupMode == "" {
		return StartupModeInitial
	}
	return m.StartupMode
}

func (m *MySQL) GenerateDefaults() {
	if m.ServerIDBase == 0 {
		m.ServerIDBase = constants.DefaultServerIDBase
	}
}

// ChunkKeyOverride returns the configured chunk key columns for a table, or
// nil when the primary key should be used.
func (m *MySQL) ChunkKeyOverride(tableName string) []string {
	for _, table := range m.Tables {
		if table.Name == tableName {
			return table.GetChunkKeyColumns()
		}
	}
	return nil
}

func (m *MySQL) Validate() error {
	if m == nil {
		return fmt.Errorf("MySQL config is nil")
	}

	if stringutil.Empty(m.Host, m.Username, m.Password) {
		return fmt.Errorf("one of the MySQL settings is empty: host, username, password")
	}

	if m.Port <= 0 {
		return fmt.Errorf("port is not set or <= 0")
	} else if m.Port > math.MaxUint16 {
		return fmt.Errorf("port is > %d", math.MaxUint16)
	}

	if m.DatabaseFilter == "" && m.TableFilter == "" {
		return fmt.Errorf("at least one of databaseFilter, tableFilter must be set")
	}

	for _, filter := range []string{m.DatabaseFilter, m.TableFilter} {
		if filter == "" {
			continue
		}
		if _, err := regexp.Compile(filter); err != nil {
			return fmt.Errorf("invalid filter regex %q: %w", filter, err)
		}
	}

	switch m.GetStartupMode() {
	case StartupModeInitial, StartupModeLatestOffset, StartupModeEarliestOffset:
	case StartupModeSpecificOffset:
		if m.SpecificOffset == "" {
			return fmt.Errorf("startupMode %q requires specificOffset", m.StartupMode)
		}
	case StartupModeTimestamp:
		if m.SpecificTimestampMs <= 0 {
			return fmt.Errorf("startupMode %q requires specificTimestampMs", m.StartupMode)
		}
	default:
		return fmt.Errorf("unknown startupMode %q", m.StartupMode)
	}

	if m.GetStartupMode() != StartupModeInitial && m.GetIncrementalSnapshot() && m.IncrementalSnapshot != nil {
		return fmt.Errorf("incrementalSnapshot only applies to startupMode: initial")
	}

	if m.CheckpointFile == "" {
		return fmt.Errorf("checkpointFile must be set")
	}

	for _, table := range m.Tables {
		if !strings.Contains(table.Name, ".") {
			return fmt.Errorf("table override %q must be schema-qualified", table.Name)
		}
	}

	return nil
}

func splitCommaSeparated(s string) []string {
	if s == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
