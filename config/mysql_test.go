package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validMySQL() *MySQL {
	return &MySQL{
		Host:           "localhost",
		Port:           3306,
		Username:       "root",
		Password:       "hunter2",
		TableFilter:    `shop\..*`,
		CheckpointFile: "/tmp/checkpoint.yaml",
	}
}

func TestMySQL_Validate(t *testing.T) {
	{
		assert.NoError(t, validMySQL().Validate())
	}
	{
		var cfg *MySQL
		assert.ErrorContains(t, cfg.Validate(), "MySQL config is nil")
	}
	{
		cfg := validMySQL()
		cfg.Password = ""
		assert.ErrorContains(t, cfg.Validate(), "one of the MySQL settings is empty")
	}
	{
		cfg := validMySQL()
		cfg.Port = -1
		assert.ErrorContains(t, cfg.Validate(), "port is not set")
	}
	{
		cfg := validMySQL()
		cfg.TableFilter = ""
		assert.ErrorContains(t, cfg.Validate(), "at least one of databaseFilter, tableFilter")
	}
	{
		cfg := validMySQL()
		cfg.TableFilter = "("
		assert.ErrorContains(t, cfg.Validate(), "invalid filter regex")
	}
	{
		cfg := validMySQL()
		cfg.StartupMode = StartupModeSpecificOffset
		assert.ErrorContains(t, cfg.Validate(), "requires specificOffset")

		cfg.SpecificOffset = "mysql-bin.000003:4"
		assert.NoError(t, cfg.Validate())
	}
	{
		cfg := validMySQL()
		cfg.StartupMode = StartupModeTimestamp
		assert.ErrorContains(t, cfg.Validate(), "requires specificTimestampMs")
	}
	{
		cfg := validMySQL()
		cfg.StartupMode = "bogus"
		assert.ErrorContains(t, cfg.Validate(), `unknown startupMode "bogus"`)
	}
	{
		cfg := validMySQL()
		cfg.Tables = []*MySQLTable{{Name: "not-qualified"}}
		assert.ErrorContains(t, cfg.Validate(), "must be schema-qualified")
	}
}

func TestMySQL_Defaults(t *testing.T) {
	cfg := validMySQL()
	assert.Equal(t, uint(8096), cfg.GetChunkSize())
	assert.Equal(t, 4, cfg.GetParallelism())
	assert.Equal(t, StartupModeInitial, cfg.GetStartupMode())
	assert.True(t, cfg.GetIncrementalSnapshot())

	cfg.GenerateDefaults()
	assert.Equal(t, uint32(5400), cfg.ServerIDBase)
}

func TestMySQL_ChunkKeyOverride(t *testing.T) {
	cfg := validMySQL()
	cfg.Tables = []*MySQLTable{
		{Name: "shop.products", ChunkKeyColumns: "sku, region"},
	}

	assert.Equal(t, []string{"sku", "region"}, cfg.ChunkKeyOverride("shop.products"))
	assert.Nil(t, cfg.ChunkKeyOverride("shop.orders"))
}

func TestMySQL_ToDSN(t *testing.T) {
	cfg := validMySQL()
	dsn := cfg.ToDSN()
	assert.Contains(t, dsn, "root:hunter2@tcp(localhost:3306)")
}
