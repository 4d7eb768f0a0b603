package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKafka_Validate(t *testing.T) {
	{
		var cfg *Kafka
		assert.ErrorContains(t, cfg.Validate(), "kafka config is nil")
	}
	{
		cfg := &Kafka{TopicPrefix: "cdc"}
		assert.ErrorContains(t, cfg.Validate(), "bootstrap servers not passed in")
	}
	{
		cfg := &Kafka{BootstrapServers: "localhost:9092"}
		assert.ErrorContains(t, cfg.Validate(), "topic prefix not passed in")
	}
	{
		cfg := &Kafka{BootstrapServers: "localhost:9092", TopicPrefix: "cdc"}
		assert.NoError(t, cfg.Validate())
		assert.Equal(t, uint(2500), cfg.GetPublishSize())
	}
	{
		cfg := &Kafka{BootstrapServers: "a:9092, b:9092"}
		assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.BootstrapAddresses())
	}
}

func TestReadConfig(t *testing.T) {
	{
		_, err := ReadConfig("/does/not/exist.yaml")
		assert.ErrorContains(t, err, "failed to read config file")
	}
	{
		filePath := filepath.Join(t.TempDir(), "config.yaml")
		assert.NoError(t, os.WriteFile(filePath, []byte(`
kafka:
  bootstrapServers: localhost:9092
  topicPrefix: cdc
mysql:
  host: localhost
  port: 3306
  username: root
  password: hunter2
  tableFilter: shop\..*
  checkpointFile: /tmp/checkpoint.yaml
  chunkSize: 100
`), 0o644))

		settings, err := ReadConfig(filePath)
		assert.NoError(t, err)
		assert.Equal(t, uint(100), settings.MySQL.GetChunkSize())
		assert.Equal(t, uint32(5400), settings.MySQL.ServerIDBase)
	}
	{
		// validation failures surface
		filePath := filepath.Join(t.TempDir(), "config.yaml")
		assert.NoError(t, os.WriteFile(filePath, []byte(`
kafka:
  bootstrapServers: localhost:9092
  topicPrefix: cdc
mysql:
  host: localhost
`), 0o644))

		_, err := ReadConfig(filePath)
		assert.ErrorContains(t, err, "mysql validation failed")
	}
}
