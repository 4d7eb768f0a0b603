package kafkalib

import (
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/artie-labs/capture/config"
	"github.com/artie-labs/capture/lib"
)

func newMessage(cfg config.Kafka, rawMessage lib.RawMessage) (kafka.Message, error) {
	valueBytes, err := json.Marshal(rawMessage.Payload())
	if err != nil {
		return kafka.Message{}, err
	}

	keyBytes, err := json.Marshal(rawMessage.PartitionKey())
	if err != nil {
		return kafka.Message{}, err
	}

	return kafka.Message{
		Topic: fmt.Sprintf("%s.%s", cfg.TopicPrefix, rawMessage.TopicSuffix()),
		Key:   keyBytes,
		Value: valueBytes,
	}, nil
}

func buildKafkaMessages(cfg config.Kafka, msgs []lib.RawMessage) ([]kafka.Message, error) {
	result := make([]kafka.Message, len(msgs))
	for i, msg := range msgs {
		kMsg, err := newMessage(cfg, msg)
		if err != nil {
			return nil, err
		}
		result[i] = kMsg
	}
	return result, nil
}
