package kafka

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is a consumed Kafka message
type Message struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
}

// Decode unmarshals the message value into out
func (m *Message) Decode(out any) error {
	if err := json.Unmarshal(m.Value, out); err != nil {
		return fmt.Errorf("decode message %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	return nil
}
