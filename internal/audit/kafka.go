package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka publishes events as JSON records keyed by locator, so all events of
// one data subject land on the same partition in order.
type Kafka struct {
	client *kgo.Client
}

// NewKafka creates a Kafka publisher producing to topic. The client connects
// lazily on the first Emit.
func NewKafka(brokers []string, topic string, opts ...kgo.Opt) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("audit: at least one kafka broker is required")
	}
	if topic == "" {
		return nil, errors.New("audit: kafka topic is required")
	}
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}, opts...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("audit: create kafka client: %w", err)
	}
	return &Kafka{client: client}, nil
}

// Emit implements Publisher. It waits for the broker acknowledgement.
func (k *Kafka) Emit(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	rec := &kgo.Record{
		Key:   []byte(e.Locator),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("audit: produce %s: %w", e.Type, err)
	}
	return nil
}

// Close flushes buffered records and closes the client.
func (k *Kafka) Close() {
	k.client.Close()
}
