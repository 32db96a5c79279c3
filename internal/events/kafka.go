package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/creditline/internal/observability/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is a broker-agnostic record handed to a Producer.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Producer delivers messages to a broker. Produce must block until the broker acknowledges.
type Producer interface {
	Produce(ctx context.Context, msg Message) error
	Close()
}

// KafkaProducer publishes messages with a franz-go client.
type KafkaProducer struct {
	client *kgo.Client
}

// NewKafkaProducer creates a synchronous producer for the given brokers.
func NewKafkaProducer(brokers []string, clientID string) (*KafkaProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaProducer{client: client}, nil
}

func (p *KafkaProducer) Produce(ctx context.Context, msg Message) error {
	record := &kgo.Record{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", metrics.ErrBroker, err)
	}
	return nil
}

// Ping checks broker connectivity.
func (p *KafkaProducer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *KafkaProducer) Close() {
	p.client.Close()
}
