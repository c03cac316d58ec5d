package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/SSR3-FinalPj/AI-auto/pkg/config"
	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

// HeaderRequestID carries the request id on every record.
const HeaderRequestID = "request_id"

// KafkaPublisher produces events with acks from all in-sync replicas.
// Producer idempotency is on by default in kgo.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafka creates a producer for cfg.Topic. Brokers are contacted lazily.
func NewKafka(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if d := cfg.DeliveryTimeout.Std(); d > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(d))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: cfg.Topic}, nil
}

func newRecord(topic, key string, ev *model.Event) (*kgo.Record, error) {
	value, err := Encode(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderRequestID, Value: []byte(ev.RequestID)},
		},
	}, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, ev *model.Event) error {
	rec, err := newRecord(p.topic, key, ev)
	if err != nil {
		return err
	}

	res := p.client.ProduceSync(ctx, rec)
	r, err := res.First()
	if err != nil {
		return fmt.Errorf("kafka produce %s: %w", key, err)
	}
	slog.Debug("Event delivered", "topic", r.Topic, "partition", r.Partition, "offset", r.Offset, "key", key)
	return nil
}

// Flush implements Publisher.
func (p *KafkaPublisher) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Ping checks that at least one broker answers.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close implements Publisher.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
