package repository

import (
	"context"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
	pkgkafka "MetaCore/pkg/kafka"
)

// TickMessage is the broker payload. Volume is added by the consumer side.
type TickMessage struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// KafkaPublisher publishes ticks on one topic, keyed by symbol.
type KafkaPublisher struct {
	conn  *pkgkafka.Conn
	topic string
}

func NewKafkaPublisher(conn *pkgkafka.Conn, topic string) *KafkaPublisher {
	return &KafkaPublisher{conn: conn, topic: topic}
}

var _ domrepo.Publisher = (*KafkaPublisher)(nil)

func (p *KafkaPublisher) Publish(ctx context.Context, t models.Tick) error {
	return p.conn.Publish(ctx, p.topic, []byte(t.Symbol), TickMessage{
		Symbol:    t.Symbol,
		Price:     t.Price,
		Timestamp: t.Timestamp,
	})
}

// Close is a no-op: the connection is owned by the registry.
func (p *KafkaPublisher) Close() error { return nil }
