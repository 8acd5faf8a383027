package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// ErrProducerClosed is returned by Publish after Close.
var ErrProducerClosed = errors.New("kafka producer closed")

// Producer publishes keyed values through one kafka.Writer. It is safe for
// concurrent use.
type Producer struct {
	writer *kafka.Writer
	codec  string
	closed atomic.Bool
}

func defaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		RequiredAcks: int(kafka.RequireAll),
		Compression:  "gzip",
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		BatchSize:    100,
		BatchBytes:   1 << 20,
		BatchTimeout: time.Second,
	}
}

func NewProducer(opts ...ProducerOption) (*Producer, error) {
	cfg := defaultProducerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}

	producerStats.init()
	return &Producer{writer: newWriter(cfg), codec: cfg.Compression}, nil
}

func newWriter(cfg ProducerConfig) *kafka.Writer {
	var balancer kafka.Balancer = &kafka.LeastBytes{}
	if cfg.HashByKey {
		// same key, same partition
		balancer = &kafka.Hash{}
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     balancer,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		BatchSize:    cfg.BatchSize,
		BatchBytes:   int64(cfg.BatchBytes),
		BatchTimeout: cfg.BatchTimeout,
		Async:        cfg.Async,
	}
	if t := cfg.Auth.transport(); t != nil {
		w.Transport = t
	}

	if cfg.Async {
		codec, onErr := cfg.Compression, cfg.OnAsyncError
		w.Completion = func(msgs []kafka.Message, err error) {
			if err == nil || len(msgs) == 0 {
				return
			}
			producerStats.failed(msgs[0].Topic, codec, len(msgs))
			if onErr != nil {
				onErr(msgs[0].Topic, err)
			}
		}
	}
	return w
}

func encodeValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return b, nil
}

// Publish encodes value and writes it under key. Byte slices and strings go
// out as-is; anything else is JSON. With async writes only encoding errors
// are returned here, delivery errors reach the async handler.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value interface{}) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	data, err := encodeValue(value)
	if err != nil {
		return err
	}

	start := time.Now()
	err = p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: data, Time: start})
	if err != nil {
		producerStats.failed(topic, p.codec, 1)
		return fmt.Errorf("write %s: %w", topic, err)
	}
	producerStats.sent(topic, p.codec, len(data), time.Since(start))
	return nil
}

// Close flushes buffered async writes. Calls after the first are no-ops.
func (p *Producer) Close() error {
	if p.writer == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.writer.Close()
}

var compressionCodecs = map[string]kafka.Compression{
	"gzip":   kafka.Gzip,
	"snappy": kafka.Snappy,
	"lz4":    kafka.Lz4,
	"zstd":   kafka.Zstd,
}

// parseCompression falls back to gzip for unknown names.
func parseCompression(name string) kafka.Compression {
	if c, ok := compressionCodecs[name]; ok {
		return c
	}
	return kafka.Gzip
}

type producerMetrics struct {
	once    sync.Once
	msgs    *prometheus.CounterVec
	bytes   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var producerStats producerMetrics

func (m *producerMetrics) init() {
	m.once.Do(func() {
		m.msgs = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "metacore_kafka_producer_messages_total",
			Help: "Messages handed to the Kafka writer by result",
		}, []string{"topic", "compression", "result"})
		m.bytes = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "metacore_kafka_producer_bytes_total",
			Help: "Payload bytes handed to the Kafka writer",
		}, []string{"topic", "compression"})
		m.latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metacore_kafka_producer_publish_seconds",
			Help:    "Time spent in WriteMessages",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"})
	})
}

func (m *producerMetrics) sent(topic, codec string, size int, d time.Duration) {
	if m.msgs == nil {
		return
	}
	m.msgs.WithLabelValues(topic, codec, "ok").Inc()
	m.bytes.WithLabelValues(topic, codec).Add(float64(size))
	m.latency.WithLabelValues(topic).Observe(d.Seconds())
}

func (m *producerMetrics) failed(topic, codec string, n int) {
	if m.msgs == nil {
		return
	}
	m.msgs.WithLabelValues(topic, codec, "error").Add(float64(n))
}
