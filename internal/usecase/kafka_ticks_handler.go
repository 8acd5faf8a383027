package usecase

import (
	"context"
	"encoding/json"
	"time"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
	pkgkafka "MetaCore/pkg/kafka"
)

// KafkaTicksHandler consumes ticks from the topic and feeds the batch flusher.
type KafkaTicksHandler struct {
	topic   string
	flusher *BatchFlusher
	metrics domrepo.Metrics
}

func NewKafkaTicksHandler(topic string, flusher *BatchFlusher, metrics domrepo.Metrics) *KafkaTicksHandler {
	if metrics == nil {
		metrics = domrepo.NopMetrics{}
	}
	return &KafkaTicksHandler{topic: topic, flusher: flusher, metrics: metrics}
}

func (h *KafkaTicksHandler) Topic() string { return h.topic }

// incoming message schema: {symbol, price, timestamp}
func (h *KafkaTicksHandler) Handle(_ context.Context, b []byte) error {
	var m struct {
		Symbol    string  `json:"symbol"`
		Price     float64 `json:"price"`
		Timestamp int64   `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}
	if m.Timestamp > 1e11 { // ms
		m.Timestamp = m.Timestamp / 1000
	}
	h.metrics.RecordLatency("ingest_e2e_seconds", time.Since(time.Unix(m.Timestamp, 0)).Seconds())

	h.flusher.Add(models.Tick{Symbol: m.Symbol, Price: m.Price, Timestamp: m.Timestamp})
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaTicksHandler)(nil)
