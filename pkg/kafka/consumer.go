package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	applogger "MetaCore/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// HandlerFunc adapts a function to MessageHandler for one topic.
type HandlerFunc struct {
	TopicName string
	Fn        func(context.Context, []byte) error
}

func (h HandlerFunc) Topic() string { return h.TopicName }

func (h HandlerFunc) Handle(ctx context.Context, data []byte) error { return h.Fn(ctx, data) }

// ConsumerOption configures Consumer.
type ConsumerOption func(*ConsumerConfig)

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	// StartLatest makes a new group begin at the log end instead of the start.
	StartLatest bool
	BufferSize  int
	RetryMax    int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	DLQTopic    string
	Auth        Auth
	Logger      *applogger.Logger
	Hook        ConsumerHook
}

func WithConsumerBrokers(brokers []string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Brokers = brokers
	}
}

func WithConsumerGroupID(groupID string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.GroupID = groupID
	}
}

func WithConsumerStartLatest(latest bool) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.StartLatest = latest
	}
}

// WithConsumerRetry configures retry attempts and backoff range.
func WithConsumerRetry(max int, backoffMin, backoffMax time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RetryMax = max
		c.BackoffMin = backoffMin
		c.BackoffMax = backoffMax
	}
}

// WithConsumerDLQ sets a Kafka topic name for DLQ.
func WithConsumerDLQ(topic string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.DLQTopic = topic
	}
}

// WithConsumerBufferSize bounds how many fetched messages wait for the handler.
func WithConsumerBufferSize(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

func WithConsumerAuth(a Auth) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Auth = a
	}
}

func WithConsumerLogger(l *applogger.Logger) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Logger = l
	}
}

// WithConsumerHook sets a hook implementation for lifecycle events.
func WithConsumerHook(h ConsumerHook) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Hook = h
	}
}

// Consumer reads one topic and hands every message to a single handler in
// arrival order. Offsets are committed after handling.
type Consumer struct {
	cfg     ConsumerConfig
	topic   string
	handler func(context.Context, []byte) error
	log     *applogger.Logger
	hook    ConsumerHook

	reader *kafka.Reader
	commit func(context.Context, kafka.Message) error
	dlq    *kafka.Writer

	queue    chan kafka.Message
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewConsumer validates the config. Nothing connects until Start.
func NewConsumer(topic string, handler func(context.Context, []byte) error, opts ...ConsumerOption) (*Consumer, error) {
	cfg := ConsumerConfig{
		GroupID:    "default",
		BufferSize: 10,
		RetryMax:   3,
		BackoffMin: 50 * time.Millisecond,
		BackoffMax: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	log := cfg.Logger
	if log == nil {
		log = applogger.NewNop()
	}
	var hook ConsumerHook = NoopHook{}
	if cfg.Hook != nil {
		hook = cfg.Hook
	}

	initConsumerMetricsOnce()

	c := &Consumer{
		cfg:     cfg,
		topic:   topic,
		handler: handler,
		log:     log,
		hook:    hook,
		queue:   make(chan kafka.Message, cfg.BufferSize),
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.LeastBytes{}}
		if t := cfg.Auth.transport(); t != nil {
			c.dlq.Transport = t
		}
	}
	return c, nil
}

func (c *Consumer) Topic() string { return c.topic }

// Start opens the group reader and launches the fetch and handle loops.
func (c *Consumer) Start() error {
	start := kafka.FirstOffset
	if c.cfg.StartLatest {
		start = kafka.LastOffset
	}
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		Topic:       c.topic,
		GroupID:     c.cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: start,
		Dialer:      c.cfg.Auth.dialer(10 * time.Second),
	})
	reader := c.reader
	c.commit = func(ctx context.Context, km kafka.Message) error { return reader.CommitMessages(ctx, km) }

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(2)
	go c.fetch(ctx)
	go c.work(ctx)

	c.log.Info("kafka consumer: started", applogger.String("topic", c.topic), applogger.String("group", c.cfg.GroupID))
	return nil
}

// Stop ends fetching, lets the handler finish what was already fetched, then
// closes the reader.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()
		stopErr = c.wait(ctx)

		if err := c.reader.Close(); err != nil {
			c.log.Warn("kafka consumer: close reader", applogger.String("topic", c.topic), applogger.Error(err))
		}
		if c.dlq != nil {
			if err := c.dlq.Close(); err != nil {
				c.log.Warn("kafka consumer: close dlq writer", applogger.Error(err))
			}
		}
		if stopErr == nil {
			c.log.Info("kafka consumer: stopped", applogger.String("topic", c.topic))
		}
	})
	return stopErr
}

func (c *Consumer) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (c *Consumer) fetch(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.queue)

	attempt := 0
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			c.log.Warn("kafka consumer: read failed", applogger.String("topic", c.topic), applogger.Error(err))
			select {
			case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)):
			case <-ctx.Done():
				return
			}
			continue
		}
		attempt = 0

		select {
		case c.queue <- msg:
			consumerQueueDepth.WithLabelValues(c.topic).Set(float64(len(c.queue)))
		case <-ctx.Done():
			return
		}
	}
}

// work drains the queue until fetch closes it. ctx only aborts retry waits.
func (c *Consumer) work(ctx context.Context) {
	defer c.wg.Done()
	for msg := range c.queue {
		c.process(ctx, msg)
	}
}

func (c *Consumer) process(ctx context.Context, km kafka.Message) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("kafka consumer: handler panicked", applogger.String("topic", c.topic), applogger.Any("panic", r))
		}
		consumerHandleLatency.WithLabelValues(c.topic).Observe(time.Since(start).Seconds())
	}()

	var err error
	attempts := 0
	for {
		attempts++
		hctx, hmsg, hdata, berr := c.hook.BeforeHandle(context.Background(), c.topic, km, km.Value)
		if berr != nil {
			err = berr
			break
		}
		err = c.handler(hctx, hdata)
		c.hook.AfterHandle(hctx, c.topic, hmsg, hdata, err)
		if err == nil || attempts > c.cfg.RetryMax {
			break
		}
		select {
		case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempts)):
		case <-ctx.Done():
			// left uncommitted so the group redelivers it
			return
		}
	}

	if err != nil {
		c.hook.OnError(context.Background(), c.topic, km, km.Value, err)
		c.log.Error("kafka consumer: handling failed",
			applogger.String("topic", c.topic),
			applogger.Int("attempts", attempts),
			applogger.Error(err),
		)
		if c.dlq == nil {
			return
		}
		if dlqErr := c.dlq.WriteMessages(context.Background(), kafka.Message{
			Topic:   c.cfg.DLQTopic,
			Key:     km.Key,
			Value:   km.Value,
			Time:    time.Now(),
			Headers: []kafka.Header{{Key: "source_topic", Value: []byte(c.topic)}},
		}); dlqErr != nil {
			c.log.Error("kafka consumer: dlq write failed", applogger.String("dlq", c.cfg.DLQTopic), applogger.Error(dlqErr))
			return
		}
	}
	c.commitWithRetry(km, 3)
}

// commitWithRetry commits a single message offset with bounded retries.
func (c *Consumer) commitWithRetry(km kafka.Message, max int) {
	if c.commit == nil {
		return
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = c.commit(ctx, km)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.log.Warn("kafka consumer: commit failed", applogger.String("topic", c.topic), applogger.Int("attempts", max), applogger.Error(err))
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	if attempt < 1 {
		attempt = 1
	}
	exp := max
	if attempt < 31 {
		if d := min * time.Duration(1<<uint(attempt-1)); d > 0 && d < max {
			exp = d
		}
	}
	// jitter up to 50%
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp - jitter
}

var (
	consumerMetricsOnce   sync.Once
	consumerQueueDepth    *prometheus.GaugeVec
	consumerHandleLatency *prometheus.HistogramVec
)

func initConsumerMetricsOnce() {
	consumerMetricsOnce.Do(func() {
		consumerQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "metacore_kafka_consumer_queue_depth", Help: "Number of messages waiting in consumer queue"},
			[]string{"topic"},
		)
		consumerHandleLatency = promauto.NewHistogramVec(
			prometheus.HistogramOpts{Name: "metacore_kafka_consumer_handle_seconds", Help: "Handling time per message"},
			[]string{"topic"},
		)
	})
}
