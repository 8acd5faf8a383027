package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	applogger "MetaCore/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// ConnParams identifies one broker connection.
type ConnParams struct {
	Brokers     []string
	Token       string
	Compression string
	GroupID     string
}

func (p ConnParams) key() string {
	brokers := append([]string(nil), p.Brokers...)
	sort.Strings(brokers)
	return strings.Join(brokers, ",") + "|" + p.Token
}

// Conn bundles the shared producer and the factories for subscriptions on
// one {brokers, token} pair.
type Conn struct {
	params   ConnParams
	producer *Producer
	log      *applogger.Logger

	mu        sync.Mutex
	consumers []*Consumer
	closed    bool
}

// NewConn wraps an existing producer. Exposed so alternate connectors can build one.
func NewConn(params ConnParams, producer *Producer, log *applogger.Logger) *Conn {
	if log == nil {
		log = applogger.NewNop()
	}
	return &Conn{params: params, producer: producer, log: log}
}

func (c *Conn) Params() ConnParams { return c.params }

// Publish is fire-and-forget: data is encoded and handed to the async writer.
// Only encoding errors are returned.
func (c *Conn) Publish(ctx context.Context, topic string, key []byte, data interface{}) error {
	if c.producer == nil {
		return errors.New("kafka: connection has no producer")
	}
	return c.producer.Publish(ctx, topic, key, data)
}

// PublishMessage lets a Conn back the log collector.
func (c *Conn) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return c.Publish(ctx, topic, nil, payload)
}

// Subscribe starts a dedicated consumption loop for topic that calls handler
// sequentially in arrival order. The returned func stops the loop.
func (c *Conn) Subscribe(topic string, handler func(context.Context, []byte) error, opts ...ConsumerOption) (func(context.Context) error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("kafka: connection closed")
	}

	group := c.params.GroupID
	if group == "" {
		group = "metacore"
	}
	base := []ConsumerOption{
		WithConsumerBrokers(c.params.Brokers),
		WithConsumerGroupID(group),
		WithConsumerAuth(Auth{Token: c.params.Token}),
		WithConsumerLogger(c.log),
	}
	consumer, err := NewConsumer(topic, handler, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(); err != nil {
		return nil, err
	}
	c.consumers = append(c.consumers, consumer)
	return consumer.Stop, nil
}

// Close stops every subscription and flushes the producer.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	consumers := c.consumers
	c.consumers = nil
	c.mu.Unlock()

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, cons := range consumers {
		if err := cons.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connector opens a Conn. Errors must not leave resources behind.
type Connector func(ctx context.Context, p ConnParams) (*Conn, error)

type pending struct {
	done chan struct{}
	conn *Conn
	err  error
}

// Registry memoizes one Conn per {brokers, token}. Concurrent Acquire calls
// for the same key share a single in-flight connect; a failed connect is
// evicted so the next Acquire retries.
type Registry struct {
	connect Connector
	log     *applogger.Logger

	mu    sync.Mutex
	conns map[string]*pending
}

type RegistryOption func(*Registry)

func WithConnector(fn Connector) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.connect = fn
		}
	}
}

func WithRegistryLogger(l *applogger.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:   applogger.NewNop(),
		conns: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.connect == nil {
		r.connect = r.dial
	}
	return r
}

// Acquire returns the shared Conn for p, connecting on first use.
func (r *Registry) Acquire(ctx context.Context, p ConnParams) (*Conn, error) {
	key := p.key()

	r.mu.Lock()
	if pe, ok := r.conns[key]; ok {
		r.mu.Unlock()
		select {
		case <-pe.done:
			return pe.conn, pe.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	pe := &pending{done: make(chan struct{})}
	r.conns[key] = pe
	r.mu.Unlock()

	pe.conn, pe.err = r.connect(ctx, p)
	if pe.err != nil {
		r.mu.Lock()
		if r.conns[key] == pe {
			delete(r.conns, key)
		}
		r.mu.Unlock()
		r.log.Error("kafka: connect failed", applogger.Strings("brokers", p.Brokers), applogger.Error(pe.err))
	}
	close(pe.done)
	return pe.conn, pe.err
}

// Close closes every established connection and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*pending)
	r.mu.Unlock()

	var errs []error
	for _, pe := range conns {
		<-pe.done
		if pe.conn != nil {
			if err := pe.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// dial probes the first reachable broker so bad addresses or credentials
// surface to the caller, then builds the async producer.
func (r *Registry) dial(ctx context.Context, p ConnParams) (*Conn, error) {
	if len(p.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	auth := Auth{Token: p.Token}
	dialer := auth.dialer(10 * time.Second)

	var probeErr error
	for _, b := range p.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", b)
		if err != nil {
			probeErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err != nil {
			probeErr = err
			continue
		}
		probeErr = nil
		break
	}
	if probeErr != nil {
		return nil, fmt.Errorf("kafka probe: %w", probeErr)
	}

	log := r.log
	producer, err := NewProducer(
		WithBrokers(p.Brokers),
		WithCompression(p.Compression),
		WithAuth(auth),
		WithAsync(true),
		WithHashByKey(true),
		WithRequiredAcks(int(kafka.RequireOne)),
		WithMaxAttempts(3),
		WithBatchSize(500),
		WithBatchTimeout(50*time.Millisecond),
		WithTimeouts(10*time.Second, 10*time.Second),
		WithAsyncErrorHandler(func(topic string, err error) {
			log.Error("kafka: async publish failed", applogger.String("topic", topic), applogger.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return NewConn(p, producer, r.log), nil
}
