package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// ProducerOption configures Producer.
type ProducerOption func(*ProducerConfig)

// ProducerConfig holds producer configuration.
type ProducerConfig struct {
	Brokers      []string
	RequiredAcks int
	Compression  string
	MaxAttempts  int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	BatchSize    int
	BatchBytes   int
	BatchTimeout time.Duration
	Async        bool
	HashByKey    bool
	Auth         Auth
	OnAsyncError func(topic string, err error)
}

// Auth carries SASL/PLAIN credentials. A token alone is sent as the password
// of the "token" user.
type Auth struct {
	Username string
	Password string
	Token    string
}

func (a Auth) enabled() bool { return a.Token != "" || a.Password != "" }

func (a Auth) mechanism() plain.Mechanism {
	if a.Token != "" {
		user := a.Username
		if user == "" {
			user = "token"
		}
		return plain.Mechanism{Username: user, Password: a.Token}
	}
	return plain.Mechanism{Username: a.Username, Password: a.Password}
}

// transport returns nil when no auth is set so kafka-go uses its default.
func (a Auth) transport() *kafka.Transport {
	if !a.enabled() {
		return nil
	}
	return &kafka.Transport{SASL: a.mechanism()}
}

// dialer for readers and broker probes.
func (a Auth) dialer(timeout time.Duration) *kafka.Dialer {
	d := &kafka.Dialer{Timeout: timeout, DualStack: true}
	if a.enabled() {
		d.SASLMechanism = a.mechanism()
	}
	return d
}

// WithBrokers sets Kafka brokers.
func WithBrokers(brokers []string) ProducerOption {
	return func(c *ProducerConfig) {
		c.Brokers = brokers
	}
}

// WithCompression sets compression type.
func WithCompression(compression string) ProducerOption {
	return func(c *ProducerConfig) {
		c.Compression = compression
	}
}

// WithRequiredAcks sets required acknowledgements (-1 = all).
func WithRequiredAcks(acks int) ProducerOption {
	return func(c *ProducerConfig) {
		c.RequiredAcks = acks
	}
}

// WithMaxAttempts sets max retry attempts by the writer.
func WithMaxAttempts(n int) ProducerOption {
	return func(c *ProducerConfig) {
		c.MaxAttempts = n
	}
}

func WithBatchSize(size int) ProducerOption {
	return func(c *ProducerConfig) {
		c.BatchSize = size
	}
}

func WithBatchTimeout(timeout time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		c.BatchTimeout = timeout
	}
}

// WithTimeouts sets writer read/write timeouts.
func WithTimeouts(write, read time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		c.WriteTimeout = write
		c.ReadTimeout = read
	}
}

// WithAsync toggles async writes (fire-and-forget).
func WithAsync(async bool) ProducerOption {
	return func(c *ProducerConfig) {
		c.Async = async
	}
}

// WithHashByKey sets hash balancer for per-key (symbol) ordering.
func WithHashByKey(hash bool) ProducerOption {
	return func(c *ProducerConfig) {
		c.HashByKey = hash
	}
}

// WithAuth enables SASL/PLAIN.
func WithAuth(a Auth) ProducerOption {
	return func(c *ProducerConfig) {
		c.Auth = a
	}
}

// WithAsyncErrorHandler is called for every failed async write batch.
func WithAsyncErrorHandler(fn func(topic string, err error)) ProducerOption {
	return func(c *ProducerConfig) {
		c.OnAsyncError = fn
	}
}
