package tradingview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"MetaCore/internal/domain/models"
	drepo "MetaCore/internal/domain/repository"
	applogger "MetaCore/pkg/logger"

	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected   = errors.New("tradingview: not connected")
	ErrAlreadyStarted = errors.New("tradingview: session already started")
	ErrClosed         = errors.New("tradingview: session closed")
)

// DefaultFields are requested with quote_set_fields on every connection.
var DefaultFields = []string{"lp", "bid", "ask", "volume"}

type Config struct {
	URL              string
	Origin           string
	ReconnectDelay   time.Duration
	HeartbeatTimeout time.Duration
	Fields           []string
}

func (c *Config) setDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if len(c.Fields) == 0 {
		c.Fields = DefaultFields
	}
}

// Subscriptions is the subscription surface handed to OnOpen.
type Subscriptions interface {
	Subscribe(items []models.Instrument) error
	Unsubscribe(items []models.Instrument) error
	Resubscribe(items []models.Instrument) error
}

// Handler observes one session. Exactly one of OnCompleted, OnError or
// OnPrice is called per data frame, in arrival order, on the read goroutine.
type Handler interface {
	OnOpen(ctx context.Context, subs Subscriptions)
	OnPrice(pkt *Packet)
	OnError(pkt *Packet)
	OnCompleted(pkt *Packet)
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

type Option func(*Session)

func WithLogger(l *applogger.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m drepo.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithVerbose logs every inbound packet at debug level.
func WithVerbose(v bool) Option {
	return func(s *Session) { s.verbose = v }
}

// Session owns one feed connection at a time and reconnects after a fixed
// delay whenever it drops, until Close.
type Session struct {
	cfg     Config
	id      string
	dialer  *websocket.Dialer
	logger  *applogger.Logger
	metrics drepo.Metrics
	verbose bool

	state   atomic.Int32
	started atomic.Bool

	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed map[string]struct{}

	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(cfg Config, opts ...Option) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg:        cfg,
		id:         NewSessionID(),
		dialer:     websocket.DefaultDialer,
		logger:     applogger.NewNop(),
		metrics:    drepo.NopMetrics{},
		subscribed: make(map[string]struct{}),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) IsConnected() bool { return s.State() == StateOpen }

// Start runs the connect loop in the background until ctx ends or Close is called.
func (s *Session) Start(ctx context.Context, h Handler) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go func() {
		defer cancel()
		s.run(ctx, h)
	}()
	return nil
}

func (s *Session) run(ctx context.Context, h Handler) {
	defer close(s.done)
	defer s.state.Store(int32(StateClosed))

	for {
		if err := s.connectAndServe(ctx, h); err != nil {
			s.logger.Warn("feed connection ended", applogger.Error(err))
		}
		if s.isShuttingDown(ctx) {
			return
		}

		s.metrics.RecordError("feed_reconnect")
		s.logger.Info("reconnecting to feed", applogger.Duration("delay_ms", s.cfg.ReconnectDelay))
		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.closed:
			timer.Stop()
			return
		}
	}
}

func (s *Session) isShuttingDown(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) connectAndServe(ctx context.Context, h Handler) error {
	s.state.Store(int32(StateConnecting))
	defer s.state.CompareAndSwap(int32(StateOpen), int32(StateDisconnected))
	defer s.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))

	header := http.Header{}
	if s.cfg.Origin != "" {
		header.Set("Origin", s.cfg.Origin)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.subscribed = make(map[string]struct{})
	s.mu.Unlock()
	defer s.release(conn)

	// Close may have raced with the dial.
	if s.isShuttingDown(ctx) {
		return nil
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.state.Store(int32(StateOpen))
	s.logger.Info("feed connected", applogger.String("url", s.cfg.URL), applogger.String("session", s.id))

	hb := newHeartbeat(s.cfg.HeartbeatTimeout, func() {
		s.logger.Warn("heartbeat timed out, terminating connection")
		s.metrics.RecordError("feed_heartbeat_timeout")
		_ = conn.Close()
	})
	hb.Reset()
	defer hb.Stop()

	if err := s.send(conn, MethodCreateSession); err != nil {
		return err
	}
	if err := s.send(conn, MethodSetFields, s.cfg.Fields...); err != nil {
		return err
	}
	s.open(ctx, h)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if hb.Expired() {
				return fmt.Errorf("heartbeat timeout: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(conn, string(data), hb, h)
	}
}

// release clears the connection handle and the subscription set it owned.
func (s *Session) release(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.subscribed = make(map[string]struct{})
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Session) dispatch(conn *websocket.Conn, raw string, hb *heartbeat, h Handler) {
	frames, err := Decode(raw)
	if err != nil {
		s.metrics.RecordError("feed_decode")
		s.logger.Warn("dropped undecodable frames", applogger.Error(err))
	}
	for _, f := range frames {
		if f.IsHeartbeat() {
			if err := s.write(conn, EncodeHeartbeat(f.Heartbeat)); err != nil {
				s.logger.Error("failed to answer heartbeat", applogger.Error(err))
				_ = conn.Close()
				return
			}
			hb.Reset()
			continue
		}
		s.handlePacket(f.Packet, h)
	}
}

// open runs the handler's OnOpen. A panic there is logged and the
// connection keeps reading.
func (s *Session) open(ctx context.Context, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordError("feed_on_open")
			s.logger.Error("feed open handler panicked", applogger.Any("panic", r))
		}
	}()
	h.OnOpen(ctx, s)
}

func (s *Session) handlePacket(pkt *Packet, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("feed handler panicked", applogger.String("method", pkt.M), applogger.Any("panic", r))
		}
	}()
	kind := Classify(pkt)
	if s.verbose {
		s.logger.Debug("feed packet", applogger.String("method", pkt.M), applogger.String("kind", kind.String()))
	}
	switch kind {
	case KindCompleted:
		h.OnCompleted(pkt)
	case KindError:
		h.OnError(pkt)
	case KindPrice:
		h.OnPrice(pkt)
	}
}

// Subscribe adds the instruments that are not yet subscribed with a single
// quote_add_symbols frame. Keys already in the set send nothing.
func (s *Session) Subscribe(items []models.Instrument) error {
	return s.applySet(MethodAddSymbols, items, true)
}

// Unsubscribe removes subscribed instruments with a single quote_remove_symbols frame.
func (s *Session) Unsubscribe(items []models.Instrument) error {
	return s.applySet(MethodRemoveSymbols, items, false)
}

func (s *Session) applySet(method string, items []models.Instrument, add bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}

	keys := make([]string, 0, len(items))
	for _, it := range items {
		key := it.Key()
		_, present := s.subscribed[key]
		if present == add {
			continue
		}
		if add {
			s.subscribed[key] = struct{}{}
		} else {
			delete(s.subscribed, key)
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.send(s.conn, method, keys...)
}

// Resubscribe always sends quote_remove_symbols then quote_add_symbols for
// the whole list, whatever the set holds.
func (s *Session) Resubscribe(items []models.Instrument) error {
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.Key())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	if err := s.send(s.conn, MethodRemoveSymbols, keys...); err != nil {
		return err
	}
	for _, k := range keys {
		s.subscribed[k] = struct{}{}
	}
	return s.send(s.conn, MethodAddSymbols, keys...)
}

// Subscribed returns the current subscription set.
func (s *Session) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscribed))
	for k := range s.subscribed {
		out = append(out, k)
	}
	return out
}

func (s *Session) send(conn *websocket.Conn, method string, params ...string) error {
	msg, err := EncodeMessage(s.id, method, params...)
	if err != nil {
		return err
	}
	if err := s.write(conn, msg); err != nil {
		// a failed write means the transport is gone; force the read loop out
		_ = conn.Close()
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

func (s *Session) write(conn *websocket.Conn, msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Close stops reconnecting and closes the live connection with a normal close frame.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn, cancel := s.conn, s.cancel
		s.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		if cancel != nil {
			cancel()
		}
	})
	if !s.started.Load() {
		s.state.Store(int32(StateClosed))
		return nil
	}
	<-s.done
	return nil
}
