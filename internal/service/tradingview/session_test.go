package tradingview

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"MetaCore/internal/domain/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feedConn struct {
	conn   *websocket.Conn
	origin string
	msgs   chan string
	closed chan struct{}
}

type feedServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *feedConn
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:    make(chan *feedConn, 8),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fc := &feedConn{
			conn:   conn,
			origin: r.Header.Get("Origin"),
			msgs:   make(chan string, 64),
			closed: make(chan struct{}),
		}
		fs.conns <- fc
		defer close(fc.closed)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fc.msgs <- string(data)
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *feedServer) accept(t *testing.T) *feedConn {
	t.Helper()
	select {
	case fc := <-fs.conns:
		return fc
	case <-time.After(3 * time.Second):
		t.Fatal("no connection from session")
		return nil
	}
}

func (fc *feedConn) next(t *testing.T) *Packet {
	t.Helper()
	select {
	case raw := <-fc.msgs:
		frames, err := Decode(raw)
		require.NoError(t, err)
		require.Len(t, frames, 1)
		require.NotNil(t, frames[0].Packet, "expected packet, got %q", raw)
		return frames[0].Packet
	case <-time.After(2 * time.Second):
		t.Fatal("no message from session")
		return nil
	}
}

func (fc *feedConn) nextRaw(t *testing.T) string {
	t.Helper()
	select {
	case raw := <-fc.msgs:
		return raw
	case <-time.After(2 * time.Second):
		t.Fatal("no message from session")
		return ""
	}
}

func params(t *testing.T, p *Packet) []string {
	t.Helper()
	out := make([]string, 0, len(p.P))
	for _, raw := range p.P {
		s := strings.Trim(string(raw), `"`)
		out = append(out, s)
	}
	return out
}

type recordingHandler struct {
	onOpen func(Subscriptions)

	mu        sync.Mutex
	opens     int
	setSizes  []int
	prices    chan *Packet
	errs      chan *Packet
	completed chan *Packet
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		prices:    make(chan *Packet, 16),
		errs:      make(chan *Packet, 16),
		completed: make(chan *Packet, 16),
	}
}

func (h *recordingHandler) OnOpen(_ context.Context, subs Subscriptions) {
	h.mu.Lock()
	h.opens++
	h.setSizes = append(h.setSizes, len(subs.(*Session).Subscribed()))
	h.mu.Unlock()
	if h.onOpen != nil {
		h.onOpen(subs)
	}
}

func (h *recordingHandler) OnPrice(p *Packet)     { h.prices <- p }
func (h *recordingHandler) OnError(p *Packet)     { h.errs <- p }
func (h *recordingHandler) OnCompleted(p *Packet) { h.completed <- p }

func (h *recordingHandler) openCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens
}

var (
	aapl = models.Instrument{Symbol: "AAPL", Exchange: "NASDAQ"}
	btc  = models.Instrument{Symbol: "BTCUSDT", Exchange: "BINANCE"}
)

func startSession(t *testing.T, fs *feedServer, h Handler, cfg Config) *Session {
	t.Helper()
	cfg.URL = fs.url()
	if cfg.Origin == "" {
		cfg.Origin = "https://www.tradingview.com"
	}
	s := NewSession(cfg)
	require.NoError(t, s.Start(context.Background(), h))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionOpenSequence(t *testing.T) {
	fs := newFeedServer(t)
	h := newRecordingHandler()
	h.onOpen = func(subs Subscriptions) { _ = subs.Subscribe([]models.Instrument{aapl, btc}) }
	s := startSession(t, fs, h, Config{})

	fc := fs.accept(t)
	assert.Equal(t, "https://www.tradingview.com", fc.origin)

	create := fc.next(t)
	assert.Equal(t, MethodCreateSession, create.M)
	assert.Equal(t, []string{s.ID()}, params(t, create))

	fields := fc.next(t)
	assert.Equal(t, MethodSetFields, fields.M)
	assert.Equal(t, []string{s.ID(), "lp", "bid", "ask", "volume"}, params(t, fields))

	add := fc.next(t)
	assert.Equal(t, MethodAddSymbols, add.M)
	assert.Equal(t, []string{s.ID(), "NASDAQ:AAPL", "BINANCE:BTCUSDT"}, params(t, add))
	assert.True(t, s.IsConnected())
}

func TestSessionSubscriptionSetIsIdempotent(t *testing.T) {
	fs := newFeedServer(t)
	h := newRecordingHandler()
	s := startSession(t, fs, h, Config{})

	fc := fs.accept(t)
	fc.next(t)
	fc.next(t)

	require.NoError(t, s.Subscribe([]models.Instrument{aapl}))
	require.NoError(t, s.Subscribe([]models.Instrument{aapl}))
	require.NoError(t, s.Unsubscribe([]models.Instrument{btc}))
	require.NoError(t, s.Subscribe([]models.Instrument{aapl, btc}))
	require.NoError(t, s.Unsubscribe([]models.Instrument{aapl, aapl}))

	first := fc.next(t)
	assert.Equal(t, MethodAddSymbols, first.M)
	assert.Equal(t, []string{s.ID(), "NASDAQ:AAPL"}, params(t, first))

	second := fc.next(t)
	assert.Equal(t, MethodAddSymbols, second.M)
	assert.Equal(t, []string{s.ID(), "BINANCE:BTCUSDT"}, params(t, second))

	third := fc.next(t)
	assert.Equal(t, MethodRemoveSymbols, third.M)
	assert.Equal(t, []string{s.ID(), "NASDAQ:AAPL"}, params(t, third))

	assert.ElementsMatch(t, []string{"BINANCE:BTCUSDT"}, s.Subscribed())
}

func TestSessionResubscribeAlwaysSendsBothFrames(t *testing.T) {
	fs := newFeedServer(t)
	s := startSession(t, fs, newRecordingHandler(), Config{})

	fc := fs.accept(t)
	fc.next(t)
	fc.next(t)

	require.NoError(t, s.Resubscribe([]models.Instrument{aapl}))

	remove := fc.next(t)
	assert.Equal(t, MethodRemoveSymbols, remove.M)
	assert.Equal(t, []string{s.ID(), "NASDAQ:AAPL"}, params(t, remove))
	add := fc.next(t)
	assert.Equal(t, MethodAddSymbols, add.M)
	assert.Equal(t, []string{s.ID(), "NASDAQ:AAPL"}, params(t, add))

	require.NoError(t, s.Resubscribe(nil))
}

func TestSessionAnswersHeartbeat(t *testing.T) {
	fs := newFeedServer(t)
	startSession(t, fs, newRecordingHandler(), Config{})

	fc := fs.accept(t)
	fc.next(t)
	fc.next(t)

	require.NoError(t, fc.conn.WriteMessage(websocket.TextMessage, []byte(EncodeHeartbeat("42"))))
	assert.Equal(t, "~m~5~m~~h~42", fc.nextRaw(t))
}

func TestSessionDispatchesEachFrameOnce(t *testing.T) {
	fs := newFeedServer(t)
	h := newRecordingHandler()
	startSession(t, fs, h, Config{})

	fc := fs.accept(t)
	fc.next(t)
	fc.next(t)

	raw := Encode(`{"m":"qsd","p":["xs_1",{"n":"NASDAQ:AAPL","s":"ok","v":{"lp":190.5}}]}`) +
		Encode(`{"m":"qsd","p":["xs_1",{"n":"FOO:BAR","s":"error","errmsg":"invalid symbol"}]}`) +
		Encode(`{broken`) +
		Encode(`{"m":"quote_completed","p":["xs_1","NASDAQ:AAPL"]}`)
	require.NoError(t, fc.conn.WriteMessage(websocket.TextMessage, []byte(raw)))

	select {
	case p := <-h.prices:
		q, ok := ParseQuote(p)
		require.True(t, ok)
		assert.Equal(t, 190.5, q.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("price not dispatched")
	}
	select {
	case <-h.errs:
	case <-time.After(2 * time.Second):
		t.Fatal("error not dispatched")
	}
	select {
	case <-h.completed:
	case <-time.After(2 * time.Second):
		t.Fatal("completed not dispatched")
	}
	assert.Len(t, h.prices, 0)
	assert.Len(t, h.errs, 0)
}

func TestSessionSurvivesPanickingOnOpen(t *testing.T) {
	fs := newFeedServer(t)
	h := newRecordingHandler()
	h.onOpen = func(Subscriptions) { panic("registry exploded") }
	s := startSession(t, fs, h, Config{})

	fc := fs.accept(t)
	fc.next(t)
	fc.next(t)

	raw := Encode(`{"m":"qsd","p":["xs_1",{"n":"NASDAQ:AAPL","s":"ok","v":{"lp":190.5}}]}`)
	require.NoError(t, fc.conn.WriteMessage(websocket.TextMessage, []byte(raw)))

	select {
	case <-h.prices:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop stopped after OnOpen panic")
	}
	assert.True(t, s.IsConnected())
	assert.Equal(t, 1, h.openCount())
}

func TestSessionReconnectsAndResetsSubscriptions(t *testing.T) {
	fs := newFeedServer(t)
	h := newRecordingHandler()
	h.onOpen = func(subs Subscriptions) { _ = subs.Subscribe([]models.Instrument{aapl}) }
	s := startSession(t, fs, h, Config{ReconnectDelay: 50 * time.Millisecond})

	first := fs.accept(t)
	first.next(t)
	first.next(t)
	first.next(t)
	require.NoError(t, first.conn.Close())

	second := fs.accept(t)
	second.next(t)
	second.next(t)
	add := second.next(t)
	assert.Equal(t, MethodAddSymbols, add.M)

	assert.Equal(t, 2, h.openCount())
	h.mu.Lock()
	assert.Equal(t, []int{0, 0}, h.setSizes)
	h.mu.Unlock()
	assert.Equal(t, []string{"NASDAQ:AAPL"}, s.Subscribed())
}

func TestSessionHeartbeatTimeoutTerminatesConnection(t *testing.T) {
	fs := newFeedServer(t)
	startSession(t, fs, newRecordingHandler(), Config{
		HeartbeatTimeout: 150 * time.Millisecond,
		ReconnectDelay:   50 * time.Millisecond,
	})

	first := fs.accept(t)
	select {
	case <-first.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not terminated after heartbeat silence")
	}

	second := fs.accept(t)
	assert.Equal(t, MethodCreateSession, second.next(t).M)
}

func TestSessionNotConnected(t *testing.T) {
	s := NewSession(Config{URL: "ws://127.0.0.1:1"})
	assert.ErrorIs(t, s.Subscribe([]models.Instrument{aapl}), ErrNotConnected)
	assert.ErrorIs(t, s.Unsubscribe([]models.Instrument{aapl}), ErrNotConnected)
	assert.ErrorIs(t, s.Resubscribe([]models.Instrument{aapl}), ErrNotConnected)
	assert.Empty(t, s.Subscribed())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionClose(t *testing.T) {
	fs := newFeedServer(t)
	s := startSession(t, fs, newRecordingHandler(), Config{ReconnectDelay: 50 * time.Millisecond})

	fc := fs.accept(t)
	fc.next(t)
	require.NoError(t, s.Close())

	select {
	case <-fc.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server side not closed")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Start(context.Background(), newRecordingHandler()), ErrClosed)

	select {
	case <-fs.conns:
		t.Fatal("session reconnected after Close")
	case <-time.After(150 * time.Millisecond):
	}
}
