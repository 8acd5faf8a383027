package tradingview

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeUsesByteLength(t *testing.T) {
	assert.Equal(t, "~m~5~m~hello", Encode("hello"))
	// "é" is two bytes in UTF-8
	assert.Equal(t, "~m~2~m~é", Encode("é"))
	assert.Equal(t, "~m~5~m~~h~42", EncodeHeartbeat("42"))
}

func TestEncodeMessage(t *testing.T) {
	msg, err := EncodeMessage("xs_abc", MethodAddSymbols, "NASDAQ:AAPL", "BINANCE:BTCUSDT")
	require.NoError(t, err)

	payload := `{"m":"quote_add_symbols","p":["xs_abc","NASDAQ:AAPL","BINANCE:BTCUSDT"]}`
	assert.Equal(t, Encode(payload), msg)

	msg, err = EncodeMessage("xs_abc", MethodCreateSession)
	require.NoError(t, err)
	assert.Equal(t, Encode(`{"m":"quote_create_session","p":["xs_abc"]}`), msg)
}

func TestDecodeConcatenatedFrames(t *testing.T) {
	raw := Encode(`{"m":"qsd","p":["xs_1",{"n":"NASDAQ:AAPL","s":"ok","v":{"lp":190.5}}]}`) +
		EncodeHeartbeat("17") +
		Encode(`{"m":"quote_completed","p":["xs_1","NASDAQ:AAPL"]}`)

	frames, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.False(t, frames[0].IsHeartbeat())
	assert.Equal(t, "qsd", frames[0].Packet.M)
	assert.True(t, frames[1].IsHeartbeat())
	assert.Equal(t, "17", frames[1].Heartbeat)
	assert.Equal(t, MethodCompleted, frames[2].Packet.M)
}

func TestDecodeDropsBadSegmentOnly(t *testing.T) {
	raw := Encode(`{"m":"qsd","p":["xs_1"]}`) + Encode(`{not json`) + EncodeHeartbeat("3")

	frames, err := Decode(raw)
	require.Error(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "qsd", frames[0].Packet.M)
	assert.Equal(t, "3", frames[1].Heartbeat)
}

func TestDecodeIgnoresNonObjectValues(t *testing.T) {
	frames, err := Decode(Encode(`"just a string"`) + Encode(`[1,2]`))
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func packet(t *testing.T, raw string) *Packet {
	t.Helper()
	var p Packet
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return &p
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Kind
	}{
		{"no params", `{"m":"qsd"}`, KindIgnored},
		{"completed", `{"m":"quote_completed","p":["xs_1","NASDAQ:AAPL"]}`, KindCompleted},
		{"string payload other method", `{"m":"qsd","p":["xs_1","NASDAQ:AAPL"]}`, KindPrice},
		{"error", `{"m":"qsd","p":["xs_1",{"n":"FOO:BAR","s":"error","errmsg":"invalid symbol"}]}`, KindError},
		{"price", `{"m":"qsd","p":["xs_1",{"n":"NASDAQ:AAPL","s":"ok","v":{"lp":1.5}}]}`, KindPrice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(packet(t, tc.raw)))
		})
	}
}

func TestParseQuote(t *testing.T) {
	q, ok := ParseQuote(packet(t, `{"m":"qsd","p":["xs_1",{"n":"NASDAQ:AAPL","s":"ok","v":{"lp":190.25,"bid":190.2}}]}`))
	require.True(t, ok)
	assert.Equal(t, Quote{Exchange: "NASDAQ", Symbol: "AAPL", Price: 190.25}, q)

	_, ok = ParseQuote(packet(t, `{"m":"qsd","p":["xs_1",{"n":"NASDAQ:AAPL","s":"ok","v":{"bid":190.2}}]}`))
	assert.False(t, ok)

	_, ok = ParseQuote(packet(t, `{"m":"qsd","p":["xs_1",{"n":"NASDAQ:AAPL","v":{"lp":"x"}}]}`))
	assert.False(t, ok)
}

func TestErrorMessage(t *testing.T) {
	sym, msg := ErrorMessage(packet(t, `{"m":"qsd","p":["xs_1",{"n":"FOO:BAR","s":"error","errmsg":"invalid symbol"}]}`))
	assert.Equal(t, "FOO:BAR", sym)
	assert.Equal(t, "invalid symbol", msg)
}

func TestNewSessionID(t *testing.T) {
	re := regexp.MustCompile(`^xs_[A-Za-z0-9]{12}$`)
	for i := 0; i < 20; i++ {
		assert.Regexp(t, re, NewSessionID())
	}
}
