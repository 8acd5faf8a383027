package tradingview

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

const (
	heartbeatMarker = "~h~"

	MethodCreateSession = "quote_create_session"
	MethodSetFields     = "quote_set_fields"
	MethodAddSymbols    = "quote_add_symbols"
	MethodRemoveSymbols = "quote_remove_symbols"
	MethodCompleted     = "quote_completed"
)

var frameSplitter = regexp.MustCompile(`~m~[0-9]+~m~`)

// Encode prefixes payload with its byte length: ~m~<len>~m~<payload>.
func Encode(payload string) string {
	return fmt.Sprintf("~m~%d~m~%s", len(payload), payload)
}

// EncodeHeartbeat builds the pong for an inbound heartbeat number.
func EncodeHeartbeat(n string) string {
	return Encode(heartbeatMarker + n)
}

type outgoing struct {
	M string        `json:"m"`
	P []interface{} `json:"p"`
}

// EncodeMessage builds a control frame {"m":method,"p":[session, params...]}.
func EncodeMessage(session, method string, params ...string) (string, error) {
	p := make([]interface{}, 0, len(params)+1)
	p = append(p, session)
	for _, v := range params {
		p = append(p, v)
	}
	b, err := json.Marshal(outgoing{M: method, P: p})
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", method, err)
	}
	return Encode(string(b)), nil
}

// Packet is a decoded data frame. P is kept raw since its shape depends on M.
type Packet struct {
	M string            `json:"m"`
	P []json.RawMessage `json:"p"`
}

// Frame is either a heartbeat (Heartbeat holds the number as sent) or a packet.
type Frame struct {
	Heartbeat string
	Packet    *Packet
}

func (f Frame) IsHeartbeat() bool { return f.Heartbeat != "" }

// Decode splits raw into frames. Segments that fail to parse are skipped and
// reported through the returned error; the returned frames are always usable.
func Decode(raw string) ([]Frame, error) {
	segments := frameSplitter.Split(strings.ReplaceAll(raw, heartbeatMarker, ""), -1)

	frames := make([]Frame, 0, len(segments))
	var errs []error
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		f, ok, err := decodeSegment(seg)
		if err != nil {
			errs = append(errs, fmt.Errorf("segment %q: %w", truncate(seg, 64), err))
			continue
		}
		if ok {
			frames = append(frames, f)
		}
	}
	return frames, errors.Join(errs...)
}

func decodeSegment(seg string) (Frame, bool, error) {
	var v json.RawMessage
	if err := json.Unmarshal([]byte(seg), &v); err != nil {
		return Frame{}, false, err
	}
	switch c := v[0]; {
	case c == '{':
		var p Packet
		if err := json.Unmarshal(v, &p); err != nil {
			return Frame{}, false, err
		}
		return Frame{Packet: &p}, true, nil
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return Frame{}, false, err
		}
		return Frame{Heartbeat: n.String()}, true, nil
	default:
		// valid JSON that is neither an object nor a number carries nothing for us
		return Frame{}, false, nil
	}
}

// Kind classifies a packet for dispatch.
type Kind int

const (
	KindIgnored Kind = iota
	KindCompleted
	KindError
	KindPrice
)

func (k Kind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindError:
		return "error"
	case KindPrice:
		return "price"
	default:
		return "ignored"
	}
}

type quotePayload struct {
	N      string                     `json:"n"`
	S      string                     `json:"s"`
	ErrMsg string                     `json:"errmsg"`
	V      map[string]json.RawMessage `json:"v"`
}

// Classify maps a packet to exactly one kind. Packets without params are ignored.
func Classify(p *Packet) Kind {
	if p == nil || len(p.P) == 0 {
		return KindIgnored
	}
	if len(p.P) < 2 {
		return KindPrice
	}
	payload := p.P[1]
	switch {
	case len(payload) > 0 && payload[0] == '"':
		if p.M == MethodCompleted {
			return KindCompleted
		}
	case len(payload) > 0 && payload[0] == '{':
		var q quotePayload
		if err := json.Unmarshal(payload, &q); err == nil && q.S == "error" {
			return KindError
		}
	}
	return KindPrice
}

// Quote is the price carried by a price packet.
type Quote struct {
	Exchange string
	Symbol   string
	Price    float64
}

// ParseQuote extracts {n:"EXCHANGE:SYMBOL", v:{lp:number}} from a price packet.
// ok is false for packets without a numeric lp, which the feed sends for field-only updates.
func ParseQuote(p *Packet) (Quote, bool) {
	if p == nil || len(p.P) < 2 {
		return Quote{}, false
	}
	var q quotePayload
	if err := json.Unmarshal(p.P[1], &q); err != nil || q.N == "" {
		return Quote{}, false
	}
	raw, ok := q.V["lp"]
	if !ok {
		return Quote{}, false
	}
	var price float64
	if err := json.Unmarshal(raw, &price); err != nil {
		return Quote{}, false
	}
	exchange, symbol, found := strings.Cut(q.N, ":")
	if !found {
		symbol, exchange = exchange, ""
	}
	return Quote{Exchange: exchange, Symbol: symbol, Price: price}, true
}

// ErrorMessage returns the feed's error text for an error packet.
func ErrorMessage(p *Packet) (symbol, msg string) {
	if p == nil || len(p.P) < 2 {
		return "", ""
	}
	var q quotePayload
	if err := json.Unmarshal(p.P[1], &q); err != nil {
		return "", ""
	}
	return q.N, q.ErrMsg
}

const sessionAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewSessionID returns "xs_" followed by 12 random alphanumerics.
func NewSessionID() string {
	var b strings.Builder
	b.WriteString("xs_")
	for i := 0; i < 12; i++ {
		b.WriteByte(sessionAlphabet[rand.Intn(len(sessionAlphabet))])
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
