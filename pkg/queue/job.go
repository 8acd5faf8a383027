package queue

import (
	"context"
	"encoding/json"
)

// Job handles every message of one Type.
type Job interface {
	Name() string
	Type() string
	// Handle returning an error schedules a retry until the limit is reached.
	Handle(ctx context.Context, payload json.RawMessage) error
}
