package tradingview

import (
	"sync"
	"time"
)

// heartbeat is a per-connection liveness timer. onExpire runs at most once,
// when Reset has not been called within timeout.
type heartbeat struct {
	timeout  time.Duration
	onExpire func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
	expired bool
}

func newHeartbeat(timeout time.Duration, onExpire func()) *heartbeat {
	return &heartbeat{timeout: timeout, onExpire: onExpire}
}

// Reset rearms the timer. It is a no-op once stopped or expired.
func (h *heartbeat) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.expired {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	h.gen++
	gen := h.gen
	h.timer = time.AfterFunc(h.timeout, func() { h.fire(gen) })
}

func (h *heartbeat) fire(gen uint64) {
	h.mu.Lock()
	if h.stopped || h.expired || gen != h.gen {
		h.mu.Unlock()
		return
	}
	h.expired = true
	h.mu.Unlock()
	h.onExpire()
}

// Stop disarms the timer for good.
func (h *heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *heartbeat) Expired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expired
}
