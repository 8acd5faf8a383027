package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryMemoizesPerKey(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	reg := NewRegistry(WithConnector(func(ctx context.Context, p ConnParams) (*Conn, error) {
		calls.Add(1)
		<-release
		return NewConn(p, nil, nil), nil
	}))

	params := ConnParams{Brokers: []string{"b2:9092", "b1:9092"}, Token: "secret"}
	var wg sync.WaitGroup
	results := make([]*Conn, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := reg.Acquire(context.Background(), params)
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, c := range results {
		assert.Same(t, results[0], c)
	}

	// broker order does not change identity
	same, err := reg.Acquire(context.Background(), ConnParams{Brokers: []string{"b1:9092", "b2:9092"}, Token: "secret"})
	require.NoError(t, err)
	assert.Same(t, results[0], same)

	other, err := reg.Acquire(context.Background(), ConnParams{Brokers: []string{"b1:9092", "b2:9092"}, Token: "other"})
	require.NoError(t, err)
	assert.NotSame(t, results[0], other)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRegistryEvictsFailedConnect(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry(WithConnector(func(ctx context.Context, p ConnParams) (*Conn, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("auth failed")
		}
		return NewConn(p, nil, nil), nil
	}))
	params := ConnParams{Brokers: []string{"b1:9092"}, Token: "t"}

	_, err := reg.Acquire(context.Background(), params)
	require.EqualError(t, err, "auth failed")

	c, err := reg.Acquire(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRegistryWaiterHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reg := NewRegistry(WithConnector(func(ctx context.Context, p ConnParams) (*Conn, error) {
		<-release
		return NewConn(p, nil, nil), nil
	}))
	params := ConnParams{Brokers: []string{"b1:9092"}}

	go func() { _, _ = reg.Acquire(context.Background(), params) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := reg.Acquire(ctx, params)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnPublishWithoutProducer(t *testing.T) {
	c := NewConn(ConnParams{}, nil, nil)
	assert.Error(t, c.Publish(context.Background(), "ticks", nil, map[string]any{"a": 1}))
	assert.NoError(t, c.Close())
	_, err := c.Subscribe("ticks", func(context.Context, []byte) error { return nil })
	assert.Error(t, err)
}
