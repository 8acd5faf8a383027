package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"MetaCore/internal/service/tradingview"
	"MetaCore/pkg/config"
	pkgkafka "MetaCore/pkg/kafka"
	applogger "MetaCore/pkg/logger"
)

// Subscriber opens a consumption loop on a broker topic.
type Subscriber interface {
	Subscribe(topic string, handler func(context.Context, []byte) error, opts ...pkgkafka.ConsumerOption) (func(context.Context) error, error)
}

// Feed is the streaming quote session.
type Feed interface {
	Start(ctx context.Context, h tradingview.Handler) error
	Close() error
}

// Runner is a background loop that returns once ctx is done.
type Runner interface {
	Run(ctx context.Context)
}

// Service is started once and stopped on shutdown.
type Service interface {
	Start() error
	Stop(ctx context.Context) error
}

// Components is everything the App drives. DeadLetters may be nil.
type Components struct {
	Config      *config.Config
	Logger      *applogger.Logger
	Broker      Subscriber
	Ticks       pkgkafka.MessageHandler
	ConsumerOpt []pkgkafka.ConsumerOption
	Flusher     Runner
	DeadLetters Service
	Feed        Feed
	Ingestor    tradingview.Handler
	Liveness    Runner
	HTTP        Service
	// Closers are closed in order after every stage has stopped.
	Closers []io.Closer
}

type stage struct {
	name string
	stop func(ctx context.Context) error
}

// App encapsulates the entire application lifecycle.
type App struct {
	c      Components
	log    *applogger.Logger
	stages []stage
}

func New(c Components) *App {
	l := c.Logger
	if l == nil {
		l = applogger.NewNop()
	}
	return &App{c: c, log: l}
}

// Run starts the application and blocks until ctx ends or SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(); err != nil {
		a.log.Error("startup failed", applogger.Error(err))
		_ = a.Shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	a.log.Info("shutdown signal received")
	return a.Shutdown(context.Background())
}

// Start brings up the pipeline: dead-letter queue, broker subscription,
// flusher, feed, liveness loop, then HTTP. Each started stage is recorded so
// Shutdown can unwind it in reverse.
func (a *App) Start() error {
	a.log.Info("store ready", applogger.String("backend", a.c.Config.Store.Backend))

	if a.c.DeadLetters != nil {
		if err := a.c.DeadLetters.Start(); err != nil {
			return fmt.Errorf("dead letter queue: %w", err)
		}
		a.push("dead_letters", a.c.DeadLetters.Stop)
	}

	unsubscribe, err := a.c.Broker.Subscribe(a.c.Ticks.Topic(), a.c.Ticks.Handle, a.c.ConsumerOpt...)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.c.Ticks.Topic(), err)
	}
	a.log.Info("tick consumer started", applogger.String("topic", a.c.Ticks.Topic()))

	// the flusher stops after the subscription so its final flush sees every consumed tick
	a.push("flusher", a.runLoop("flusher", a.c.Flusher))
	a.push("broker", unsubscribe)

	if err := a.c.Feed.Start(context.Background(), a.c.Ingestor); err != nil {
		return fmt.Errorf("feed session: %w", err)
	}
	a.push("feed", func(context.Context) error { return a.c.Feed.Close() })

	a.push("liveness", a.runLoop("liveness", a.c.Liveness))

	if err := a.c.HTTP.Start(); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	a.push("http", a.c.HTTP.Stop)

	a.log.Info("application started", applogger.Int("port", a.c.Config.Server.Port))
	return nil
}

// Shutdown stops every started stage in reverse order, then closes the
// shared clients. It returns the joined errors.
func (a *App) Shutdown(ctx context.Context) error {
	timeout := a.c.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var errs []error
	for i := len(a.stages) - 1; i >= 0; i-- {
		st := a.stages[i]
		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := st.stop(stageCtx); err != nil {
			a.log.Warn("stop failed", applogger.String("stage", st.name), applogger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
		}
		cancel()
	}
	a.stages = nil

	a.log.RemoveCollector()
	for _, c := range a.c.Closers {
		if err := c.Close(); err != nil {
			a.log.Warn("close failed", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	a.c.Closers = nil

	a.log.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) push(name string, stop func(ctx context.Context) error) {
	a.stages = append(a.stages, stage{name: name, stop: stop})
}

// runLoop starts r on its own context and returns the func that cancels it
// and waits for Run to return.
func (a *App) runLoop(name string, r Runner) func(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(loopCtx)
	}()
	a.log.Info("loop started", applogger.String("loop", name))

	return func(ctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%s did not stop: %w", name, ctx.Err())
		}
	}
}
