package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
	"MetaCore/pkg/logger"
	"MetaCore/pkg/queue"
)

const ReplayJobType = "ticks.replay"

type deadLetterBatch struct {
	Reason string        `json:"reason"`
	Ticks  []models.Tick `json:"ticks"`
}

// QueueDeadLetter parks failed batches on a queue for ReplayJob.
type QueueDeadLetter struct {
	q queue.Publisher
}

func NewQueueDeadLetter(q queue.Publisher) *QueueDeadLetter {
	return &QueueDeadLetter{q: q}
}

func (d *QueueDeadLetter) Push(ctx context.Context, ticks []models.Tick, reason string) error {
	if len(ticks) == 0 {
		return nil
	}
	if err := d.q.Enqueue(ctx, ReplayJobType, deadLetterBatch{Reason: reason, Ticks: ticks}); err != nil {
		return fmt.Errorf("enqueue failed batch: %w", err)
	}
	return nil
}

// ReplayJob re-inserts a parked batch. The queue retries it and finally
// moves it to its dead-letter list.
type ReplayJob struct {
	store   domrepo.TickStorage
	log     *logger.Logger
	metrics domrepo.Metrics
}

func NewReplayJob(store domrepo.TickStorage, l *logger.Logger, m domrepo.Metrics) *ReplayJob {
	if l == nil {
		l = logger.NewNop()
	}
	if m == nil {
		m = domrepo.NopMetrics{}
	}
	return &ReplayJob{store: store, log: l, metrics: m}
}

func (j *ReplayJob) Name() string { return "tick_batch_replay" }
func (j *ReplayJob) Type() string { return ReplayJobType }

func (j *ReplayJob) Handle(ctx context.Context, payload json.RawMessage) error {
	batch, err := queue.Decode[deadLetterBatch](payload)
	if err != nil {
		return fmt.Errorf("parse replay batch: %w", err)
	}
	if err := j.store.InsertTicks(ctx, batch.Ticks); err != nil {
		j.metrics.RecordError("replay_insert")
		return fmt.Errorf("replay insert: %w", err)
	}
	j.metrics.RecordBatch("replay", len(batch.Ticks))
	j.log.Info("replayed failed tick batch",
		logger.String("reason", batch.Reason),
		logger.Int("count", len(batch.Ticks)))
	return nil
}

var (
	_ DeadLetter = (*QueueDeadLetter)(nil)
	_ queue.Job  = (*ReplayJob)(nil)
)
