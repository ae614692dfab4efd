package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/logoledger/internal/queue"
)

const (
	defaultWorkers       = 4
	defaultSweepInterval = 5 * time.Second
	defaultSweepBatch    = 100
)

// PoolConfig configures a worker Pool.
type PoolConfig struct {
	Workers       int
	SweepInterval time.Duration
	SweepBatch    int
	Logger        *zap.Logger
	Now           func() time.Time
}

// Pool runs processing workers over a queue plus a sweeper that re-enqueues due inbox rows.
type Pool struct {
	queue         queue.Queue
	inbox         InboxStore
	processor     *Processor
	workers       int
	sweepInterval time.Duration
	sweepBatch    int
	logger        *zap.Logger
	nowFn         func() time.Time
}

// NewPool wires a Pool.
func NewPool(eventQueue queue.Queue, inbox InboxStore, processor *Processor, config PoolConfig) (*Pool, error) {
	if eventQueue == nil || inbox == nil || processor == nil {
		return nil, fmt.Errorf("%w: pool requires queue, inbox and processor", ErrInvalidConfig)
	}
	pool := &Pool{
		queue:         eventQueue,
		inbox:         inbox,
		processor:     processor,
		workers:       config.Workers,
		sweepInterval: config.SweepInterval,
		sweepBatch:    config.SweepBatch,
		logger:        config.Logger,
		nowFn:         config.Now,
	}
	if pool.workers <= 0 {
		pool.workers = defaultWorkers
	}
	if pool.sweepInterval <= 0 {
		pool.sweepInterval = defaultSweepInterval
	}
	if pool.sweepBatch <= 0 {
		pool.sweepBatch = defaultSweepBatch
	}
	if pool.logger == nil {
		pool.logger = zap.NewNop()
	}
	if pool.nowFn == nil {
		pool.nowFn = time.Now
	}
	return pool, nil
}

// Run blocks until ctx is done or the queue is closed, then waits for in-flight events.
func (pool *Pool) Run(ctx context.Context) error {
	var waitGroup sync.WaitGroup
	pool.logger.Info("ingest workers starting", zap.Int("workers", pool.workers), zap.Duration("sweep_interval", pool.sweepInterval))
	for workerIndex := 0; workerIndex < pool.workers; workerIndex++ {
		waitGroup.Add(1)
		go func(workerIndex int) {
			defer waitGroup.Done()
			pool.work(ctx, workerIndex)
		}(workerIndex)
	}
	waitGroup.Add(1)
	go func() {
		defer waitGroup.Done()
		pool.sweep(ctx)
	}()
	waitGroup.Wait()
	pool.logger.Info("ingest workers stopped")
	return nil
}

func (pool *Pool) work(ctx context.Context, workerIndex int) {
	for {
		inboxEventID, err := pool.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			pool.logger.Error("ingest dequeue failed", zap.Int("worker", workerIndex), zap.Error(err))
			if !sleepContext(ctx, time.Second) {
				return
			}
			continue
		}
		if err := pool.processor.Process(ctx, inboxEventID); err != nil {
			pool.logger.Debug("ingest attempt failed", zap.Int("worker", workerIndex), zap.String("inbox_id", inboxEventID), zap.Error(err))
		}
	}
}

func (pool *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(pool.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pool.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				pool.logger.Error("ingest sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce re-enqueues due inbox rows and returns how many were enqueued.
func (pool *Pool) SweepOnce(ctx context.Context) (int, error) {
	dueIDs, err := pool.inbox.ListDue(ctx, pool.nowFn().UTC(), pool.sweepBatch)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, inboxEventID := range dueIDs {
		if err := pool.queue.Enqueue(ctx, inboxEventID); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				break
			}
			return enqueued, err
		}
		enqueued++
	}
	if enqueued > 0 {
		pool.logger.Info("ingest sweep re-enqueued events", zap.Int("count", enqueued))
	}
	return enqueued, nil
}

func sleepContext(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
