package jobimport

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

const (
	defaultPoolWorkers = 5
	defaultBatchSize   = 100
	defaultMaxDelivery = 5
)

type PoolOptions struct {
	Workers   int
	BatchSize int
	// MaxDeliveries bounds how often a unit whose summary cannot be
	// persisted is handed out before it is dropped.
	MaxDeliveries int
	Retry         RetryPolicy
	Logger        *log.Logger
	Metrics       *Metrics
}

// Pool runs a fixed number of consumers against one queue. Each consumer
// handles one unit at a time, so at most Workers units are in progress.
type Pool struct {
	queue      UnitQueue
	engine     *UpsertEngine
	aggregator *Aggregator
	workers    int
	batchSize  int
	maxDeliver int
	retry      RetryPolicy
	logger     *log.Logger
	metrics    *Metrics

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewPool(queue UnitQueue, engine *UpsertEngine, aggregator *Aggregator, opts PoolOptions) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultPoolWorkers
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxDeliver := opts.MaxDeliveries
	if maxDeliver <= 0 {
		maxDeliver = defaultMaxDelivery
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		queue:      queue,
		engine:     engine,
		aggregator: aggregator,
		workers:    workers,
		batchSize:  batchSize,
		maxDeliver: maxDeliver,
		retry:      opts.Retry,
		logger:     logger,
		metrics:    opts.Metrics,
	}
}

func (p *Pool) Workers() int   { return p.workers }
func (p *Pool) BatchSize() int { return p.batchSize }

// Start launches the consumers. They stop when ctx is cancelled or Close is
// called. Calling Start more than once has no effect.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.wg.Add(p.workers)
		for i := 0; i < p.workers; i++ {
			go func() {
				defer p.wg.Done()
				p.consume(ctx)
			}()
		}
	})
}

// Close stops the consumers and waits for in-progress units to finish. The
// queue itself is left open; its owner closes it.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}

func (p *Pool) consume(ctx context.Context) {
	for {
		d, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.handle(ctx, d)
	}
}

func (p *Pool) handle(ctx context.Context, d Delivery) {
	started := time.Now()
	unit, err := DecodeUnit(d.Payload)
	if err != nil {
		p.logger.Printf("jobimport: dropping undecodable delivery %s: %v", d.ID, err)
		p.metrics.unit(UnitStatusPoison, 0)
		if ackErr := p.queue.Ack(d); ackErr != nil {
			p.logger.Printf("jobimport: ack poison delivery %s: %v", d.ID, ackErr)
		}
		return
	}
	if _, err := p.ProcessUnit(ctx, unit); err != nil {
		if d.Attempt >= p.maxDeliver {
			p.logger.Printf("jobimport: dead-lettering unit %s (%s) after %d deliveries: %v", unit.ID, unit.Source, d.Attempt, err)
			p.metrics.unit(UnitStatusDead, time.Since(started).Seconds())
			if ackErr := p.queue.Ack(d); ackErr != nil {
				p.logger.Printf("jobimport: ack dead unit %s: %v", unit.ID, ackErr)
			}
			return
		}
		p.logger.Printf("jobimport: unit %s (%s) attempt %d not recorded, requeueing: %v", unit.ID, unit.Source, d.Attempt, err)
		p.metrics.unit(UnitStatusRequeued, time.Since(started).Seconds())
		// The slot stays held through the backoff, so redelivery is paced
		// by the pool rather than by the queue.
		_ = p.retry.Wait(ctx, d.Attempt)
		if nackErr := p.queue.Nack(d); nackErr != nil {
			p.logger.Printf("jobimport: nack unit %s: %v", unit.ID, nackErr)
		}
		return
	}
	p.metrics.unit(UnitStatusImported, time.Since(started).Seconds())
	if err := p.queue.Ack(d); err != nil {
		p.logger.Printf("jobimport: ack unit %s: %v", unit.ID, err)
	}
}

// ProcessUnit runs the first BatchSize candidates of unit through the retry
// policy and upsert engine, then records exactly one summary. Per-record
// failures end up in the summary; only a failure to persist the summary is
// returned.
func (p *Pool) ProcessUnit(ctx context.Context, unit UnitOfWork) (Summary, error) {
	candidates := unit.Candidates
	if len(candidates) > p.batchSize {
		candidates = candidates[:p.batchSize]
	}
	tally := Tally{UnitID: unit.ID, Source: unit.Source, Received: len(unit.Candidates)}
	for _, candidate := range candidates {
		var outcome Outcome
		attempts, err := p.retry.Do(ctx, func(ctx context.Context) error {
			var upsertErr error
			outcome, upsertErr = p.engine.Upsert(ctx, candidate)
			return upsertErr
		})
		if err != nil {
			outcome = OutcomeFailed
			err = unwrapPermanent(err)
		}
		p.metrics.record(outcome, attempts)
		tally.add(candidate.Identifier(), outcome, err)
	}
	return p.aggregator.Record(ctx, tally)
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}
