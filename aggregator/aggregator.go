// Package aggregator implements the tally stage of the vote pipeline: a
// single consumer that folds accepted envelopes from the aggregation queue
// into per-key tally deltas and commits each batch to the results store in
// one transaction. Deliveries are acked only after the commit, so a crash
// replays the batch instead of losing counted votes.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/config"
	"github.com/vocdoni/scrutin-node/log"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/types"
)

// pollInterval is how often the loop re-checks the batch age and the queue
// while idle.
const pollInterval = 100 * time.Millisecond

// Options configures the aggregator. Zero values fall back to the pipeline
// defaults.
type Options struct {
	// BatchSize is the number of buffered envelopes that forces a flush.
	BatchSize int
	// BatchInterval is the maximum age of the oldest buffered envelope
	// before a partial batch is flushed.
	BatchInterval time.Duration
	// MaxRetry is the number of commit attempts per batch before its
	// envelopes are dead-lettered to review.
	MaxRetry int
	// RetryBase is the backoff after the first failed commit. It doubles
	// on every further attempt.
	RetryBase time.Duration
	// StatementTimeout bounds a single commit against the results store.
	StatementTimeout time.Duration
}

// Stats is a point-in-time snapshot of aggregator activity since start.
type Stats struct {
	Envelopes    int64
	Batches      int64
	Retries      int64
	DeadLettered int64
}

// Aggregator consumes the aggregation queue with a single goroutine. One
// consumer is enough: folding is cheap and the results store serializes
// commits anyway, so parallelism here would only interleave batches.
type Aggregator struct {
	bus  *bus.Bus
	st   store.Store
	opts Options

	cancel context.CancelFunc
	done   chan struct{}

	envelopes    atomic.Int64
	batches      atomic.Int64
	retries      atomic.Int64
	deadLettered atomic.Int64
}

// New creates an aggregator over the given queue and results store.
func New(b *bus.Bus, st store.Store, opts Options) *Aggregator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultBatchSize
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = config.DefaultBatchInterval
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = config.DefaultMaxRetry
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = config.DefaultRetryBase
	}
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = config.DefaultStatementTimeout
	}
	return &Aggregator{
		bus:  b,
		st:   st,
		opts: opts,
	}
}

// Start launches the aggregation loop. It returns immediately; consumption
// continues until Stop is called or the context is canceled, at which point
// the remaining buffer is flushed before the loop exits.
func (a *Aggregator) Start(ctx context.Context) error {
	if a.cancel != nil {
		return fmt.Errorf("aggregator already started")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.run(ctx)
	log.Infow("aggregator started",
		"batchSize", a.opts.BatchSize,
		"batchInterval", a.opts.BatchInterval.String(),
		"maxRetry", a.opts.MaxRetry)
	return nil
}

// Stop halts consumption, flushes the buffered envelopes and waits for the
// loop to exit.
func (a *Aggregator) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	log.Infow("aggregator stopped")
}

// Stats returns a snapshot of the aggregator counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Envelopes:    a.envelopes.Load(),
		Batches:      a.batches.Load(),
		Retries:      a.retries.Load(),
		DeadLettered: a.deadLettered.Load(),
	}
}

// pending is one buffered envelope and the delivery it must ack.
type pending struct {
	env *types.Envelope
	seq uint64
}

// batch buffers decoded envelopes awaiting one commit.
type batch struct {
	items  []pending
	oldest time.Time
}

func (b *batch) add(env *types.Envelope, seq uint64) {
	if len(b.items) == 0 {
		b.oldest = time.Now()
	}
	b.items = append(b.items, pending{env: env, seq: seq})
}

func (b *batch) size() int { return len(b.items) }

func (b *batch) olderThan(d time.Duration) bool {
	return len(b.items) > 0 && time.Since(b.oldest) >= d
}

func (b *batch) reset() { b.items = b.items[:0] }

func (a *Aggregator) run(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var buf batch
	for {
		a.fill(&buf)
		if buf.size() >= a.opts.BatchSize || buf.olderThan(a.opts.BatchInterval) {
			a.flush(&buf)
			// Keep draining: a full flush must not wait for the ticker.
			continue
		}
		select {
		case <-ctx.Done():
			a.flush(&buf)
			return
		case <-ticker.C:
		}
	}
}

// fill drains ready deliveries into the batch until it reaches the flush
// threshold or the queue runs dry.
func (a *Aggregator) fill(buf *batch) {
	for buf.size() < a.opts.BatchSize {
		d, err := a.bus.Next(bus.QueueAggregation)
		if errors.Is(err, bus.ErrNoMoreElements) {
			return
		}
		if err != nil {
			log.Warnw("aggregation queue read failed", "error", err)
			return
		}
		env, ok := a.decode(d)
		if !ok {
			continue
		}
		buf.add(env, d.Seq)
	}
}
