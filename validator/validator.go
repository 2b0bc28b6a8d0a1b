// Package validator implements the claim stage of the vote pipeline: a pool
// of workers that consume envelopes from the validation queue, authenticate
// the fingerprint against the credential store, claim it atomically, write
// the audit row and forward the envelope to aggregation or review. The claim
// is the linearization point: whatever the delivery interleaving, at most
// one submission per fingerprint ever reaches the aggregation queue.
package validator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/config"
	"github.com/vocdoni/scrutin-node/credstore"
	"github.com/vocdoni/scrutin-node/log"
	"github.com/vocdoni/scrutin-node/store"
)

// pollInterval is how long the dispatcher sleeps when the validation queue
// is drained.
const pollInterval = 200 * time.Millisecond

// maxDeliveryAttempts bounds redeliveries of an envelope that keeps failing
// transiently. Past it the envelope is dead-lettered so a poisoned message
// cannot occupy the pipeline forever.
const maxDeliveryAttempts = 25

// Options configures a validation worker pool. Zero values fall back to the
// pipeline defaults.
type Options struct {
	// Workers is the number of concurrent consumers.
	Workers int
	// Prefetch is the number of in-flight envelopes buffered per worker.
	Prefetch int
	// MessageTimeout bounds the processing of one envelope.
	MessageTimeout time.Duration
	// RequeueDelay postpones the redelivery of transiently failed envelopes.
	RequeueDelay time.Duration
	// EnforceWindow re-checks election voting windows at validation time,
	// on top of the ingestion check.
	EnforceWindow bool
}

// Stats is a point-in-time snapshot of pool activity since start.
type Stats struct {
	Processed    int64
	Accepted     int64
	Duplicates   int64
	Invalid      int64
	Requeued     int64
	DeadLettered int64
}

// Pool consumes the validation queue with a fixed set of workers fed by one
// dispatcher goroutine.
type Pool struct {
	bus   *bus.Bus
	creds credstore.Store
	st    store.Store
	opts  Options

	cancel context.CancelFunc
	group  *errgroup.Group

	processed    atomic.Int64
	accepted     atomic.Int64
	duplicates   atomic.Int64
	invalid      atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
}

// New creates a validation pool over the given queue and stores.
func New(b *bus.Bus, creds credstore.Store, st store.Store, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = config.DefaultWorkerCount
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = config.DefaultWorkerPrefetch
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = config.DefaultMessageTimeout
	}
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = config.DefaultRequeueDelay
	}
	return &Pool{
		bus:   b,
		creds: creds,
		st:    st,
		opts:  opts,
	}
}

// Start launches the dispatcher and the workers. It returns immediately;
// processing continues until Stop is called, the context is canceled or a
// worker hits a fatal inconsistency.
func (p *Pool) Start(ctx context.Context) error {
	if p.cancel != nil {
		return fmt.Errorf("validator pool already started")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	p.group = group

	deliveries := make(chan *bus.Delivery, p.opts.Workers*p.opts.Prefetch)
	group.Go(func() error {
		return p.dispatch(gctx, deliveries)
	})
	for i := 0; i < p.opts.Workers; i++ {
		group.Go(func() error {
			return p.worker(deliveries)
		})
	}
	log.Infow("validator pool started",
		"workers", p.opts.Workers,
		"prefetch", p.opts.Prefetch,
		"enforceWindow", p.opts.EnforceWindow)
	return nil
}

// Stop halts consumption and waits for in-flight envelopes to finish. It
// returns the fatal error that stopped the pool, if any.
func (p *Pool) Stop() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	err := p.group.Wait()
	log.Infow("validator pool stopped")
	return err
}

// Wait blocks until the pool exits and returns its terminal error. It is
// safe to call concurrently with Stop.
func (p *Pool) Wait() error {
	if p.group == nil {
		return nil
	}
	return p.group.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Accepted:     p.accepted.Load(),
		Duplicates:   p.duplicates.Load(),
		Invalid:      p.invalid.Load(),
		Requeued:     p.requeued.Load(),
		DeadLettered: p.deadLettered.Load(),
	}
}

// dispatch moves ready deliveries from the validation queue into the worker
// channel. It owns the channel and closes it when the context ends, letting
// workers drain what is already buffered.
func (p *Pool) dispatch(ctx context.Context, deliveries chan<- *bus.Delivery) error {
	defer close(deliveries)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		d, err := p.bus.Next(bus.QueueValidation)
		switch {
		case err == nil:
			select {
			case deliveries <- d:
				// Drain the queue without waiting for the ticker.
				continue
			case <-ctx.Done():
				// Hand the reservation back so a restart does not have to
				// wait out the reservation TTL.
				if nackErr := p.bus.Nack(bus.QueueValidation, d.Seq, true, 0); nackErr != nil {
					log.Warnw("could not release delivery on shutdown", "seq", d.Seq, "error", nackErr)
				}
				return nil
			}
		case errors.Is(err, bus.ErrNoMoreElements):
		default:
			log.Warnw("validation queue read failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// worker processes deliveries until the channel closes. A non-nil return
// marks a fatal inconsistency and tears the whole pool down.
func (p *Pool) worker(deliveries <-chan *bus.Delivery) error {
	for d := range deliveries {
		if err := p.process(d); err != nil {
			return err
		}
	}
	return nil
}
