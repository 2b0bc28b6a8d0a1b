package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/scrutin-node/aggregator"
	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/config"
	"github.com/vocdoni/scrutin-node/credstore"
	"github.com/vocdoni/scrutin-node/log"
	"github.com/vocdoni/scrutin-node/metrics"
	"github.com/vocdoni/scrutin-node/validator"
)

// StatsMonitorInterval is the interval at which pipeline statistics are
// logged. This can be overridden before starting the service.
var StatsMonitorInterval = config.DefaultMonitorInterval

// StatsMonitor is a service that periodically logs pipeline statistics and
// refreshes the queue depth gauges.
type StatsMonitor struct {
	bus        *bus.Bus
	creds      credstore.Store
	validators *validator.Pool
	aggregator *aggregator.Aggregator
	interval   time.Duration
	mu         sync.Mutex
	cancel     context.CancelFunc
}

// NewStatsMonitor creates a new StatsMonitor service. The pool and aggregator
// are optional; their counters are skipped when nil.
func NewStatsMonitor(b *bus.Bus, creds credstore.Store, pool *validator.Pool,
	agg *aggregator.Aggregator, interval time.Duration,
) *StatsMonitor {
	if interval <= 0 {
		interval = StatsMonitorInterval
	}
	return &StatsMonitor{
		bus:        b,
		creds:      creds,
		validators: pool,
		aggregator: agg,
		interval:   interval,
	}
}

// Start begins the periodic logging. It returns an error if the service is
// already running.
func (sm *StatsMonitor) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.cancel != nil {
		return fmt.Errorf("service already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	sm.cancel = cancel

	ticker := time.NewTicker(sm.interval)
	go func() {
		defer ticker.Stop()
		log.Infow("pipeline stats monitor started", "interval", sm.interval.String())
		for {
			select {
			case <-ctx.Done():
				log.Infow("pipeline stats monitor stopped")
				return
			case <-ticker.C:
				sm.logPipelineStats(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the monitoring service.
func (sm *StatsMonitor) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.cancel != nil {
		sm.cancel()
		sm.cancel = nil
	}
}

// logPipelineStats logs a snapshot of queue depths, credential set sizes and
// stage counters, and mirrors the depths into the prometheus gauges.
func (sm *StatsMonitor) logPipelineStats(ctx context.Context) {
	stats := make(map[string]any)
	for _, queue := range []string{bus.QueueValidation, bus.QueueAggregation, bus.QueueReview} {
		depth, err := sm.bus.Depth(queue)
		if err != nil {
			log.Warnw("failed to read queue depth", "queue", queue, "error", err)
			continue
		}
		metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
		stats[queue] = depth
	}

	if valid, err := sm.creds.CountValid(ctx); err == nil {
		stats["validCredentials"] = valid
	} else {
		log.Warnw("failed to count valid credentials", "error", err)
	}
	if claimed, err := sm.creds.CountClaimed(ctx); err == nil {
		stats["claimedCredentials"] = claimed
	} else {
		log.Warnw("failed to count claimed credentials", "error", err)
	}

	if sm.validators != nil {
		vstats := sm.validators.Stats()
		stats["processed"] = vstats.Processed
		stats["accepted"] = vstats.Accepted
		stats["duplicates"] = vstats.Duplicates
		stats["invalid"] = vstats.Invalid
		stats["requeued"] = vstats.Requeued
	}
	if sm.aggregator != nil {
		astats := sm.aggregator.Stats()
		stats["aggregatedEnvelopes"] = astats.Envelopes
		stats["aggregatedBatches"] = astats.Batches
		stats["commitRetries"] = astats.Retries
	}

	log.Monitor("pipeline statistics", stats)
}
