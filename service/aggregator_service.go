package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/vocdoni/scrutin-node/aggregator"
	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/store"
)

// AggregatorService represents a service that manages the tally aggregator.
type AggregatorService struct {
	Aggregator *aggregator.Aggregator
	mu         sync.Mutex
	cancel     context.CancelFunc
}

// NewAggregator creates a new AggregatorService instance.
func NewAggregator(b *bus.Bus, st store.Store, opts aggregator.Options) *AggregatorService {
	return &AggregatorService{
		Aggregator: aggregator.New(b, st, opts),
	}
}

// Start begins the aggregation loop. It returns an error if the service is
// already running or if it fails to start.
func (ags *AggregatorService) Start(ctx context.Context) error {
	ags.mu.Lock()
	defer ags.mu.Unlock()

	if ags.cancel != nil {
		return fmt.Errorf("service already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := ags.Aggregator.Start(ctx); err != nil {
		cancel()
		return err
	}
	ags.cancel = cancel
	return nil
}

// Stop halts the aggregation loop after flushing the buffered envelopes.
func (ags *AggregatorService) Stop() {
	ags.mu.Lock()
	defer ags.mu.Unlock()

	if ags.cancel == nil {
		return
	}
	ags.cancel()
	ags.cancel = nil
	ags.Aggregator.Stop()
}
