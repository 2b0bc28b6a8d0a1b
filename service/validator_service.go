package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/credstore"
	"github.com/vocdoni/scrutin-node/log"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/validator"
)

// ValidatorService represents a service that manages the validation worker
// pool.
type ValidatorService struct {
	Pool   *validator.Pool
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewValidator creates a new ValidatorService instance.
func NewValidator(b *bus.Bus, creds credstore.Store, st store.Store, opts validator.Options) *ValidatorService {
	return &ValidatorService{
		Pool: validator.New(b, creds, st, opts),
	}
}

// Start begins the validation workers. It returns an error if the service is
// already running or if it fails to start.
func (vs *ValidatorService) Start(ctx context.Context) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.cancel != nil {
		return fmt.Errorf("service already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := vs.Pool.Start(ctx); err != nil {
		cancel()
		return err
	}
	vs.cancel = cancel

	// The pool only exits on its own when a worker detects an accepted
	// audit row for an unclaimed fingerprint. That state cannot be repaired
	// by the node, so it takes the whole process down with it.
	go func() {
		if err := vs.Pool.Wait(); err != nil {
			log.Fatalf("validator pool failed: %v", err)
		}
	}()
	return nil
}

// Stop halts the validation workers and waits for in-flight envelopes to
// finish.
func (vs *ValidatorService) Stop() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.cancel == nil {
		return
	}
	vs.cancel()
	vs.cancel = nil
	if err := vs.Pool.Stop(); err != nil {
		log.Warnw("validator pool stopped", "error", err)
	}
}
