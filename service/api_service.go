// Package service wraps the pipeline components in start/stop lifecycles so
// the node binary can bring them up and tear them down in order.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/scrutin-node/api"
	"github.com/vocdoni/scrutin-node/log"
)

// apiShutdownTimeout bounds the graceful drain of in-flight HTTP requests.
const apiShutdownTimeout = 10 * time.Second

// APIService represents a service that manages the HTTP API server.
type APIService struct {
	conf *api.APIConfig
	API  *api.API
	mu   sync.Mutex
}

// NewAPI creates a new APIService instance.
func NewAPI(conf *api.APIConfig, disableLogging bool) *APIService {
	if disableLogging {
		api.DisabledLogging = disableLogging
		log.Debugw("API logging is disabled")
	}
	return &APIService{conf: conf}
}

// Start begins the API server. It returns an error if the service is already
// running or if it fails to start.
func (as *APIService) Start(_ context.Context) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.API != nil {
		return fmt.Errorf("service already running")
	}

	a, err := api.New(as.conf)
	if err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	as.API = a
	return nil
}

// Stop drains in-flight requests and halts the API server.
func (as *APIService) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.API == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
	defer cancel()
	if err := as.API.Shutdown(ctx); err != nil {
		log.Warnw("API server shutdown failed", "error", err)
	}
	as.API = nil
}

// HostPort returns the host and port of the API server.
func (as *APIService) HostPort() (string, int) {
	return as.conf.Host, as.conf.Port
}
