// Package api implements the public HTTP surface of a scrutin node: vote
// ingestion, tally reads, health and the review peek. Handlers never touch
// the credential or tally backends on the write path beyond what ingestion
// needs; accepted submissions are turned into envelopes and confirmed into
// the validation queue before the 202 is written.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/config"
	"github.com/vocdoni/scrutin-node/credstore"
	"github.com/vocdoni/scrutin-node/log"
	"github.com/vocdoni/scrutin-node/store"
)

const (
	maxRequestBodyLog = 512 // Maximum length of request body to log
)

// APIConfig type represents the configuration for the API HTTP server.
// It requires the queue, credential store and results store instances the
// node already runs on.
type APIConfig struct {
	Host        string
	Port        int
	Bus         *bus.Bus
	Credentials credstore.Store
	Results     store.Store
	// MaxBodyBytes caps the accepted size of submission bodies. Zero means
	// the default.
	MaxBodyBytes int64
	// ConfirmTimeout bounds the wait for a queue publish confirmation.
	// Zero means the default.
	ConfirmTimeout time.Duration
	// WindowCacheTTL bounds how long a cached election window is trusted.
	// Zero means the default.
	WindowCacheTTL time.Duration
}

// API type represents the API HTTP server.
type API struct {
	router         *chi.Mux
	srv            *http.Server
	bus            *bus.Bus
	credentials    credstore.Store
	results        store.Store
	maxBodyBytes   int64
	confirmTimeout time.Duration
	windows        *electionWindows
}

// New creates a new API instance with the given configuration and starts the
// HTTP server.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Bus == nil {
		return nil, fmt.Errorf("missing queue instance")
	}
	if conf.Credentials == nil {
		return nil, fmt.Errorf("missing credential store instance")
	}
	if conf.Results == nil {
		return nil, fmt.Errorf("missing results store instance")
	}
	a := &API{
		bus:            conf.Bus,
		credentials:    conf.Credentials,
		results:        conf.Results,
		maxBodyBytes:   conf.MaxBodyBytes,
		confirmTimeout: conf.ConfirmTimeout,
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = config.DefaultMaxBodyBytes
	}
	if a.confirmTimeout <= 0 {
		a.confirmTimeout = config.DefaultConfirmTimeout
	}
	windowTTL := conf.WindowCacheTTL
	if windowTTL <= 0 {
		windowTTL = config.DefaultWindowCacheTTL
	}
	var err error
	if a.windows, err = newElectionWindows(conf.Results, windowTTL); err != nil {
		return nil, fmt.Errorf("could not create election window cache: %w", err)
	}

	// Initialize router
	a.initRouter()
	a.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		Handler: a.router,
	}
	go func() {
		log.Infow("starting API server", "host", conf.Host, "port", conf.Port)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start the API server: %v", err)
		}
	}()
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// Shutdown stops the HTTP server, waiting for in-flight requests to finish.
func (a *API) Shutdown(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	// The following endpoints are registered:
	// - GET /ping: No parameters
	// - POST /vote: No parameters
	// - POST /elections/vote: No parameters
	// - GET /results: No parameters
	// - GET /results/<ballotId>: No parameters
	// - GET /elections: No parameters
	// - GET /elections/<electionId>/regions: No parameters
	// - GET /elections/<electionId>/regions/<regionId>/results: No parameters
	// - GET /health: No parameters
	// - GET /review: Parameters: limit
	// - GET /: No parameters
	// - GET /metrics: No parameters
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		httpWriteOK(w)
	})
	// vote submission endpoints
	log.Infow("register handler", "endpoint", VoteEndpoint, "method", "POST")
	a.router.Post(VoteEndpoint, a.submitVote)
	log.Infow("register handler", "endpoint", ElectionVoteEndpoint, "method", "POST")
	a.router.Post(ElectionVoteEndpoint, a.submitElectionVote)
	// results endpoints
	log.Infow("register handler", "endpoint", ResultsEndpoint, "method", "GET")
	a.router.Get(ResultsEndpoint, a.allBallotResults)
	log.Infow("register handler", "endpoint", BallotResultsEndpoint, "method", "GET")
	a.router.Get(BallotResultsEndpoint, a.ballotResults)
	log.Infow("register handler", "endpoint", ElectionsEndpoint, "method", "GET")
	a.router.Get(ElectionsEndpoint, a.elections)
	log.Infow("register handler", "endpoint", ElectionRegionsEndpoint, "method", "GET")
	a.router.Get(ElectionRegionsEndpoint, a.electionRegions)
	log.Infow("register handler", "endpoint", ElectionResultsEndpoint, "method", "GET")
	a.router.Get(ElectionResultsEndpoint, a.electionResults)
	// operational endpoints
	log.Infow("register handler", "endpoint", HealthEndpoint, "method", "GET")
	a.router.Get(HealthEndpoint, a.health)
	log.Infow("register handler", "endpoint", ReviewEndpoint, "method", "GET", "parameters", "limit")
	a.router.Get(ReviewEndpoint, a.reviewPeek)
	log.Infow("register handler", "endpoint", InfoEndpoint, "method", "GET")
	a.router.Get(InfoEndpoint, a.info)
	log.Infow("register handler", "endpoint", MetricsEndpoint, "method", "GET")
	a.router.Handle(MetricsEndpoint, promhttp.Handler())
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(loggingMiddleware(maxRequestBodyLog))
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	a.router.Use(middleware.Timeout(10 * time.Second))

	a.registerHandlers()
}
