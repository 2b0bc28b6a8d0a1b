package api

import (
	"context"
	"net/http"
	"time"

	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/internal"
)

// healthCheckTimeout bounds each dependency probe of the health handler.
const healthCheckTimeout = 2 * time.Second

// health reports the reachability of the queue, the credential store and the
// results store. Any failing dependency turns the response into a 503 so
// load balancers stop routing submissions here.
// GET /health
func (a *API) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	services := map[string]string{
		"queue":       serviceStatusConnected,
		"credentials": serviceStatusConnected,
		"results":     serviceStatusConnected,
	}
	healthy := true
	if _, err := a.bus.Depth(bus.QueueValidation); err != nil {
		services["queue"] = "error: " + err.Error()
		healthy = false
	}
	if err := a.credentials.Ping(ctx); err != nil {
		services["credentials"] = "error: " + err.Error()
		healthy = false
	}
	if err := a.results.Ping(ctx); err != nil {
		services["results"] = "error: " + err.Error()
		healthy = false
	}

	response := &HealthResponse{
		Status:    HealthStatusHealthy,
		Services:  services,
		Timestamp: time.Now().UTC(),
	}
	if !healthy {
		response.Status = HealthStatusUnhealthy
		httpWriteJSONWithStatus(w, http.StatusServiceUnavailable, response)
		return
	}
	httpWriteJSON(w, response)
}

// info describes the service and its endpoints.
// GET /
func (a *API) info(w http.ResponseWriter, r *http.Request) {
	httpWriteJSON(w, &InfoResponse{
		Service: "scrutin-node",
		Version: internal.Version,
		Endpoints: map[string]string{
			"POST " + VoteEndpoint:           "submit a law referendum vote",
			"POST " + ElectionVoteEndpoint:   "submit an election vote",
			"GET " + ResultsEndpoint:         "list law referendum tallies",
			"GET " + BallotResultsEndpoint:   "tally of one law referendum",
			"GET " + ElectionsEndpoint:       "list known elections",
			"GET " + ElectionRegionsEndpoint: "regions with tallies for an election",
			"GET " + ElectionResultsEndpoint: "per-candidate tallies of a region",
			"GET " + HealthEndpoint:          "dependency health",
			"GET " + ReviewEndpoint:          "peek at dead-lettered envelopes",
			"GET " + MetricsEndpoint:         "prometheus metrics",
		},
	})
}
