package api

// Route constants for the API endpoints

const (
	// Health endpoints
	PingEndpoint   = "/ping"   // Liveness check endpoint
	HealthEndpoint = "/health" // Dependency health endpoint

	// Vote submission endpoints
	VoteEndpoint         = "/vote"           // POST: Submit a law referendum vote
	ElectionVoteEndpoint = "/elections/vote" // POST: Submit an election vote

	// URL parameters
	BallotIDURLParam   = "ballotId"   // URL parameter for law ballot ID
	ElectionIDURLParam = "electionId" // URL parameter for election ID
	RegionIDURLParam   = "regionId"   // URL parameter for region ID

	// Results endpoints
	// GET /results: List all law tallies
	// GET /results/{ballotId}: Get the tally for a law ballot
	// GET /elections: List known elections
	// GET /elections/{electionId}/regions: List regions with tallies for an election
	// GET /elections/{electionId}/regions/{regionId}/results: Get per-candidate tallies for a region
	ResultsEndpoint         = "/results"
	BallotResultsEndpoint   = "/results/{" + BallotIDURLParam + "}"
	ElectionsEndpoint       = "/elections"
	ElectionRegionsEndpoint = "/elections/{" + ElectionIDURLParam + "}/regions"
	ElectionResultsEndpoint = "/elections/{" + ElectionIDURLParam + "}/regions/{" + RegionIDURLParam + "}/results"

	// Review endpoint
	ReviewEndpoint = "/review" // GET: Peek at dead-lettered envelopes

	// Info endpoint
	InfoEndpoint = "/" // GET: Service information

	// Metrics endpoint
	MetricsEndpoint = "/metrics" // GET: Prometheus metrics
)

// LogExcludedPrefixes contains URL path prefixes that should be excluded
// from request logging to reduce noise.
var LogExcludedPrefixes = []string{
	PingEndpoint,
	HealthEndpoint,
	MetricsEndpoint,
}

// LogRedactedPrefixes contains URL path prefixes whose request bodies carry
// voter credentials and must never reach the logs.
var LogRedactedPrefixes = []string{
	VoteEndpoint,
	ElectionVoteEndpoint,
}
