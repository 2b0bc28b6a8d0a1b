package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/types"
)

// ballotResults returns the running tally of one law referendum.
// GET /results/{ballotId}
func (a *API) ballotResults(w http.ResponseWriter, r *http.Request) {
	ballotID := chi.URLParam(r, BallotIDURLParam)
	if ballotID == "" || len(ballotID) > types.MaxBallotIDLength {
		ErrMalformedParam.WithField(BallotIDURLParam).Write(w)
		return
	}
	tally, err := a.results.LawResults(r.Context(), ballotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrBallotNotFound.Withf("ballot %s", ballotID).Write(w)
			return
		}
		ErrResultsUnavailable.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, newBallotResultsResponse(tally))
}

// allBallotResults lists the tallies of every law referendum seen so far.
// GET /results
func (a *API) allBallotResults(w http.ResponseWriter, r *http.Request) {
	tallies, err := a.results.LawTallies(r.Context())
	if err != nil {
		ErrResultsUnavailable.WithErr(err).Write(w)
		return
	}
	response := make([]*BallotResultsResponse, 0, len(tallies))
	for _, tally := range tallies {
		response = append(response, newBallotResultsResponse(tally))
	}
	httpWriteJSON(w, response)
}

// elections lists the known election definitions.
// GET /elections
func (a *API) elections(w http.ResponseWriter, r *http.Request) {
	elections, err := a.results.Elections(r.Context())
	if err != nil {
		ErrResultsUnavailable.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, elections)
}

// electionRegions lists the regions of an election that already have tally
// rows.
// GET /elections/{electionId}/regions
func (a *API) electionRegions(w http.ResponseWriter, r *http.Request) {
	electionID, ok := urlParamInt64(w, r, ElectionIDURLParam)
	if !ok {
		return
	}
	if _, err := a.results.Election(r.Context(), electionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrElectionNotFound.Withf("election %d", electionID).Write(w)
			return
		}
		ErrResultsUnavailable.WithErr(err).Write(w)
		return
	}
	regions, err := a.results.ElectionRegions(r.Context(), electionID)
	if err != nil {
		ErrResultsUnavailable.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, &ElectionRegionsResponse{
		ElectionID: electionID,
		Regions:    regions,
	})
}

// electionResults returns the per-candidate tally of one election region.
// GET /elections/{electionId}/regions/{regionId}/results
func (a *API) electionResults(w http.ResponseWriter, r *http.Request) {
	electionID, ok := urlParamInt64(w, r, ElectionIDURLParam)
	if !ok {
		return
	}
	regionID, ok := urlParamInt64(w, r, RegionIDURLParam)
	if !ok {
		return
	}
	candidates, err := a.results.ElectionResults(r.Context(), electionID, regionID)
	if err != nil {
		ErrResultsUnavailable.WithErr(err).Write(w)
		return
	}
	if len(candidates) == 0 {
		if _, err := a.results.Election(r.Context(), electionID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				ErrElectionNotFound.Withf("election %d", electionID).Write(w)
				return
			}
			ErrResultsUnavailable.WithErr(err).Write(w)
			return
		}
		ErrRegionNotFound.Withf("region %d of election %d has no votes", regionID, electionID).Write(w)
		return
	}
	var total int64
	for _, c := range candidates {
		total += c.VoteCount
	}
	httpWriteJSON(w, &ElectionResultsResponse{
		ElectionID: electionID,
		RegionID:   regionID,
		TotalVotes: total,
		Candidates: candidates,
	})
}

// urlParamInt64 parses a positive integer URL parameter, writing the error
// response itself when the value is malformed.
func urlParamInt64(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	raw := chi.URLParam(r, param)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		ErrMalformedParam.WithField(param).Withf("%q is not a positive integer", raw).Write(w)
		return 0, false
	}
	return v, true
}

func newBallotResultsResponse(tally *types.LawTally) *BallotResultsResponse {
	total := tally.YesCount + tally.NoCount
	return &BallotResultsResponse{
		BallotID:   tally.BallotID,
		YesCount:   tally.YesCount,
		NoCount:    tally.NoCount,
		TotalVotes: total,
		YesPct:     store.Percentage(tally.YesCount, total),
		NoPct:      store.Percentage(tally.NoCount, total),
		UpdatedAt:  tally.UpdatedAt,
	}
}
