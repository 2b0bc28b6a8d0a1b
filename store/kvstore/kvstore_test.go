package kvstore

import (
	"testing"

	"github.com/vocdoni/scrutin-node/db/metadb"
	"github.com/vocdoni/scrutin-node/store/internal/storetest"
)

func TestAuditUniqueness(t *testing.T) {
	storetest.TestAuditUniqueness(t, New(metadb.NewTest(t)))
}

func TestAcceptedAudits(t *testing.T) {
	storetest.TestAcceptedAudits(t, New(metadb.NewTest(t)))
}

func TestApplyDeltasLaws(t *testing.T) {
	storetest.TestApplyDeltasLaws(t, New(metadb.NewTest(t)))
}

func TestApplyDeltasElections(t *testing.T) {
	storetest.TestApplyDeltasElections(t, New(metadb.NewTest(t)))
}

func TestElectionRegions(t *testing.T) {
	storetest.TestElectionRegions(t, New(metadb.NewTest(t)))
}

func TestElections(t *testing.T) {
	storetest.TestElections(t, New(metadb.NewTest(t)))
}

func TestResultsNotFound(t *testing.T) {
	storetest.TestResultsNotFound(t, New(metadb.NewTest(t)))
}
