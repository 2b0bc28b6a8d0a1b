package mongostore

import (
	"context"
	"os"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/scrutin-node/store/internal/storetest"
	"github.com/vocdoni/scrutin-node/util"
)

// newTestStore connects to the MongoDB at MONGODB_URL using a fresh random
// database, dropped when the test finishes. Tests are skipped when no server
// is available.
func newTestStore(t *testing.T) *Store {
	url := os.Getenv("MONGODB_URL")
	if url == "" {
		t.Skip("no MONGODB_URL defined")
	}
	ctx := context.Background()
	s, err := New(ctx, Options{URL: url, Database: "scrutin_test_" + util.RandomHex(8)})
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() {
		if err := s.Drop(ctx); err != nil {
			t.Error(err)
		}
		if err := s.Close(ctx); err != nil {
			t.Error(err)
		}
	})
	return s
}

func TestAuditUniqueness(t *testing.T) {
	storetest.TestAuditUniqueness(t, newTestStore(t))
}

func TestAcceptedAudits(t *testing.T) {
	storetest.TestAcceptedAudits(t, newTestStore(t))
}

func TestApplyDeltasLaws(t *testing.T) {
	storetest.TestApplyDeltasLaws(t, newTestStore(t))
}

func TestApplyDeltasElections(t *testing.T) {
	storetest.TestApplyDeltasElections(t, newTestStore(t))
}

func TestElectionRegions(t *testing.T) {
	storetest.TestElectionRegions(t, newTestStore(t))
}

func TestElections(t *testing.T) {
	storetest.TestElections(t, newTestStore(t))
}

func TestResultsNotFound(t *testing.T) {
	storetest.TestResultsNotFound(t, newTestStore(t))
}
