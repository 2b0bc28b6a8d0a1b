package validator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/credstore"
	"github.com/vocdoni/scrutin-node/db/metadb"
	"github.com/vocdoni/scrutin-node/fingerprint"
	"github.com/vocdoni/scrutin-node/internal/testutil"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/store/kvstore"
	"github.com/vocdoni/scrutin-node/types"
)

type testPool struct {
	pool  *Pool
	bus   *bus.Bus
	creds *credstore.MemoryStore
	store *kvstore.Store
}

func newTestPool(t *testing.T, opts Options) *testPool {
	t.Helper()
	b, err := bus.New(metadb.NewTest(t), bus.Options{Queues: bus.PipelineQueues()})
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(b.Close)
	creds := credstore.NewMemory()
	st := kvstore.New(metadb.NewTest(t))
	return &testPool{
		pool:  New(b, creds, st, opts),
		bus:   b,
		creds: creds,
		store: st,
	}
}

// processNext pulls one delivery from the validation queue and runs it
// through the pipeline.
func (tp *testPool) processNext(t *testing.T) error {
	t.Helper()
	d, err := tp.bus.Next(bus.QueueValidation)
	qt.Assert(t, err, qt.IsNil)
	return tp.pool.process(d)
}

// nextDelivery retries Next until an item becomes visible, so tests can
// wait out a requeue delay.
func (tp *testPool) nextDelivery(t *testing.T, timeout time.Duration) *bus.Delivery {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		d, err := tp.bus.Next(bus.QueueValidation)
		if err == nil {
			return d
		}
		if !errors.Is(err, bus.ErrNoMoreElements) || time.Now().After(deadline) {
			t.Fatalf("no delivery: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// drainQueue consumes and decodes every envelope currently in a queue.
func drainQueue(t *testing.T, b *bus.Bus, queue string) []*types.Envelope {
	t.Helper()
	var envs []*types.Envelope
	for {
		d, err := b.Next(queue)
		if errors.Is(err, bus.ErrNoMoreElements) {
			return envs
		}
		qt.Assert(t, err, qt.IsNil)
		env := new(types.Envelope)
		qt.Assert(t, json.Unmarshal(d.Body, env), qt.IsNil)
		qt.Assert(t, b.Ack(queue, d.Seq), qt.IsNil)
		envs = append(envs, env)
	}
}

func acceptedAudits(t *testing.T, st store.Store) []*types.AuditRecord {
	t.Helper()
	var recs []*types.AuditRecord
	err := st.AcceptedAudits(context.Background(), func(r *types.AuditRecord) bool {
		recs = append(recs, r)
		return true
	})
	qt.Assert(t, err, qt.IsNil)
	return recs
}

func queueDepth(t *testing.T, b *bus.Bus, queue string) int64 {
	t.Helper()
	depth, err := b.Depth(queue)
	qt.Assert(t, err, qt.IsNil)
	return depth
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestProcessAccepted(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{})

	cred := testutil.RandomCredential()
	env := testutil.LawEnvelope(cred, "L2025-001", types.ChoiceYes)
	testutil.SeedValid(t, tp.creds, env)
	testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env)

	c.Assert(tp.processNext(t), qt.IsNil)

	// One accepted audit row with the envelope's choice.
	audits := acceptedAudits(t, tp.store)
	c.Assert(audits, qt.HasLen, 1)
	c.Assert(audits[0].Fingerprint, qt.Equals, env.Fingerprint)
	c.Assert(audits[0].Scope, qt.Equals, "L2025-001")
	c.Assert(audits[0].ChoicePayload, qt.Equals, "yes")
	c.Assert(audits[0].ReceivedAt.IsZero(), qt.IsFalse)
	c.Assert(audits[0].ProcessedAt.IsZero(), qt.IsFalse)

	// The fingerprint is claimed and the envelope went to aggregation.
	claimed, err := tp.creds.IsClaimed(context.Background(), env.Fingerprint)
	c.Assert(err, qt.IsNil)
	c.Assert(claimed, qt.IsTrue)

	forwarded := drainQueue(t, tp.bus, bus.QueueAggregation)
	c.Assert(forwarded, qt.HasLen, 1)
	c.Assert(forwarded[0].Status, qt.Equals, types.StatusAccepted)
	c.Assert(forwarded[0].Fingerprint, qt.Equals, env.Fingerprint)

	// The delivery was acked: nothing left to consume.
	c.Assert(queueDepth(t, tp.bus, bus.QueueValidation), qt.Equals, int64(0))
	c.Assert(queueDepth(t, tp.bus, bus.QueueReview), qt.Equals, int64(0))
}

func TestProcessSerialDuplicates(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{})

	cred := testutil.RandomCredential()
	env := testutil.LawEnvelope(cred, "L2025-001", types.ChoiceNo)
	testutil.SeedValid(t, tp.creds, env)

	for range 3 {
		testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env)
		c.Assert(tp.processNext(t), qt.IsNil)
	}

	// One accepted audit, one aggregation envelope.
	c.Assert(acceptedAudits(t, tp.store), qt.HasLen, 1)
	c.Assert(drainQueue(t, tp.bus, bus.QueueAggregation), qt.HasLen, 1)

	// Two duplicates in review with increasing attempt counts.
	review := drainQueue(t, tp.bus, bus.QueueReview)
	c.Assert(review, qt.HasLen, 2)
	c.Assert(review[0].Status, qt.Equals, types.StatusDuplicate)
	c.Assert(review[0].AttemptCount, qt.Equals, int64(1))
	c.Assert(review[1].AttemptCount, qt.Equals, int64(2))

	n, err := tp.creds.RecordDuplicate(context.Background(), env.Fingerprint)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(3))
}

func TestProcessInvalidCredential(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{})

	env := testutil.LawEnvelope(testutil.RandomCredential(), "L2025-001", types.ChoiceNo)
	testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env)
	c.Assert(tp.processNext(t), qt.IsNil)

	// No claim, no aggregation, annotated review envelope.
	claimed, err := tp.creds.IsClaimed(context.Background(), env.Fingerprint)
	c.Assert(err, qt.IsNil)
	c.Assert(claimed, qt.IsFalse)
	c.Assert(acceptedAudits(t, tp.store), qt.HasLen, 0)
	c.Assert(queueDepth(t, tp.bus, bus.QueueAggregation), qt.Equals, int64(0))

	review := drainQueue(t, tp.bus, bus.QueueReview)
	c.Assert(review, qt.HasLen, 1)
	c.Assert(review[0].Status, qt.Equals, types.StatusInvalid)
	c.Assert(review[0].Error, qt.Equals, "credential not in valid set")
}

func TestProcessMalformed(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{})

	// Unparseable body and an envelope with an unknown field are both
	// permanent failures: dead-lettered raw, no audit row.
	c.Assert(tp.bus.Publish(bus.QueueValidation, []byte("not json"), ""), qt.IsNil)
	c.Assert(tp.bus.Publish(bus.QueueValidation, []byte(`{"kind":"law","surprise":true}`), ""), qt.IsNil)

	c.Assert(tp.processNext(t), qt.IsNil)
	c.Assert(tp.processNext(t), qt.IsNil)

	c.Assert(queueDepth(t, tp.bus, bus.QueueValidation), qt.Equals, int64(0))
	c.Assert(queueDepth(t, tp.bus, bus.QueueReview), qt.Equals, int64(2))
	c.Assert(acceptedAudits(t, tp.store), qt.HasLen, 0)
}

func TestProcessStructuralInvalid(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{})

	env := testutil.LawEnvelope(testutil.RandomCredential(), "L2025-001", types.ChoiceYes)
	env.Fingerprint = "not-a-fingerprint"
	testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env)
	c.Assert(tp.processNext(t), qt.IsNil)

	review := drainQueue(t, tp.bus, bus.QueueReview)
	c.Assert(review, qt.HasLen, 1)
	c.Assert(review[0].Status, qt.Equals, types.StatusInvalid)
	c.Assert(review[0].Error, qt.Contains, "fingerprint")
}

func TestProcessRedelivery(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{})

	cred := testutil.RandomCredential()
	env := testutil.LawEnvelope(cred, "L2025-001", types.ChoiceYes)
	testutil.SeedValid(t, tp.creds, env)

	// First delivery accepted; a redelivery of the very same envelope (lost
	// ack) resolves as a duplicate of the worker's own claim, leaving the
	// tally input unchanged.
	for range 2 {
		testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env)
		c.Assert(tp.processNext(t), qt.IsNil)
	}
	c.Assert(acceptedAudits(t, tp.store), qt.HasLen, 1)
	c.Assert(queueDepth(t, tp.bus, bus.QueueAggregation), qt.Equals, int64(1))
	review := drainQueue(t, tp.bus, bus.QueueReview)
	c.Assert(review, qt.HasLen, 1)
	c.Assert(review[0].Status, qt.Equals, types.StatusDuplicate)
}

func TestProcessClaimedButNotValid(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{})
	ctx := context.Background()

	cred := testutil.RandomCredential()
	env := testutil.LawEnvelope(cred, "L2025-001", types.ChoiceYes)
	// Claimed without ever being in the valid set.
	inserted, err := tp.creds.Claim(ctx, env.Fingerprint)
	c.Assert(err, qt.IsNil)
	c.Assert(inserted, qt.IsTrue)

	testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env)
	c.Assert(tp.processNext(t), qt.IsNil)

	review := drainQueue(t, tp.bus, bus.QueueReview)
	c.Assert(review, qt.HasLen, 1)
	c.Assert(review[0].Status, qt.Equals, types.StatusDuplicate)
	c.Assert(review[0].AttemptCount, qt.Equals, int64(1))
}

func TestProcessAuditConflictReclassifies(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{})
	ctx := context.Background()

	cred := testutil.RandomCredential()
	env := testutil.LawEnvelope(cred, "L2025-001", types.ChoiceYes)
	testutil.SeedValid(t, tp.creds, env)

	// An accepted audit row already exists while the claim set lost the
	// fingerprint (say, a credential store restore). The insert conflict
	// reclassifies the envelope as duplicate instead of double-counting.
	c.Assert(tp.store.InsertAudit(ctx, &types.AuditRecord{
		Fingerprint:   env.Fingerprint,
		Scope:         env.Scope(),
		ChoicePayload: "yes",
		Status:        types.StatusAccepted,
		ReceivedAt:    env.ReceivedAt,
		ProcessedAt:   time.Now().UTC(),
	}), qt.IsNil)

	testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env)
	c.Assert(tp.processNext(t), qt.IsNil)

	c.Assert(queueDepth(t, tp.bus, bus.QueueAggregation), qt.Equals, int64(0))
	review := drainQueue(t, tp.bus, bus.QueueReview)
	c.Assert(review, qt.HasLen, 1)
	c.Assert(review[0].Status, qt.Equals, types.StatusDuplicate)
}

// unclaimedCreds pretends no fingerprint is ever claimed, to force the
// invariant-violation branch on audit conflicts.
type unclaimedCreds struct {
	credstore.Store
}

func (u *unclaimedCreds) IsClaimed(context.Context, fingerprint.Fingerprint) (bool, error) {
	return false, nil
}

func TestProcessAuditConflictFatal(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{})
	ctx := context.Background()

	cred := testutil.RandomCredential()
	env := testutil.LawEnvelope(cred, "L2025-001", types.ChoiceYes)
	testutil.SeedValid(t, tp.creds, env)
	c.Assert(tp.store.InsertAudit(ctx, &types.AuditRecord{
		Fingerprint:   env.Fingerprint,
		Scope:         env.Scope(),
		ChoicePayload: "yes",
		Status:        types.StatusAccepted,
		ReceivedAt:    env.ReceivedAt,
		ProcessedAt:   time.Now().UTC(),
	}), qt.IsNil)

	tp.pool.creds = &unclaimedCreds{Store: tp.creds}
	testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env)
	err := tp.processNext(t)
	c.Assert(errors.Is(err, ErrInconsistentState), qt.IsTrue, qt.Commentf("got %v", err))
}

// flakyStore fails audit inserts while failing is set.
type flakyStore struct {
	store.Store
	failing atomic.Bool
}

func (f *flakyStore) InsertAudit(ctx context.Context, rec *types.AuditRecord) error {
	if f.failing.Load() {
		return errors.New("store offline")
	}
	return f.Store.InsertAudit(ctx, rec)
}

func TestProcessTransientRequeue(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{RequeueDelay: time.Millisecond})

	flaky := &flakyStore{Store: tp.store}
	flaky.failing.Store(true)
	tp.pool.st = flaky

	cred := testutil.RandomCredential()
	env := testutil.LawEnvelope(cred, "L2025-001", types.ChoiceYes)
	testutil.SeedValid(t, tp.creds, env)
	testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env)

	// Transient store failure: the envelope is requeued, not lost.
	c.Assert(tp.processNext(t), qt.IsNil)
	c.Assert(queueDepth(t, tp.bus, bus.QueueValidation), qt.Equals, int64(1))

	// Once the store is back the redelivery completes the accepted path.
	flaky.failing.Store(false)
	d := tp.nextDelivery(t, 3*time.Second)
	c.Assert(d.Attempts, qt.Equals, int64(1))
	c.Assert(tp.pool.process(d), qt.IsNil)
	c.Assert(acceptedAudits(t, tp.store), qt.HasLen, 1)
	c.Assert(queueDepth(t, tp.bus, bus.QueueAggregation), qt.Equals, int64(1))
}

func TestProcessEnforceWindow(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{EnforceWindow: true})
	ctx := context.Background()

	// Window already closed.
	now := time.Now().UTC()
	c.Assert(tp.store.UpsertElection(ctx, &types.Election{
		ID:      5,
		StartAt: now.Add(-2 * time.Hour),
		EndAt:   now.Add(-time.Hour),
		Method:  types.MethodSingle,
	}), qt.IsNil)

	cred := testutil.RandomCredential()
	env := testutil.ElectionEnvelope(cred, 5, 1, 7)
	testutil.SeedValid(t, tp.creds, env)
	testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env)
	c.Assert(tp.processNext(t), qt.IsNil)

	review := drainQueue(t, tp.bus, bus.QueueReview)
	c.Assert(review, qt.HasLen, 1)
	c.Assert(review[0].Status, qt.Equals, types.StatusInvalid)
	c.Assert(review[0].Error, qt.Contains, "voting window")

	// The credential was never claimed, so the voter can still vote in an
	// open election.
	claimed, err := tp.creds.IsClaimed(ctx, env.Fingerprint)
	c.Assert(err, qt.IsNil)
	c.Assert(claimed, qt.IsFalse)

	// Unknown election with enforcement on.
	env2 := testutil.ElectionEnvelope(testutil.RandomCredential(), 404, 1, 7)
	testutil.SeedValid(t, tp.creds, env2)
	testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env2)
	c.Assert(tp.processNext(t), qt.IsNil)
	review = drainQueue(t, tp.bus, bus.QueueReview)
	c.Assert(review, qt.HasLen, 1)
	c.Assert(review[0].Error, qt.Contains, "unknown election")
}

func TestPoolConcurrentClaims(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{Workers: 5, Prefetch: 2})
	ctx := context.Background()

	// Ten submissions race for the same credential; exactly one wins.
	cred := testutil.RandomCredential()
	env := testutil.LawEnvelope(cred, "L2025-001", types.ChoiceYes)
	testutil.SeedValid(t, tp.creds, env)
	for range 10 {
		testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env)
	}

	c.Assert(tp.pool.Start(ctx), qt.IsNil)
	waitFor(t, 10*time.Second, func() bool {
		return tp.pool.Stats().Processed == 10 &&
			queueDepth(t, tp.bus, bus.QueueValidation) == 0
	})
	c.Assert(tp.pool.Stop(), qt.IsNil)

	stats := tp.pool.Stats()
	c.Assert(stats.Accepted, qt.Equals, int64(1))
	c.Assert(stats.Duplicates, qt.Equals, int64(9))

	c.Assert(acceptedAudits(t, tp.store), qt.HasLen, 1)
	c.Assert(queueDepth(t, tp.bus, bus.QueueAggregation), qt.Equals, int64(1))

	// The duplicate attempt counts are exactly 1..9, whatever the order.
	review := drainQueue(t, tp.bus, bus.QueueReview)
	c.Assert(review, qt.HasLen, 9)
	seen := make(map[int64]bool)
	for _, r := range review {
		c.Assert(r.Status, qt.Equals, types.StatusDuplicate)
		seen[r.AttemptCount] = true
	}
	for i := int64(1); i <= 9; i++ {
		c.Assert(seen[i], qt.IsTrue, qt.Commentf("missing attempt %d", i))
	}
}

func TestPoolStartStop(t *testing.T) {
	c := qt.New(t)
	tp := newTestPool(t, Options{Workers: 2})
	ctx := context.Background()

	cred := testutil.RandomCredential()
	env := testutil.LawEnvelope(cred, "L2025-001", types.ChoiceYes)
	testutil.SeedValid(t, tp.creds, env)
	testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation, env)
	// An envelope that never validates, to cover the invalid path too.
	testutil.PublishEnvelope(t, tp.bus, bus.QueueValidation,
		testutil.LawEnvelope(testutil.RandomCredential(), "L2025-001", types.ChoiceNo))

	c.Assert(tp.pool.Start(ctx), qt.IsNil)
	c.Assert(tp.pool.Start(ctx), qt.Not(qt.IsNil)) // double start refused
	waitFor(t, 10*time.Second, func() bool {
		return tp.pool.Stats().Processed == 2
	})
	c.Assert(tp.pool.Stop(), qt.IsNil)

	stats := tp.pool.Stats()
	c.Assert(stats.Accepted, qt.Equals, int64(1))
	c.Assert(stats.Invalid, qt.Equals, int64(1))
}
