// Package mongostore implements store.Store on MongoDB, for deployments
// where several nodes share the same tally database. Tally updates are
// additive $inc upserts, so concurrent writers from different nodes never
// overwrite each other's counts.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names.
const (
	auditCol         = "vote_audit"
	lawTallyCol      = "law_tally"
	electionTallyCol = "election_tally"
	electionsCol     = "elections"
)

const connectTimeout = 10 * time.Second

// Options configures the MongoDB connection.
type Options struct {
	// URL is the connection string, mongodb://...
	URL string
	// Database is the database name.
	Database string
}

// Store implements store.Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Store = (*Store)(nil)

// New connects to MongoDB, pings it and ensures the indexes backing the
// uniqueness guarantees: accepted audit rows are unique per (fingerprint,
// scope), election tally rows are unique per (election, region, candidate).
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("no mongodb URL provided")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("no mongodb database name provided")
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URL))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	s := &Store{client: client, db: client.Database(opts.Database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(auditCol).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "fingerprint", Value: 1}, {Key: "scope", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: "status", Value: string(types.StatusAccepted)}}),
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection(electionTallyCol).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "election_id", Value: 1},
			{Key: "region_id", Value: 1},
			{Key: "candidate_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *Store) InsertAudit(ctx context.Context, rec *types.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.Collection(auditCol).InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicateAudit
	}
	return err
}

func (s *Store) AcceptedAudits(ctx context.Context, fn func(*types.AuditRecord) bool) error {
	cur, err := s.db.Collection(auditCol).Find(ctx,
		bson.M{"status": string(types.StatusAccepted)})
	if err != nil {
		return err
	}
	defer func() { _ = cur.Close(ctx) }()
	for cur.Next(ctx) {
		var rec types.AuditRecord
		if err := cur.Decode(&rec); err != nil {
			return fmt.Errorf("decode audit row: %w", err)
		}
		if !fn(&rec) {
			break
		}
	}
	return cur.Err()
}

// ApplyDeltas applies a batch as one ordered bulk command per collection.
// Bulk writes are not multi-document atomic: a batch retried after a
// partial failure re-applies the prefix that already landed. The counters
// are additive, so the drift shows up in the reconciliation report.
func (s *Store) ApplyDeltas(ctx context.Context, deltas *store.TallyDeltas) error {
	if deltas.Empty() {
		return nil
	}
	now := time.Now().UTC()

	if len(deltas.Laws) > 0 {
		models := make([]mongo.WriteModel, 0, len(deltas.Laws))
		for _, d := range deltas.Laws {
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": d.BallotID}).
				SetUpdate(bson.M{
					"$inc": bson.M{"yes_count": d.Yes, "no_count": d.No},
					"$set": bson.M{"updated_at": now},
				}).
				SetUpsert(true))
		}
		if _, err := s.db.Collection(lawTallyCol).BulkWrite(ctx, models); err != nil {
			return fmt.Errorf("apply law deltas: %w", err)
		}
	}

	if len(deltas.Elections) == 0 {
		return nil
	}
	type regionKey struct{ election, region int64 }
	touched := make(map[regionKey]struct{})
	models := make([]mongo.WriteModel, 0, len(deltas.Elections))
	for _, d := range deltas.Elections {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{
				"election_id":  d.ElectionID,
				"region_id":    d.RegionID,
				"candidate_id": d.CandidateID,
			}).
			SetUpdate(bson.M{"$inc": bson.M{"vote_count": d.Votes}}).
			SetUpsert(true))
		touched[regionKey{d.ElectionID, d.RegionID}] = struct{}{}
	}
	if _, err := s.db.Collection(electionTallyCol).BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("apply election deltas: %w", err)
	}

	// Refresh the derived percentage of every row in the touched regions.
	// The refresh recomputes from the stored counts, so a partial failure
	// here heals on the next batch that touches the region.
	for rk := range touched {
		if err := s.refreshPercentages(ctx, rk.election, rk.region); err != nil {
			return fmt.Errorf("refresh percentages for election %d region %d: %w",
				rk.election, rk.region, err)
		}
	}
	return nil
}

func (s *Store) refreshPercentages(ctx context.Context, electionID, regionID int64) error {
	rows, err := s.regionRows(ctx, electionID, regionID)
	if err != nil {
		return err
	}
	var total int64
	for _, row := range rows {
		total += row.VoteCount
	}
	models := make([]mongo.WriteModel, 0, len(rows))
	for _, row := range rows {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{
				"election_id":  row.ElectionID,
				"region_id":    row.RegionID,
				"candidate_id": row.CandidateID,
			}).
			SetUpdate(bson.M{"$set": bson.M{
				"percentage": store.Percentage(row.VoteCount, total),
			}}))
	}
	if len(models) == 0 {
		return nil
	}
	_, err = s.db.Collection(electionTallyCol).BulkWrite(ctx, models)
	return err
}

func (s *Store) regionRows(ctx context.Context, electionID, regionID int64) ([]*types.ElectionTally, error) {
	cur, err := s.db.Collection(electionTallyCol).Find(ctx,
		bson.M{"election_id": electionID, "region_id": regionID},
		options.Find().SetSort(bson.D{{Key: "candidate_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var rows []*types.ElectionTally
	for cur.Next(ctx) {
		var row types.ElectionTally
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode election tally: %w", err)
		}
		rows = append(rows, &row)
	}
	return rows, cur.Err()
}

func (s *Store) LawResults(ctx context.Context, ballotID string) (*types.LawTally, error) {
	var tally types.LawTally
	err := s.db.Collection(lawTallyCol).FindOne(ctx, bson.M{"_id": ballotID}).Decode(&tally)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tally, nil
}

func (s *Store) ElectionResults(ctx context.Context, electionID, regionID int64) ([]*types.ElectionTally, error) {
	rows, err := s.regionRows(ctx, electionID, regionID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows, nil
}

func (s *Store) LawTallies(ctx context.Context) ([]*types.LawTally, error) {
	cur, err := s.db.Collection(lawTallyCol).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var rows []*types.LawTally
	for cur.Next(ctx) {
		var row types.LawTally
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode law tally: %w", err)
		}
		rows = append(rows, &row)
	}
	return rows, cur.Err()
}

func (s *Store) ElectionTallies(ctx context.Context) ([]*types.ElectionTally, error) {
	cur, err := s.db.Collection(electionTallyCol).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{
			{Key: "election_id", Value: 1},
			{Key: "region_id", Value: 1},
			{Key: "candidate_id", Value: 1},
		}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var rows []*types.ElectionTally
	for cur.Next(ctx) {
		var row types.ElectionTally
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode election tally: %w", err)
		}
		rows = append(rows, &row)
	}
	return rows, cur.Err()
}

func (s *Store) UpsertElection(ctx context.Context, e *types.Election) error {
	if e.ID <= 0 {
		return fmt.Errorf("election ID must be positive")
	}
	if !e.EndAt.After(e.StartAt) {
		return fmt.Errorf("election %d: end_at must be after start_at", e.ID)
	}
	_, err := s.db.Collection(electionsCol).ReplaceOne(ctx,
		bson.M{"_id": e.ID}, e, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) Election(ctx context.Context, id int64) (*types.Election, error) {
	var e types.Election
	err := s.db.Collection(electionsCol).FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) Elections(ctx context.Context) ([]*types.Election, error) {
	cur, err := s.db.Collection(electionsCol).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*types.Election
	for cur.Next(ctx) {
		var e types.Election
		if err := cur.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode election: %w", err)
		}
		out = append(out, &e)
	}
	return out, cur.Err()
}

func (s *Store) ElectionRegions(ctx context.Context, electionID int64) ([]int64, error) {
	values, err := s.db.Collection(electionTallyCol).Distinct(ctx, "region_id",
		bson.M{"election_id": electionID})
	if err != nil {
		return nil, err
	}
	regions := make([]int64, 0, len(values))
	for _, v := range values {
		switch n := v.(type) {
		case int64:
			regions = append(regions, n)
		case int32:
			regions = append(regions, int64(n))
		}
	}
	slices.Sort(regions)
	return regions, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Drop removes the whole database. Used by tests.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
