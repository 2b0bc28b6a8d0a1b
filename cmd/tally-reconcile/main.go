// Command tally-reconcile cross-checks the committed tallies against the
// accepted audit log. The pipeline is at-least-once, so a lost ack after a
// commit replays a batch and over-counts, and an envelope acked on the
// validation queue whose forward never landed under-counts. This tool folds
// the audit rows back into expected counts, deducts envelopes still waiting
// in the aggregation queue, and reports every key whose tally row disagrees.
// With --emit it republishes one envelope per missing count.
//
// The embedded store and the queue database take an exclusive lock, so the
// node must be stopped unless the tallies live in mongodb and --emit is not
// used.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/config"
	"github.com/vocdoni/scrutin-node/db"
	"github.com/vocdoni/scrutin-node/db/metadb"
	"github.com/vocdoni/scrutin-node/internal"
	"github.com/vocdoni/scrutin-node/log"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/store/kvstore"
	"github.com/vocdoni/scrutin-node/store/mongostore"
)

func main() {
	datadir := pflag.StringP("datadir", "d", "", "node data directory holding the embedded store and queue database")
	mongoURL := pflag.String("mongo.url", "", "mongodb connection URL (reads tallies from mongodb instead of the embedded store)")
	mongoDB := pflag.String("mongo.db", "", "mongodb database name")
	emit := pflag.BoolP("emit", "e", false, "republish one envelope per missing count to the aggregation queue")
	logLevel := pflag.StringP("log.level", "l", "info", "log level")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tally-reconcile v%s\n\n", internal.Version)
		fmt.Fprintf(os.Stderr, "Usage: tally-reconcile --datadir=PATH [--mongo.url=... --mongo.db=...] [--emit]\n\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nStop the node first: the embedded databases take an exclusive lock.\n")
		fmt.Fprintf(os.Stderr, "Exit status is 1 when drift is found and left unrepaired.\n")
	}
	pflag.Parse()

	if *datadir == "" && *mongoURL == "" {
		pflag.Usage()
		return
	}

	log.Init(*logLevel, "stdout")
	log.Infow("starting tally-reconcile", "version", internal.Version)

	if *mongoURL != "" && *mongoDB == "" {
		log.Fatalf("--mongo.url requires --mongo.db")
	}
	if *emit && *datadir == "" {
		log.Fatalf("--emit requires --datadir, the queue database is local to the node")
	}

	ctx := context.Background()

	// The tally and audit store: mongodb when configured, otherwise the
	// node's embedded one.
	var st store.Store
	if *mongoURL != "" {
		mst, err := mongostore.New(ctx, mongostore.Options{URL: *mongoURL, Database: *mongoDB})
		if err != nil {
			log.Fatalf("failed to connect to mongodb: %v", err)
		}
		st = mst
	} else {
		database, err := metadb.New(db.TypePebble, filepath.Join(*datadir, config.StoreDir))
		if err != nil {
			log.Fatalf("failed to open the results store: %v", err)
		}
		defer closeDB(database)
		st = kvstore.New(database)
	}
	defer func() {
		if err := st.Close(ctx); err != nil {
			log.Warnw("failed to close the results store", "error", err)
		}
	}()

	rep := newReport()
	if err := rep.loadAudits(ctx, st); err != nil {
		log.Fatalf("reconcile failed: %v", err)
	}

	// The queue database, for in-flight deduction and --emit.
	var b *bus.Bus
	if *datadir != "" {
		busdb, err := metadb.New(db.TypePebble, filepath.Join(*datadir, config.BusDir))
		if err != nil {
			log.Fatalf("failed to open the queue database: %v", err)
		}
		defer closeDB(busdb)
		b, err = bus.New(busdb, bus.Options{Queues: bus.PipelineQueues()})
		if err != nil {
			log.Fatalf("failed to open the message bus: %v", err)
		}
		defer b.Close()
		if err := rep.subtractQueued(b); err != nil {
			log.Fatalf("reconcile failed: %v", err)
		}
	} else {
		log.Warnw("no --datadir given, envelopes still in the aggregation queue will show up as missing")
	}

	if err := rep.loadApplied(ctx, st); err != nil {
		log.Fatalf("reconcile failed: %v", err)
	}

	rows := rep.rows()
	var missing, overcounted int64
	for _, row := range rows {
		log.Warnw("tally drift",
			"key", row.key,
			"audited", row.expected,
			"inFlight", row.inFlight,
			"applied", row.applied,
			"drift", row.drift)
		if row.drift > 0 {
			missing += row.drift
		} else {
			overcounted -= row.drift
		}
	}

	log.Infow("reconcile finished",
		"auditRows", rep.audits,
		"unreadableRows", rep.unreadable,
		"inFlight", rep.queued,
		"driftedKeys", len(rows),
		"missing", missing,
		"overcounted", overcounted)

	if *emit && missing > 0 {
		emitted, err := emitMissing(b, rows)
		if err != nil {
			log.Fatalf("emit failed after %d envelopes: %v", emitted, err)
		}
		log.Infow("missing envelopes republished, start the node to fold them in", "emitted", emitted)
		missing = 0
	}

	if missing > 0 || overcounted > 0 || rep.unreadable > 0 {
		os.Exit(1)
	}
}

func closeDB(database db.Database) {
	if err := database.Close(); err != nil {
		log.Warnw("failed to close database", "error", err)
	}
}
