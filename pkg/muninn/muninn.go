// Package muninn wires the MuninnDB components into one embedded
// database handle: the double-buffered knowledge store, the durability
// layer, the gateway client, the compaction pipeline, the background
// compaction worker, and the optional NATS ingest feed.
//
// Example Usage:
//
//	db, err := muninn.Open(config.LoadFromEnv())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	id, _ := db.Append(record.Record{
//		Question: "battery life?",
//		Answer:   "8 hours",
//	})
//	fmt.Printf("stored %s\n", id)
package muninn

import (
	"context"
	"errors"
	"fmt"

	"github.com/orneryd/muninndb/pkg/compact"
	"github.com/orneryd/muninndb/pkg/config"
	"github.com/orneryd/muninndb/pkg/gateway"
	"github.com/orneryd/muninndb/pkg/gleaning"
	"github.com/orneryd/muninndb/pkg/ingest"
	"github.com/orneryd/muninndb/pkg/merge"
	"github.com/orneryd/muninndb/pkg/metrics"
	"github.com/orneryd/muninndb/pkg/persist"
	"github.com/orneryd/muninndb/pkg/record"
	"github.com/orneryd/muninndb/pkg/scheduler"
	"github.com/orneryd/muninndb/pkg/similarity"
	"github.com/orneryd/muninndb/pkg/store"
)

// DB is an embedded MuninnDB instance.
//
// Thread-safe: Append may be called from any number of goroutines,
// concurrently with the background compaction worker.
type DB struct {
	config   *config.Config
	store    *store.Store
	durable  *persist.Store
	client   gateway.Client
	pool     *scheduler.Pool
	pipeline *compact.Pipeline
	metrics  *metrics.Metrics

	subscriber *ingest.Subscriber
	worker     *compactWorker

	// Last scheduler counters folded into the metrics, so counter
	// deltas survive the gauge refresh. Only touched from the
	// single-flight compaction path.
	lastRetried int
	lastLimited int
}

// Open builds a DB from cfg: opens the durability layer, restores the
// committed view, and connects the compaction pipeline. The background
// worker is not started; call Start for that.
func Open(cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := gateway.NewHTTPClient(&gateway.Config{
		BaseURL:    cfg.Gateway.URL,
		EmbedPath:  "/v1/embeddings",
		ChatPath:   "/v1/chat/completions",
		APIKey:     cfg.Gateway.APIKey,
		EmbedModel: cfg.Gateway.EmbedModel,
		ChatModel:  cfg.Gateway.ChatModel,
		Dimensions: cfg.Gateway.Dimensions,
		Timeout:    cfg.Gateway.Timeout,
	})
	// Survivors get re-embedded every cycle; the cache makes those free.
	client := gateway.NewCachedClient(httpClient, 0)

	durable, err := persist.OpenWithOptions(persist.Options{
		DataDir:    cfg.Database.DataDir,
		SyncWrites: cfg.Database.SyncWrites,
	})
	if err != nil {
		return nil, fmt.Errorf("open durability layer: %w", err)
	}

	return assemble(cfg, client, durable)
}

// OpenInMemory builds a DB with in-memory durability and the given
// gateway client. Meant for tests and embedding in other processes.
func OpenInMemory(cfg *config.Config, client gateway.Client) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	durable, err := persist.OpenInMemory()
	if err != nil {
		return nil, fmt.Errorf("open durability layer: %w", err)
	}
	return assemble(cfg, client, durable)
}

func assemble(cfg *config.Config, client gateway.Client, durable *persist.Store) (*DB, error) {
	m := metrics.New()
	pool := scheduler.NewPool(&scheduler.Config{
		Ceiling:      cfg.Scheduler.Ceiling,
		Retries:      cfg.Scheduler.Retries,
		RetryBackoff: cfg.Scheduler.RetryBackoff,
		RatePerSec:   cfg.Scheduler.RatePerSec,
	})

	opts := []compact.Option{}
	if cfg.Gleaning.Enabled {
		refiner := gleaning.NewRefiner(client, &gleaning.Config{MaxRounds: cfg.Gleaning.MaxRounds})
		opts = append(opts, compact.WithRefinement(refiner, pool))
	}
	pipeline := compact.NewPipeline(
		similarity.NewEngine(client, pool, &similarity.Config{
			PrefilterThreshold:  cfg.Similarity.PrefilterThreshold,
			ConfidenceThreshold: cfg.Similarity.ConfidenceThreshold,
			MinGroupSize:        cfg.Similarity.MinGroupSize,
			QuestionWeight:      cfg.Similarity.QuestionWeight,
			AnswerWeight:        cfg.Similarity.AnswerWeight,
		}),
		merge.NewEngine(client, pool),
		opts...,
	)

	s := store.New(func(visible []record.Record) error {
		return durable.SaveView(visible)
	})

	restored, err := durable.LoadView()
	if err != nil {
		durable.Close()
		return nil, fmt.Errorf("restore committed view: %w", err)
	}
	s.Load(restored)
	if len(restored) > 0 {
		fmt.Printf("🐦 Restored %d records from disk\n", len(restored))
	}

	db := &DB{
		config:   cfg,
		store:    s,
		durable:  durable,
		client:   client,
		pool:     pool,
		pipeline: pipeline,
		metrics:  m,
	}
	db.worker = newCompactWorker(db)
	return db, nil
}

// Append validates and stores one record. Never blocks on compaction.
func (db *DB) Append(rec record.Record) (record.ID, error) {
	id, err := db.store.Append(rec)
	if err != nil {
		db.metrics.AppendRejected.Inc()
		return "", err
	}
	db.metrics.RecordsAppended.Inc()
	db.worker.Trigger()
	return id, nil
}

// Get returns one record from the active buffer by id.
func (db *DB) Get(id record.ID) (record.Record, error) {
	return db.store.Get(id)
}

// Export returns the visible view: all non-merged, non-tombstoned
// records in traversal order.
func (db *DB) Export() []record.Record {
	return db.store.Export()
}

// Compact runs one compaction cycle synchronously. Returns
// store.ErrCompactionInProgress if another cycle holds the slot.
func (db *DB) Compact(ctx context.Context) (compact.Stats, error) {
	job, err := db.store.BeginCompaction()
	if err != nil {
		if errors.Is(err, store.ErrCompactionInProgress) {
			db.metrics.CompactionSkipped.Inc()
		}
		return compact.Stats{}, err
	}

	if err := db.store.RunCompaction(ctx, job, db.pipeline); err != nil {
		db.metrics.CompactionAborted.Inc()
		if abortErr := db.store.Abort(job); abortErr != nil {
			fmt.Printf("⚠️  Abort after failed cycle: %v\n", abortErr)
		}
		return compact.Stats{}, err
	}

	if err := db.store.Commit(job); err != nil {
		db.metrics.CompactionAborted.Inc()
		return compact.Stats{}, err
	}

	stats := job.Stats()
	db.metrics.CompactionCycles.Inc()
	db.metrics.CompactionDuration.Observe(stats.Duration.Seconds())
	db.metrics.RecordsMerged.Add(float64(stats.Merged + stats.ExactDuplicates))
	db.metrics.MergeFailures.Add(float64(stats.MergeFailed))
	db.refreshGauges()

	fmt.Printf("🗜️  Compaction: %d in, %d exact dups, %d merged, %d visible (%.1fs)\n",
		stats.Input, stats.ExactDuplicates, stats.Merged, stats.VisibleAfter,
		stats.Duration.Seconds())
	return stats, nil
}

// Start launches the background compaction worker and, when enabled,
// the NATS ingest subscriber.
func (db *DB) Start() error {
	if db.config.Compaction.Enabled {
		db.worker.Start()
	}
	if db.config.Ingest.Enabled {
		db.subscriber = ingest.NewSubscriber(&ingest.Config{
			URL:     db.config.Ingest.URL,
			Subject: db.config.Ingest.Subject,
			Queue:   db.config.Ingest.Queue,
		}, db)
		if err := db.subscriber.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Flush persists the current visible view without waiting for a
// compaction commit. Used by one-shot CLI writes; the serve path relies
// on commit-time persistence.
func (db *DB) Flush() error {
	return db.durable.SaveView(db.store.Export())
}

// Metrics returns the instance's metrics set.
func (db *DB) Metrics() *metrics.Metrics {
	return db.metrics
}

// Stats reports a combined view of the instance.
type Stats struct {
	Store     store.Stats     `json:"store"`
	Scheduler scheduler.Stats `json:"scheduler"`
	Ingest    ingest.Stats    `json:"ingest"`
	Model     string          `json:"model"`
}

// Stats returns current instance statistics.
func (db *DB) Stats() Stats {
	st := Stats{
		Store:     db.store.Stats(),
		Scheduler: db.pool.Stats(),
		Model:     db.client.Model(),
	}
	if db.subscriber != nil {
		st.Ingest = db.subscriber.Stats()
	}
	return st
}

func (db *DB) refreshGauges() {
	s := db.store.Stats()
	db.metrics.StoreRecords.Set(float64(s.Records))
	db.metrics.StoreVisible.Set(float64(s.Visible))

	ss := db.pool.Stats()
	db.metrics.SchedulerLimit.Set(float64(ss.Limit))
	if d := ss.Retried - db.lastRetried; d > 0 {
		db.metrics.GatewayRetries.Add(float64(d))
		db.lastRetried = ss.Retried
	}
	if d := ss.RateLimited - db.lastLimited; d > 0 {
		db.metrics.RateLimitSignals.Add(float64(d))
		db.lastLimited = ss.RateLimited
	}
}

// Close stops the worker and subscriber and releases the durability
// layer.
func (db *DB) Close() error {
	db.worker.Stop()
	if db.subscriber != nil {
		db.subscriber.Close()
	}
	return db.durable.Close()
}
