// Package main provides the MuninnDB CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orneryd/muninndb/pkg/config"
	"github.com/orneryd/muninndb/pkg/muninn"
	"github.com/orneryd/muninndb/pkg/record"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "muninndb",
		Short: "MuninnDB - Self-Compacting Knowledge Store for LLM Agents",
		Long: `MuninnDB is an embedded knowledge store written in Go, designed for
agent memory that accumulates question/answer records and compacts
itself in the background.

Features:
  • Double-buffered store: ingestion never blocks on compaction
  • Three-stage dedup: embedding pre-filter, density clustering, LLM adjudication
  • LLM consolidation with full provenance and merge lineage
  • Bounded-concurrency gateway scheduler with adaptive backpressure
  • NATS ingestion feed and Prometheus metrics`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("MuninnDB v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run MuninnDB with background compaction",
		Long:  "Run MuninnDB: restore the committed view, start the compaction worker, the NATS ingest feed, and the metrics endpoint.",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Run one compaction cycle and exit",
		RunE:  runCompact,
	}
	rootCmd.AddCommand(compactCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics as JSON",
		RunE:  runStats,
	}
	rootCmd.AddCommand(statsCmd)

	appendCmd := &cobra.Command{
		Use:   "append [question] [answer]",
		Short: "Append one record to the store",
		Args:  cobra.ExactArgs(2),
		RunE:  runAppend,
	}
	appendCmd.Flags().StringSlice("provenance", nil, "Provenance entries for the record")
	rootCmd.AddCommand(appendCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openDB() (*muninn.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	fmt.Printf("🐦 MuninnDB v%s starting with %s\n", version, cfg)
	return muninn.Open(cfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("🐦 MuninnDB v%s starting with %s\n", version, cfg)

	db, err := muninn.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		go func() {
			fmt.Printf("📊 Metrics on %s/metrics\n", cfg.Metrics.Addr)
			if err := db.Metrics().Serve(ctx, cfg.Metrics.Addr); err != nil {
				fmt.Printf("⚠️  Metrics endpoint: %v\n", err)
			}
		}()
	}

	<-ctx.Done()
	fmt.Println("\n🐦 Shutting down")
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Compact(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("🗜️  Done: %d in, %d exact dups, %d merged, %d merge failures, %d visible\n",
		stats.Input, stats.ExactDuplicates, stats.Merged, stats.MergeFailed, stats.VisibleAfter)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	data, err := json.MarshalIndent(db.Stats(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runAppend(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	provenance, _ := cmd.Flags().GetStringSlice("provenance")
	id, err := db.Append(record.Record{
		Question:   args[0],
		Answer:     args[1],
		Provenance: provenance,
	})
	if err != nil {
		return err
	}
	if err := db.Flush(); err != nil {
		return err
	}
	fmt.Printf("✅ Stored %s\n", id)
	return nil
}
