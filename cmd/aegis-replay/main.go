// Package main implements offline replay of recorded signals. It reads one
// JSON signal per line and runs them through the full correlation path in
// file order, printing the resulting incidents. Useful for tuning weights
// and thresholds against captured traffic.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"aegis-correlate/internal/correlation"
	"aegis-correlate/internal/schema"
	"aegis-correlate/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		inputPath   = flag.String("input", "-", "signal JSONL file, - for stdin")
		storePath   = flag.String("store", "", "bolt store path; empty replays into memory")
		weightsFile = flag.String("weights", "", "optional weight table YAML")
		windowSecs  = flag.Int("window", 3600, "dedup window in seconds")
		probable    = flag.Float64("probable", 30, "PROBABLE confidence threshold")
		confirmed   = flag.Float64("confirmed", 70, "CONFIRMED confidence threshold")
		decay       = flag.Float64("decay", 0.10, "contradiction decay factor")
		verbose     = flag.Bool("v", false, "log every applied signal")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	window := time.Duration(*windowSecs) * time.Second

	weights := correlation.DefaultWeightTable()
	if *weightsFile != "" {
		var err error
		weights, err = correlation.LoadWeightTable(*weightsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load weights: %v\n", err)
			return 1
		}
	}

	var incidents store.IncidentStore
	if *storePath != "" {
		cfg := store.DefaultBoltConfig()
		cfg.Path = *storePath
		cfg.DedupWindow = window
		bolt, err := store.OpenBolt(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open store: %v\n", err)
			return 1
		}
		defer bolt.Close()
		incidents = bolt
	} else {
		mem := store.NewMemoryStore(window)
		defer mem.Close()
		incidents = mem
	}

	engineCfg := correlation.DefaultConfig()
	engineCfg.DecayFactor = *decay
	engineCfg.Thresholds = correlation.Thresholds{Probable: *probable, Confirmed: *confirmed}

	engine, err := correlation.NewEngine(engineCfg, weights, correlation.NewDetector(), incidents)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create engine: %v\n", err)
		return 1
	}

	var in io.Reader = os.Stdin
	if *inputPath != "-" {
		f, err := os.Open(*inputPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open input: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	// Replay is intentionally serial: file order is ingestion order.
	validator := schema.NewValidator()
	ctx := context.Background()

	var line, applied, replays, skipped int
	seen := make(map[string]*correlation.Snapshot)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var sig schema.Signal
		if err := json.Unmarshal(raw, &sig); err != nil {
			slog.Warn("malformed signal skipped", "line", line, "error", err)
			skipped++
			continue
		}
		if err := validator.Validate(&sig); err != nil {
			slog.Warn("invalid signal skipped", "line", line, "error", err)
			skipped++
			continue
		}

		snap, err := engine.ProcessSync(ctx, &sig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", line, err)
			return 1
		}
		if snap == nil {
			skipped++
			continue
		}
		if snap.Result == store.AlreadyApplied {
			replays++
			continue
		}

		applied++
		seen[snap.Incident.ID.String()] = snap
		if *verbose {
			slog.Debug("signal applied",
				"line", line,
				"incident_id", snap.Incident.ID,
				"stage", snap.Incident.Stage,
				"confidence", snap.Incident.Confidence,
			)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, snap := range seen {
		if err := enc.Encode(snap.Incident); err != nil {
			fmt.Fprintf(os.Stderr, "encode incident: %v\n", err)
			return 1
		}
	}

	fmt.Fprintf(os.Stderr, "replayed %d lines: %d applied, %d replays, %d skipped, %d incidents\n",
		line, applied, replays, skipped, len(seen))
	return 0
}
