// Command kiln runs a demo workflow against a SQLite-backed event log
// and prints the resulting event trail, exercising the linear engine,
// governance, and replay end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/nevindra/kiln"
	"github.com/nevindra/kiln/internal/config"
	"github.com/nevindra/kiln/observer"
	"github.com/nevindra/kiln/store/sqlite"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg := config.Load(os.Getenv("KILN_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Open the event log
	store := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		log.Fatalf("init event log: %v", err)
	}
	var eventLog kiln.EventLog = store

	// 3. Optional observer
	var tracer kiln.Tracer
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("init observer: %v", err)
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		tracer = observer.NewTracer()
		eventLog = observer.WrapLog(eventLog, inst)
	}

	// 4. Run a small demo workflow
	wf := kiln.NewLinearWorkflow("demo",
		kiln.NewTask("fetch", func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"records": 3}, nil
		}),
		kiln.NewTask("transform", func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"transformed": true}, nil
		}),
		kiln.NewTask("publish", func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"published": true}, nil
		}),
	)

	engineOpts := []kiln.LinearOption{kiln.WithLinearLogger(logger)}
	if tracer != nil {
		engineOpts = append(engineOpts, kiln.WithLinearTracer(tracer))
	}
	engine := kiln.NewLinearEngine(eventLog, engineOpts...)

	runID, err := engine.Run(ctx, wf)
	if err != nil {
		log.Fatalf("run workflow: %v", err)
	}

	// 5. Replay and print the trail
	replayer := kiln.NewReplayer(eventLog)
	result, err := replayer.Replay(ctx, runID)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}

	fmt.Printf("run %s (%d events)\n", runID, len(result.Events))
	for _, ev := range result.Events {
		fmt.Printf("  %4d  %-16s  %s\n", ev.Seq, ev.Kind, ev.Timestamp.Format("15:04:05.000"))
	}
	fmt.Printf("outcome: %s\n", result.Outcome)
}
