package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amphibian-ai/amphibian/config"
	"github.com/amphibian-ai/amphibian/engine"
	"github.com/amphibian-ai/amphibian/identity"
	"github.com/amphibian-ai/amphibian/internal/audit"
	"github.com/amphibian-ai/amphibian/internal/metrics"
	"github.com/amphibian-ai/amphibian/internal/transport"
	"github.com/amphibian-ai/amphibian/memory"
	"github.com/amphibian-ai/amphibian/pool"
	"github.com/amphibian-ai/amphibian/rag"
	"github.com/amphibian-ai/amphibian/router"
	"github.com/amphibian-ai/amphibian/types"
)

// runHost starts the full node: pool coordinator, session router, memory
// graph, and an interactive prompt loop on stdin.
func runHost(args []string) {
	fs := flag.NewFlagSet("host", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	engineAddr := fs.String("engine-addr", defaultEngineAddr, "OpenAI-compatible engine endpoint")
	engineModel := fs.String("engine-model", defaultEngineModel, "Model name")
	maxTokens := fs.Int("max-tokens", 256, "Token budget per response")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting amphibian host",
		zap.String("version", Version),
		zap.String("engine", *engineAddr),
		zap.String("model", *engineModel))

	eng, err := engine.NewHTTPEngine(engine.HTTPConfig{
		BaseURL: *engineAddr,
		Model:   *engineModel,
	})
	if err != nil {
		fatalf("Engine configuration invalid: %v", err)
	}

	id, err := identity.LoadOrGenerate(cfg.StateRoot, logger)
	if err != nil {
		fatalf("Failed to load identity: %v", err)
	}
	logger.Info("device identity ready", zap.String("device", id.ID))

	bus := types.NewEventBus(logger)
	defer bus.Stop()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector("amphibian", logger)
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	if cfg.Audit.Enabled {
		store, err := audit.Open(filepath.Join(cfg.StateRoot, cfg.Audit.Path), logger)
		if err != nil {
			logger.Warn("audit log unavailable", zap.Error(err))
		} else {
			store.Attach(bus)
			defer store.Close()
		}
	}

	// Memory graph and co-occurrence tracker, restored from disk.
	graph := memory.NewGraph(nil, logger)
	memStore := memory.NewStore(cfg.StateRoot, logger)
	if err := memStore.LoadGraph(graph); err != nil {
		logger.Warn("memory graph not restored", zap.Error(err))
	}
	tracker := memory.NewTracker(graph, memory.TrackerConfig{
		LinkThreshold:         cfg.Memory.LinkThreshold,
		PairDecayRate:         cfg.Memory.DecayRate,
		MaxObservationAgeDays: cfg.Memory.MaxObservationAgeDays,
	}, nil, logger)
	if err := memStore.LoadProvenance(tracker); err != nil {
		logger.Warn("provenance not restored", zap.Error(err))
	}

	// Reputation follows task outcomes on this device.
	bus.Subscribe(types.EventTaskCompleted, func(types.Event) { id.AdjustReputation(0.01) })
	bus.Subscribe(types.EventTaskFailed, func(types.Event) { id.AdjustReputation(-0.02) })

	ragStore, err := rag.NewChromemStore(eng.Embed, rag.StoreOptions{Logger: logger})
	if err != nil {
		fatalf("Failed to create retrieval store: %v", err)
	}
	retrieval := rag.WithRecallTracking(ragStore, tracker)

	// Pool coordinator.
	poolOpts := pool.OptionsFromConfig(cfg.Pool)
	poolOpts.Logger = logger
	poolOpts.Bus = bus
	poolOpts.Metrics = collector
	coord, err := pool.NewCoordinator(id, poolOpts)
	if err != nil {
		fatalf("Failed to create coordinator: %v", err)
	}

	var listener transport.Listener
	if cfg.Pool.TLSCertFile != "" && cfg.Pool.TLSKeyFile != "" {
		listener, err = transport.ListenWSTLS(cfg.Pool.ListenAddr, cfg.Pool.TLSCertFile, cfg.Pool.TLSKeyFile, logger)
	} else {
		listener, err = transport.ListenWS(cfg.Pool.ListenAddr, logger)
	}
	if err != nil {
		fatalf("Failed to listen on %s: %v", cfg.Pool.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(ctx, listener); err != nil {
		fatalf("Failed to start pool: %v", err)
	}

	code, err := coord.ShareCode()
	if err != nil {
		fatalf("Failed to derive share code: %v", err)
	}
	fmt.Printf("Pool %q listening on %s\n", cfg.Pool.PoolName, listener.Addr())
	fmt.Printf("Share code: %s\n\n", code.Encode())

	// Session router over the local engine and the pool.
	routerOpts := router.OptionsFromConfig(cfg.Router)
	routerOpts.Logger = logger
	routerOpts.Bus = bus
	routerOpts.Metrics = collector
	routerOpts.Workers = coord.HealthyWorkers
	rtr, err := router.New(eng, coord, routerOpts)
	if err != nil {
		fatalf("Failed to create router: %v", err)
	}

	// Periodic memory flush; the final flush happens at shutdown.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := memStore.SaveGraph(graph); err != nil {
					logger.Warn("periodic graph flush failed", zap.Error(err))
				}
				if err := memStore.SaveProvenance(tracker); err != nil {
					logger.Warn("periodic provenance flush failed", zap.Error(err))
				}
			}
		}
	}()

	promptLoop(ctx, rtr, retrieval, graph, *maxTokens)

	// Shutdown: drain the pool, close the session, persist memory.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := coord.Stop(drainCtx); err != nil {
		logger.Warn("pool drain incomplete", zap.Error(err))
	}

	tracker.EndSession(memory.SessionMeta{SessionID: uuid.NewString()})
	if err := memStore.SaveGraph(graph); err != nil {
		logger.Error("failed to persist memory graph", zap.Error(err))
	}
	if err := memStore.SaveProvenance(tracker); err != nil {
		logger.Error("failed to persist provenance", zap.Error(err))
	}
	if err := identity.Save(cfg.StateRoot, id); err != nil {
		logger.Error("failed to persist identity", zap.Error(err))
	}

	logger.Info("amphibian host stopped")
}

// promptLoop reads prompts from stdin until EOF or ctx cancellation.
// Lines starting with "/remember " are stored instead of answered.
func promptLoop(ctx context.Context, rtr *router.Router, retrieval engine.RAGStore, graph *memory.Graph, maxTokens int) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Println(`Type a prompt, "/remember <fact>" to store a memory, or Ctrl-D to exit.`)
	for {
		fmt.Print("> ")
		var line string
		var open bool
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, open = <-lines:
			if !open {
				fmt.Println()
				return
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if fact, ok := strings.CutPrefix(line, "/remember "); ok {
			node := graph.AddMemory(fact, nil, memory.AddOptions{})
			if err := retrieval.Insert(ctx, engine.Chunk{ID: node.ID, Content: fact}); err != nil {
				fmt.Printf("could not store memory: %v\n", err)
				continue
			}
			fmt.Printf("remembered as %s\n", node.ID)
			continue
		}

		answer, decision, err := respond(ctx, rtr, retrieval, line, maxTokens)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("[%s%s] %s\n", decision.Bucket, distributedTag(decision), answer)
	}
}

func distributedTag(d router.Decision) string {
	if d.UseDistributed {
		return ", distributed"
	}
	return ""
}

// respond retrieves context for the task and routes it. Retrieved chunk
// ids feed the co-occurrence tracker via the tracked store.
func respond(ctx context.Context, rtr *router.Router, retrieval engine.RAGStore, task string, maxTokens int) (string, router.Decision, error) {
	var history []engine.Message
	if retrieval != nil {
		chunks, err := retrieval.Retrieve(ctx, task)
		if err == nil && len(chunks) > 0 {
			var b strings.Builder
			b.WriteString("Relevant context from memory:\n")
			for _, c := range chunks {
				b.WriteString("- ")
				b.WriteString(c.Content)
				b.WriteString("\n")
			}
			history = append(history, engine.Message{Role: engine.RoleSystem, Content: b.String()})
		}
	}
	return rtr.Respond(ctx, task, history, maxTokens)
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
