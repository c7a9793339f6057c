package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"github.com/amphibian-ai/amphibian/config"
	"github.com/amphibian-ai/amphibian/engine"
	"github.com/amphibian-ai/amphibian/identity"
	"github.com/amphibian-ai/amphibian/internal/transport"
	"github.com/amphibian-ai/amphibian/pool"
)

// runJoin connects this device to a hosted pool as an inference worker.
func runJoin(args []string) {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	codeFlag := fs.String("code", "", "Pool share code (required)")
	capFlag := fs.String("capability", "auto", "Capability class: auto, low, medium, high, tpu")
	engineAddr := fs.String("engine-addr", defaultEngineAddr, "OpenAI-compatible engine endpoint")
	engineModel := fs.String("engine-model", defaultEngineModel, "Model name")
	memoryGB := fs.Float64("memory-gb", 8, "Device memory in GiB, for auto classification")
	npu := fs.Bool("npu", false, "Device has an NPU, for auto classification")
	useTLS := fs.Bool("tls", false, "Dial the pool over wss")
	fs.Parse(args)

	if *codeFlag == "" {
		fatalf("--code is required; get it from the pool host")
	}
	code, err := pool.ParseShareCode(*codeFlag)
	if err != nil {
		fatalf("Invalid share code: %v", err)
	}

	capability, err := resolveCapability(*capFlag, *memoryGB, *npu)
	if err != nil {
		fatalf("%v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

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

	workerOpts := pool.WorkerOptions{
		Capability: capability,
		Logger:     logger,
	}
	if *useTLS {
		workerOpts.Dial = transport.DialWSS
	}
	worker, err := pool.NewWorker(id, eng, workerOpts)
	if err != nil {
		fatalf("Failed to create worker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.Join(ctx, code); err != nil {
		fatalf("Failed to join pool: %v", err)
	}
	fmt.Printf("Joined pool at %s as %s (%s)\n", code.Addr(), id.ID, worker.Capability())

	<-ctx.Done()
	worker.Leave()
	logger.Info("worker stopped", zap.String("device", id.ID))
}

// resolveCapability maps the --capability flag to a class, classifying
// from the local hardware profile when set to auto.
func resolveCapability(flagValue string, memoryGB float64, npu bool) (pool.Capability, error) {
	if flagValue == "auto" {
		return pool.ClassifyDevice(pool.DeviceProfile{
			Cores:     runtime.NumCPU(),
			MemoryGB:  memoryGB,
			HasNPU:    npu,
			Sustained: true,
		}), nil
	}
	c := pool.Capability(flagValue)
	if !pool.ValidCapability(c) {
		return "", fmt.Errorf("unknown capability %q (want auto, low, medium, high, or tpu)", flagValue)
	}
	return c, nil
}
