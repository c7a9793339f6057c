package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/amphibian-ai/amphibian/config"
	"github.com/amphibian-ai/amphibian/engine"
	"github.com/amphibian-ai/amphibian/router"
)

// runChat answers a single prompt against the local engine. No pool and
// no persistent memory; routing still classifies the request.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	engineAddr := fs.String("engine-addr", defaultEngineAddr, "OpenAI-compatible engine endpoint")
	engineModel := fs.String("engine-model", defaultEngineModel, "Model name")
	maxTokens := fs.Int("max-tokens", 256, "Token budget for the response")
	fs.Parse(args)

	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		fatalf("Usage: amphibian chat [options] <prompt>")
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

	routerOpts := router.OptionsFromConfig(cfg.Router)
	routerOpts.Logger = logger
	rtr, err := router.New(eng, nil, routerOpts)
	if err != nil {
		fatalf("Failed to create router: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	answer, decision, err := rtr.Respond(ctx, prompt, nil, *maxTokens)
	if err != nil {
		fatalf("Chat failed: %v", err)
	}
	fmt.Printf("[%s] %s\n", decision.Bucket, answer)
}
