// Amphibian CLI entry point.
//
// Usage:
//
//	amphibian host                        # host a pool (coordinator + router + memory)
//	amphibian host --config config.yaml   # with a config file
//	amphibian join --code <share-code>    # join a pool as a worker
//	amphibian chat "prompt"               # one-shot local chat
//	amphibian version                     # show version information
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/amphibian-ai/amphibian/config"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Default local engine endpoint (ollama / llama.cpp compatible).
const (
	defaultEngineAddr  = "http://127.0.0.1:11434/v1"
	defaultEngineModel = "llama3.2"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "host":
		runHost(os.Args[2:])
	case "join":
		runJoin(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("Amphibian %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`Amphibian - collective inference and associative memory

Usage:
  amphibian <command> [options]

Commands:
  host      Host a pool: coordinator, session router, and memory graph
  join      Join a pool as an inference worker
  chat      Chat against the local engine only
  version   Show version information
  help      Show this help message

Options for 'host':
  --config <path>        Path to configuration file (YAML)
  --engine-addr <url>    OpenAI-compatible engine endpoint
  --engine-model <name>  Model name passed to the engine
  --max-tokens <n>       Token budget per response

Options for 'join':
  --code <share-code>    Pool share code (required)
  --capability <class>   low, medium, high, or tpu

Examples:
  amphibian host --config amphibian.yaml
  amphibian join --code aG9zdDo4NzY2OnNlY3JldA== --capability high
  amphibian chat "explain the fast inverse square root"
  amphibian version`)
}

// initLogger builds a zap logger from the log section of the config.
func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
