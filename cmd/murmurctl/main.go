package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"murmurscreen/internal/client"
	"murmurscreen/internal/config"
	"murmurscreen/internal/store"
)

var (
	// Global flags
	verbose     bool
	strict      bool
	configPath  string
	apiURLFlag  string
	runsURLFlag string
	dbFlag      string
	timeout     time.Duration

	logger *zap.Logger
	cfg    config.Config
)

var rootCmd = &cobra.Command{
	Use:   "murmurctl",
	Short: "Client for the heart-sound screening backend",
	Long: `murmurctl submits heart-sound recordings to the screening backend and renders
its results: murmur probability, timing, recording quality, screening concern,
triage and urgency.

All analysis happens in the backend. Screening and educational use only.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	pf.BoolVar(&strict, "strict", false, "fail on backend responses that break the contract")
	pf.StringVar(&configPath, "config", "", "config file (default murmur.yaml)")
	pf.StringVar(&apiURLFlag, "api-url", "", "screening backend base URL")
	pf.StringVar(&runsURLFlag, "runs-url", "", "run backend base URL (defaults to --api-url)")
	pf.StringVar(&dbFlag, "db", "", "local state database")
	pf.DurationVar(&timeout, "timeout", 0, "per-request timeout")
}

func setup(cmd *cobra.Command, args []string) error {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	var err error
	logger, err = zc.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if configPath != "" {
		os.Setenv("CONFIG_PATH", configPath)
	}
	cfg, err = config.Load(logger)
	if err != nil {
		return err
	}
	if apiURLFlag != "" {
		if cfg.RunsAPIURL == cfg.APIURL {
			cfg.RunsAPIURL = apiURLFlag
		}
		cfg.APIURL = apiURLFlag
	}
	if runsURLFlag != "" {
		cfg.RunsAPIURL = runsURLFlag
	}
	if dbFlag != "" {
		cfg.DBPath = dbFlag
	}
	if timeout > 0 {
		cfg.HTTPTimeoutSec = int(math.Ceil(timeout.Seconds()))
	}
	if strict {
		cfg.StrictContract = true
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func log() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func clientOptions() []client.Option {
	return []client.Option{
		client.WithTimeout(cfg.HTTPTimeout()),
		client.WithLogger(log().Named("client")),
		client.WithStrictContract(cfg.StrictContract),
	}
}

func screeningClient() *client.Screening {
	return client.NewScreening(cfg.APIURL, clientOptions()...)
}

func runsClient() *client.Runs {
	return client.NewRuns(cfg.RunsAPIURL, clientOptions()...)
}

func openStore() (*store.Store, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open local state %s: %w", cfg.DBPath, err)
	}
	return st, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
