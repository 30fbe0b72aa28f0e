package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/harshasrisri/kvls/internal/kvstore"
)

var v = viper.New()

// newRootCmd builds the kvls command tree. Each leaf command opens its own
// Store against the configured directory and closes it before returning:
// kvls invokes engine operations one at a time, not a daemon holding the
// store open across invocations.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kvls",
		Short:         "kvls is a log-structured key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("log-store", "d", ".", "directory holding the store's log files")
	root.PersistentFlags().String("log-level", "info", "ambient logger level: debug, info, warn, error")

	_ = v.BindPFlag("log-store", root.PersistentFlags().Lookup("log-store"))
	_ = v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	v.SetEnvPrefix("kvls")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetConfigName("kvls")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional: absence of kvls.yaml is not an error

	root.AddCommand(newSetCmd(), newGetCmd(), newRmCmd(), newCompactCmd(), newStatsCmd())
	return root
}

func newLogger() *zap.SugaredLogger {
	level := zap.InfoLevel
	_ = level.UnmarshalText([]byte(v.GetString("log-level")))

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		// Logging setup failing is not fatal to the engine; fall back to a
		// no-op logger so kvls still runs.
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// openStore opens the engine against the configured --log-store directory.
// On failure it prints nothing itself; it returns the error wrapped with the
// directory name, and the caller should exit non-zero on it.
func openStore() (*kvstore.Store, error) {
	dir := v.GetString("log-store")
	cfg := kvstore.DefaultConfig()
	cfg.Logger = newLogger()

	s, err := kvstore.Open(dir, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", dir, err)
	}
	return s, nil
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
