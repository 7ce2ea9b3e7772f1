//go:build unix

package main

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/k2io/memhook"
	"github.com/k2io/memhook/alloctrace"
	"github.com/k2io/memhook/internal/logging"
)

const envPrefix = "MEMTRACE"

// config is the merged view of flags, MEMTRACE_* variables and the
// optional config file, in that order of precedence.
type config struct {
	Threads      int
	Allocs       int
	Size         int
	CaptureStack bool
	Capacity     int
	LogLevel     string
	Pretty       bool
	Debug        bool
	MetricsAddr  string
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "memtrace",
		Short:         "Trace allocations by rewriting allocator entry points in place",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfigFile(v)
		},
	}
	cmd.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().Bool("pretty", false, "human-readable console logs")
	cmd.PersistentFlags().Bool("debug", false, "log every decoded instruction while hooking")
	_ = v.BindPFlags(cmd.PersistentFlags())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(newRunCmd(v))
	cmd.AddCommand(newSymbolsCmd(v))
	return cmd
}

func loadConfigFile(v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	return nil
}

func loadConfig(v *viper.Viper) config {
	return config{
		Threads:      v.GetInt("threads"),
		Allocs:       v.GetInt("allocs"),
		Size:         v.GetInt("size"),
		CaptureStack: v.GetBool("capture-stack"),
		Capacity:     v.GetInt("capacity"),
		LogLevel:     v.GetString("log-level"),
		Pretty:       v.GetBool("pretty"),
		Debug:        v.GetBool("debug"),
		MetricsAddr:  v.GetString("metrics-addr"),
	}
}

// setupLogging builds the command logger and points the engine at it.
func setupLogging(cfg config) zerolog.Logger {
	lc := logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.Pretty,
		Output: os.Stderr,
	}
	memhook.SetLogger(logging.NewWithComponent(lc, "memhook"))
	memhook.SetDebug(cfg.Debug)
	alloctrace.SetLogger(logging.NewWithComponent(lc, "alloctrace"))
	return logging.NewWithComponent(lc, "memtrace")
}
