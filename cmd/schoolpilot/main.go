// schoolpilot is the realtime classroom monitoring server: it ingests device
// heartbeats and screenshots, fans updates out to teacher dashboards, dispatches
// classroom commands and relays live view signaling.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bzinkan/SchoolPilot-sub002/internal/app"
	"github.com/bzinkan/SchoolPilot-sub002/internal/config"
	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
)

// options are the command line overrides layered on top of env and file config
type options struct {
	configPath string
	envFile    string
	addr       string
	logLevel   string
	help       bool
}

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
func run(ctx context.Context, args []string, stderr io.Writer) error {
	opts, flagSet, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.help {
		printHelp(stderr, flagSet)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: cfg.Service.Name,
		Environment: cfg.Service.Environment,
		Level:       cfg.Service.LogLevel,
		Format:      cfg.Service.LogFormat,
	})

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	logger.Info("starting", "addr", cfg.Addr(), "redis", cfg.Redis.Enabled)
	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}
	return nil
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	opts := &options{}
	flagSet := pflag.NewFlagSet("schoolpilot", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG_FILE"), "path to a JSON config file")
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	flagSet.StringVar(&opts.addr, "addr", "", "listen address as host:port (overrides config)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flagSet.BoolVarP(&opts.help, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			opts.help = true
			return opts, flagSet, nil
		}
		return nil, flagSet, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return opts, flagSet, nil
}

// loadConfig applies defaults < .env < environment < file < flags, then validates
func loadConfig(opts *options) (*config.Config, error) {
	if opts.envFile != "" {
		if err := config.LoadDotEnv(opts.envFile); err != nil {
			return nil, err
		}
	}

	cfg, err := config.LoadConfigWithPrecedence(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.addr != "" {
		if err := cfg.SetAddr(opts.addr); err != nil {
			return nil, err
		}
	}
	if opts.logLevel != "" {
		cfg.Service.LogLevel = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `schoolpilot: realtime classroom monitoring server.

Configuration is layered: built-in defaults, then a .env file, then
SCHOOLPILOT_* environment variables, then the JSON file given with
--config, then the flags below. SCHOOLPILOT_JWT_SECRET is required.

Usage:
  schoolpilot [flags]

Flags:
%s`, flagSet.FlagUsages())
}
