// Command pathfinderd runs the Pathfinder service discovery directory
// server: it loads configuration, wires structured logging, and serves
// every configured domain's listeners plus the admin/ops HTTP surface until
// signalled to shut down.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pathfinder/internal/config"
	"pathfinder/internal/logging"
	"pathfinder/internal/server"
)

var version = "dev"

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "pathfinderd: %v\n", err)
		os.Exit(2)
	}
	if flags.Version {
		fmt.Println("pathfinderd " + version)
		return
	}

	// A config file is optional (§14): with none given, a domain is
	// synthesized from the positional listener addresses instead.
	var cfg *config.Config
	if flags.ConfigPath != "" {
		cfg, err = config.LoadFile(flags.ConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pathfinderd: failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg.ApplyFlags(flags)
	} else {
		cfg = &config.Config{}
		cfg.ApplyFlags(flags)
		if err := cfg.Finalize(); err != nil {
			fmt.Fprintf(os.Stderr, "pathfinderd: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pathfinderd: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logging.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("pathfinderd starting",
		logging.Int("domains", len(cfg.Domains)),
		logging.String("ops_addr", cfg.Ops.Addr),
		logging.String("version", version),
	)

	srv := server.New(cfg, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("pathfinderd terminated", logging.Error(err))
	}
	logger.Info("pathfinderd stopped")
}
