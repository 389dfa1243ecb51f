package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/events"
	"github.com/evetech/cp-simulator/internal/simulator"
	"github.com/evetech/cp-simulator/internal/telemetry"
	"github.com/evetech/cp-simulator/pkg/config"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "The file path to the config file")
	simulation = flag.String("simulation", "", "Simulation name (defined in config file) to run")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Load config failed", zap.Error(err))
		os.Exit(1)
	}

	sim, err := simulator.Build(cfg, *simulation, logger)
	if err != nil {
		logger.Error("Build simulation failed", zap.Error(err))
		os.Exit(1)
	}

	if cfg.MetricsPort > 0 {
		telemetry.Serve(cfg.MetricsPort, logger)
	}

	var pub *events.Publisher
	if cfg.Events.NATSURL != "" {
		pub, err = events.Connect(cfg.Events.NATSURL, sim.Device().ID(), logger)
		if err != nil {
			logger.Error("Connect event bus failed", zap.Error(err))
			os.Exit(1)
		}
		defer pub.Close()
		sim.SetPublisher(pub)
	}

	simulator.NewSupervisor(sim.Device(), pub, logger).Attach()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sim.Initialize(ctx); err != nil {
		logger.Error("Initialize failed", zap.Error(err))
		os.Exit(1)
	}
	sim.LifecycleStart(ctx)
	if err := sim.End(ctx); err != nil {
		logger.Error("End failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Simulation finished", zap.String("simulation", sim.Name()))
}
