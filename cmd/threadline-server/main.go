// Package main provides the entry point for the Threadline server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/threadline-ai/threadline/internal/archive"
	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/broadcast"
	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/connstate"
	"github.com/threadline-ai/threadline/internal/faultsim"
	"github.com/threadline-ai/threadline/internal/logging"
	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/internal/resilience"
	"github.com/threadline-ai/threadline/internal/server"
	"github.com/threadline-ai/threadline/internal/transport"
)

var (
	port        = flag.Int("port", 0, "Server port (overrides config)")
	directory   = flag.String("directory", "", "Configuration directory")
	faultScript = flag.String("fault-script", "", "Run a resilience scenario script at startup")
	version     = flag.Bool("version", false, "Print version and exit")
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("threadline-server %s (%s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// Load .env if present; real env always wins.
	_ = godotenv.Load()

	workDir := *directory
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			log.Fatalf("Failed to get working directory: %v", err)
		}
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logging.Init(logging.Config{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Pretty:    cfg.Log.Pretty,
		LogToFile: cfg.Log.ToFile,
		LogDir:    cfg.Log.Dir,
	})
	defer logging.Close()

	logger := logging.Component("main")
	logger.Info().
		Str("version", Version).
		Str("directory", workDir).
		Msg("starting threadline server")

	// Core components
	reg := registry.New()
	bus := broadcast.NewBus()
	monitor := resilience.NewMonitor()

	routerCfg := broadcast.DefaultConfig()
	if cfg.Broadcast.DeliveryTimeoutMS > 0 {
		routerCfg.DeliveryTimeout = time.Duration(cfg.Broadcast.DeliveryTimeoutMS) * time.Millisecond
	}
	if cfg.Broadcast.DedupeCacheSize > 0 {
		routerCfg.DedupeCacheSize = cfg.Broadcast.DedupeCacheSize
	}
	router := broadcast.NewRouter(routerCfg, reg, bus)
	router.SetDegradationSource(monitor)

	// Tracked degradation moves the affected connections between
	// processing_ready and degraded; everything else is left alone.
	monitor.SetDegradationHook(func(scenarioID string, connIDs []string, level resilience.DegradationLevel) {
		for _, id := range connIDs {
			conn, ok := reg.Get(id)
			if !ok {
				continue
			}
			if level.MoreSevereThan(resilience.DegradationLight) {
				if conn.State() == connstate.ProcessingReady {
					conn.TransitionTo(connstate.Degraded, fmt.Sprintf("service degradation: %s", level))
				}
			} else if conn.State() == connstate.Degraded {
				conn.TransitionTo(connstate.ProcessingReady, "service degradation cleared")
			}
		}
	})

	rates := resilience.DefaultDropRates()
	for level, rate := range cfg.Fault.DropRates {
		rates[resilience.DegradationLevel(level)] = rate
	}
	seed := cfg.Fault.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	router.SetFaultPolicy(resilience.NewProbabilisticPolicy(rates, seed))

	gate := auth.NewGatekeeper(auth.NewStaticVerifier(cfg.Auth.Tokens), auth.AlwaysReady())
	ws := transport.NewHandler(reg, router, gate, routerCfg.DeliveryTimeout)

	// HTTP server
	serverCfg := server.DefaultConfig()
	serverCfg.Port = cfg.Server.Port
	serverCfg.EnableCORS = cfg.Server.EnableCORS
	srv := server.New(serverCfg, reg, router, monitor, gate, bus, ws)
	if cfg.Server.DataDir != "" {
		srv.SetArchive(archive.New(cfg.Server.DataDir))
	}

	// Optional startup scenario script
	if *faultScript != "" {
		script, err := faultsim.LoadScript(*faultScript)
		if err != nil {
			log.Fatalf("Failed to load fault script: %v", err)
		}
		go func() {
			report, err := faultsim.NewExecutor(monitor).Run(context.Background(), script)
			if err != nil {
				logger.Error().Err(err).Str("scenarioID", script.ScenarioID).Msg("fault script failed")
				return
			}
			logger.Info().
				Str("scenarioID", report.ScenarioID).
				Float64("resilienceScore", report.ResilienceScore).
				Msg("fault script completed")
		}()
	}

	go func() {
		logger.Info().Int("port", serverCfg.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	reg.Shutdown()
	if err := bus.Close(); err != nil {
		logger.Error().Err(err).Msg("event bus close failed")
	}
}
