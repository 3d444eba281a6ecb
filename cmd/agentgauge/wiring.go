package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentgauge/agentgauge/internal/config"
	"github.com/agentgauge/agentgauge/internal/driver"
	"github.com/agentgauge/agentgauge/internal/llm"
	"github.com/agentgauge/agentgauge/internal/miaw"
	"github.com/agentgauge/agentgauge/internal/store"
	"github.com/agentgauge/agentgauge/internal/webapi"
)

// app bundles the wired components every command needs.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  store.Store
	goals  webapi.GoalSource
	driver *driver.Driver
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildApp loads project configuration and wires the transport, simulator,
// store and driver.
func buildApp(debug bool) (*app, error) {
	cfg, err := config.Load(".")
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(debug)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	miawClient, err := miaw.NewClient(cfg.Salesforce, miaw.Options{
		OpenTimeout: time.Duration(cfg.Run.OpenTimeoutSec) * time.Second,
		OpenRetries: cfg.Run.OpenRetries,
	}, logger)
	if err != nil {
		return nil, err
	}

	completer, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return nil, err
	}
	temperature := config.DefaultLLMTemperature
	if cfg.LLM.Temperature != nil {
		temperature = *cfg.LLM.Temperature
	}
	sim := llm.NewSimulator(completer, temperature, logger)

	st := store.NewFileStore(cfg.Paths.Runs)

	drv := driver.New(driver.NewMIAWTransport(miawClient), sim, st, driver.Options{
		MaxMessages:     cfg.Run.MaxMessages,
		ReplyTimeout:    time.Duration(cfg.Run.ReplyTimeoutSec) * time.Second,
		GreetingTimeout: time.Duration(cfg.Run.GreetingTimeoutSec) * time.Second,
		TranscriptDir:   cfg.Paths.Transcripts,
	}, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		goals:  &webapi.FileGoalSource{Dir: cfg.Paths.Goals},
		driver: drv,
	}, nil
}
