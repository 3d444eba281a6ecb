package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentgauge/agentgauge/internal/orchestration"
	"github.com/agentgauge/agentgauge/internal/webapi"
	"github.com/agentgauge/agentgauge/internal/webserver"
)

func newServeCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP API server.

The server exposes batch orchestration over REST: start and stop batch
runs, poll progress, stream lifecycle events over SSE, and run single
tests. Ctrl-C shuts down gracefully.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default: from config)")

	return cmd
}

func runServe(port int) error {
	a, err := buildApp(debugLogging)
	if err != nil {
		return err
	}
	defer func() { _ = a.logger.Sync() }()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	registry := orchestration.NewRegistry()
	handlers := webapi.NewHandlers(a.store, a.goals, registry, a.driver, orchestration.Options{
		MaxConcurrency: a.cfg.Run.MaxConcurrency,
	}, a.logger)

	srv := webserver.New(webserver.Config{
		Port:    port,
		Handler: webapi.NewRouter(handlers, a.logger),
		Logger:  a.logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx)
}
