package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetlink/endpoint-agent/internal/telemetry"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent (session layer, dispatcher, update engine, local facade)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
}

func runAgent(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildContainer()
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	c.log.Info("starting agentd version=%s", version)

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        c.cfg.OTLPEndpoint != "",
		ServiceName:    "endpoint-agent",
		ServiceVersion: version,
		Endpoint:       c.cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("build telemetry provider: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	errCh := make(chan error, 2)
	go func() { errCh <- c.session.Run(ctx) }()

	srv := &http.Server{Addr: c.cfg.FacadeAddr, Handler: c.facade.Router()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("facade server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
	case <-ctx.Done():
	}
	c.log.Info("agentd shutting down")
	return nil
}
