package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/objrpc/internal/admin"
	"github.com/danmuck/objrpc/internal/logging"
	"github.com/danmuck/objrpc/internal/observability"
	"github.com/danmuck/objrpc/internal/runtime"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Create and activate the configured adapters and block until shutdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}
}

func serve(ctx context.Context, flags *globalFlags) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	if len(cfg.Adapters) == 0 {
		return errors.New("serve: config declares no adapters")
	}
	logger := logging.Component("objrpcctl")
	rt, err := runtime.New(cfg,
		runtime.WithLogger(logger),
		runtime.WithHooks(
			observability.DispatchMetrics{},
			observability.NewTracingHook(observability.DefaultTracingConfig()),
		),
		runtime.WithMessageObserver(observability.RecordMessage),
		runtime.WithPropagator(otel.GetTextMapPropagator()),
	)
	if err != nil {
		return err
	}
	defer destroy(rt)

	for i, sec := range cfg.Adapters {
		a, err := rt.CreateObjectAdapter(ctx, sec.Name)
		if err != nil {
			return fmt.Errorf("serve: adapter %s: %w", sec.Name, err)
		}
		if i == 0 {
			ref, err := a.Add(rt.NewProcessServant(), runtime.ProcessIdentity)
			if err != nil {
				return fmt.Errorf("serve: process object: %w", err)
			}
			logger.Info().Msgf("objrpcctl.serve process=%s", ref)
		}
		if err := a.Activate(); err != nil {
			return fmt.Errorf("serve: activate %s: %w", sec.Name, err)
		}
		logger.Info().Msgf("objrpcctl.serve adapter=%s endpoints=%v", a.Name(), a.Endpoints())
	}

	var adminSrv *admin.Server
	if cfg.Admin.Addr != "" {
		adminSrv = admin.New(rt, cfg.Admin, logging.Component("admin"))
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil {
				logger.Error().Err(err).Msg("objrpcctl.serve admin surface stopped")
			}
		}()
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		rt.Shutdown()
	}()

	rt.WaitForShutdown()
	logger.Info().Msg("objrpcctl.serve shutdown complete")
	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return adminSrv.Shutdown(shutdownCtx)
	}
	return nil
}
