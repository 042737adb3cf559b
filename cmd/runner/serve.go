package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattkinnersley/script-runner/internal/engine"
	"github.com/mattkinnersley/script-runner/internal/executor"
	"github.com/mattkinnersley/script-runner/internal/server"
	"github.com/mattkinnersley/script-runner/internal/state"
)

const shutdownTimeout = 15 * time.Second

func doServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interpreter, err := cfg.InterpreterArgs()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating output directory %s", cfg.OutputDir)
	}

	eng := engine.New(engine.Config{
		MaxJobs:     cfg.MaxJobs,
		Retention:   cfg.Retention,
		Timeout:     cfg.Timeout,
		OutputDir:   cfg.OutputDir,
		Interpreter: interpreter,
	}, state.NewStore(), executor.NewSubprocessExecutor())

	srv := server.New(eng, server.Options{
		ScriptExtension: cfg.ScriptExtension,
		RatePermits:     cfg.RateLimit.PermitLimit,
		RateWindow:      cfg.RateLimit.Window,
	})

	httpLis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.Port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %s", cfg.Port)
	}
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		httpLis.Close()
		return errors.Wrapf(err, "failed to listen on port %s", cfg.GRPCPort)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return srv.Serve(httpLis) })
	g.Go(func() error { return srv.ServeGRPC(grpcLis) })
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	srv.SetReady(true)
	slog.Info("runner ready", "http", cfg.Port, "grpc", cfg.GRPCPort, "output_dir", cfg.OutputDir)
	return g.Wait()
}
