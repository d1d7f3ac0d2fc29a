package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nainya/txstore/internal/config"
	"github.com/nainya/txstore/internal/logger"
	"github.com/nainya/txstore/internal/metrics"
	"github.com/nainya/txstore/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var (
		configPath string
		port       int
		engine     string
		dataDir    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("engine") {
				cfg.Storage.Engine = engine
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Storage.DataDir = dataDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML or YAML configuration file")
	cmd.Flags().IntVar(&port, "port", 0, "gRPC port")
	cmd.Flags().StringVar(&engine, "engine", "", "table engine: memory or disk")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the disk engine and journal")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logger.InitGlobalLogger(logger.Config{
		Level:      cfg.Log.Level,
		Pretty:     cfg.Log.Pretty,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	log.LogServerStart(cfg.Server.Port, cfg.Storage.Engine, cfg.Storage.DataDir)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	srv, err := server.NewServer(cfg, log, m)
	if err != nil {
		return err
	}
	defer srv.Close()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	grpcServer, health := server.NewGRPCServer(srv, cfg.Server.MaxMessageSize, log, m)
	obs := server.NewObservabilityServer(cfg.Server.MetricsPort, reg, srv.Ready, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.LogServerReady(cfg.Server.Port)
		return grpcServer.Serve(lis)
	})
	g.Go(obs.Start)
	g.Go(func() error {
		<-ctx.Done()
		log.LogServerShutdown()
		health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		return obs.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}
