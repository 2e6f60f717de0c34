package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-fillcache/v1/httpapi"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve lookups over HTTP, WebSocket and optionally RESP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "HTTP listen address")
	cmd.Flags().String("resp-addr", "", "RESP listen address, empty disables it")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	if len(cfg.Warmup) > 0 {
		go func() {
			if err := a.coord.Warmup(ctx, cfg.Warmup); err != nil {
				logger.Warn("warmup failed", "error", err)
				return
			}
			logger.Info("warmup done", "keys", len(cfg.Warmup))
		}()
	}

	if cfg.Listen != "" {
		srv := &http.Server{
			Addr: cfg.Listen,
			Handler: httpapi.NewHandler(a.coord,
				httpapi.WithGatherer(a.registry),
				httpapi.WithHealth(a.health),
				httpapi.WithLogger(logger),
			),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http listening", "addr", cfg.Listen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if cfg.RESPListen != "" {
		ln, err := net.Listen("tcp", cfg.RESPListen)
		if err != nil {
			return err
		}
		rs := newRESPServer(a.coord, logger)
		g.Go(func() error {
			logger.Info("resp listening", "addr", ln.Addr().String())
			return rs.Serve(ctx, ln)
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
