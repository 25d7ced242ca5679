package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/memory"
)

var log = kfmt.Logger("memsim")

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Boot the memory manager and export its metrics",
		Long: `The serve command boots the memory manager with metrics enabled and
serves them in the prometheus text format on /metrics until interrupted.

Example:
  memsim serve --addr 127.0.0.1:9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Metrics.Enabled = true
			if addr != "" {
				cfg.Metrics.Address = addr
			}

			mem, err := memory.Boot(cfg)
			if err != nil {
				return err
			}
			defer mem.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", cfg.Metrics.Address)
			if err != nil {
				return errors.Wrap(err, "failed to listen")
			}

			return serveMetrics(ctx, lis, mem)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides the configuration)")
	return cmd
}

// serveMetrics serves the metrics of mem on lis until ctx is done.
func serveMetrics(ctx context.Context, lis net.Listener, mem *memory.Subsystem) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mem.Gatherer(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	log.WithField("addr", lis.Addr().String()).Info("serving memory metrics")

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down metrics server")
	}

	return nil
}
