package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielpatrickdp/earlystop/internal/checkpoint"
	"github.com/danielpatrickdp/earlystop/internal/codec"
	"github.com/danielpatrickdp/earlystop/internal/config"
	"github.com/danielpatrickdp/earlystop/internal/logging"
	"github.com/danielpatrickdp/earlystop/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// #region main
func main() {
	var (
		configPath string
		listen     string
	)
	cmd := &cobra.Command{
		Use:   "checkpointd",
		Short: "Serve the checkpoint service backed by a sqlite store",
		Long: `checkpointd accepts checkpoints from remote monitors over gRPC and stores
them in sqlite, keeping a best pointer per run. Prometheus metrics are served on
telemetry.listen_addr under /metrics.

Settings come from --config and EARLYSTOP_* variables, e.g. EARLYSTOP_STORE_PATH.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, listen)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to earlystop.yaml")
	cmd.Flags().StringVar(&listen, "listen", "localhost:50051", "gRPC listen address")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region serve
func serve(ctx context.Context, cfg *config.Config, listen string) error {
	log, err := logging.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	store, err := checkpoint.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewServerMetrics(reg)

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listen, err)
	}
	srv := grpc.NewServer()
	codec.RegisterServer(srv, metrics.WrapSink(store.AutoRegister()))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Telemetry.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 2)
	go func() { errc <- srv.Serve(lis) }()
	go func() {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	log.Info("checkpointd ready", "grpc", lis.Addr().String(), "metrics", cfg.Telemetry.ListenAddr, "db", cfg.Store.Path)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errc:
		log.Error(err, "server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	srv.GracefulStop()
	return err
}

// #endregion serve
