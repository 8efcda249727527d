package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/charlie-tr1/internal/api"
	"github.com/sells-group/charlie-tr1/internal/monitoring"
	"github.com/sells-group/charlie-tr1/internal/store"
)

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Serve the read-only run and export API with Prometheus metrics",
	Annotations: modeAnnotation("serve"),
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		handler, metrics := buildHandler(st)
		checker := monitoring.NewChecker(
			monitoring.NewCollector(st, cfg.Server.RecentRuns),
			metrics,
			time.Duration(cfg.Server.RefreshSecs)*time.Second,
		)
		go checker.Run(ctx)

		port := cfg.Server.Port
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// buildHandler wires the API against st with a fresh metrics registry.
func buildHandler(st store.Store) (http.Handler, *monitoring.Metrics) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	return api.New(st, metrics, api.OptionsFromConfig(cfg.Server)).Router(), metrics
}

func init() {
	serveCmd.Flags().Int("port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
