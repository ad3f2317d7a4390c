package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/api"
	"github.com/sells-group/coverage-watch/internal/coverage"
	"github.com/sells-group/coverage-watch/internal/health"
	"github.com/sells-group/coverage-watch/internal/metrics"
	"github.com/sells-group/coverage-watch/internal/monitoring"
	"github.com/sells-group/coverage-watch/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the review API with background monitoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		handler, checker := buildServer(st)
		if checker != nil {
			go checker.Run(ctx)
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildServer wires the review API and, when enabled, the monitoring
// checker over st.
func buildServer(st store.Store) (http.Handler, *monitoring.Checker) {
	m := metrics.Default()
	tracker := health.NewTracker(st, cfg.Crawl.FailureThreshold)
	reconciler := coverage.NewReconciler(st)

	server := api.NewServer(api.Deps{
		Assertions:  reconciler,
		Discoveries: st,
		Documents:   st,
		Health:      tracker,
		Metrics:     metrics.Handler(),
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	if !cfg.Monitoring.Enabled {
		return server.Handler(), nil
	}
	collector := monitoring.NewCollector(monitoring.CollectorDeps{
		Health:       tracker,
		Conflicts:    reconciler,
		Discoveries:  st,
		Documents:    st,
		Metrics:      m,
		URLThreshold: cfg.Crawl.FailureThreshold,
	})
	checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
	return server.Handler(), checker
}
