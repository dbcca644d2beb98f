package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/auditkit/auditkit/internal/api"
	"github.com/auditkit/auditkit/pkg/color"
	"github.com/auditkit/auditkit/pkg/logging"
	"github.com/auditkit/auditkit/pkg/metrics"
)

var (
	serveAddr        string
	serveReadOnly    bool
	serveMetricsAddr string
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the audit HTTP API",
	Long: `Serve the audit HTTP API.

Endpoints:
  GET  /api/audit/events   query events
  POST /api/audit/events   record an event
  GET  /api/audit/stats    summarize events
  GET  /api/audit/health   writer health
  GET  /metrics            Prometheus metrics

With --read-only no writer is opened and POST returns 503, so the server can
run next to another process that owns the audit file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		log := logging.Global().WithFields(map[string]any{"component": "serve"})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var (
			session  *writerSession
			recorder api.Recorder
		)
		if !serveReadOnly {
			session, err = openWriter(cfg)
			if err != nil {
				return err
			}
			recorder = session.writer
		}

		srv := api.New(cfg.Server, recorder, newEngine(cfg), metrics.Default())

		if serveMetricsAddr != "" {
			go func() {
				if err := metrics.StartServer(serveMetricsAddr); err != nil {
					log.ErrorErr("metrics server stopped", err, map[string]any{"addr": serveMetricsAddr})
				}
			}()
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.Success("Listening on"), cfg.Server.Addr)
		log.Info("api server started", map[string]any{"addr": cfg.Server.Addr, "read_only": serveReadOnly})

		var serveErr error
		select {
		case serveErr = <-errCh:
		case <-ctx.Done():
			log.Info("shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			serveErr = errors.Join(serveErr, err)
		}
		if session != nil {
			if err := session.close(shutdownCtx); err != nil {
				serveErr = errors.Join(serveErr, err)
			}
		}
		return serveErr
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.addr)")
	serveCmd.Flags().BoolVar(&serveReadOnly, "read-only", false, "serve queries only and do not open a writer")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "also serve /metrics on a separate address")
	rootCmd.AddCommand(serveCmd)
}
