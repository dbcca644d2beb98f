package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/auditkit/auditkit/internal/audit"
	"github.com/auditkit/auditkit/internal/query"
	"github.com/auditkit/auditkit/pkg/color"
	"github.com/auditkit/auditkit/pkg/config"
	"github.com/auditkit/auditkit/pkg/logging"
	"github.com/auditkit/auditkit/pkg/metrics"
	"github.com/auditkit/auditkit/pkg/webhook"
)

// loadConfig reads --config with the environment overlay and configures
// logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setupLogging(cfg, os.Stderr)
	return cfg, nil
}

func setupLogging(cfg *config.Config, w io.Writer) {
	l := logging.NewLogger(logging.ParseLevel(cfg.Logging.Level))
	l.SetFormat(cfg.Logging.Format)
	l.SetOutput(w)
	logging.SetGlobal(l)
}

// writerSession is an open writer plus the resources it reports to.
type writerSession struct {
	writer  *audit.Writer
	webhook *webhook.Client
}

func openWriter(cfg *config.Config) (*writerSession, error) {
	hooks := webhook.NewClient(webhook.FromConfig(cfg.Webhooks))
	w, err := audit.Open(cfg,
		audit.WithMetrics(metrics.Default()),
		audit.WithNotifier(hooks),
	)
	if err != nil {
		hooks.Close()
		return nil, err
	}
	return &writerSession{writer: w, webhook: hooks}, nil
}

// close flushes and closes the writer, then drains pending webhooks.
func (s *writerSession) close(ctx context.Context) error {
	err := s.writer.Close(ctx)
	s.webhook.Close()
	return err
}

func newEngine(cfg *config.Config) *query.Engine {
	return query.New(cfg.Path, query.WithMetrics(metrics.Default()))
}

func fmtErr(format string, args ...any) {
	prefix := "auditkit: "
	if color.Enabled() {
		prefix = color.Error("auditkit:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}
