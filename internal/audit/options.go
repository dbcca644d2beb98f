package audit

import (
	"time"

	"github.com/auditkit/auditkit/pkg/logging"
	"github.com/auditkit/auditkit/pkg/metrics"
)

// Notifier receives writer diagnostics. *webhook.Client implements it.
type Notifier interface {
	SendRotationCompleted(path string, generations int, duration time.Duration) error
	SendRotationFailed(path string, err error) error
	SendWriterUnhealthy(path string, errorRate float64, lastErr string) error
	SendWriterRecovered(path string, errorRate float64) error
	SendFlushIncomplete(path string, pending int, err error) error
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the writer's logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.log = l
		}
	}
}

// WithMetrics records writer activity on r.
func WithMetrics(r *metrics.Registry) Option {
	return func(w *Writer) { w.metrics = r }
}

// WithTargetOpener replaces how the live file is opened.
func WithTargetOpener(open TargetOpener) Option {
	return func(w *Writer) {
		if open != nil {
			w.open = open
		}
	}
}

// WithNotifier sends diagnostics to n.
func WithNotifier(n Notifier) Option {
	return func(w *Writer) {
		if n != nil {
			w.notifier = n
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) SendRotationCompleted(string, int, time.Duration) error { return nil }
func (nopNotifier) SendRotationFailed(string, error) error                 { return nil }
func (nopNotifier) SendWriterUnhealthy(string, float64, string) error      { return nil }
func (nopNotifier) SendWriterRecovered(string, float64) error              { return nil }
func (nopNotifier) SendFlushIncomplete(string, int, error) error           { return nil }
