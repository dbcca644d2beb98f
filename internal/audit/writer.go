// Package audit implements the append-only audit log writer.
//
// Records are validated, sanitized, sealed into the hash chain and buffered.
// The buffer is drained in order when it reaches the batch size, on a
// periodic timer, on Flush and on Close. A line is never dropped or
// reordered: a line that fails to write stays at the head of the queue.
package audit

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/auditkit/auditkit/internal/integrity"
	"github.com/auditkit/auditkit/internal/rotation"
	"github.com/auditkit/auditkit/pkg/config"
	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/logging"
	"github.com/auditkit/auditkit/pkg/metrics"
	"github.com/auditkit/auditkit/pkg/model"
)

// drainPoll is how long the writer backs off when a target reports
// backpressure without a drain signal.
const drainPoll = 10 * time.Millisecond

// Writer appends audit events to a JSON Lines file.
type Writer struct {
	cfg      *config.Config
	path     string
	log      *logging.Logger
	metrics  *metrics.Registry
	notifier Notifier
	open     TargetOpener
	rotator  *rotation.Manager

	batchSize int
	maxQueue  int

	mu       sync.Mutex
	target   Target
	queue    [][]byte
	partial  bool
	prevHash string
	closed   bool
	health   healthState

	lock   *fileLock
	cancel context.CancelFunc
	done   chan struct{}

	// closing is set and abort cancelled by Close before it waits for mu, so
	// a flush stuck on a drain signal gives way.
	closing atomic.Bool
	abort   context.Context
	stop    context.CancelFunc
}

// Open validates cfg, takes the writer lock for cfg.Path, recovers the hash
// chain head and starts the periodic flusher.
func Open(cfg *config.Config, opts ...Option) (*Writer, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w := &Writer{
		cfg:       cfg,
		path:      cfg.Path,
		log:       logging.Global(),
		notifier:  nopNotifier{},
		open:      OpenFile,
		batchSize: cfg.Performance.BatchSize,
		maxQueue:  cfg.MaxQueue(),
		health:    healthState{healthy: true},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.WithFields(map[string]any{"component": "audit", "path": w.path})
	w.abort, w.stop = context.WithCancel(context.Background())

	if cfg.Rotation.Enabled {
		rot, err := rotation.FromConfig(cfg)
		if err != nil {
			w.stop()
			return nil, err
		}
		rot.SetLogger(w.log)
		w.rotator = rot
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		w.stop()
		return nil, errclass.ErrInitialization.Wrapf(err, "create audit directory %s", filepath.Dir(w.path))
	}
	lock, err := acquireLock(w.path + LockSuffix)
	if err != nil {
		w.stop()
		return nil, err
	}
	w.lock = lock

	if cfg.Integrity.Chain {
		head, err := recoverHead(w.path)
		if err != nil {
			lock.release()
			w.stop()
			return nil, errclass.ErrInitialization.Wrap(err, "recover chain head")
		}
		w.prevHash = head
	}

	if interval := cfg.FlushInterval(); interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel
		w.done = make(chan struct{})
		go func() {
			defer close(w.done)
			wait.UntilWithContext(ctx, w.periodicFlush, interval)
		}()
	}

	w.log.Debug("audit writer opened", map[string]any{"batch_size": w.batchSize, "max_queue": w.maxQueue})
	return w, nil
}

// recoverHead finds the last hash of the chain: the live file first, then
// the newest generation when the live file is empty or missing.
func recoverHead(path string) (string, error) {
	head, err := integrity.LastHash(path)
	if err != nil || head != "" {
		return head, err
	}
	gens, err := rotation.Generations(path)
	if err != nil || len(gens) == 0 {
		return "", err
	}
	return integrity.LastHash(gens[0].Path)
}

// Path returns the live file path.
func (w *Writer) Path() string { return w.path }

// RecordCreate records the creation of an entity.
func (w *Writer) RecordCreate(ctx context.Context, meta model.Meta, after any) (*model.Event, error) {
	return w.recordChange(ctx, meta, model.Create{After: after})
}

// RecordRead records an access, with an optional snapshot of what was read.
func (w *Writer) RecordRead(ctx context.Context, meta model.Meta, snapshot any, access *model.AccessDetails) (*model.Event, error) {
	return w.recordChange(ctx, meta, model.Read{Snapshot: snapshot, Access: access})
}

// RecordUpdate records a modification.
func (w *Writer) RecordUpdate(ctx context.Context, meta model.Meta, before, after any, changes []model.FieldChange) (*model.Event, error) {
	return w.recordChange(ctx, meta, model.Update{Before: before, After: after, Changes: changes})
}

// RecordDelete records a removal.
func (w *Writer) RecordDelete(ctx context.Context, meta model.Meta, before any) (*model.Event, error) {
	return w.recordChange(ctx, meta, model.Delete{Before: before})
}

func (w *Writer) recordChange(ctx context.Context, meta model.Meta, change model.Change) (*model.Event, error) {
	e, err := model.New(meta, change)
	if err != nil {
		return nil, err
	}
	if err := w.Record(ctx, e); err != nil {
		return e, err
	}
	return e, nil
}

// Record appends a constructed event. A nil error means the event is queued
// and will be written in order. When the queue reaches the batch size the
// call flushes; a failed flush is reported through Health, the log and the
// next Flush or Close, not to this caller. When the
// queue is full and cannot be drained the event is rejected with ErrWrite
// and nothing is queued, so the caller may retry it.
func (w *Writer) Record(ctx context.Context, e *model.Event) error {
	if e == nil {
		return errclass.ErrInvalidEvent.WithMessage("nil event")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	line, err := e.MarshalLine(true)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isClosedLocked() {
		return errclass.ErrWriterClosed.WithMessage("audit writer is closed")
	}

	if len(w.queue) >= w.maxQueue {
		ferr := w.flushLocked(ctx)
		if len(w.queue) >= w.maxQueue {
			if ferr == nil {
				ferr = errors.New("queue still full")
			}
			return errclass.ErrWrite.Wrapf(ferr, "audit queue full (%d records)", len(w.queue))
		}
	}

	if w.cfg.Integrity.Chain {
		sealed, hash, err := integrity.Seal(line, w.prevHash)
		if err != nil {
			return err
		}
		line = sealed
		w.prevHash = hash
	}

	w.queue = append(w.queue, line)
	w.metrics.RecordEvent(string(e.Operation()))
	w.metrics.SetQueueDepth(len(w.queue))

	if len(w.queue) >= w.batchSize {
		// already logged and counted by flushLocked
		_ = w.flushLocked(ctx)
	}
	return nil
}

// Flush writes every queued line.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosedLocked() {
		return errclass.ErrWriterClosed.WithMessage("audit writer is closed")
	}
	return w.flushLocked(ctx)
}

func (w *Writer) isClosedLocked() bool {
	return w.closed || w.closing.Load()
}

func (w *Writer) periodicFlush(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosedLocked() || len(w.queue) == 0 {
		return
	}
	if err := w.flushLocked(ctx); err != nil {
		w.log.Warn("periodic flush failed", map[string]any{"error": err.Error(), "pending": len(w.queue)})
	}
}

func (w *Writer) flushLocked(ctx context.Context) error {
	if len(w.queue) == 0 {
		return nil
	}
	start := time.Now()

	if w.target == nil {
		t, err := w.open(w.path)
		if err != nil {
			w.health.record(err)
			w.checkHealthLocked()
			return errclass.ErrInitialization.Wrapf(err, "open audit file %s", w.path)
		}
		w.target = t
	}

	written := 0
	var ferr error
	for written < len(w.queue) {
		line := w.queue[written]
		if err := w.writeLine(ctx, line); err != nil {
			if errors.Is(err, errclass.ErrWriterClosed) {
				ferr = err
				break
			}
			w.health.record(err)
			w.metrics.RecordWrite(0, false)
			ferr = errclass.ErrWrite.Wrap(err, "append audit record")
			break
		}
		w.health.record(nil)
		w.metrics.RecordWrite(len(line)+1, true)
		w.queue[written] = nil
		written++
	}
	w.queue = w.queue[written:]
	if len(w.queue) == 0 {
		w.queue = nil
	}

	if ferr == nil && written > 0 && w.cfg.Performance.Sync {
		if err := w.target.Sync(); err != nil {
			ferr = errclass.ErrWrite.Wrap(err, "sync audit file")
		}
	}

	w.metrics.RecordFlush(time.Since(start), len(w.queue))
	w.checkHealthLocked()

	if ferr != nil {
		w.log.ErrorErr("audit flush failed", ferr, map[string]any{"written": written, "pending": len(w.queue)})
		return ferr
	}
	if written > 0 {
		w.maybeRotateLocked()
	}
	return nil
}

// writeLine writes one record plus its newline. A fragment left by an
// earlier failed attempt is terminated first so the retried line stands
// alone.
func (w *Writer) writeLine(ctx context.Context, line []byte) error {
	if w.partial {
		if _, err := w.writeAll(ctx, []byte{'\n'}); err != nil {
			return err
		}
		w.partial = false
	}
	buf := make([]byte, len(line)+1)
	copy(buf, line)
	buf[len(line)] = '\n'

	n, err := w.writeAll(ctx, buf)
	if err != nil {
		if n > 0 {
			w.partial = true
		}
		return err
	}
	return nil
}

func (w *Writer) writeAll(ctx context.Context, buf []byte) (int, error) {
	off := 0
	for off < len(buf) {
		n, err := w.target.Write(buf[off:])
		off += n
		switch {
		case err == nil && n == 0:
			return off, io.ErrShortWrite
		case err == nil:
			continue
		case errors.Is(err, ErrBackpressure):
			if werr := w.waitDrain(ctx); werr != nil {
				return off, werr
			}
		default:
			return off, err
		}
	}
	return off, nil
}

// waitDrain blocks until the target can take more bytes, ctx ends or Close
// starts. The flush Close itself runs is bounded by its own ctx only.
func (w *Writer) waitDrain(ctx context.Context) error {
	w.metrics.RecordBackpressure()
	if ctx == nil {
		ctx = context.Background()
	}
	var abort <-chan struct{}
	if !w.closed {
		abort = w.abort.Done()
	}

	var drained <-chan struct{}
	var poll <-chan time.Time
	if d, ok := w.target.(Drainer); ok {
		drained = d.Drained()
	} else {
		t := time.NewTimer(drainPoll)
		defer t.Stop()
		poll = t.C
	}

	select {
	case <-drained:
	case <-poll:
	case <-ctx.Done():
		return ctx.Err()
	case <-abort:
		return errclass.ErrWriterClosed.WithMessage("audit writer is closing")
	}
	return nil
}

func (w *Writer) maybeRotateLocked() {
	if w.rotator == nil || w.target == nil {
		return
	}
	size, err := w.target.Size()
	if err != nil {
		w.log.Warn("cannot stat audit file for rotation", map[string]any{"error": err.Error()})
		return
	}
	if !w.rotator.ShouldRotate(size) {
		return
	}
	w.rotateLocked()
}

// rotateLocked closes the live file and rotates it. Failures are logged and
// reported but never fail the write that triggered them; appends continue
// on the live file.
func (w *Writer) rotateLocked() (*rotation.Result, error) {
	if w.target != nil {
		if err := w.target.Close(); err != nil {
			w.log.Warn("close before rotation failed", map[string]any{"error": err.Error()})
		}
		w.target = nil
	}

	start := time.Now()
	res, err := w.rotator.Rotate()
	w.metrics.RecordRotation(err == nil, time.Since(start))
	if err != nil {
		w.log.ErrorErr("audit rotation failed", err, nil)
		w.notifier.SendRotationFailed(w.path, err)
		return res, err
	}

	gens, _ := rotation.Generations(w.path)
	w.notifier.SendRotationCompleted(w.path, len(gens), res.Duration)
	return res, nil
}

// Rotate flushes pending records and forces a rotation regardless of size.
func (w *Writer) Rotate(ctx context.Context) (*rotation.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosedLocked() {
		return nil, errclass.ErrWriterClosed.WithMessage("audit writer is closed")
	}
	if w.rotator == nil {
		return nil, errclass.ErrRotation.WithMessage("rotation is disabled")
	}
	if err := w.flushLocked(ctx); err != nil {
		return nil, err
	}
	return w.rotateLocked()
}

func (w *Writer) checkHealthLocked() {
	healthy := w.health.isHealthy()
	if healthy == w.health.healthy {
		return
	}
	w.health.healthy = healthy
	w.metrics.SetHealthy(healthy)
	rate := w.health.rate()
	if healthy {
		w.log.Info("audit writer recovered", map[string]any{"error_rate": rate})
		w.notifier.SendWriterRecovered(w.path, rate)
		return
	}
	w.log.Error("audit writer unhealthy", map[string]any{"error_rate": rate, "last_error": w.health.lastErr})
	w.notifier.SendWriterUnhealthy(w.path, rate, w.health.lastErr)
}

// Health reports the writer's current state.
func (w *Writer) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := Health{
		Healthy:      w.health.isHealthy(),
		TotalWrites:  w.health.total,
		FailedWrites: w.health.failed,
		ErrorRate:    w.health.rate(),
		QueueDepth:   len(w.queue),
		LastError:    w.health.lastErr,
		Path:         w.path,
		Closed:       w.isClosedLocked(),
	}
	if !w.health.lastErrAt.IsZero() {
		at := w.health.lastErrAt
		h.LastErrorAt = &at
	}
	return h
}

// Close stops the flusher, flushes within ctx or the configured close
// timeout, closes the file and releases the lock. A record or flush blocked
// on backpressure is released first, so Close never waits on a target that
// stopped draining. Later records fail with ErrWriterClosed. Close is
// idempotent.
func (w *Writer) Close(ctx context.Context) error {
	if !w.closing.CompareAndSwap(false, true) {
		return nil
	}
	w.stop()

	if w.cancel != nil {
		w.cancel()
		<-w.done
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && w.cfg.CloseTimeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.CloseTimeout())
		defer cancel()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true

	flushErr := w.flushLocked(ctx)
	if pending := len(w.queue); flushErr != nil || pending > 0 {
		w.log.Error("audit flush incomplete at close", map[string]any{"pending": pending})
		w.notifier.SendFlushIncomplete(w.path, pending, flushErr)
	}

	var closeErr error
	if w.target != nil {
		closeErr = w.target.Close()
		w.target = nil
	}
	if err := w.lock.release(); err != nil && closeErr == nil {
		closeErr = err
	}
	w.lock = nil

	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return errclass.ErrWrite.Wrap(closeErr, "close audit file")
	}
	w.log.Debug("audit writer closed", nil)
	return nil
}
