package audit_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditkit/auditkit/internal/audit"
	"github.com/auditkit/auditkit/internal/compression"
	"github.com/auditkit/auditkit/internal/integrity"
	"github.com/auditkit/auditkit/internal/rotation"
	"github.com/auditkit/auditkit/pkg/config"
	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Path = filepath.Join(t.TempDir(), "audit", "audit.log")
	cfg.Rotation.Enabled = false
	cfg.Performance.BatchSize = 1
	cfg.Performance.FlushIntervalMs = 0
	return cfg
}

func meta(entityID string) model.Meta {
	return model.Meta{
		Actor:      model.Actor{Type: model.ActorHuman, ID: "u-1", Name: "Ada"},
		EntityType: "invoice",
		EntityID:   entityID,
		Source:     model.SourceTest,
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	r, err := compression.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

// memTarget collects writes in memory. chunk > 0 limits how many bytes one
// Write accepts before reporting backpressure.
type memTarget struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	chunk   int
	fail    bool
	partial bool
	drained chan struct{}
}

func newMemTarget() *memTarget {
	ch := make(chan struct{})
	close(ch)
	return &memTarget{drained: ch}
}

func (m *memTarget) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("disk full")
	}
	if m.partial {
		m.partial = false
		half := len(p) / 2
		m.buf.Write(p[:half])
		return half, errors.New("interrupted")
	}
	if m.chunk > 0 && len(p) > m.chunk {
		m.buf.Write(p[:m.chunk])
		return m.chunk, audit.ErrBackpressure
	}
	return m.buf.Write(p)
}

func (m *memTarget) Sync() error  { return nil }
func (m *memTarget) Close() error { return nil }

func (m *memTarget) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.buf.Len()), nil
}

func (m *memTarget) Drained() <-chan struct{} { return m.drained }

func (m *memTarget) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

func (m *memTarget) lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Split(strings.TrimSuffix(m.buf.String(), "\n"), "\n")
}

func opener(m *memTarget) audit.Option {
	return audit.WithTargetOpener(func(string) (audit.Target, error) { return m, nil })
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) add(s string) error {
	n.mu.Lock()
	n.events = append(n.events, s)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) SendRotationCompleted(string, int, time.Duration) error {
	return n.add("rotation.completed")
}
func (n *recordingNotifier) SendRotationFailed(string, error) error { return n.add("rotation.failed") }
func (n *recordingNotifier) SendWriterUnhealthy(string, float64, string) error {
	return n.add("writer.unhealthy")
}
func (n *recordingNotifier) SendWriterRecovered(string, float64) error {
	return n.add("writer.recovered")
}
func (n *recordingNotifier) SendFlushIncomplete(string, int, error) error {
	return n.add("flush.incomplete")
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func TestWriter_RecordCreatesFile(t *testing.T) {
	cfg := testConfig(t)
	w, err := audit.Open(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	e, err := w.RecordCreate(ctx, meta("inv-1"), map[string]any{"amount": 10})
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))

	lines := readLines(t, cfg.Path)
	require.Len(t, lines, 1)
	got, err := model.ParseLine([]byte(lines[0]))
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, model.OperationCreate, got.Operation())

	info, err := os.Stat(cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
	assert.NoFileExists(t, cfg.Path+audit.LockSuffix)
}

func TestWriter_AppendsToExistingFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Integrity.Chain = false
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Path), 0755))
	require.NoError(t, os.WriteFile(cfg.Path, []byte("existing\n"), 0644))

	w, err := audit.Open(cfg)
	require.NoError(t, err)
	_, err = w.RecordDelete(context.Background(), meta("inv-1"), map[string]any{"amount": 1})
	require.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))

	lines := readLines(t, cfg.Path)
	require.Len(t, lines, 2)
	assert.Equal(t, "existing", lines[0])
}

func TestWriter_RedactsSensitiveValues(t *testing.T) {
	cfg := testConfig(t)
	w, err := audit.Open(cfg)
	require.NoError(t, err)

	_, err = w.RecordUpdate(context.Background(), meta("u-9"),
		map[string]any{"password": "old"},
		map[string]any{"password": "new", "email": "a@b.c"},
		[]model.FieldChange{{Field: "password", OldValue: "old", NewValue: "new", ChangeType: model.ChangeModified}})
	require.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))

	data, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"old"`)
	assert.NotContains(t, string(data), `"new"`)
	assert.Contains(t, string(data), "[REDACTED]")
	assert.Contains(t, string(data), "a@b.c")
}

func TestWriter_InvalidEventRejected(t *testing.T) {
	w, err := audit.Open(testConfig(t))
	require.NoError(t, err)
	defer w.Close(context.Background())

	m := meta("inv-1")
	m.Actor = model.Actor{Type: model.ActorAI, ID: "agent"}
	_, err = w.RecordCreate(context.Background(), m, nil)
	assert.ErrorIs(t, err, errclass.ErrInvalidEvent)

	err = w.Record(context.Background(), nil)
	assert.ErrorIs(t, err, errclass.ErrInvalidEvent)
}

func TestWriter_BatchesUntilFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.Performance.BatchSize = 10
	target := newMemTarget()
	w, err := audit.Open(cfg, opener(target))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := w.RecordRead(ctx, meta(fmt.Sprintf("inv-%d", i)), nil, nil)
		require.NoError(t, err)
	}
	size, _ := target.Size()
	assert.Zero(t, size)
	assert.Equal(t, 5, w.Health().QueueDepth)

	require.NoError(t, w.Flush(ctx))
	assert.Len(t, target.lines(), 5)
	assert.Zero(t, w.Health().QueueDepth)
	require.NoError(t, w.Close(ctx))
}

func TestWriter_BackpressurePreservesOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Performance.BatchSize = 100
	target := newMemTarget()
	target.chunk = 64
	w, err := audit.Open(cfg, opener(target))
	require.NoError(t, err)

	ctx := context.Background()
	const n = 10000
	for i := 0; i < n; i++ {
		_, err := w.RecordCreate(ctx, meta(fmt.Sprintf("inv-%05d", i)), map[string]any{"seq": i})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close(ctx))

	lines := target.lines()
	require.Len(t, lines, n)
	for i, line := range lines {
		e, err := model.ParseLine([]byte(line))
		require.NoError(t, err, "line %d", i)
		require.Equal(t, fmt.Sprintf("inv-%05d", i), e.EntityID)
	}
}

func TestWriter_FailedWriteKeepsRecordQueued(t *testing.T) {
	cfg := testConfig(t)
	target := newMemTarget()
	target.setFail(true)
	notifier := &recordingNotifier{}
	w, err := audit.Open(cfg, opener(target), audit.WithNotifier(notifier))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = w.RecordCreate(ctx, meta("inv-1"), nil)
	require.NoError(t, err)

	h := w.Health()
	assert.False(t, h.Healthy)
	assert.Equal(t, int64(1), h.FailedWrites)
	assert.Equal(t, 1, h.QueueDepth)
	assert.Contains(t, h.LastError, "disk full")
	assert.NotNil(t, h.LastErrorAt)
	assert.Contains(t, notifier.seen(), "writer.unhealthy")
	assert.ErrorIs(t, w.Flush(ctx), errclass.ErrWrite)

	target.setFail(false)
	require.NoError(t, w.Flush(ctx))
	assert.Len(t, target.lines(), 1)
	assert.Zero(t, w.Health().QueueDepth)
	require.NoError(t, w.Close(ctx))
}

func TestWriter_RecoversHealth(t *testing.T) {
	cfg := testConfig(t)
	target := newMemTarget()
	notifier := &recordingNotifier{}
	w, err := audit.Open(cfg, opener(target), audit.WithNotifier(notifier))
	require.NoError(t, err)
	ctx := context.Background()

	target.setFail(true)
	_, err = w.RecordCreate(ctx, meta("inv-0"), nil)
	require.NoError(t, err)
	require.False(t, w.Health().Healthy)
	target.setFail(false)

	// one failure in more than a hundred writes is back under the threshold
	for i := 1; i <= 150; i++ {
		_, err := w.RecordCreate(ctx, meta(fmt.Sprintf("inv-%d", i)), nil)
		require.NoError(t, err)
	}
	h := w.Health()
	assert.True(t, h.Healthy)
	assert.Less(t, h.ErrorRate, audit.UnhealthyErrorRate)
	assert.Equal(t, []string{"writer.unhealthy", "writer.recovered"}, notifier.seen())
	require.NoError(t, w.Close(ctx))
	assert.Len(t, target.lines(), 151)
}

func TestWriter_PartialWriteIsTerminated(t *testing.T) {
	cfg := testConfig(t)
	target := newMemTarget()
	target.partial = true
	w, err := audit.Open(cfg, opener(target))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = w.RecordCreate(ctx, meta("inv-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Health().QueueDepth)
	require.NoError(t, w.Flush(ctx))
	require.NoError(t, w.Close(ctx))

	lines := target.lines()
	require.Len(t, lines, 2)
	_, err = model.ParseLine([]byte(lines[0]))
	assert.ErrorIs(t, err, errclass.ErrParse)
	e, err := model.ParseLine([]byte(lines[1]))
	require.NoError(t, err)
	assert.Equal(t, "inv-1", e.EntityID)
}

func TestWriter_QueueFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.Performance.BatchSize = 1
	cfg.Performance.MaxQueue = 2
	target := newMemTarget()
	target.setFail(true)
	w, err := audit.Open(cfg, opener(target))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := w.RecordCreate(ctx, meta(fmt.Sprintf("inv-%d", i)), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, w.Health().QueueDepth)

	_, err = w.RecordCreate(ctx, meta("inv-rejected"), nil)
	assert.ErrorIs(t, err, errclass.ErrWrite)
	assert.Contains(t, err.Error(), "queue full")
	assert.Equal(t, 2, w.Health().QueueDepth)

	target.setFail(false)
	require.NoError(t, w.Close(ctx))
	lines := target.lines()
	require.Len(t, lines, 2)
	assert.NotContains(t, strings.Join(lines, "\n"), "inv-rejected")
}

func TestWriter_RetryAfterRejectionWritesOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.Performance.MaxQueue = 1
	target := newMemTarget()
	w, err := audit.Open(cfg, opener(target))
	require.NoError(t, err)
	ctx := context.Background()

	target.setFail(true)
	_, err = w.RecordCreate(ctx, meta("inv-queued"), nil)
	require.NoError(t, err)

	e, err := model.New(meta("inv-retried"), model.Create{After: map[string]any{"amount": 10}})
	require.NoError(t, err)
	require.ErrorIs(t, w.Record(ctx, e), errclass.ErrWrite)

	target.setFail(false)
	require.NoError(t, w.Record(ctx, e))
	require.NoError(t, w.Close(ctx))

	lines := target.lines()
	require.Len(t, lines, 2)
	count := 0
	prev := ""
	for _, line := range lines {
		got, err := model.ParseLine([]byte(line))
		require.NoError(t, err)
		if got.ID == e.ID {
			count++
		}
		link, err := integrity.Check([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, prev, link.PrevHash)
		prev = link.Hash
	}
	assert.Equal(t, 1, count)
}

// stuckTarget reports backpressure on every write and never drains.
type stuckTarget struct {
	mu      sync.Mutex
	writes  int
	drained chan struct{}
}

func (s *stuckTarget) Write([]byte) (int, error) {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return 0, audit.ErrBackpressure
}

func (s *stuckTarget) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *stuckTarget) Sync() error              { return nil }
func (s *stuckTarget) Close() error             { return nil }
func (s *stuckTarget) Size() (int64, error)     { return 0, nil }
func (s *stuckTarget) Drained() <-chan struct{} { return s.drained }

func TestWriter_CloseReleasesRecordWaitingForDrain(t *testing.T) {
	cfg := testConfig(t)
	target := &stuckTarget{drained: make(chan struct{})}
	w, err := audit.Open(cfg, audit.WithTargetOpener(func(string) (audit.Target, error) { return target, nil }))
	require.NoError(t, err)

	recorded := make(chan error, 1)
	go func() {
		_, err := w.RecordCreate(context.Background(), meta("inv-1"), nil)
		recorded <- err
	}()
	require.Eventually(t, func() bool { return target.attempts() > 0 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	closed := make(chan error, 1)
	go func() { closed <- w.Close(ctx) }()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, errclass.ErrWrite)
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind a record waiting for drain")
	}
	select {
	case err := <-recorded:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("record still blocked after Close returned")
	}
	assert.True(t, w.Health().Closed)
}

func TestWriter_Closed(t *testing.T) {
	w, err := audit.Open(testConfig(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.Close(ctx))
	require.NoError(t, w.Close(ctx))
	assert.True(t, w.Health().Closed)

	_, err = w.RecordCreate(ctx, meta("inv-1"), nil)
	assert.ErrorIs(t, err, errclass.ErrWriterClosed)
	assert.ErrorIs(t, w.Flush(ctx), errclass.ErrWriterClosed)
}

func TestWriter_CloseFlushesPending(t *testing.T) {
	cfg := testConfig(t)
	cfg.Performance.BatchSize = 100
	w, err := audit.Open(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := w.RecordCreate(ctx, meta(fmt.Sprintf("inv-%d", i)), nil)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close(ctx))
	assert.Len(t, readLines(t, cfg.Path), 5)
}

func TestWriter_CloseReportsIncompleteFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.Performance.BatchSize = 10
	target := newMemTarget()
	notifier := &recordingNotifier{}
	w, err := audit.Open(cfg, opener(target), audit.WithNotifier(notifier))
	require.NoError(t, err)

	_, err = w.RecordCreate(context.Background(), meta("inv-1"), nil)
	require.NoError(t, err)
	target.setFail(true)

	err = w.Close(context.Background())
	assert.ErrorIs(t, err, errclass.ErrWrite)
	assert.Contains(t, notifier.seen(), "flush.incomplete")
}

func TestWriter_PeriodicFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.Performance.BatchSize = 100
	cfg.Performance.FlushIntervalMs = 20
	target := newMemTarget()
	w, err := audit.Open(cfg, opener(target))
	require.NoError(t, err)
	defer w.Close(context.Background())

	_, err = w.RecordCreate(context.Background(), meta("inv-1"), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		size, _ := target.Size()
		return size > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_SecondOpenIsLocked(t *testing.T) {
	cfg := testConfig(t)
	w, err := audit.Open(cfg)
	require.NoError(t, err)

	_, err = audit.Open(cfg)
	assert.ErrorIs(t, err, errclass.ErrInitialization)

	exists, held, err := audit.LockHeld(cfg.Path)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, held)

	require.NoError(t, w.Close(context.Background()))
	w2, err := audit.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, w2.Close(context.Background()))
}

func TestWriter_OpenInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Performance.BatchSize = 0
	_, err := audit.Open(cfg)
	assert.ErrorIs(t, err, errclass.ErrConfiguration)
}

func TestWriter_ChainContinuesAcrossRotationAndReopen(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rotation.Enabled = true
	cfg.Rotation.MaxSize = "1KB"
	cfg.Rotation.MaxFiles = 50
	cfg.Rotation.Compress = true
	cfg.Rotation.CompressionLevel = "fast"
	notifier := &recordingNotifier{}

	w, err := audit.Open(cfg, audit.WithNotifier(notifier))
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := w.RecordCreate(ctx, meta(fmt.Sprintf("inv-%d", i)), map[string]any{"note": strings.Repeat("x", 100)})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close(ctx))

	w, err = audit.Open(cfg)
	require.NoError(t, err)
	_, err = w.RecordCreate(ctx, meta("inv-after-reopen"), nil)
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))

	gens, err := rotation.Generations(cfg.Path)
	require.NoError(t, err)
	require.NotEmpty(t, gens)
	assert.Contains(t, notifier.seen(), "rotation.completed")

	var all []string
	for i := len(gens) - 1; i >= 0; i-- {
		assert.True(t, gens[i].Compressed)
		all = append(all, readLines(t, gens[i].Path)...)
	}
	all = append(all, readLines(t, cfg.Path)...)
	require.Len(t, all, 21)

	prev := ""
	for i, line := range all {
		link, err := integrity.Check([]byte(line))
		require.NoError(t, err, "line %d", i)
		require.True(t, link.Sealed)
		require.Equal(t, prev, link.PrevHash, "line %d", i)
		prev = link.Hash
	}
}

func TestWriter_ForcedRotate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rotation.Enabled = true
	cfg.Rotation.Compress = false
	cfg.Performance.BatchSize = 10
	w, err := audit.Open(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = w.RecordCreate(ctx, meta("inv-1"), nil)
	require.NoError(t, err)
	res, err := w.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Path+".1", res.Rotated)
	assert.Len(t, readLines(t, cfg.Path+".1"), 1)

	_, err = w.RecordCreate(ctx, meta("inv-2"), nil)
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))
	assert.Len(t, readLines(t, cfg.Path), 1)
}

func TestWriter_RotateDisabled(t *testing.T) {
	w, err := audit.Open(testConfig(t))
	require.NoError(t, err)
	defer w.Close(context.Background())
	_, err = w.Rotate(context.Background())
	assert.ErrorIs(t, err, errclass.ErrRotation)
}
