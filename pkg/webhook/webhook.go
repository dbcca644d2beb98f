// Package webhook sends diagnostic notifications about the audit writer to
// HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/auditkit/auditkit/pkg/config"
	"github.com/auditkit/auditkit/pkg/logging"
)

// EventType represents the type of diagnostic that can trigger webhooks.
type EventType string

const (
	EventRotationCompleted EventType = "rotation.completed"
	EventRotationFailed    EventType = "rotation.failed"
	EventWriterUnhealthy   EventType = "writer.unhealthy"
	EventWriterRecovered   EventType = "writer.recovered"
	EventFlushIncomplete   EventType = "flush.incomplete"
)

// Event represents a diagnostic payload sent to webhooks.
type Event struct {
	Event     EventType      `json:"event"`
	Timestamp string         `json:"timestamp"`
	Path      string         `json:"path,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HookConfig represents a single webhook configuration.
type HookConfig struct {
	URL     string        `json:"url"`
	Secret  string        `json:"secret,omitempty"`
	Events  []EventType   `json:"events"`
	Timeout time.Duration `json:"timeout"`
	Enabled bool          `json:"enabled"`
}

// Config represents the webhook configuration.
type Config struct {
	Hooks          []HookConfig  `json:"hooks"`
	Enabled        bool          `json:"enabled"`
	MaxRetries     int           `json:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay"`
	AsyncQueueSize int           `json:"async_queue_size"`
}

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		AsyncQueueSize: 100,
	}
}

// FromConfig converts the webhooks section of the auditkit config.
func FromConfig(c config.WebhooksConfig) *Config {
	cfg := DefaultConfig()
	cfg.Enabled = c.Enabled
	cfg.MaxRetries = c.MaxRetries
	for _, h := range c.Hooks {
		events := make([]EventType, 0, len(h.Events))
		for _, e := range h.Events {
			events = append(events, EventType(e))
		}
		if len(events) == 0 {
			events = append(events, "*")
		}
		cfg.Hooks = append(cfg.Hooks, HookConfig{
			URL:     h.URL,
			Secret:  h.Secret,
			Events:  events,
			Enabled: true,
		})
	}
	return cfg
}

// Client handles sending webhook notifications.
type Client struct {
	config *Config
	http   *http.Client
	log    *logging.Logger
	queue  chan *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

type job struct {
	event Event
	hook  HookConfig
}

// NewClient creates a new webhook client.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.AsyncQueueSize <= 0 {
		cfg.AsyncQueueSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    logging.Global().WithFields(map[string]any{"component": "webhook"}),
		queue:  make(chan *job, cfg.AsyncQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Enabled {
		c.start()
	}

	return c
}

// SetLogger replaces the client's logger.
func (c *Client) SetLogger(l *logging.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = l
}

func (c *Client) start() {
	c.once.Do(func() {
		c.wg.Add(1)
		go c.worker()
	})
}

// worker processes webhook notifications in the background.
func (c *Client) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			// Drain remaining jobs
			for len(c.queue) > 0 {
				job := <-c.queue
				c.send(job)
			}
			return
		case job := <-c.queue:
			c.send(job)
		}
	}
}

// Send sends an event to all matching webhooks.
// If async is true, the event is queued for background sending.
// If async is false, the event is sent synchronously.
func (c *Client) Send(event Event, async bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.config.Enabled || c.closed {
		return nil
	}

	var hooks []HookConfig
	for _, hook := range c.config.Hooks {
		if !hook.Enabled {
			continue
		}
		if matchesEvent(hook, event.Event) {
			hooks = append(hooks, hook)
		}
	}

	if len(hooks) == 0 {
		return nil
	}

	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	if async {
		for _, hook := range hooks {
			select {
			case c.queue <- &job{event: event, hook: hook}:
			default:
				c.log.Warn("webhook queue full, dropping event", map[string]any{"event": string(event.Event), "url": hook.URL})
			}
		}
		return nil
	}

	var lastErr error
	for _, hook := range hooks {
		if err := c.sendSync(&job{event: event, hook: hook}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *Client) send(job *job) {
	if err := c.sendSync(job); err != nil {
		c.log.ErrorErr("webhook delivery failed", err, map[string]any{"event": string(job.event.Event), "url": job.hook.URL})
	}
}

// sendSync sends a webhook synchronously with retries.
func (c *Client) sendSync(job *job) error {
	payload, err := json.Marshal(job.event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.ctx.Done():
				if lastErr != nil {
					return lastErr
				}
				return c.ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		lastErr = c.post(job, payload)
		if lastErr == nil {
			return nil
		}
	}

	return lastErr
}

func (c *Client) post(job *job, payload []byte) error {
	ctx := context.Background()
	if job.hook.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.hook.Timeout)
		defer cancel()
	}

	req, err := c.createRequest(ctx, job, payload)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
}

func (c *Client) createRequest(ctx context.Context, job *job, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.hook.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "auditkit-webhook/1.0")
	req.Header.Set("X-Auditkit-Event", string(job.event.Event))

	if job.hook.Secret != "" {
		req.Header.Set("X-Auditkit-Signature", Sign(payload, job.hook.Secret))
	}

	return req, nil
}

// Sign creates the HMAC-SHA256 signature sent with each payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesEvent(hook HookConfig, event EventType) bool {
	for _, e := range hook.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// Close delivers queued notifications and stops the worker. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed || !c.config.Enabled {
		c.closed = true
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

// SendRotationCompleted reports a finished rotation.
func (c *Client) SendRotationCompleted(path string, generations int, duration time.Duration) error {
	return c.Send(Event{
		Event: EventRotationCompleted,
		Path:  path,
		Metadata: map[string]any{
			"generations": generations,
			"duration_ms": duration.Milliseconds(),
		},
	}, true)
}

// SendRotationFailed reports a rotation error. The writer keeps appending to
// the oversized file.
func (c *Client) SendRotationFailed(path string, err error) error {
	return c.Send(Event{
		Event: EventRotationFailed,
		Path:  path,
		Error: errString(err),
	}, true)
}

// SendWriterUnhealthy reports that the write error rate crossed the threshold.
func (c *Client) SendWriterUnhealthy(path string, errorRate float64, lastErr string) error {
	return c.Send(Event{
		Event:    EventWriterUnhealthy,
		Path:     path,
		Error:    lastErr,
		Metadata: map[string]any{"error_rate": errorRate},
	}, true)
}

// SendWriterRecovered reports that the error rate fell back under the threshold.
func (c *Client) SendWriterRecovered(path string, errorRate float64) error {
	return c.Send(Event{
		Event:    EventWriterRecovered,
		Path:     path,
		Metadata: map[string]any{"error_rate": errorRate},
	}, true)
}

// SendFlushIncomplete reports records still buffered when the writer closed.
func (c *Client) SendFlushIncomplete(path string, pending int, err error) error {
	return c.Send(Event{
		Event:    EventFlushIncomplete,
		Path:     path,
		Error:    errString(err),
		Metadata: map[string]any{"pending": pending},
	}, true)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
