// Package query reads audit files and selects events.
//
// Readers never mutate the files and need no writer: any number of engines
// may scan the live file and its rotated generations concurrently with an
// active writer. Lines that do not parse are skipped and counted.
package query

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sort"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/auditkit/auditkit/internal/compression"
	"github.com/auditkit/auditkit/internal/rotation"
	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/logging"
	"github.com/auditkit/auditkit/pkg/metrics"
	"github.com/auditkit/auditkit/pkg/model"
)

// ScanReport counts what a scan saw.
type ScanReport struct {
	Path    string `json:"path"`
	Lines   int    `json:"lines"`
	Parsed  int    `json:"parsed"`
	Skipped int    `json:"skipped"`
}

// Engine queries the audit file at a base path and its generations.
type Engine struct {
	path    string
	log     *logging.Logger
	metrics *metrics.Registry
	maxLine int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics records scans on r.
func WithMetrics(r *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithMaxLineSize skips lines longer than n bytes. The default is
// compression.MaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(e *Engine) { e.maxLine = n }
}

// New creates an engine for the live file at path.
func New(path string, opts ...Option) *Engine {
	e := &Engine{path: path, log: logging.Global()}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithFields(map[string]any{"component": "query"})
	return e
}

// Path returns the live file path.
func (e *Engine) Path() string { return e.path }

// Query selects events from the live file.
func (e *Engine) Query(ctx context.Context, f model.Filter) ([]*model.Event, error) {
	return e.queryFiles(ctx, []string{e.path}, f)
}

// QueryGeneration selects events from rotated generation n (1 is newest).
// A missing generation yields no events.
func (e *Engine) QueryGeneration(ctx context.Context, n int, f model.Filter) ([]*model.Event, error) {
	if n < 1 {
		return nil, errclass.ErrConfiguration.WithMessagef("invalid generation %d: must be at least 1", n)
	}
	gens, err := rotation.Generations(e.path)
	if err != nil {
		return nil, err
	}
	for _, g := range gens {
		if g.Index == n {
			return e.queryFiles(ctx, []string{g.Path}, f)
		}
	}
	return nil, nil
}

// QueryFile selects events from an arbitrary audit file, compressed or not.
func (e *Engine) QueryFile(ctx context.Context, path string, f model.Filter) ([]*model.Event, error) {
	return e.queryFiles(ctx, []string{path}, f)
}

// QueryAll selects events from the live file and then every generation,
// newest first, under one limit.
func (e *Engine) QueryAll(ctx context.Context, f model.Filter) ([]*model.Event, error) {
	paths, err := e.Files()
	if err != nil {
		return nil, err
	}
	return e.queryFiles(ctx, paths, f)
}

// Files lists the live file followed by one file per generation, newest
// first. When a generation exists both plain and compressed only the plain
// file is listed.
func (e *Engine) Files() ([]string, error) {
	gens, err := rotation.Generations(e.path)
	if err != nil {
		return nil, err
	}
	paths := []string{e.path}
	last := 0
	for _, g := range gens {
		if g.Index == last {
			continue
		}
		last = g.Index
		paths = append(paths, g.Path)
	}
	return paths, nil
}

func (e *Engine) queryFiles(ctx context.Context, paths []string, f model.Filter) ([]*model.Event, error) {
	var matched []*model.Event
	full := func() bool { return f.Limit > 0 && len(matched) >= f.Limit }

	for _, path := range paths {
		if full() {
			break
		}
		_, err := e.Scan(ctx, path, func(ev *model.Event) bool {
			if f.Matches(ev) {
				matched = append(matched, ev)
			}
			return !full()
		})
		if err != nil {
			return nil, err
		}
	}

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []*model.Event{}, nil
		}
		matched = matched[f.Offset:]
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if matched == nil {
		matched = []*model.Event{}
	}
	return matched, nil
}

// Scan calls fn for every parseable event in path, in file order, until fn
// returns false. A missing file is an empty scan. Context cancellation is
// checked between lines.
func (e *Engine) Scan(ctx context.Context, path string, fn func(*model.Event) bool) (ScanReport, error) {
	rep := ScanReport{Path: path}

	r, err := compression.OpenReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rep, nil
		}
		return rep, errclass.ErrParse.Wrapf(err, "open %s", path)
	}
	defer r.Close()

	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	lr := compression.NewLineReader(transform.NewReader(r, dec), e.maxLine)

	defer func() {
		e.metrics.RecordQuery(rep.Skipped)
		if rep.Skipped > 0 {
			e.log.Warn("skipped unparseable audit lines", map[string]any{"path": path, "skipped": rep.Skipped, "lines": rep.Lines})
		}
	}()

	for {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
		}
		line, oversized, readErr := lr.Next()
		if readErr != nil && readErr != io.EOF {
			return rep, errclass.ErrParse.Wrapf(readErr, "read %s", path)
		}
		if oversized {
			rep.Lines++
			rep.Skipped++
			e.log.Debug("skipping oversized audit line", map[string]any{"path": path, "line": rep.Lines})
		} else if len(bytes.TrimSpace(line)) > 0 {
			rep.Lines++
			ev, err := model.ParseLine(line)
			if err != nil {
				rep.Skipped++
				e.log.Debug("skipping audit line", map[string]any{"path": path, "line": rep.Lines, "error": err.Error()})
			} else {
				rep.Parsed++
				if !fn(ev) {
					return rep, nil
				}
			}
		}
		if readErr == io.EOF {
			return rep, nil
		}
	}
}
