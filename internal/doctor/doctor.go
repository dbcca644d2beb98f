package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/auditkit/auditkit/internal/audit"
	"github.com/auditkit/auditkit/internal/query"
	"github.com/auditkit/auditkit/internal/rotation"
	"github.com/auditkit/auditkit/internal/verify"
	"github.com/auditkit/auditkit/pkg/config"
	"github.com/auditkit/auditkit/pkg/logging"
	"github.com/auditkit/auditkit/pkg/model"
)

const tmpPrefix = ".auditkit-tmp-"

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == "critical" {
		r.Healthy = false
	}
}

// Doctor performs audit directory health checks.
type Doctor struct {
	cfg *config.Config
}

// NewDoctor creates a new doctor.
func NewDoctor(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Check runs all diagnostic checks. Strict also verifies the hash chain and
// reads every line.
func (d *Doctor) Check(ctx context.Context, strict bool) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	if !d.checkDirectory(result) {
		return result, nil
	}
	d.checkLock(result)

	gens, err := rotation.Generations(d.cfg.Path)
	if err != nil {
		return nil, err
	}
	d.checkGenerations(result, gens)
	d.checkLiveSize(result)
	d.checkOrphanTmp(result)

	if strict {
		if err := d.checkChain(ctx, result); err != nil {
			return nil, err
		}
		if err := d.checkLines(ctx, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// checkDirectory reports whether the remaining checks can run.
func (d *Doctor) checkDirectory(result *Result) bool {
	dir := filepath.Dir(d.cfg.Path)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		result.add(Finding{
			Category:    "directory",
			Description: "audit directory does not exist yet; it is created on first write",
			Severity:    "info",
			Path:        dir,
		})
		return false
	}
	if err != nil || !info.IsDir() {
		result.add(Finding{
			Category:    "directory",
			Description: fmt.Sprintf("audit directory is not usable: %v", errOrNotDir(err)),
			Severity:    "critical",
			Path:        dir,
		})
		return false
	}

	f, err := os.CreateTemp(dir, tmpPrefix+"probe-*")
	if err != nil {
		result.add(Finding{
			Category:    "directory",
			Description: fmt.Sprintf("audit directory is not writable: %v", err),
			Severity:    "critical",
			Path:        dir,
		})
		return true
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

func errOrNotDir(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("not a directory")
}

func (d *Doctor) checkLock(result *Result) {
	exists, held, err := audit.LockHeld(d.cfg.Path)
	lockPath := d.cfg.Path + audit.LockSuffix
	switch {
	case err != nil:
		result.add(Finding{
			Category:    "lock",
			Description: fmt.Sprintf("cannot inspect writer lock: %v", err),
			Severity:    "error",
			Path:        lockPath,
		})
	case exists && !held:
		result.add(Finding{
			Category:    "lock",
			Description: "stale writer lock file (no writer holds it)",
			Severity:    "warning",
			Path:        lockPath,
		})
	case held:
		result.add(Finding{
			Category:    "lock",
			Description: "a writer is currently active",
			Severity:    "info",
			Path:        lockPath,
		})
	}
}

func (d *Doctor) checkGenerations(result *Result, gens []rotation.Generation) {
	byIndex := make(map[int][]rotation.Generation)
	var indexes []int
	for _, g := range gens {
		if _, ok := byIndex[g.Index]; !ok {
			indexes = append(indexes, g.Index)
		}
		byIndex[g.Index] = append(byIndex[g.Index], g)
	}

	for i, idx := range indexes {
		if want := i + 1; idx != want {
			result.add(Finding{
				Category:    "rotation",
				Description: fmt.Sprintf("generation index gap: expected .%d, found .%d", want, idx),
				Severity:    "warning",
				Path:        byIndex[idx][0].Path,
			})
			break
		}
	}

	for _, idx := range indexes {
		group := byIndex[idx]
		if len(group) > 1 {
			result.add(Finding{
				Category:    "rotation",
				Description: fmt.Sprintf("generation %d exists both compressed and uncompressed", idx),
				Severity:    "warning",
				Path:        group[0].Path,
			})
			continue
		}
		if d.cfg.Rotation.Compress && !group[0].Compressed {
			result.add(Finding{
				Category:    "rotation",
				Description: fmt.Sprintf("generation %d is uncompressed although compression is enabled", idx),
				Severity:    "warning",
				Path:        group[0].Path,
			})
		}
	}

	if max := d.cfg.Rotation.MaxFiles; max > 0 && len(indexes) > max {
		result.add(Finding{
			Category:    "rotation",
			Description: fmt.Sprintf("%d generations exceed rotation.max_files %d", len(indexes), max),
			Severity:    "warning",
		})
	}
}

func (d *Doctor) checkLiveSize(result *Result) {
	if !d.cfg.Rotation.Enabled {
		return
	}
	info, err := os.Stat(d.cfg.Path)
	if err != nil {
		return
	}
	maxSize, err := d.cfg.MaxSizeBytes()
	if err != nil {
		result.add(Finding{
			Category:    "config",
			Description: err.Error(),
			Severity:    "error",
		})
		return
	}
	if maxSize > 0 && info.Size() >= maxSize {
		result.add(Finding{
			Category:    "rotation",
			Description: fmt.Sprintf("live file is %d bytes, at or over the %d byte threshold", info.Size(), maxSize),
			Severity:    "warning",
			Path:        d.cfg.Path,
		})
	}
}

func (d *Doctor) checkOrphanTmp(result *Result) {
	dir := filepath.Dir(d.cfg.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tmpPrefix) {
			result.add(Finding{
				Category:    "tmp",
				Description: fmt.Sprintf("orphan temp file: %s", e.Name()),
				Severity:    "info",
				Path:        filepath.Join(dir, e.Name()),
			})
		}
	}
}

func (d *Doctor) checkChain(ctx context.Context, result *Result) error {
	results, err := verify.NewVerifier(d.cfg.Path).VerifyAll(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		switch {
		case r.TamperDetected:
			result.add(Finding{
				Category:    "integrity",
				Description: r.Error,
				Severity:    "critical",
				Path:        r.Path,
			})
		case r.Error != "":
			result.add(Finding{
				Category:    "integrity",
				Description: r.Error,
				Severity:    "error",
				Path:        r.Path,
			})
		}
	}
	return nil
}

func (d *Doctor) checkLines(ctx context.Context, result *Result) error {
	engine := query.New(d.cfg.Path, query.WithLogger(logging.Nop()))
	paths, err := engine.Files()
	if err != nil {
		return err
	}
	for _, p := range paths {
		rep, err := engine.Scan(ctx, p, func(*model.Event) bool { return true })
		if err != nil {
			return err
		}
		if rep.Skipped > 0 {
			result.add(Finding{
				Category:    "parse",
				Description: fmt.Sprintf("%d of %d lines are unparseable", rep.Skipped, rep.Lines),
				Severity:    "warning",
				Path:        p,
			})
		}
	}
	return nil
}
