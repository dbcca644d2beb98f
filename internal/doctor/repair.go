package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/auditkit/auditkit/internal/audit"
	"github.com/auditkit/auditkit/internal/compression"
	"github.com/auditkit/auditkit/internal/rotation"
	"github.com/auditkit/auditkit/pkg/errclass"
)

// RepairAction describes a repair the doctor can perform.
type RepairAction struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	AutoSafe    bool   `json:"auto_safe"`
}

// RepairResult is the outcome of one repair action.
type RepairResult struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Cleaned int    `json:"cleaned"`
}

// ListRepairActions returns the available repairs.
func (d *Doctor) ListRepairActions() []RepairAction {
	return []RepairAction{
		{ID: "clean_tmp", Description: "Remove orphan temp files left by interrupted writes", AutoSafe: true},
		{ID: "clean_lock", Description: "Remove a writer lock file no process holds", AutoSafe: true},
		{ID: "dedupe_generations", Description: "Remove the uncompressed copy of generations that also exist compressed", AutoSafe: true},
		{ID: "compress_generations", Description: "Compress generations left uncompressed by a failed compression", AutoSafe: false},
	}
}

// Repair runs the named actions. It refuses to touch the directory while a
// writer holds the lock.
func (d *Doctor) Repair(actions []string) ([]RepairResult, error) {
	if _, held, err := audit.LockHeld(d.cfg.Path); err != nil {
		return nil, err
	} else if held {
		return nil, errclass.ErrInitialization.WithMessage("a writer is active; stop it before repairing")
	}

	var results []RepairResult
	for _, id := range actions {
		var r RepairResult
		switch id {
		case "clean_tmp":
			r = d.repairCleanTmp()
		case "clean_lock":
			r = d.repairCleanLock()
		case "dedupe_generations":
			r = d.repairDedupe()
		case "compress_generations":
			r = d.repairCompress()
		default:
			r = RepairResult{Action: id, Message: fmt.Sprintf("unknown repair action %q", id)}
		}
		results = append(results, r)
	}
	return results, nil
}

func (d *Doctor) repairCleanTmp() RepairResult {
	r := RepairResult{Action: "clean_tmp", Success: true}
	dir := filepath.Dir(d.cfg.Path)
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return RepairResult{Action: "clean_tmp", Message: err.Error()}
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			r.Success = false
			r.Message = err.Error()
			continue
		}
		r.Cleaned++
	}
	if r.Success {
		r.Message = fmt.Sprintf("removed %d temp files", r.Cleaned)
	}
	return r
}

func (d *Doctor) repairCleanLock() RepairResult {
	lockPath := d.cfg.Path + audit.LockSuffix
	if err := os.Remove(lockPath); err != nil {
		if os.IsNotExist(err) {
			return RepairResult{Action: "clean_lock", Success: true, Message: "no lock file"}
		}
		return RepairResult{Action: "clean_lock", Message: err.Error()}
	}
	return RepairResult{Action: "clean_lock", Success: true, Cleaned: 1, Message: "removed stale lock file"}
}

func (d *Doctor) repairDedupe() RepairResult {
	r := RepairResult{Action: "dedupe_generations", Success: true}
	gens, err := rotation.Generations(d.cfg.Path)
	if err != nil {
		return RepairResult{Action: r.Action, Message: err.Error()}
	}
	compressed := make(map[int]bool)
	for _, g := range gens {
		if g.Compressed {
			compressed[g.Index] = true
		}
	}
	for _, g := range gens {
		if g.Compressed || !compressed[g.Index] {
			continue
		}
		if err := os.Remove(g.Path); err != nil {
			r.Success = false
			r.Message = err.Error()
			continue
		}
		r.Cleaned++
	}
	if r.Success {
		r.Message = fmt.Sprintf("removed %d duplicate generations", r.Cleaned)
	}
	return r
}

func (d *Doctor) repairCompress() RepairResult {
	r := RepairResult{Action: "compress_generations", Success: true}
	c, err := compression.NewCompressorFromString(d.cfg.Rotation.CompressionLevel)
	if err != nil {
		return RepairResult{Action: r.Action, Message: err.Error()}
	}
	gens, err := rotation.Generations(d.cfg.Path)
	if err != nil {
		return RepairResult{Action: r.Action, Message: err.Error()}
	}
	compressed := make(map[int]bool)
	for _, g := range gens {
		if g.Compressed {
			compressed[g.Index] = true
		}
	}
	for _, g := range gens {
		if g.Compressed || compressed[g.Index] {
			continue
		}
		if _, err := c.CompressFile(g.Path); err != nil {
			r.Success = false
			r.Message = err.Error()
			continue
		}
		if err := os.Remove(g.Path); err != nil {
			r.Success = false
			r.Message = err.Error()
			continue
		}
		r.Cleaned++
	}
	if r.Success {
		r.Message = fmt.Sprintf("compressed %d generations", r.Cleaned)
	}
	return r
}
