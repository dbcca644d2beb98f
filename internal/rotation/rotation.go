// Package rotation implements size-based rotation of the live audit file
// into numbered generations.
//
// The live file is <base>. Rotated generations are <base>.1 (newest) through
// <base>.N, each optionally gzip compressed as <base>.N.gz.
package rotation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/auditkit/auditkit/internal/compression"
	"github.com/auditkit/auditkit/pkg/config"
	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/fsutil"
	"github.com/auditkit/auditkit/pkg/logging"
)

// Generation is one rotated file.
type Generation struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	Compressed bool   `json:"compressed"`
}

// Result describes a completed rotation.
type Result struct {
	Rotated    string        `json:"rotated"`
	Compressed bool          `json:"compressed"`
	Pruned     []string      `json:"pruned,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Manager rotates and prunes the generations of one live file.
type Manager struct {
	base       string
	maxSize    int64
	maxFiles   int
	compressor *compression.Compressor
	log        *logging.Logger
}

// New creates a manager for base. maxSize <= 0 disables the size threshold.
func New(base string, maxSize int64, maxFiles int, compressor *compression.Compressor) *Manager {
	if compressor == nil {
		compressor = compression.NewCompressor(compression.LevelNone)
	}
	return &Manager{
		base:       base,
		maxSize:    maxSize,
		maxFiles:   maxFiles,
		compressor: compressor,
		log:        logging.Global().WithFields(map[string]any{"component": "rotation"}),
	}
}

// FromConfig builds a manager from the rotation section of cfg.
func FromConfig(cfg *config.Config) (*Manager, error) {
	maxSize, err := cfg.MaxSizeBytes()
	if err != nil {
		return nil, err
	}
	level := compression.LevelNone
	if cfg.Rotation.Compress {
		c, err := compression.NewCompressorFromString(cfg.Rotation.CompressionLevel)
		if err != nil {
			return nil, errclass.ErrConfiguration.Wrap(err, "rotation.compression_level")
		}
		level = c.Level
	}
	return New(cfg.Path, maxSize, cfg.Rotation.MaxFiles, compression.NewCompressor(level)), nil
}

// SetLogger replaces the manager's logger.
func (m *Manager) SetLogger(l *logging.Logger) {
	m.log = l
}

// Base returns the live file path.
func (m *Manager) Base() string { return m.base }

// MaxSize returns the rotation threshold in bytes.
func (m *Manager) MaxSize() int64 { return m.maxSize }

// MaxFiles returns the number of generations kept.
func (m *Manager) MaxFiles() int { return m.maxFiles }

// ShouldRotate reports whether a live file of size bytes has reached the
// threshold.
func (m *Manager) ShouldRotate(size int64) bool {
	return m.maxSize > 0 && size >= m.maxSize
}

// Rotate shifts every generation up by one, moves the live file to .1,
// compresses it when enabled and prunes. The live file must not be open for
// writing. A compression failure keeps the uncompressed .1, still prunes and
// returns the error.
func (m *Manager) Rotate() (*Result, error) {
	start := time.Now()

	if _, err := os.Stat(m.base); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errclass.ErrRotation.WithMessagef("nothing to rotate: %s does not exist", m.base)
		}
		return nil, errclass.ErrRotation.Wrap(err, "stat live file")
	}

	gens, err := Generations(m.base)
	if err != nil {
		return nil, err
	}
	for i := len(gens) - 1; i >= 0; i-- {
		g := gens[i]
		next := GenerationPath(m.base, g.Index+1, g.Compressed)
		if err := os.Rename(g.Path, next); err != nil {
			return nil, errclass.ErrRotation.Wrapf(err, "shift %s", filepath.Base(g.Path))
		}
	}

	first := GenerationPath(m.base, 1, false)
	if err := fsutil.RenameAndSync(m.base, first); err != nil {
		return nil, errclass.ErrRotation.Wrap(err, "move live file")
	}

	res := &Result{Rotated: first}
	var compressErr error
	if m.compressor.IsEnabled() {
		gz, err := m.compressor.CompressFile(first)
		if err != nil {
			compressErr = errclass.ErrRotation.Wrapf(err, "compress %s", filepath.Base(first))
			m.log.ErrorErr("compression failed, keeping uncompressed generation", err, map[string]any{"path": first})
		} else {
			res.Rotated = gz
			res.Compressed = true
			if err := os.Remove(first); err != nil {
				compressErr = errclass.ErrRotation.Wrapf(err, "remove %s after compression", filepath.Base(first))
			}
		}
	}

	pruned, pruneErr := m.Prune()
	res.Pruned = pruned
	res.Duration = time.Since(start)

	m.log.Info("rotated audit log", map[string]any{
		"path":       m.base,
		"generation": res.Rotated,
		"pruned":     len(pruned),
		"duration":   res.Duration.String(),
	})

	if compressErr != nil {
		return res, compressErr
	}
	if pruneErr != nil {
		return res, pruneErr
	}
	return res, nil
}

// Prune deletes generations beyond maxFiles, keeping the newest (lowest
// indexes). It returns the removed paths.
func (m *Manager) Prune() ([]string, error) {
	if m.maxFiles <= 0 {
		return nil, nil
	}
	gens, err := Generations(m.base)
	if err != nil {
		return nil, err
	}

	var removed []string
	kept := 0
	lastIndex := 0
	for _, g := range gens {
		if g.Index != lastIndex {
			kept++
			lastIndex = g.Index
		}
		if kept <= m.maxFiles {
			continue
		}
		if err := os.Remove(g.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, errclass.ErrRotation.Wrapf(err, "prune %s", filepath.Base(g.Path))
		}
		removed = append(removed, g.Path)
		m.log.Debug("pruned generation", map[string]any{"path": g.Path})
	}
	return removed, nil
}

// Generations lists the rotated files of base ordered by ascending index
// (newest first). When both .N and .N.gz exist, .N comes first.
func Generations(base string) ([]Generation, error) {
	dir := filepath.Dir(base)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errclass.ErrRotation.Wrapf(err, "list %s", dir)
	}

	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(filepath.Base(base)) + `\.([0-9]+)(\.gz)?$`)
	var gens []Generation
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 {
			continue
		}
		gens = append(gens, Generation{
			Index:      idx,
			Path:       filepath.Join(dir, e.Name()),
			Compressed: m[2] != "",
		})
	}

	sort.Slice(gens, func(i, j int) bool {
		if gens[i].Index != gens[j].Index {
			return gens[i].Index < gens[j].Index
		}
		return !gens[i].Compressed && gens[j].Compressed
	})
	return gens, nil
}

// GenerationPath returns the path of generation idx of base.
func GenerationPath(base string, idx int, compressed bool) string {
	p := fmt.Sprintf("%s.%d", base, idx)
	if compressed {
		p += compression.Ext
	}
	return p
}
