// Package compression gzips rotated audit generations and opens them for
// reading.
package compression

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/auditkit/auditkit/pkg/fsutil"
)

// CompressionLevel represents the compression level.
type CompressionLevel int

const (
	// LevelNone disables compression.
	LevelNone CompressionLevel = 0
	// LevelFast uses fastest compression (gzip level 1).
	LevelFast CompressionLevel = 1
	// LevelDefault uses default compression (gzip level 6).
	LevelDefault CompressionLevel = 6
	// LevelMax uses maximum compression (gzip level 9).
	LevelMax CompressionLevel = 9
)

// CompressionType represents the compression algorithm.
type CompressionType string

const (
	// TypeGzip uses gzip compression.
	TypeGzip CompressionType = "gzip"
	// TypeNone indicates no compression.
	TypeNone CompressionType = "none"
)

// Ext is appended to compressed generations.
const Ext = ".gz"

// Compressor handles compression operations.
type Compressor struct {
	Type  CompressionType
	Level CompressionLevel
}

// NewCompressor creates a new compressor with the specified level.
// Level 0 means no compression.
func NewCompressor(level CompressionLevel) *Compressor {
	if level <= LevelNone {
		return &Compressor{Type: TypeNone, Level: LevelNone}
	}
	return &Compressor{Type: TypeGzip, Level: level}
}

// NewCompressorFromString creates a compressor from a string level.
// Valid values: "none", "fast", "default", "max". Empty means default.
func NewCompressorFromString(level string) (*Compressor, error) {
	switch strings.ToLower(level) {
	case "none", "0":
		return NewCompressor(LevelNone), nil
	case "fast", "1":
		return NewCompressor(LevelFast), nil
	case "", "default", "6":
		return NewCompressor(LevelDefault), nil
	case "max", "9":
		return NewCompressor(LevelMax), nil
	default:
		return nil, fmt.Errorf("invalid compression level: %s (must be none, fast, default, or max)", level)
	}
}

// IsEnabled returns true if compression is enabled.
func (c *Compressor) IsEnabled() bool {
	return c.Type != TypeNone
}

// String returns the string representation of the compressor.
func (c *Compressor) String() string {
	switch c.Level {
	case LevelNone:
		return "none"
	case LevelFast:
		return "fast"
	case LevelDefault:
		return "default"
	case LevelMax:
		return "max"
	default:
		return fmt.Sprintf("level-%d", c.Level)
	}
}

// CompressFile streams path into path.gz and returns the compressed path.
// The .gz file only appears once it is complete and synced; the source is
// left in place for the caller to remove. If compression is disabled, the
// original path is returned.
func (c *Compressor) CompressFile(path string) (string, error) {
	if !c.IsEnabled() {
		return path, nil
	}

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dst := CompressedPath(path)
	err = fsutil.AtomicWriteFunc(dst, 0644, func(w io.Writer) error {
		zw, err := gzip.NewWriterLevel(w, int(c.Level))
		if err != nil {
			return fmt.Errorf("create gzip writer: %w", err)
		}
		if _, err := io.Copy(zw, src); err != nil {
			zw.Close()
			return fmt.Errorf("compress: %w", err)
		}
		return zw.Close()
	})
	if err != nil {
		return "", err
	}
	return dst, nil
}

// OpenReader opens path for reading, transparently decompressing .gz files.
func OpenReader(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !IsCompressedFile(path) {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open gzip %s: %w", path, err)
	}
	return &gzipReadCloser{Reader: zr, file: f}, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipReadCloser) Close() error {
	zerr := g.Reader.Close()
	ferr := g.file.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}

// IsCompressedFile returns true if the file path indicates a compressed file.
func IsCompressedFile(path string) bool {
	return strings.HasSuffix(path, Ext)
}

// CompressedPath returns the compressed path for a file.
func CompressedPath(path string) string {
	return path + Ext
}

// UncompressedPath returns the uncompressed path for a file.
func UncompressedPath(path string) string {
	return strings.TrimSuffix(path, Ext)
}
