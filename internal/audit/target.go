package audit

import (
	"errors"
	"io"
	"os"
)

// ErrBackpressure is returned by a Target that accepted only part of a write
// and wants the writer to wait before sending the rest.
var ErrBackpressure = errors.New("audit: target backpressure")

// Target is the append destination of a Writer.
type Target interface {
	io.Writer
	Sync() error
	Close() error
	// Size reports the current length of the destination in bytes.
	Size() (int64, error)
}

// Drainer is implemented by targets that signal when they can accept more
// data after returning ErrBackpressure.
type Drainer interface {
	Drained() <-chan struct{}
}

// TargetOpener opens the target for a path.
type TargetOpener func(path string) (Target, error)

type fileTarget struct {
	f *os.File
}

// OpenFile opens path for appending, creating it with mode 0644.
func OpenFile(path string) (Target, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &fileTarget{f: f}, nil
}

func (t *fileTarget) Write(p []byte) (int, error) { return t.f.Write(p) }
func (t *fileTarget) Sync() error                 { return t.f.Sync() }
func (t *fileTarget) Close() error                { return t.f.Close() }

func (t *fileTarget) Size() (int64, error) {
	info, err := t.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
