package compression

import (
	"bufio"
	"errors"
	"io"
)

// MaxLineSize bounds one audit line. Longer lines are skipped, never held in
// memory whole.
const MaxLineSize = 5 * 1024 * 1024

// LineReader reads newline-terminated lines of at most a fixed size.
type LineReader struct {
	br  *bufio.Reader
	max int
	buf []byte
}

// NewLineReader reads lines from r. max <= 0 means MaxLineSize.
func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = MaxLineSize
	}
	return &LineReader{br: bufio.NewReaderSize(r, 64*1024), max: max}
}

// Next returns the next line, including its newline when present. The slice
// is only valid until the following call. A line longer than the bound is
// consumed through its newline and reported with oversized set and no bytes.
// err is io.EOF after the final line, which may be unterminated.
func (lr *LineReader) Next() (line []byte, oversized bool, err error) {
	lr.buf = lr.buf[:0]
	for {
		chunk, err := lr.br.ReadSlice('\n')
		if !oversized {
			if len(lr.buf)+len(chunk) > lr.max {
				oversized = true
				lr.buf = lr.buf[:0]
			} else {
				lr.buf = append(lr.buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if oversized {
			return nil, true, err
		}
		return lr.buf, false, err
	}
}
