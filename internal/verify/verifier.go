package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/auditkit/auditkit/internal/compression"
	"github.com/auditkit/auditkit/internal/integrity"
	"github.com/auditkit/auditkit/internal/rotation"
	"github.com/auditkit/auditkit/pkg/errclass"
)

// Result contains verification results for a single audit file.
type Result struct {
	Path           string `json:"path"`
	Records        int    `json:"records"`
	Unsealed       int    `json:"unsealed"`
	Skipped        int    `json:"skipped"`
	TamperDetected bool   `json:"tamper_detected"`
	// FirstBreak is the 1-based line number of the first broken link.
	FirstBreak int    `json:"first_break,omitempty"`
	Severity   string `json:"severity,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Verifier checks the hash chain of an audit file and its generations.
type Verifier struct {
	base string
}

// NewVerifier creates a verifier for the live file at base.
func NewVerifier(base string) *Verifier {
	return &Verifier{base: base}
}

// chainState carries the chain across files.
type chainState struct {
	prev     string
	anchored bool
}

// VerifyAll walks generations oldest to newest and then the live file, as one
// chain. The first sealed record found anchors the chain since its
// predecessor may have been pruned.
func (v *Verifier) VerifyAll(ctx context.Context) ([]*Result, error) {
	paths, err := v.files()
	if err != nil {
		return nil, err
	}
	var results []*Result
	state := &chainState{}
	for _, p := range paths {
		res, err := v.verifyFile(ctx, p, state)
		if err != nil {
			return results, err
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results, nil
}

// VerifyFile checks a single file on its own; its first sealed record is the
// anchor.
func (v *Verifier) VerifyFile(ctx context.Context, path string) (*Result, error) {
	res, err := v.verifyFile(ctx, path, &chainState{})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errclass.ErrParse.WithMessagef("%s does not exist", path)
	}
	return res, nil
}

func (v *Verifier) files() ([]string, error) {
	gens, err := rotation.Generations(v.base)
	if err != nil {
		return nil, err
	}
	var paths []string
	last := 0
	for i := len(gens) - 1; i >= 0; i-- {
		g := gens[i]
		if g.Index == last {
			// .N.gz next to .N: verify the plain copy only
			if !g.Compressed {
				paths[len(paths)-1] = g.Path
			}
			continue
		}
		last = g.Index
		paths = append(paths, g.Path)
	}
	return append(paths, v.base), nil
}

// verifyFile returns nil for a missing file.
func (v *Verifier) verifyFile(ctx context.Context, path string, state *chainState) (*Result, error) {
	r, err := compression.OpenReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return &Result{Path: path, Severity: "error", Error: err.Error()}, nil
	}
	defer r.Close()

	result := &Result{Path: path}
	lr := compression.NewLineReader(r, 0)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, oversized, readErr := lr.Next()
		switch {
		case oversized:
			lineNo++
			result.Skipped++
		case len(bytes.TrimSpace(line)) > 0:
			lineNo++
			v.checkLine(line, lineNo, state, result)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			result.Severity = "error"
			result.Error = fmt.Sprintf("read: %v", readErr)
			break
		}
	}
	return result, nil
}

func (v *Verifier) checkLine(line []byte, lineNo int, state *chainState, result *Result) {
	link, err := integrity.Check(line)
	switch {
	case errors.Is(err, errclass.ErrParse):
		result.Skipped++
		return
	case err == nil && !link.Sealed:
		// records written before the chain was enabled precede the anchor
		result.Unsealed++
		if state.anchored {
			tamper(result, lineNo, "unsealed record inside the hash chain")
		}
		return
	}
	result.Records++

	switch {
	case err != nil:
		tamper(result, lineNo, "record hash mismatch")
	case state.anchored && link.PrevHash != state.prev:
		tamper(result, lineNo, "prevHash does not match the preceding record")
	}

	state.prev = link.Hash
	state.anchored = true
}

// tamper records the first break in result.
func tamper(result *Result, lineNo int, reason string) {
	if result.TamperDetected {
		return
	}
	result.TamperDetected = true
	result.FirstBreak = lineNo
	result.Severity = "critical"
	result.Error = fmt.Sprintf("line %d: %s", lineNo, reason)
}

// Clean reports whether no result detected tampering or failed to read.
func Clean(results []*Result) bool {
	for _, r := range results {
		if r.TamperDetected || r.Error != "" {
			return false
		}
	}
	return true
}
