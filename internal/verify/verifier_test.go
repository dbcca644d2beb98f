package verify_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditkit/auditkit/internal/integrity"
	"github.com/auditkit/auditkit/internal/verify"
)

// sealedLines builds n chained records starting after prev.
func sealedLines(t *testing.T, start, n int, prev string) ([]string, string) {
	t.Helper()
	var lines []string
	for i := start; i < start+n; i++ {
		sealed, hash, err := integrity.Seal([]byte(fmt.Sprintf(`{"id":"evt-%d","after":{"amount":%d}}`, i, i*10)), prev)
		require.NoError(t, err)
		lines = append(lines, string(sealed))
		prev = hash
	}
	return lines, prev
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
}

func writeGzipLines(t *testing.T, path string, lines []string) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

// setup writes a chain split across .2.gz, .1 and the live file, with the
// first two records pruned away.
func setup(t *testing.T) (string, [][]string) {
	dir := t.TempDir()
	base := filepath.Join(dir, "audit.log")

	_, prev := sealedLines(t, 0, 2, "")
	oldest, prev := sealedLines(t, 2, 3, prev)
	middle, prev := sealedLines(t, 5, 3, prev)
	live, _ := sealedLines(t, 8, 3, prev)

	writeGzipLines(t, base+".2.gz", oldest)
	writeLines(t, base+".1", middle)
	writeLines(t, base, live)
	return base, [][]string{oldest, middle, live}
}

func TestVerifier_VerifyAll(t *testing.T) {
	base, _ := setup(t)

	results, err := verify.NewVerifier(base).VerifyAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, base+".2.gz", results[0].Path)
	assert.Equal(t, base+".1", results[1].Path)
	assert.Equal(t, base, results[2].Path)
	for _, r := range results {
		assert.Equal(t, 3, r.Records)
		assert.False(t, r.TamperDetected, r.Error)
	}
	assert.True(t, verify.Clean(results))
}

func TestVerifier_DetectsEditedRecord(t *testing.T) {
	base, files := setup(t)
	middle := files[1]
	middle[1] = strings.Replace(middle[1], `"amount":60`, `"amount":61`, 1)
	writeLines(t, base+".1", middle)

	results, err := verify.NewVerifier(base).VerifyAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.False(t, results[0].TamperDetected)
	assert.True(t, results[1].TamperDetected)
	assert.Equal(t, 2, results[1].FirstBreak)
	assert.Equal(t, "critical", results[1].Severity)
	assert.False(t, results[2].TamperDetected)
	assert.False(t, verify.Clean(results))
}

func TestVerifier_DetectsRemovedRecord(t *testing.T) {
	base, files := setup(t)
	live := files[2]
	writeLines(t, base, []string{live[0], live[2]})

	results, err := verify.NewVerifier(base).VerifyAll(context.Background())
	require.NoError(t, err)
	last := results[len(results)-1]
	assert.True(t, last.TamperDetected)
	assert.Equal(t, 2, last.FirstBreak)
}

func TestVerifier_DetectsRemovedGeneration(t *testing.T) {
	base, _ := setup(t)
	require.NoError(t, os.Remove(base+".1"))

	results, err := verify.NewVerifier(base).VerifyAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[1].TamperDetected)
	assert.Equal(t, 1, results[1].FirstBreak)
}

func TestVerifier_SkipsUnparseableAndUnsealed(t *testing.T) {
	base := filepath.Join(t.TempDir(), "audit.log")
	lines, _ := sealedLines(t, 0, 2, "")
	writeLines(t, base, []string{`{"id":"legacy"}`, lines[0], `{"id":"evt-`, lines[1]})

	r, err := verify.NewVerifier(base).VerifyFile(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Records)
	assert.Equal(t, 1, r.Unsealed)
	assert.Equal(t, 1, r.Skipped)
	assert.False(t, r.TamperDetected)
}

func TestVerifier_DetectsInsertedUnsealedRecord(t *testing.T) {
	base := filepath.Join(t.TempDir(), "audit.log")
	lines, _ := sealedLines(t, 0, 3, "")
	forged := `{"id":"forged","operation":"delete","actor":{"type":"human","id":"mallory"}}`
	writeLines(t, base, []string{lines[0], lines[1], forged, lines[2]})

	results, err := verify.NewVerifier(base).VerifyAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	r := results[0]
	assert.True(t, r.TamperDetected)
	assert.Equal(t, 3, r.FirstBreak)
	assert.Equal(t, "critical", r.Severity)
	assert.Contains(t, r.Error, "unsealed record")
	assert.Equal(t, 1, r.Unsealed)
	assert.Equal(t, 3, r.Records)
	assert.False(t, verify.Clean(results))
}

func TestVerifier_Empty(t *testing.T) {
	base := filepath.Join(t.TempDir(), "audit.log")
	results, err := verify.NewVerifier(base).VerifyAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.True(t, verify.Clean(results))

	_, err = verify.NewVerifier(base).VerifyFile(context.Background(), base)
	assert.Error(t, err)
}
