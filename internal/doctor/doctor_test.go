package doctor_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditkit/auditkit/internal/audit"
	"github.com/auditkit/auditkit/internal/doctor"
	"github.com/auditkit/auditkit/internal/integrity"
	"github.com/auditkit/auditkit/pkg/config"
	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/model"
)

func setupConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Path = filepath.Join(t.TempDir(), "audit.log")
	cfg.Performance.FlushIntervalMs = 0
	return cfg
}

func writeEvents(t *testing.T, cfg *config.Config, n int) {
	t.Helper()
	w, err := audit.Open(cfg)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := w.RecordCreate(context.Background(), model.Meta{
			Actor:      model.Actor{Type: model.ActorSystem, ID: "cron"},
			EntityType: "job",
			EntityID:   "nightly",
			Source:     model.SourceScheduler,
		}, map[string]any{"run": i})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close(context.Background()))
}

func categories(r *doctor.Result) []string {
	var out []string
	for _, f := range r.Findings {
		out = append(out, f.Category+"/"+f.Severity)
	}
	return out
}

func TestDoctor_Check_Healthy(t *testing.T) {
	cfg := setupConfig(t)
	writeEvents(t, cfg, 3)

	result, err := doctor.NewDoctor(cfg).Check(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Empty(t, result.Findings)
}

func TestDoctor_Check_MissingDirectory(t *testing.T) {
	cfg := setupConfig(t)
	cfg.Path = filepath.Join(filepath.Dir(cfg.Path), "nope", "audit.log")

	result, err := doctor.NewDoctor(cfg).Check(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Equal(t, []string{"directory/info"}, categories(result))
}

func TestDoctor_Check_StaleAndHeldLock(t *testing.T) {
	cfg := setupConfig(t)
	require.NoError(t, os.WriteFile(cfg.Path+audit.LockSuffix, []byte("123\n"), 0644))

	result, err := doctor.NewDoctor(cfg).Check(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"lock/warning"}, categories(result))

	require.NoError(t, os.Remove(cfg.Path+audit.LockSuffix))
	w, err := audit.Open(cfg)
	require.NoError(t, err)
	defer w.Close(context.Background())

	result, err = doctor.NewDoctor(cfg).Check(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"lock/info"}, categories(result))
}

func TestDoctor_Check_Generations(t *testing.T) {
	cfg := setupConfig(t)
	cfg.Rotation.MaxFiles = 2
	for _, name := range []string{".1.gz", ".2", ".2.gz", ".4"} {
		require.NoError(t, os.WriteFile(cfg.Path+name, nil, 0644))
	}

	result, err := doctor.NewDoctor(cfg).Check(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)

	var descriptions []string
	for _, f := range result.Findings {
		assert.Equal(t, "rotation", f.Category)
		descriptions = append(descriptions, f.Description)
	}
	joined := strings.Join(descriptions, "\n")
	assert.Contains(t, joined, "index gap: expected .3, found .4")
	assert.Contains(t, joined, "generation 2 exists both compressed and uncompressed")
	assert.Contains(t, joined, "generation 4 is uncompressed")
	assert.Contains(t, joined, "3 generations exceed rotation.max_files 2")
}

func TestDoctor_Check_LiveOverThreshold(t *testing.T) {
	cfg := setupConfig(t)
	cfg.Rotation.MaxSize = "1KB"
	require.NoError(t, os.WriteFile(cfg.Path, []byte(strings.Repeat("x", 2048)), 0644))

	result, err := doctor.NewDoctor(cfg).Check(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"rotation/warning"}, categories(result))
}

func TestDoctor_Check_OrphanTmp(t *testing.T) {
	cfg := setupConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(cfg.Path), ".auditkit-tmp-123"), []byte("data"), 0644))

	result, err := doctor.NewDoctor(cfg).Check(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Equal(t, []string{"tmp/info"}, categories(result))
}

func TestDoctor_Check_StrictDetectsTamper(t *testing.T) {
	cfg := setupConfig(t)
	writeEvents(t, cfg, 3)

	data, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"run":1`, `"run":7`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(cfg.Path, []byte(tampered+"garbage\n"), 0644))

	result, err := doctor.NewDoctor(cfg).Check(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)

	result, err = doctor.NewDoctor(cfg).Check(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.ElementsMatch(t, []string{"integrity/critical", "parse/warning"}, categories(result))
}

func TestDoctor_ListRepairActions(t *testing.T) {
	actions := doctor.NewDoctor(setupConfig(t)).ListRepairActions()
	ids := make(map[string]bool)
	for _, a := range actions {
		ids[a.ID] = true
	}
	assert.True(t, ids["clean_tmp"])
	assert.True(t, ids["clean_lock"])
	assert.True(t, ids["dedupe_generations"])
	assert.True(t, ids["compress_generations"])
}

func TestDoctor_Repair(t *testing.T) {
	cfg := setupConfig(t)
	dir := filepath.Dir(cfg.Path)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".auditkit-tmp-1"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".auditkit-tmp-2"), nil, 0644))
	require.NoError(t, os.WriteFile(cfg.Path+audit.LockSuffix, nil, 0644))

	line, _, err := integrity.Seal([]byte(`{"id":"a"}`), "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.Path+".1", append(line, '\n'), 0644))
	require.NoError(t, os.WriteFile(cfg.Path+".2", []byte("two\n"), 0644))
	require.NoError(t, os.WriteFile(cfg.Path+".2.gz", nil, 0644))

	d := doctor.NewDoctor(cfg)
	results, err := d.Repair([]string{"clean_tmp", "clean_lock", "dedupe_generations", "compress_generations", "bogus"})
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, 2, results[0].Cleaned)
	assert.True(t, results[1].Success)
	assert.Equal(t, 1, results[2].Cleaned)
	assert.Equal(t, 1, results[3].Cleaned)
	assert.False(t, results[4].Success)

	assert.NoFileExists(t, cfg.Path+audit.LockSuffix)
	assert.NoFileExists(t, cfg.Path+".2")
	assert.NoFileExists(t, cfg.Path+".1")
	assert.FileExists(t, cfg.Path+".1.gz")

	result, err := d.Check(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, result.Findings)
}

func TestDoctor_Repair_RefusesWhileWriterActive(t *testing.T) {
	cfg := setupConfig(t)
	w, err := audit.Open(cfg)
	require.NoError(t, err)
	defer w.Close(context.Background())

	_, err = doctor.NewDoctor(cfg).Repair([]string{"clean_lock"})
	assert.ErrorIs(t, err, errclass.ErrInitialization)
}
