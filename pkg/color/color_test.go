package color

import (
	"testing"
)

// withColor forces coloring on for one test.
func withColor(t *testing.T, on bool) {
	t.Helper()
	Init(false)
	prev := enabled.Load()
	enabled.Store(on)
	t.Cleanup(func() { enabled.Store(prev) })
}

func TestStyles(t *testing.T) {
	withColor(t, true)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"success", Success("ok"), "\033[32mok\033[0m"},
		{"error", Error("failed"), "\033[31mfailed\033[0m"},
		{"warning", Warning("pruned"), "\033[33mpruned\033[0m"},
		{"info", Info("rotated"), "\033[36mrotated\033[0m"},
		{"event id", EventID("evt-1"), "\033[36mevt-1\033[0m"},
		{"entity", Entity("invoice/inv-1"), "\033[34minvoice/inv-1\033[0m"},
		{"header", Header("FILES"), "\033[1mFILES\033[0m"},
		{"dim", Dim("(none)"), "\033[2m(none)\033[0m"},
		{"code", Code("auditkit verify"), "\033[1m\033[2mauditkit verify\033[0m"},
		{"empty", Success(""), ""},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestOperation(t *testing.T) {
	withColor(t, true)

	for op, want := range map[string]string{
		"create": "\033[32mcreate\033[0m",
		"update": "\033[33mupdate\033[0m",
		"delete": "\033[31mdelete\033[0m",
		"read":   "\033[2mread\033[0m",
		"rename": "rename",
	} {
		if got := Operation(op); got != want {
			t.Errorf("Operation(%q) = %q, want %q", op, got, want)
		}
	}
}

func TestPlainWhenDisabled(t *testing.T) {
	withColor(t, true)
	Disable()
	if Enabled() {
		t.Fatal("expected colors to be disabled")
	}
	for _, got := range []string{Success("ok"), Operation("delete"), Code("auditkit doctor")} {
		for _, r := range got {
			if r == '\033' {
				t.Errorf("unexpected escape in %q", got)
			}
		}
	}
}
