package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	if err := os.MkdirAll(filepath.Join(data, "stores"), 0755); err != nil {
		t.Fatal(err)
	}

	cfg := "data_dir: " + data + "\n" +
		"grid: {rows: 4, cols: 4}\n" +
		"stations: [NL60, NL61]\n" +
		"log: {level: info, format: text}\n"
	path := filepath.Join(dir, "raintier.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	manifest := `
groups:
  - timeframe: hour
    tiers:
      - {name: real, path: hour/real, prodcode: realtime, drain_to: archive}
      - {name: archive, path: hour/archive}
`
	if err := os.WriteFile(filepath.Join(data, "stores", "stores.yaml"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCmdLine(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCmdLine(t, "bogus")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "unknown command") {
		t.Errorf("stderr = %s", stderr)
	}

	if code, _, _ := runCmdLine(t); code != 1 {
		t.Errorf("no command: exit code = %d, want 1", code)
	}
}

func TestVersion(t *testing.T) {
	code, out, _ := runCmdLine(t, "version")
	if code != 0 || !strings.Contains(out, Version) {
		t.Errorf("version = %d %q", code, out)
	}
}

func TestInitStoreTiersPromote(t *testing.T) {
	cfg := writeConfig(t)

	for _, ref := range []string{"hour/real", "hour/archive"} {
		code, out, stderr := runCmdLine(t, "init-store", "-config", cfg, "-tier", ref, "-depth", "24")
		if code != 0 {
			t.Fatalf("init-store %s: exit %d\n%s", ref, code, stderr)
		}
		if !strings.Contains(out, "created hour store") {
			t.Errorf("init-store output = %q", out)
		}
	}

	code, _, _ := runCmdLine(t, "init-store", "-config", cfg, "-tier", "hour/real", "-depth", "24")
	if code != 1 {
		t.Errorf("second init-store exit = %d, want 1", code)
	}

	code, out, stderr := runCmdLine(t, "tiers", "-config", cfg, "-timeframe", "hour")
	if code != 0 {
		t.Fatalf("tiers: exit %d\n%s", code, stderr)
	}
	if !strings.Contains(out, "real") || !strings.Contains(out, "archive") {
		t.Errorf("tiers output = %q", out)
	}

	code, out, stderr = runCmdLine(t, "promote", "-config", cfg, "-all")
	if code != 0 {
		t.Fatalf("promote: exit %d\n%s", code, stderr)
	}
	if !strings.Contains(out, "hour: moved 0 chunks") {
		t.Errorf("promote output = %q", out)
	}
}

func TestMoveRejectsShallowerTarget(t *testing.T) {
	cfg := writeConfig(t)
	for _, ref := range []string{"hour/real", "hour/archive"} {
		if code, _, stderr := runCmdLine(t, "init-store", "-config", cfg, "-tier", ref, "-depth", "24"); code != 0 {
			t.Fatalf("init-store: %s", stderr)
		}
	}

	code, _, stderr := runCmdLine(t, "move", "-config", cfg, "-from", "archive", "-to", "real")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "illegal tier transition") {
		t.Errorf("stderr = %s", stderr)
	}
}

func TestPeriodRequired(t *testing.T) {
	cfg := writeConfig(t)
	code, _, stderr := runCmdLine(t, "aggregate", "-config", cfg)
	if code != 1 || !strings.Contains(stderr, "-period is required") {
		t.Errorf("exit %d, stderr %s", code, stderr)
	}
}

func TestSuggest(t *testing.T) {
	has := func(text, want string) bool {
		for _, s := range suggest(text) {
			if s.Text == want {
				return true
			}
		}
		return false
	}

	tests := []struct {
		text string
		want string
	}{
		{"", "aggregate"},
		{"ro", "rotate"},
		{"report -kind ", "consistent"},
		{"run -timeframe d", "day"},
		{"run -prodcode ", "near-realtime"},
		{"move -f", "-from"},
	}
	for _, tt := range tests {
		if !has(tt.text, tt.want) {
			t.Errorf("suggest(%q) lacks %q", tt.text, tt.want)
		}
	}
	if has("", "shell") {
		t.Error("shell suggested inside the shell")
	}
	if got := suggest("show calibrated/"); got != nil {
		t.Errorf("suggest(show arg) = %v", got)
	}
}
