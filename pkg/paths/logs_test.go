package paths

import (
	"path/filepath"
	"testing"
)

func TestDataDirDefaultsUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvHome, "")
	if got := DataDir(); got != filepath.Join(home, ".threadline") {
		t.Fatalf("unexpected data dir: %q", got)
	}
}

func TestDataDirExpandsOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvHome, "~/tl")
	want := filepath.Join(home, "tl")
	if got := DataDir(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got := DatabasePath(); got != filepath.Join(want, "threadline.db") {
		t.Fatalf("unexpected database path: %q", got)
	}
}

func TestLogsDirOverride(t *testing.T) {
	t.Setenv(EnvLogDir, "/var/log/threadline/")
	if got := LogsDir(); got != "/var/log/threadline" {
		t.Fatalf("unexpected logs dir: %q", got)
	}
}

func TestExpandHomeBare(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if got := ExpandHome("~"); got != home {
		t.Fatalf("expected %q, got %q", home, got)
	}
	if got := ExpandHome("relative/dir"); got != "relative/dir" {
		t.Fatalf("relative paths should pass through, got %q", got)
	}
}

func TestProjectConfigPath(t *testing.T) {
	if got := ProjectConfigPath("/work"); got != filepath.Join("/work", ".threadline", "config.yaml") {
		t.Fatalf("unexpected project config path: %q", got)
	}
}
