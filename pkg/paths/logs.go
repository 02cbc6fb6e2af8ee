package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvHome   = "THREADLINE_HOME"
	EnvLogDir = "THREADLINE_LOG_DIR"
)

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}

// DataDir is THREADLINE_HOME or ~/.threadline.
func DataDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvHome)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".threadline"
	}
	return filepath.Join(home, ".threadline")
}

// LogsDir is THREADLINE_LOG_DIR or <DataDir>/logs.
func LogsDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvLogDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	return filepath.Join(DataDir(), "logs")
}

// DatabasePath is the default SQLite location.
func DatabasePath() string {
	return filepath.Join(DataDir(), "threadline.db")
}

// UserConfigPath is the per-user config file.
func UserConfigPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// ProjectConfigPath is the config file relative to a working directory.
func ProjectConfigPath(workdir string) string {
	return filepath.Join(workdir, ".threadline", "config.yaml")
}
