package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/threadline/pkg/config"
	"github.com/odvcencio/threadline/pkg/conversation"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/model"
	"github.com/odvcencio/threadline/pkg/tool"
)

// syncBuffer is a bytes.Buffer safe for the printer goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureOutput(t *testing.T) (out, errOut *syncBuffer) {
	t.Helper()
	out, errOut = &syncBuffer{}, &syncBuffer{}
	oldOut, oldErr := stdout, stderr
	stdout, stderr = out, errOut
	t.Cleanup(func() {
		stdout, stderr = oldOut, oldErr
		configPath = ""
	})
	return out, errOut
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "threadline.db")
	cfg.Logging.Dir = filepath.Join(dir, "logs")
	cfg.Chat.ToolUse = string(tool.ModeQuick)
	cfg.Chat.TitleTimeout = time.Second
	return cfg
}

func useConfig(t *testing.T, cfg *config.Config) {
	t.Helper()
	old := loadConfigFn
	loadConfigFn = func() (*config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfigFn = old })
}

func TestVersion(t *testing.T) {
	out, _ := captureOutput(t)
	require.Equal(t, exitOK, run([]string{"version"}))
	assert.Contains(t, out.String(), "threadline "+version)
	assert.Contains(t, out.String(), "Go version")
}

func TestHelpWithoutArgs(t *testing.T) {
	out, _ := captureOutput(t)
	require.Equal(t, exitOK, run(nil))
	assert.Contains(t, out.String(), "USAGE:")
}

func TestUnknownCommand(t *testing.T) {
	_, errOut := captureOutput(t)
	assert.Equal(t, exitFailure, run([]string{"frobnicate"}))
	assert.Contains(t, errOut.String(), "unknown command: frobnicate")

	assert.Equal(t, exitFailure, run([]string{"--bogus"}))
	assert.Contains(t, errOut.String(), "unknown flag: --bogus")
}

func TestParseGlobalFlags(t *testing.T) {
	captureOutput(t)
	tests := []struct {
		name       string
		args       []string
		wantArgs   []string
		wantConfig string
		wantErr    bool
	}{
		{name: "none", args: []string{"ask", "hi"}, wantArgs: []string{"ask", "hi"}},
		{name: "separate value", args: []string{"--config", "a.yaml", "serve"}, wantArgs: []string{"serve"}, wantConfig: "a.yaml"},
		{name: "short", args: []string{"-c", "b.yaml", "history"}, wantArgs: []string{"history"}, wantConfig: "b.yaml"},
		{name: "equals", args: []string{"--config=c.yaml", "version"}, wantArgs: []string{"version"}, wantConfig: "c.yaml"},
		{name: "missing value", args: []string{"--config"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseGlobalFlags(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantArgs, got)
			assert.Equal(t, tt.wantConfig, configPath)
		})
	}
}

func TestMissingConfigFileIsUsageError(t *testing.T) {
	_, errOut := captureOutput(t)
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	assert.Equal(t, exitUsage, run([]string{"--config", missing, "history", "list"}))
	assert.Contains(t, errOut.String(), "loading config")
}

func TestExitCodeForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: exitOK},
		{name: "plain", err: errors.New("boom"), want: exitFailure},
		{name: "explicit", err: withExitCode(errors.New("x"), 7), want: 7},
		{name: "explicit zero", err: exitError{err: errors.New("x")}, want: exitFailure},
		{name: "config", err: apperrors.New(apperrors.ErrCodeConfigInvalid, "bad"), want: exitUsage},
		{name: "transport", err: apperrors.New(apperrors.ErrCodeTransport, "down"), want: exitBackend},
		{name: "wrapped rate limit", err: fmt.Errorf("ask: %w", apperrors.New(apperrors.ErrCodeRateLimit, "slow")), want: exitBackend},
		{name: "not found", err: apperrors.New(apperrors.ErrCodeThreadNotFound, "gone"), want: exitFailure},
		{name: "canceled", err: context.Canceled, want: exitInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeForError(tt.err))
		})
	}
}

func TestStringListValue(t *testing.T) {
	var origins []string
	v := &stringListValue{target: &origins}
	require.NoError(t, v.Set("https://a.example, https://b.example"))
	require.NoError(t, v.Set(" ,https://c.example"))
	assert.Equal(t, []string{"https://a.example", "https://b.example", "https://c.example"}, origins)
	assert.Equal(t, "https://a.example,https://b.example,https://c.example", v.String())
}

func writeExport(t *testing.T, th conversation.Thread) string {
	t.Helper()
	data, err := conversation.Export(th, conversation.ExportOptions{Format: conversation.ExportJSON})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "thread.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestHistoryCommands(t *testing.T) {
	out, errOut := captureOutput(t)
	useConfig(t, testConfig(t))

	th := conversation.NewThread("test-model", tool.ModeAgent)
	th.Title = "Saved answer"
	th.Messages = conversation.Messages{
		conversation.UserMessage{Content: "what is the answer?"},
		conversation.AssistantMessage{Content: model.StringPtr("forty-two")},
	}
	path := writeExport(t, th)

	require.Equal(t, exitOK, run([]string{"history", "import", path}), errOut.String())
	assert.Contains(t, out.String(), "Imported "+th.ID)

	require.Equal(t, exitOK, run([]string{"history"}), errOut.String())
	assert.Contains(t, out.String(), "Saved answer")

	require.Equal(t, exitOK, run([]string{"history", "show", th.ID}), errOut.String())
	assert.Contains(t, out.String(), "forty-two")

	exported := filepath.Join(t.TempDir(), "out", "thread.json")
	require.Equal(t, exitOK, run([]string{"export", "--format", "json", "--out", exported, th.ID}), errOut.String())
	data, err := os.ReadFile(exported)
	require.NoError(t, err)
	back, err := conversation.ImportJSON(data)
	require.NoError(t, err)
	assert.Equal(t, th.ID, back.ID)

	assert.Equal(t, exitFailure, run([]string{"history", "rollback", th.ID}), "nothing was sent yet")

	require.Equal(t, exitOK, run([]string{"history", "delete", th.ID}), errOut.String())
	assert.Equal(t, exitFailure, run([]string{"history", "show", th.ID}))
	assert.Contains(t, errOut.String(), "not in history")
}

func TestHistoryUsage(t *testing.T) {
	captureOutput(t)
	useConfig(t, testConfig(t))

	assert.Equal(t, exitUsage, run([]string{"history", "bogus"}))
	assert.Equal(t, exitUsage, run([]string{"history", "show"}))
	assert.Equal(t, exitUsage, run([]string{"export", "--format", "pdf", "abc"}))
}

func TestImportRejectsInvalidExport(t *testing.T) {
	_, errOut := captureOutput(t)
	useConfig(t, testConfig(t))

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"messages":[]}`), 0o600))
	assert.Equal(t, exitUsage, run([]string{"history", "import", path}))
	assert.Contains(t, errOut.String(), "thread id required")
}

func TestAskRequiresPrompt(t *testing.T) {
	captureOutput(t)
	oldTerm, oldIn := stdinIsTerminalFn, stdin
	stdinIsTerminalFn = func() bool { return false }
	stdin = strings.NewReader("   ")
	t.Cleanup(func() { stdinIsTerminalFn, stdin = oldTerm, oldIn })

	assert.Equal(t, exitUsage, run([]string{"ask"}))
}

var _ io.Writer = (*syncBuffer)(nil)
