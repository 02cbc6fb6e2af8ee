package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/paths"
)

// loadAndMerge loads a YAML file and merges it into the config. A missing
// file is returned unwrapped so callers can test it with os.IsNotExist.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return mergeYAML(cfg, data)
}

// mergeYAML decodes data over cfg. Keys absent from data keep their current
// value; unknown keys are rejected so typos do not pass silently.
func mergeYAML(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigParse, "parsing YAML")
	}
	return nil
}

// loadConfigEnvVars reads KEY=VALUE lines from ~/.threadline/config.env.
func loadConfigEnvVars() map[string]string {
	data, err := os.ReadFile(filepath.Join(paths.DataDir(), "config.env"))
	if err != nil {
		return nil
	}
	return parseEnvFile(string(data))
}

func parseEnvFile(data string) map[string]string {
	vars := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		vars[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	return vars
}
