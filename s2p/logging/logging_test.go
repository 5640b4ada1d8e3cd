package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONOutputCarriesApp(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Format = FormatJSON
	cfg.Out = &buf
	logger, closer, err := New("s2p-host", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()

	logger.Info().Str("peer", "phone-1").Msg("paired")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["app"] != "s2p-host" || line["peer"] != "phone-1" || line["message"] != "paired" {
		t.Fatalf("unexpected fields: %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Fatalf("missing timestamp: %v", line)
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Level = "WARN"
	cfg.Format = FormatJSON
	cfg.Out = &buf
	logger, _, err := New("s2p", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("level not applied: %q", buf.String())
	}
}

func TestConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Out = &buf
	logger, _, err := New("s2p", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info().Msg("listening")
	if !strings.Contains(buf.String(), "listening") || strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected console line, got %q", buf.String())
	}
}

func TestWithEnv(t *testing.T) {
	env := map[string]string{EnvLevel: " debug ", EnvFormat: "json"}
	cfg := Default().WithEnv(func(k string) string { return env[k] })
	if cfg.Level != "debug" || cfg.Format != FormatJSON {
		t.Fatalf("env not applied: %+v", cfg)
	}
	cfg = Default().WithEnv(func(string) string { return "" })
	if cfg.Level != "info" || cfg.Format != FormatConsole {
		t.Fatalf("empty env changed config: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		ok   bool
	}{
		{"default", func(*Config) {}, true},
		{"empty level", func(c *Config) { c.Level = "" }, true},
		{"bad level", func(c *Config) { c.Level = "loud" }, false},
		{"bad format", func(c *Config) { c.Format = "xml" }, false},
		{"negative rotation", func(c *Config) { c.MaxBackups = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s2p.log")
	var buf bytes.Buffer
	cfg := Default()
	cfg.File = path
	cfg.Out = &buf
	logger, closer, err := New("s2p", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Warn().Msg("to both")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"message":"to both"`) {
		t.Fatalf("file sink missing line: %q", data)
	}
	if !strings.Contains(buf.String(), "to both") {
		t.Fatalf("console missing line: %q", buf.String())
	}
}
