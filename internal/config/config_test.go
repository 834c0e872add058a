package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error: %v", err)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.DisabledToolPolicy != "allow" {
		t.Errorf("DisabledToolPolicy = %q, want %q", cfg.Agent.DisabledToolPolicy, "allow")
	}
	if cfg.Backend != BackendOllama || cfg.Embeddings.Provider != BackendOllama {
		t.Errorf("backend = %q, embeddings = %q, want ollama for both", cfg.Backend, cfg.Embeddings.Provider)
	}
	if got := cfg.ListenAddr(); got != ":8080" {
		t.Errorf("ListenAddr() = %q, want %q", got, ":8080")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("backend: openai\nopenai:\n  api_key: ${PARLEY_TEST_KEY}\n"), 0600)
	t.Setenv("PARLEY_TEST_KEY", "sk-test-123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-test-123" {
		t.Errorf("api_key = %q, want %q", cfg.OpenAI.APIKey, "sk-test-123")
	}
	if cfg.Embeddings.Provider != BackendOpenAI {
		t.Errorf("embeddings provider = %q, want %q", cfg.Embeddings.Provider, BackendOpenAI)
	}
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "unknown backend", yaml: "backend: llamafile\n", wantErr: "unknown backend"},
		{name: "anthropic without key", yaml: "backend: anthropic\n", wantErr: "anthropic.api_key"},
		{name: "postgres without dsn", yaml: "memory:\n  backend: postgres\n", wantErr: "postgres_dsn"},
		{name: "bad policy", yaml: "agent:\n  disabled_tool_policy: deny\n", wantErr: "disabled_tool_policy"},
		{name: "negative cap", yaml: "agent:\n  max_iterations: -1\n", wantErr: "max_iterations"},
		{name: "voice without key", yaml: "voice:\n  enabled: true\n", wantErr: "voice.enabled"},
		{name: "bad log level", yaml: "log_level: loud\n", wantErr: "unknown log level"},
		{name: "ok", yaml: "backend: anthropic\nanthropic:\n  api_key: k\nagent:\n  max_iterations: 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Parse() error: %v", err)
				}
				if cfg.Embeddings.Provider != BackendOllama {
					t.Errorf("anthropic embeddings provider = %q, want ollama", cfg.Embeddings.Provider)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "trace", "text")
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}
	logger.Log(t.Context(), LevelTrace, "wire")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output = %q, want level=TRACE", buf.String())
	}

	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Error("NewLogger(xml) error = nil, want error")
	}
}
