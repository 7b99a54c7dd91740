package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"callpipe/internal/config"
)

func TestLoadDefaultsExpandPathsAndHonorEnvKeys(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("CALLPIPE_SOURCE_API_KEY", "src-key")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantStaging := filepath.Join(tempHome, ".local", "share", "callpipe", "staging")
	if cfg.Paths.StagingDir != wantStaging {
		t.Fatalf("unexpected staging dir: got %q want %q", cfg.Paths.StagingDir, wantStaging)
	}
	if cfg.Source.APIKey != "src-key" {
		t.Fatalf("expected source key from env, got %q", cfg.Source.APIKey)
	}
	if cfg.Pipeline.Workers != 2 {
		t.Fatalf("unexpected default workers: %d", cfg.Pipeline.Workers)
	}
	if cfg.Disposal.Method != "overwrite" {
		t.Fatalf("unexpected default disposal method: %q", cfg.Disposal.Method)
	}
}

func TestLoadParsesTOMLOverrides(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	path := filepath.Join(t.TempDir(), "config.toml")
	content := strings.Join([]string{
		"[source]",
		`base_url = "https://calls.example.com/api/"`,
		"page_size = 10",
		"rate_limit_seconds = 0.5",
		"",
		"[pipeline]",
		"workers = 4",
		"lease_seconds = 60",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be found")
	}
	if cfg.Source.BaseURL != "https://calls.example.com/api" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Source.BaseURL)
	}
	if cfg.Source.PageSize != 10 || cfg.Pipeline.Workers != 4 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Pipeline.MaxStageAttempts != 3 {
		t.Fatalf("expected untouched defaults to survive, got %d", cfg.Pipeline.MaxStageAttempts)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero workers", func(c *config.Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"zero lease", func(c *config.Config) { c.Pipeline.LeaseSeconds = 0 }, "pipeline.lease_seconds"},
		{"bad disposal method", func(c *config.Config) { c.Disposal.Method = "shred" }, "disposal.method"},
		{"bad log level", func(c *config.Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"negative rate limit", func(c *config.Config) { c.Source.RateLimitSeconds = -1 }, "source.rate_limit_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.WriteSample(path); err != nil {
		t.Fatalf("WriteSample failed: %v", err)
	}
	if err := config.WriteSample(path); err == nil {
		t.Fatal("expected error when sample already exists")
	}
}
