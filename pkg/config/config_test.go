package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("bulkfetch", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return Load(fs)
}

var required = []string{
	"--input", "ids.txt", "--output", "out.csv", "--start", "1", "--end", "10",
	"--api-base-url", "https://api.example.com",
}

func TestDefault(t *testing.T) {
	d := Default()

	if d.Concurrency != 30 {
		t.Errorf("Concurrency = %d, want 30", d.Concurrency)
	}
	if d.MaxAttempts != 5 || d.BackoffBase != time.Second || d.BackoffFactor != 2 || d.BackoffMax != 30*time.Second {
		t.Errorf("retry defaults = %d %s %v %s", d.MaxAttempts, d.BackoffBase, d.BackoffFactor, d.BackoffMax)
	}
	if d.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %s, want 30s", d.RequestTimeout)
	}
	if !d.Append {
		t.Error("Append should default to true")
	}
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := load(t, append(required,
		"--concurrency", "8",
		"--extractor", "notifications",
		"--auth-scheme", "query",
		"--backoff-base", "250ms",
		"--notification-types", "MONTHLY_SUMMARY",
		"--notification-from", "2025-06-01",
		"--append=false",
	)...)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Input != "ids.txt" || cfg.Output != "out.csv" || cfg.Start != 1 || cfg.End != 10 {
		t.Errorf("io settings = %+v", cfg)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Concurrency)
	}
	if cfg.Extractor != "notifications" || cfg.AuthScheme != "query" {
		t.Errorf("Extractor/AuthScheme = %s/%s", cfg.Extractor, cfg.AuthScheme)
	}
	if cfg.BackoffBase != 250*time.Millisecond {
		t.Errorf("BackoffBase = %s", cfg.BackoffBase)
	}
	if !reflect.DeepEqual(cfg.Notifications.Types, []string{"MONTHLY_SUMMARY"}) {
		t.Errorf("Types = %v", cfg.Notifications.Types)
	}
	if want := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC); !cfg.Notifications.From.Equal(want) {
		t.Errorf("From = %s, want %s", cfg.Notifications.From, want)
	}
	if cfg.Append {
		t.Error("Append should be false")
	}
	if !reflect.DeepEqual(cfg.Billing.Charges, []string{"BB_AMOUNT", "TOTAL"}) {
		t.Errorf("Billing.Charges = %v", cfg.Billing.Charges)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("BULKFETCH_CONCURRENCY", "12")
	t.Setenv("BULKFETCH_TOKEN", "env-token")
	t.Setenv("BULKFETCH_REQUEST_TIMEOUT", "5s")

	cfg, err := load(t, required...)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Concurrency != 12 {
		t.Errorf("Concurrency = %d, want 12", cfg.Concurrency)
	}
	if cfg.Token != "env-token" {
		t.Errorf("Token = %q", cfg.Token)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %s", cfg.RequestTimeout)
	}
}

func TestLoad_FlagBeatsEnv(t *testing.T) {
	t.Setenv("BULKFETCH_CONCURRENCY", "12")

	cfg, err := load(t, append(required, "--concurrency", "3")...)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", cfg.Concurrency)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulkfetch.yaml")
	content := "concurrency: 7\ntoken: file-token\nrate-limit: 2.5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(t, append(required, "--config", path)...)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Concurrency != 7 || cfg.Token != "file-token" || cfg.RateLimit != 2.5 {
		t.Errorf("file settings not applied: %+v", cfg)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := load(t, append(required, "--config", "/nonexistent/bulkfetch.yaml")...)

	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Field != "config" {
		t.Errorf("Expected ConfigError{config}, got %v", err)
	}
}

func TestLoad_Required(t *testing.T) {
	for _, missing := range []string{"input", "output", "start", "end"} {
		t.Run(missing, func(t *testing.T) {
			var args []string
			for i := 0; i < len(required); i += 2 {
				if required[i] != "--"+missing {
					args = append(args, required[i], required[i+1])
				}
			}

			_, err := load(t, args...)
			var ce *ConfigError
			if !errors.As(err, &ce) || ce.Field != missing {
				t.Errorf("Expected ConfigError{%s}, got %v", missing, err)
			}
		})
	}
}

func TestLoad_BadDate(t *testing.T) {
	_, err := load(t, append(required, "--notification-to", "August")...)
	if !IsConfigError(err) {
		t.Errorf("Expected ConfigError, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.Input, c.Output, c.APIBaseURL = "in", "out.csv", "http://x"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "max-attempts"},
		{"factor below one", func(c *Config) { c.BackoffFactor = 0.5 }, "backoff-factor"},
		{"factor of one", func(c *Config) { c.BackoffFactor = 1 }, "backoff-factor"},
		{"jitter can shrink delays", func(c *Config) { c.BackoffFactor, c.BackoffJitter = 1.2, 0.2 }, "backoff-jitter"},
		{"full jitter", func(c *Config) { c.BackoffJitter = 1 }, "backoff-jitter"},
		{"small factor without jitter", func(c *Config) { c.BackoffFactor, c.BackoffJitter = 1.1, 0 }, ""},
		{"jitter within growth", func(c *Config) { c.BackoffFactor, c.BackoffJitter = 1.6, 0.2 }, ""},
		{"max below base", func(c *Config) { c.BackoffMax = time.Millisecond }, "backoff-max"},
		{"jitter above one", func(c *Config) { c.BackoffJitter = 1.5 }, "backoff-jitter"},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }, "request-timeout"},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }, "rate-limit"},
		{"bad auth", func(c *Config) { c.AuthScheme = "basic" }, "auth-scheme"},
		{"bad extractor", func(c *Config) { c.Extractor = "weather" }, "extractor"},
		{"no base url", func(c *Config) { c.APIBaseURL = "" }, "api-base-url"},
		{"inverted window", func(c *Config) {
			c.Notifications.From, c.Notifications.To = c.Notifications.To, c.Notifications.From
		}, "notification-to"},
		{"start after end is allowed", func(c *Config) { c.Start, c.End = 9, 3 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()

			if tt.field == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			var ce *ConfigError
			if !errors.As(err, &ce) || ce.Field != tt.field {
				t.Errorf("Expected ConfigError{%s}, got %v", tt.field, err)
			}
		})
	}
}

func TestConfigError(t *testing.T) {
	inner := errors.New("required")
	err := &ConfigError{Field: "input", Err: inner}

	if err.Error() != "config input: required" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should reach the wrapped error")
	}
	if IsConfigError(errors.New("x")) {
		t.Error("plain error is not a ConfigError")
	}
	if !strings.Contains(invalid("x", "got %d", 3).Error(), "got 3") {
		t.Error("invalid() should format its message")
	}
}
