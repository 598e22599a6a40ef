// Package config loads run configuration from flags, environment and an
// optional config file.
//
// Precedence, highest first: command-line flags, BULKFETCH_* environment
// variables, config file, defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variable names.
const EnvPrefix = "BULKFETCH"

// dateLayout is the format of the notification window flags.
const dateLayout = "2006-01-02"

// ConfigError reports an invalid or missing setting. It aborts the run
// before any network traffic.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// BillingOptions configures the billing extractor.
type BillingOptions struct {
	Home    string
	T0, T1  int64
	Charges []string
}

// NotificationOptions configures the notification extractor.
type NotificationOptions struct {
	Types     []string
	ElementID string
	From, To  time.Time
}

// Config holds the settings of one run.
type Config struct {
	Input     string
	Start     int
	End       int
	Output    string
	Extractor string
	Dedupe    bool
	Append    bool

	Concurrency   int
	ProgressEvery int

	APIBaseURL string
	Token      string
	AuthScheme string
	UserAgent  string

	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffFactor  float64
	BackoffMax     time.Duration
	BackoffJitter  float64
	RequestTimeout time.Duration
	RunTimeout     time.Duration

	RateLimit float64
	RateBurst int

	RedisAddr string
	CacheTTL  time.Duration

	MetricsAddr string

	LogLevel  string
	LogPretty bool

	Billing       BillingOptions
	Notifications NotificationOptions
}

// Default returns the default configuration. Input, Output, Start and End
// have no defaults.
func Default() Config {
	return Config{
		Extractor:      "billing",
		Append:         true,
		Concurrency:    30,
		ProgressEvery:  100,
		AuthScheme:     "bearer",
		UserAgent:      "bulkfetch/1.0",
		MaxAttempts:    5,
		BackoffBase:    1 * time.Second,
		BackoffFactor:  2,
		BackoffMax:     30 * time.Second,
		BackoffJitter:  0.2,
		RequestTimeout: 30 * time.Second,
		CacheTTL:       10 * time.Minute,
		LogLevel:       "info",
		Billing: BillingOptions{
			Home:    "1",
			T0:      1,
			T1:      2110163358,
			Charges: []string{"BB_AMOUNT", "TOTAL"},
		},
		Notifications: NotificationOptions{
			Types:     []string{"MONTHLY_SUMMARY", "BILL_PROJECTION"},
			ElementID: "TOU_RATE_PROMOTION",
			From:      time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC),
			To:        time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

// Extractors lists the accepted values of the extractor setting.
var Extractors = []string{"billing", "notifications"}

// BindFlags registers every setting on fs with its default.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()

	fs.String("config", "", "Path to a config file (yaml, toml or json)")

	fs.String("input", "", "File with one entity id per line (required)")
	fs.Int("start", 0, "First line to process, 1-based (required)")
	fs.Int("end", 0, "Last line to process, inclusive (required)")
	fs.String("output", "", "Output table path; .xlsx writes a workbook, anything else CSV (required)")
	fs.String("extractor", d.Extractor, "Extractor: "+strings.Join(Extractors, ", "))
	fs.Bool("dedupe", d.Dedupe, "Drop repeated ids within the range")
	fs.Bool("append", d.Append, "Append to an existing output file instead of replacing it")

	fs.Int("concurrency", d.Concurrency, "Maximum entities processed in parallel")
	fs.Int("progress-every", d.ProgressEvery, "Log progress every N completed entities (0 disables)")

	fs.String("api-base-url", d.APIBaseURL, "API base URL (required)")
	fs.String("token", d.Token, "API access token")
	fs.String("auth-scheme", d.AuthScheme, "How the token is sent: bearer, query or none")
	fs.String("user-agent", d.UserAgent, "User-Agent header")

	fs.Int("max-attempts", d.MaxAttempts, "Attempts per request including the first")
	fs.Duration("backoff-base", d.BackoffBase, "Delay after the first failed attempt")
	fs.Float64("backoff-factor", d.BackoffFactor, "Backoff growth factor")
	fs.Duration("backoff-max", d.BackoffMax, "Backoff cap")
	fs.Float64("backoff-jitter", d.BackoffJitter, "Backoff jitter fraction (0-1)")
	fs.Duration("request-timeout", d.RequestTimeout, "Timeout of a single request attempt")
	fs.Duration("run-timeout", d.RunTimeout, "Timeout of the whole run (0 disables)")

	fs.Float64("rate-limit", d.RateLimit, "Maximum requests per second (0 disables)")
	fs.Int("rate-burst", d.RateBurst, "Rate limit burst (0 derives from rate-limit)")

	fs.String("redis-addr", d.RedisAddr, "Redis address for the response cache (empty disables)")
	fs.Duration("cache-ttl", d.CacheTTL, "Response cache TTL")

	fs.String("metrics-addr", d.MetricsAddr, "Address to serve Prometheus metrics on (empty disables)")

	fs.String("log-level", d.LogLevel, "Log level: debug, info, warn, error")
	fs.Bool("log-pretty", d.LogPretty, "Human-readable console logs")

	fs.String("billing-home", d.Billing.Home, "Billing: home index")
	fs.Int64("billing-t0", d.Billing.T0, "Billing: window start (epoch seconds)")
	fs.Int64("billing-t1", d.Billing.T1, "Billing: window end (epoch seconds)")
	fs.StringSlice("billing-charges", d.Billing.Charges, "Billing: charge types every cycle must contain")

	fs.StringSlice("notification-types", d.Notifications.Types, "Notifications: types to keep")
	fs.String("notification-element-id", d.Notifications.ElementID, "Notifications: HTML element id holding the suggestion")
	fs.String("notification-from", d.Notifications.From.Format(dateLayout), "Notifications: window start date (inclusive, UTC)")
	fs.String("notification-to", d.Notifications.To.Format(dateLayout), "Notifications: window end date (exclusive, UTC)")
}

// Load resolves the configuration from fs (already parsed), the
// environment and the config file named by --config.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return Config{}, &ConfigError{Field: "flags", Err: err}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &ConfigError{Field: "config", Err: err}
		}
	}

	for _, key := range []string{"input", "output", "start", "end"} {
		if !v.IsSet(key) {
			return Config{}, invalid(key, "required")
		}
	}

	cfg := Config{
		Input:     v.GetString("input"),
		Start:     v.GetInt("start"),
		End:       v.GetInt("end"),
		Output:    v.GetString("output"),
		Extractor: v.GetString("extractor"),
		Dedupe:    v.GetBool("dedupe"),
		Append:    v.GetBool("append"),

		Concurrency:   v.GetInt("concurrency"),
		ProgressEvery: v.GetInt("progress-every"),

		APIBaseURL: v.GetString("api-base-url"),
		Token:      v.GetString("token"),
		AuthScheme: v.GetString("auth-scheme"),
		UserAgent:  v.GetString("user-agent"),

		MaxAttempts:    v.GetInt("max-attempts"),
		BackoffBase:    v.GetDuration("backoff-base"),
		BackoffFactor:  v.GetFloat64("backoff-factor"),
		BackoffMax:     v.GetDuration("backoff-max"),
		BackoffJitter:  v.GetFloat64("backoff-jitter"),
		RequestTimeout: v.GetDuration("request-timeout"),
		RunTimeout:     v.GetDuration("run-timeout"),

		RateLimit: v.GetFloat64("rate-limit"),
		RateBurst: v.GetInt("rate-burst"),

		RedisAddr: v.GetString("redis-addr"),
		CacheTTL:  v.GetDuration("cache-ttl"),

		MetricsAddr: v.GetString("metrics-addr"),

		LogLevel:  v.GetString("log-level"),
		LogPretty: v.GetBool("log-pretty"),

		Billing: BillingOptions{
			Home:    v.GetString("billing-home"),
			T0:      v.GetInt64("billing-t0"),
			T1:      v.GetInt64("billing-t1"),
			Charges: v.GetStringSlice("billing-charges"),
		},
		Notifications: NotificationOptions{
			Types:     v.GetStringSlice("notification-types"),
			ElementID: v.GetString("notification-element-id"),
		},
	}

	var err error
	if cfg.Notifications.From, err = parseDate("notification-from", v.GetString("notification-from")); err != nil {
		return Config{}, err
	}
	if cfg.Notifications.To, err = parseDate("notification-to", v.GetString("notification-to")); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, &ConfigError{Field: field, Err: err}
	}
	return t, nil
}

// Validate checks the settings that would otherwise fail mid-run.
func (c Config) Validate() error {
	switch {
	case c.Input == "":
		return invalid("input", "required")
	case c.Output == "":
		return invalid("output", "required")
	case c.APIBaseURL == "":
		return invalid("api-base-url", "required")
	case c.Concurrency < 1:
		return invalid("concurrency", "must be >= 1 (got %d)", c.Concurrency)
	case c.MaxAttempts < 1:
		return invalid("max-attempts", "must be >= 1 (got %d)", c.MaxAttempts)
	case c.BackoffBase < 0:
		return invalid("backoff-base", "must be >= 0 (got %s)", c.BackoffBase)
	case c.BackoffFactor <= 1:
		return invalid("backoff-factor", "must be > 1 (got %v)", c.BackoffFactor)
	case c.BackoffMax < c.BackoffBase:
		return invalid("backoff-max", "must be >= backoff-base (got %s)", c.BackoffMax)
	case c.BackoffJitter < 0 || c.BackoffJitter > 1:
		return invalid("backoff-jitter", "must be within [0, 1] (got %v)", c.BackoffJitter)
	case 1+c.BackoffJitter >= c.BackoffFactor*(1-c.BackoffJitter):
		// Delays below backoff-max must grow even when one draw lands at
		// +jitter and the next at -jitter.
		return invalid("backoff-jitter", "%v too large for backoff-factor %v: need (1+j) < factor*(1-j)",
			c.BackoffJitter, c.BackoffFactor)
	case c.RequestTimeout <= 0:
		return invalid("request-timeout", "must be > 0 (got %s)", c.RequestTimeout)
	case c.RunTimeout < 0:
		return invalid("run-timeout", "must be >= 0 (got %s)", c.RunTimeout)
	case c.RateLimit < 0:
		return invalid("rate-limit", "must be >= 0 (got %v)", c.RateLimit)
	case c.ProgressEvery < 0:
		return invalid("progress-every", "must be >= 0 (got %d)", c.ProgressEvery)
	}

	switch c.AuthScheme {
	case "bearer", "query", "none":
	default:
		return invalid("auth-scheme", "unknown scheme %q", c.AuthScheme)
	}

	if !isExtractor(c.Extractor) {
		return invalid("extractor", "unknown extractor %q (available: %s)", c.Extractor, strings.Join(Extractors, ", "))
	}

	if !c.Notifications.To.IsZero() && c.Notifications.To.Before(c.Notifications.From) {
		return invalid("notification-to", "before notification-from")
	}
	return nil
}

func isExtractor(name string) bool {
	for _, e := range Extractors {
		if e == name {
			return true
		}
	}
	return false
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
