// Package config loads and validates fetcher configuration via Viper.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/stf-case-fetcher/internal/policy/retry"
)

// Config captures every knob of a run. The core keys stay flat, the rest
// are grouped per component.
type Config struct {
	BatchSize          int           `mapstructure:"batch_size" validate:"gt=0"`
	MaxWorkers         int           `mapstructure:"max_workers" validate:"gte=1"`
	MaxRetries         int           `mapstructure:"max_retries" validate:"gte=0"`
	RateLimitDelay     float64       `mapstructure:"rate_limit_delay" validate:"gte=0"`
	CheckpointInterval int           `mapstructure:"checkpoint_interval" validate:"gt=0"`
	Timeout            time.Duration `mapstructure:"timeout" validate:"gt=0"`
	UseProxies         bool          `mapstructure:"use_proxies"`
	ProxyList          []string      `mapstructure:"proxy_list"`
	UseBasedosdados    bool          `mapstructure:"use_basedosdados"`

	Backoff    BackoffConfig    `mapstructure:"backoff"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Portal     PortalConfig     `mapstructure:"portal"`
	Structured StructuredConfig `mapstructure:"structured"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Output     OutputConfig     `mapstructure:"output"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Run        RunConfig        `mapstructure:"run"`
	Status     StatusConfig     `mapstructure:"status"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BackoffConfig shapes the retry delays.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial" validate:"gt=0"`
	Max        time.Duration `mapstructure:"max" validate:"gtefield=Initial"`
	Multiplier float64       `mapstructure:"multiplier" validate:"gte=1"`
	Jitter     float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// IdentityConfig controls User-Agent rotation.
type IdentityConfig struct {
	UserAgents []string `mapstructure:"user_agents"`
	Rotate     bool     `mapstructure:"rotate"`
}

// PortalConfig points at the court portal.
type PortalConfig struct {
	URLTemplate string `mapstructure:"url_template" validate:"required"`
	BaseURL     string `mapstructure:"base_url" validate:"required,url"`
	// RateLimitDelay overrides the top-level delay for the portal gate.
	RateLimitDelay *float64 `mapstructure:"rate_limit_delay" validate:"omitempty,gte=0"`
	// PDFExtraction downloads linked documents and stores their text in
	// texto_pdfs. Each download takes a portal permit.
	PDFExtraction bool `mapstructure:"pdf_extraction"`
	MaxPDFs       int  `mapstructure:"max_pdfs" validate:"gte=1"`
}

// StructuredConfig controls the BigQuery dataset path.
type StructuredConfig struct {
	ProjectID         string  `mapstructure:"project_id"`
	Table             string  `mapstructure:"table"`
	IncompletePayload string  `mapstructure:"incomplete_payload" validate:"oneof=fallback accept"`
	RateLimitDelay    float64 `mapstructure:"rate_limit_delay" validate:"gte=0"`
	Prefetch          bool    `mapstructure:"prefetch"`
	PrefetchChunk     int     `mapstructure:"prefetch_chunk" validate:"gt=0"`
}

// HeadlessConfig configures the chromedp fallback.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel" validate:"gte=0"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout" validate:"gt=0"`
}

// OutputConfig names the dataset destination.
type OutputConfig struct {
	Destination string `mapstructure:"destination"`
	Compression string `mapstructure:"compression" validate:"oneof=snappy zstd gzip none"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=sqlite postgres memory"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table" validate:"required"`
}

// StorageConfig bounds internal retries of storage writes.
type StorageConfig struct {
	Retries int `mapstructure:"retries" validate:"gte=0"`
}

// RunConfig tunes run lifecycle behavior.
type RunConfig struct {
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace" validate:"gte=0"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" validate:"gte=0"`
}

// StatusConfig enables the status server when Addr is set.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// PubSubConfig enables the run summary publish when Topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features and the log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File        string `mapstructure:"file"`
}

// flagKeys maps CLI flags onto config keys.
var flagKeys = map[string]string{
	"batch-size":          "batch_size",
	"max-workers":         "max_workers",
	"max-retries":         "max_retries",
	"rate-limit":          "rate_limit_delay",
	"timeout":             "timeout",
	"checkpoint-interval": "checkpoint_interval",
	"proxies":             "use_proxies",
	"headless":            "headless.enabled",
	"extract-pdfs":        "portal.pdf_extraction",
	"log-level":           "logging.level",
	"log-file":            "logging.file",
	"output":              "output.destination",
}

// Load builds a Config from defaults, the preset, the optional file at
// path, STF_* environment variables and flags, in increasing precedence.
func Load(path, preset string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := applyPreset(v, preset); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &casefetch.ConfigurationError{Field: "config", Reason: fmt.Sprintf("read %s: %v", path, err)}
		}
	}

	if err := bindFlags(v, flags); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &casefetch.ConfigurationError{Field: "config", Reason: err.Error()}
	}
	cfg.ProxyList = cleanList(cfg.ProxyList)
	cfg.Identity.UserAgents = cleanList(cfg.Identity.UserAgents)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("batch_size", 500)
	v.SetDefault("max_workers", 5)
	v.SetDefault("max_retries", 5)
	v.SetDefault("rate_limit_delay", 1.0)
	v.SetDefault("checkpoint_interval", 100)
	v.SetDefault("timeout", "30s")
	v.SetDefault("use_proxies", false)
	v.SetDefault("proxy_list", []string{})
	v.SetDefault("use_basedosdados", true)
	v.SetDefault("backoff.initial", "1s")
	v.SetDefault("backoff.max", "60s")
	v.SetDefault("backoff.multiplier", 2.0)
	v.SetDefault("backoff.jitter", 0.25)
	v.SetDefault("identity.user_agents", []string{})
	v.SetDefault("identity.rotate", true)
	v.SetDefault("portal.url_template", "https://portal.stf.jus.br/processos/detalhe.asp?incidente=%s")
	v.SetDefault("portal.base_url", "https://portal.stf.jus.br")
	v.SetDefault("portal.pdf_extraction", false)
	v.SetDefault("portal.max_pdfs", 5)
	v.SetDefault("structured.project_id", "")
	v.SetDefault("structured.table", "basedosdados.br_stf_decisoes.decisao")
	v.SetDefault("structured.incomplete_payload", "fallback")
	v.SetDefault("structured.rate_limit_delay", 0.0)
	v.SetDefault("structured.prefetch", true)
	v.SetDefault("structured.prefetch_chunk", 1000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("output.destination", "")
	v.SetDefault("output.compression", "snappy")
	v.SetDefault("checkpoint.backend", "sqlite")
	v.SetDefault("checkpoint.path", ".stf-checkpoints.db")
	v.SetDefault("checkpoint.dsn", "")
	v.SetDefault("checkpoint.table", "case_checkpoints")
	v.SetDefault("storage.retries", 3)
	v.SetDefault("run.shutdown_grace", "30s")
	v.SetDefault("run.progress_interval", "10s")
	v.SetDefault("status.addr", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	if f := flags.Lookup("no-basedosdados"); f != nil && f.Changed && f.Value.String() == "true" {
		v.Set("use_basedosdados", false)
	}
	if f := flags.Lookup("proxy-list"); f != nil && f.Changed {
		proxies, err := readLines(f.Value.String())
		if err != nil {
			return &casefetch.ConfigurationError{Field: "proxy_list", Reason: err.Error()}
		}
		v.Set("proxy_list", proxies)
	}
	return nil
}

// Validate enforces field limits and the rules that span fields.
func (c Config) Validate() error {
	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &casefetch.ConfigurationError{Field: fieldKey(fe), Reason: describe(fe)}
		}
		return &casefetch.ConfigurationError{Field: "config", Reason: err.Error()}
	}
	if c.UseProxies && len(c.ProxyList) == 0 {
		return &casefetch.ConfigurationError{Field: "proxy_list", Reason: "must not be empty when use_proxies is set"}
	}
	if c.Checkpoint.Backend == "postgres" && c.Checkpoint.DSN == "" {
		return &casefetch.ConfigurationError{Field: "checkpoint.dsn", Reason: "is required for the postgres backend"}
	}
	if c.Checkpoint.Backend == "sqlite" && c.Checkpoint.Path == "" {
		return &casefetch.ConfigurationError{Field: "checkpoint.path", Reason: "is required for the sqlite backend"}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return &casefetch.ConfigurationError{Field: "headless.max_parallel", Reason: "must be > 0 when headless is enabled"}
	}
	if strings.Count(c.Portal.URLTemplate, "%s") != 1 {
		return &casefetch.ConfigurationError{Field: "portal.url_template", Reason: "must contain exactly one %s"}
	}
	return nil
}

// RetryConfig converts the backoff settings for the fetch retry policy.
func (c Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.Backoff.Initial,
		MaxBackoff:     c.Backoff.Max,
		Multiplier:     c.Backoff.Multiplier,
		JitterFraction: c.Backoff.Jitter,
	}
}

// StorageRetryConfig is the short bounded policy for storage writes.
func (c Config) StorageRetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:     c.Storage.Retries,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
		JitterFraction: c.Backoff.Jitter,
	}
}

// RateLimitConfig returns the per-route gate intervals.
func (c Config) RateLimitConfig() ratelimit.Config {
	portal := c.RateLimitDelay
	if c.Portal.RateLimitDelay != nil {
		portal = *c.Portal.RateLimitDelay
	}
	return ratelimit.Config{
		DefaultDelay: seconds(c.RateLimitDelay),
		Delays: map[casefetch.Route]time.Duration{
			casefetch.RoutePortal:     seconds(portal),
			casefetch.RouteStructured: seconds(c.Structured.RateLimitDelay),
		},
	}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func structValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldKey turns "Config.backoff.max" into "backoff.max".
func fieldKey(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return "must be > " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "gtefield":
		return "must be >= " + strings.ToLower(fe.Param())
	case "oneof":
		return "must be one of " + strings.Join(strings.Fields(fe.Param()), ", ")
	case "required":
		return "is required"
	case "url":
		return "must be a URL"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// readLines reads one entry per line, skipping blanks and # comments.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// Presets lists the preset names in a stable order.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
