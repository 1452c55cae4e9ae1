// Package config loads the speech gate configuration from a .env file, the
// process environment and an optional YAML policy file, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ihoward40/SintraPrime-sub012/pkg/gate"
	"github.com/ihoward40/SintraPrime-sub012/pkg/tiers"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Delta backends.
const (
	DeltaBackendFile     = "file"
	DeltaBackendSQLite   = "sqlite"
	DeltaBackendPostgres = "postgres"
	DeltaBackendRedis    = "redis"
)

// EnvProduction is the environment name that silences alert autoplay.
const EnvProduction = "production"

// MirrorConfig selects an optional object-store copy of artifacts.
type MirrorConfig struct {
	Type     string // "", "s3" or "gcs"
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// VoiceAPIConfig configures the voice-api sink.
type VoiceAPIConfig struct {
	URL     string
	APIKey  string
	VoiceID string
	OutDir  string
	Player  string
}

// HTTPConfig configures the inbound API.
type HTTPConfig struct {
	Addr   string
	RPS    float64
	Burst  int
	Secret string // HS256 bearer secret; empty disables auth
}

// Config holds every engine, sink and server setting.
type Config struct {
	Enabled               bool
	Categories            []string // empty allows every category
	RedactAllowCategories []string
	VoiceBudget           int64 // -1 is unbounded
	MaxPerMinute          int   // 0 disables the cap

	DeltaOnly    bool
	DeltaPersist bool
	DeltaBackend string
	DeltaDSN     string
	DeltaTTL     time.Duration

	FallbackTimeout time.Duration
	Sinks           []string
	Autoplay        bool
	Environment     string

	Artifacts   bool
	ArtifactDir string
	Mirror      MirrorConfig

	Tiers        []tiers.TierID
	TiersSpeak   bool
	AutonomyMode string

	Gate       gate.Policy
	PolicyExpr string
	PolicyFile string

	QueueSize int
	Workers   int

	WebhookURL   string
	VoiceAPI     VoiceAPIConfig
	OSTTSCommand string

	HTTP       HTTPConfig
	Checkpoint string

	OTelEnabled  bool
	OTelEndpoint string
	LogLevel     string
	LogFormat    string
}

// Default returns the shipped defaults.
func Default() *Config {
	return &Config{
		Enabled:         true,
		VoiceBudget:     -1,
		DeltaBackend:    DeltaBackendFile,
		DeltaTTL:        24 * time.Hour,
		FallbackTimeout: 2500 * time.Millisecond,
		Sinks:           []string{"console"},
		Environment:     "development",
		ArtifactDir:     "data/speech",
		Gate:            gate.DefaultPolicy(),
		QueueSize:       256,
		Workers:         2,
		HTTP: HTTPConfig{
			Addr:  ":8088",
			RPS:   20,
			Burst: 40,
		},
		OTelEndpoint: "localhost:4317",
		LogLevel:     "INFO",
		LogFormat:    "text",
	}
}

// Production reports whether alert autoplay must stay silent.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

// Load reads .env from the working directory (a missing file is ignored),
// then the environment, then SPEECH_POLICY_FILE, and validates the result.
func Load() (*Config, error) {
	return LoadFrom(".env")
}

// LoadFrom is Load with an explicit dotenv path.
func LoadFrom(envFile string) (*Config, error) {
	if err := LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := FromEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	if cfg.PolicyFile != "" {
		pf, err := LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		pf.Apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv exports the variables in path without overriding ones already
// set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (r *envReader) float(key string, dst *float64) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

// duration accepts Go durations ("2s") or bare milliseconds ("2500").
func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	d, err := ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (r *envReader) list(key string, dst *[]string) {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		*dst = SplitList(v)
	}
}

// ParseDuration parses a Go duration or an integer count of milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// ParseBudget maps "", "unbounded" and negative values to -1.
func ParseBudget(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "unbounded") {
		return -1, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return -1, nil
	}
	return n, nil
}

// SplitList splits a comma separated value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FromEnv builds a Config from defaults overlaid with the environment. It
// does not validate.
func FromEnv(lookup LookupFunc) (*Config, error) {
	cfg := Default()
	r := &envReader{lookup: lookup}

	r.boolean("SPEECH_ENABLED", &cfg.Enabled)
	r.list("SPEECH_CATEGORIES", &cfg.Categories)
	r.list("SPEECH_REDACT_ALLOW_CATEGORIES", &cfg.RedactAllowCategories)
	if v, ok := lookup("SPEECH_VOICE_BUDGET"); ok {
		b, err := ParseBudget(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("SPEECH_VOICE_BUDGET: %w", err))
		} else {
			cfg.VoiceBudget = b
		}
	}
	r.integer("SPEECH_MAX_PER_MINUTE", &cfg.MaxPerMinute)

	r.boolean("SPEECH_DELTA_ONLY", &cfg.DeltaOnly)
	r.boolean("SPEECH_DELTA_PERSIST", &cfg.DeltaPersist)
	r.str("SPEECH_DELTA_BACKEND", &cfg.DeltaBackend)
	cfg.DeltaBackend = strings.ToLower(cfg.DeltaBackend)
	r.str("SPEECH_DELTA_DSN", &cfg.DeltaDSN)
	r.duration("SPEECH_DELTA_TTL", &cfg.DeltaTTL)

	r.duration("SPEECH_FALLBACK_TIMEOUT", &cfg.FallbackTimeout)
	r.list("SPEECH_SINKS", &cfg.Sinks)
	r.boolean("SPEECH_AUTOPLAY", &cfg.Autoplay)
	r.str("APP_ENV", &cfg.Environment)
	r.str("SPEECH_ENV", &cfg.Environment)

	r.boolean("SPEECH_ARTIFACTS", &cfg.Artifacts)
	r.str("SPEECH_ARTIFACT_DIR", &cfg.ArtifactDir)
	r.str("SPEECH_ARTIFACT_MIRROR", &cfg.Mirror.Type)
	cfg.Mirror.Type = strings.ToLower(cfg.Mirror.Type)
	r.str("SPEECH_ARTIFACT_BUCKET", &cfg.Mirror.Bucket)
	r.str("SPEECH_ARTIFACT_REGION", &cfg.Mirror.Region)
	r.str("SPEECH_ARTIFACT_ENDPOINT", &cfg.Mirror.Endpoint)
	r.str("SPEECH_ARTIFACT_PREFIX", &cfg.Mirror.Prefix)

	var tierNames []string
	r.list("SPEECH_TIERS", &tierNames)
	if len(tierNames) > 0 {
		ids, err := tiers.Parse(tierNames)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("SPEECH_TIERS: %w", err))
		}
		cfg.Tiers = ids
	}
	r.boolean("SPEECH_TIERS_SPEAK", &cfg.TiersSpeak)
	r.str("SPEECH_AUTONOMY_MODE", &cfg.AutonomyMode)

	r.float("SPEECH_LOW_CONFIDENCE_THRESHOLD", &cfg.Gate.LowConfidenceThreshold)
	r.duration("SPEECH_LOW_CONFIDENCE_COOLDOWN_MIN", &cfg.Gate.CooldownMin)
	r.duration("SPEECH_LOW_CONFIDENCE_COOLDOWN_MAX", &cfg.Gate.CooldownMax)
	r.str("SPEECH_POLICY_EXPR", &cfg.PolicyExpr)
	r.str("SPEECH_POLICY_FILE", &cfg.PolicyFile)

	r.integer("SPEECH_QUEUE_SIZE", &cfg.QueueSize)
	r.integer("SPEECH_WORKERS", &cfg.Workers)

	r.str("SPEECH_WEBHOOK_URL", &cfg.WebhookURL)
	r.str("SPEECH_VOICE_API_URL", &cfg.VoiceAPI.URL)
	r.str("SPEECH_VOICE_API_KEY", &cfg.VoiceAPI.APIKey)
	r.str("SPEECH_VOICE_ID", &cfg.VoiceAPI.VoiceID)
	r.str("SPEECH_VOICE_OUT_DIR", &cfg.VoiceAPI.OutDir)
	r.str("SPEECH_VOICE_PLAYER", &cfg.VoiceAPI.Player)
	r.str("SPEECH_OS_TTS_COMMAND", &cfg.OSTTSCommand)

	r.str("SPEECH_HTTP_ADDR", &cfg.HTTP.Addr)
	r.float("SPEECH_HTTP_RPS", &cfg.HTTP.RPS)
	r.integer("SPEECH_HTTP_BURST", &cfg.HTTP.Burst)
	r.str("SPEECH_API_SECRET", &cfg.HTTP.Secret)
	r.str("SPEECH_CHECKPOINT", &cfg.Checkpoint)

	r.boolean("SPEECH_OTEL", &cfg.OTelEnabled)
	r.str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTelEndpoint)
	r.str("SPEECH_LOG_LEVEL", &cfg.LogLevel)
	r.str("SPEECH_LOG_FORMAT", &cfg.LogFormat)

	if len(r.errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(r.errs...))
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.MaxPerMinute < 0 {
		bad("max per minute must be >= 0, got %d", c.MaxPerMinute)
	}
	if c.DeltaTTL <= 0 {
		bad("delta TTL must be positive, got %s", c.DeltaTTL)
	}
	if c.FallbackTimeout <= 0 {
		bad("fallback timeout must be positive, got %s", c.FallbackTimeout)
	}
	switch c.DeltaBackend {
	case DeltaBackendFile:
	case DeltaBackendSQLite, DeltaBackendPostgres, DeltaBackendRedis:
		if c.DeltaPersist && c.DeltaDSN == "" {
			bad("delta backend %s needs SPEECH_DELTA_DSN", c.DeltaBackend)
		}
	default:
		bad("unknown delta backend %q", c.DeltaBackend)
	}
	switch c.Mirror.Type {
	case "":
	case "s3", "gcs":
		if c.Mirror.Bucket == "" {
			bad("artifact mirror %s needs a bucket", c.Mirror.Type)
		}
	default:
		bad("unknown artifact mirror %q", c.Mirror.Type)
	}
	if t := c.Gate.LowConfidenceThreshold; t < 0 || t > 1 {
		bad("low confidence threshold must be in [0,1], got %v", t)
	}
	if c.Gate.CooldownMin < 0 || c.Gate.CooldownMax < c.Gate.CooldownMin {
		bad("cooldown range invalid: %s..%s", c.Gate.CooldownMin, c.Gate.CooldownMax)
	}
	if c.QueueSize <= 0 {
		bad("queue size must be positive, got %d", c.QueueSize)
	}
	if c.Workers <= 0 {
		bad("workers must be positive, got %d", c.Workers)
	}
	if c.HTTP.RPS <= 0 || c.HTTP.Burst <= 0 {
		bad("http rate limit must be positive, got %v/%d", c.HTTP.RPS, c.HTTP.Burst)
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []string{"console"}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
