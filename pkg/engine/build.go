package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ihoward40/SintraPrime-sub012/pkg/artifacts"
	"github.com/ihoward40/SintraPrime-sub012/pkg/audit"
	"github.com/ihoward40/SintraPrime-sub012/pkg/config"
	"github.com/ihoward40/SintraPrime-sub012/pkg/delta"
	"github.com/ihoward40/SintraPrime-sub012/pkg/observability"
	"github.com/ihoward40/SintraPrime-sub012/pkg/policy"
	"github.com/ihoward40/SintraPrime-sub012/pkg/sink"
	"github.com/ihoward40/SintraPrime-sub012/pkg/tiers"
)

// Deps overrides process resources when building from configuration.
type Deps struct {
	Console    io.Writer    // default os.Stdout
	HTTPClient *http.Client // shared by webhook and voice-api
	Runner     sink.Runner  // os-tts and voice playback; default exec
	Obs        *observability.Provider
	Logger     *slog.Logger
}

// NewRegistry registers console and os-tts, plus webhook and voice-api when
// their URLs are configured.
func NewRegistry(cfg *config.Config, deps Deps) *sink.Registry {
	out := deps.Console
	if out == nil {
		out = os.Stdout
	}
	reg := sink.NewRegistry(
		sink.NewConsole(out),
		sink.NewOSTTS(cfg.OSTTSCommand, deps.Runner),
	)
	if cfg.WebhookURL != "" {
		reg.Register(sink.NewWebhook(cfg.WebhookURL, sink.WithWebhookHTTPClient(deps.HTTPClient)))
	}
	if cfg.VoiceAPI.URL != "" {
		outDir := cfg.VoiceAPI.OutDir
		if outDir == "" {
			outDir = filepath.Join(cfg.ArtifactDir, "voice")
		}
		reg.Register(sink.NewVoiceAPI(sink.VoiceAPIConfig{
			URL:     cfg.VoiceAPI.URL,
			APIKey:  cfg.VoiceAPI.APIKey,
			VoiceID: cfg.VoiceAPI.VoiceID,
			OutDir:  outDir,
			Player:  cfg.VoiceAPI.Player,
		}, deps.HTTPClient, deps.Runner))
	}
	return reg
}

// FromConfig wires an engine from cfg: sinks, dispatcher, autoplay log,
// dedup backend, artifact store, emission filter and tiers. On error every
// resource opened so far is released.
func FromConfig(ctx context.Context, cfg *config.Config, deps Deps, opts ...Option) (_ *Engine, err error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var closers []io.Closer
	defer func() {
		if err == nil {
			return
		}
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	auditLog, err := audit.NewFileLogger(cfg.ArtifactDir)
	if err != nil {
		return nil, err
	}
	closers = append(closers, auditLog)

	dopts := []sink.Option{
		sink.WithAudit(auditLog),
		sink.WithLogger(logger.With("component", "sink")),
	}
	if deps.Obs != nil {
		dopts = append(dopts, sink.WithMetrics(deps.Obs))
	}
	dispatcher := sink.NewDispatcher(NewRegistry(cfg, deps), sink.Config{
		Chain:           cfg.Sinks,
		FallbackTimeout: cfg.FallbackTimeout,
		Production:      cfg.Production(),
		AutoplayEnabled: cfg.Autoplay,
		EnvironmentName: cfg.Environment,
	}, dopts...)

	backend, err := openDeltaBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := backend.(io.Closer); ok {
		closers = append(closers, c)
	}
	// the store closes its backend; Close is idempotent on every backend
	deltaStore := delta.NewStore(cfg.DeltaTTL, backend, logger.With("component", "delta"))

	filter, err := policy.NewFilter(cfg.Categories, cfg.PolicyExpr, logger.With("component", "policy"))
	if err != nil {
		return nil, fmt.Errorf("%w: policy expression: %w", config.ErrInvalidConfig, err)
	}

	var store artifacts.Store
	if cfg.Artifacts || len(cfg.Tiers) > 0 {
		store, err = artifacts.NewStore(ctx, cfg.ArtifactDir, artifacts.MirrorConfig{
			Type:     artifacts.StoreType(strings.ToLower(cfg.Mirror.Type)),
			Bucket:   cfg.Mirror.Bucket,
			Region:   cfg.Mirror.Region,
			Endpoint: cfg.Mirror.Endpoint,
			Prefix:   cfg.Mirror.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
	}

	base := []Option{
		WithDelta(deltaStore),
		WithFilter(filter),
		WithLogger(logger.With("component", "engine")),
		WithCloser(auditLog),
	}
	if cfg.Artifacts {
		base = append(base, WithDecisionWriter(artifacts.NewDecisionWriter(store, logger.With("component", "artifacts"))))
	}
	if deps.Obs != nil {
		base = append(base, WithMetrics(deps.Obs))
	}

	e := New(Config{
		Enabled:               cfg.Enabled,
		RedactAllowCategories: cfg.RedactAllowCategories,
		VoiceBudget:           cfg.VoiceBudget,
		MaxPerMinute:          cfg.MaxPerMinute,
		DeltaOnly:             cfg.DeltaOnly,
		Gate:                  cfg.Gate,
		QueueSize:             cfg.QueueSize,
		Workers:               cfg.Workers,
	}, dispatcher, append(base, opts...)...)

	if len(cfg.Tiers) > 0 {
		e.EnableTiers(tiers.Config{
			Enabled:      cfg.Tiers,
			SpeakTiers:   cfg.TiersSpeak,
			ModeOverride: cfg.AutonomyMode,
		}, store)
	}

	logger.Info("speech engine ready",
		"enabled", cfg.Enabled,
		"sinks", dispatcher.Chain(),
		"delta_only", cfg.DeltaOnly,
		"delta_backend", backendName(cfg),
		"artifacts", cfg.Artifacts,
		"tiers", len(cfg.Tiers),
	)
	return e, nil
}

func backendName(cfg *config.Config) string {
	if !cfg.DeltaPersist {
		return "memory"
	}
	return cfg.DeltaBackend
}

// openDeltaBackend returns nil for the in-memory store.
func openDeltaBackend(ctx context.Context, cfg *config.Config) (delta.Backend, error) {
	if !cfg.DeltaPersist {
		return nil, nil
	}
	switch cfg.DeltaBackend {
	case config.DeltaBackendFile, "":
		dir := cfg.DeltaDSN
		if dir == "" {
			dir = filepath.Join(cfg.ArtifactDir, "delta")
		}
		return delta.NewFileStore(dir)
	case config.DeltaBackendSQLite:
		return delta.OpenSQLStore(ctx, delta.DialectSQLite, cfg.DeltaDSN)
	case config.DeltaBackendPostgres:
		return delta.OpenSQLStore(ctx, delta.DialectPostgres, cfg.DeltaDSN)
	case config.DeltaBackendRedis:
		addr, password, db := cfg.DeltaDSN, "", 0
		if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
			opt, err := redis.ParseURL(cfg.DeltaDSN)
			if err != nil {
				return nil, fmt.Errorf("%w: redis dsn: %w", config.ErrInvalidConfig, err)
			}
			addr, password, db = opt.Addr, opt.Password, opt.DB
		}
		rs := delta.NewRedisStore(addr, password, db, cfg.DeltaTTL)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("redis delta backend: %w", err)
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("%w: unknown delta backend %q", config.ErrInvalidConfig, cfg.DeltaBackend)
	}
}
