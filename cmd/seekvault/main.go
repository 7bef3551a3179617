package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"seekvault/internal/config"
	"seekvault/internal/crypto"
	"seekvault/internal/dispatch"
	"seekvault/internal/history"
	"seekvault/internal/profile"
	"seekvault/internal/projects"
	"seekvault/internal/store"
	"seekvault/internal/vault"
)

func main() {
	var (
		query      = flag.String("q", "", "search query")
		strategy   = flag.String("strategy", "standard", "standard | multi-source | summary | conflict | custom")
		projectID  = flag.String("project", "", "project id (defaults to the last selected project)")
		style      = flag.String("style", "brief", "summary style: brief | list | detailed")
		apis       = flag.String("apis", "", "comma-separated config ids for custom searches")
		mode       = flag.String("mode", "side-by-side", "custom display format: side-by-side | summarized")
		exportWhat = flag.String("export", "", "print an export instead of searching: all")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log.Level)
	log.Info().Str("backend", cfg.StoreBackend).Str("strategy", *strategy).Msg("starting seekvault")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kv, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer kv.Close()

	var keyring *crypto.Keyring
	if cfg.Crypto.Enabled() {
		keyring, err = crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize keyring")
		}
	}

	v, err := vault.Open(ctx, vault.Options{Store: kv, Keyring: keyring, Logger: log.Logger})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load provider configs")
	}
	pm, err := projects.Open(ctx, projects.Options{Store: kv, Logger: log.Logger})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load projects")
	}
	hist, err := history.Open(ctx, history.Options{Store: kv, Logger: log.Logger})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load history")
	}
	prof, err := profile.Open(ctx, profile.Options{Store: kv, Logger: log.Logger})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load profile")
	}

	if *exportWhat != "" {
		if *exportWhat != "all" {
			log.Fatal().Str("export", *exportWhat).Msg("unknown export target")
		}
		doc, err := prof.ExportAll(v.List(), pm.List(), hist.List())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build export")
		}
		fmt.Println(doc)
		return
	}

	if strings.TrimSpace(*query) == "" {
		log.Fatal().Msg("a query is required, pass -q")
	}

	if cfg.Metrics.Addr != "" {
		srv := startMetricsServer(cfg.Metrics)
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	caller := dispatch.NewCaller(dispatch.CallerOptions{
		Timeout: cfg.HTTP.ClientTimeout,
		Charger: v,
		Logger:  log.Logger,
	})
	engine := dispatch.NewEngine(dispatch.Options{
		Vault:    v,
		Projects: pm,
		History:  hist,
		Caller:   caller,
		Logger:   log.Logger,
	})

	req := dispatch.Request{
		Query:     *query,
		ProjectID: *projectID,
		Strategy:  dispatch.Strategy(*strategy),
		Style:     dispatch.SummaryStyle(*style),
		Format:    dispatch.CustomFormat(*mode),
	}
	if *apis != "" {
		for _, id := range strings.Split(*apis, ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.ConfigIDs = append(req.ConfigIDs, id)
			}
		}
	}

	result, err := engine.Submit(ctx, req)
	if err != nil {
		var derr *dispatch.Error
		if errors.As(err, &derr) {
			for _, a := range derr.Attempts {
				log.Warn().Str("provider", a.ProviderName).Str("error", a.Message).Msg("provider attempt failed")
			}
			log.Fatal().Str("kind", string(derr.Kind)).Msg(derr.Message)
		}
		log.Fatal().Err(err).Msg("search failed")
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to render result")
	}
	fmt.Println(string(out))
}

func startMetricsServer(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("metrics server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		return store.OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	default:
		return store.OpenSQL(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, cfg.DB.MigrationsDir)
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
