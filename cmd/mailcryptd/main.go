package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailcrypt/go-backend/internal/api"
	"mailcrypt/go-backend/internal/app"
	"mailcrypt/go-backend/internal/config"
	"mailcrypt/go-backend/internal/contacts"
	"mailcrypt/go-backend/internal/directory"
	"mailcrypt/go-backend/internal/keyring"
	"mailcrypt/go-backend/internal/lockout"
	"mailcrypt/go-backend/internal/notify"
	"mailcrypt/go-backend/internal/passcache"
	"mailcrypt/go-backend/internal/platform/metrics"
	"mailcrypt/go-backend/internal/platform/privacylog"
	"mailcrypt/go-backend/internal/platform/ratelimiter"
	"mailcrypt/go-backend/internal/protect"
	"mailcrypt/go-backend/internal/resolve"
	"mailcrypt/go-backend/internal/storage"
	"mailcrypt/go-backend/internal/submission"
	"mailcrypt/go-backend/internal/transport"
	"mailcrypt/go-backend/internal/unlock"
	"mailcrypt/go-backend/internal/wkd"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	apiAddr := flag.String("api-addr", "127.0.0.1:8788", "local API listen address")
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	apiToken := flag.String("api-token", "", "bearer token for the local API (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("mailcryptd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *apiAddr, *configPath, *apiToken); err != nil {
		slog.Error("mailcryptd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, apiAddr, configPath, apiToken string) error {
	cfg := config.LoadFromPath(configPath)
	if cfg.Account == "" {
		return errors.New("no account configured (set account in config or MAILCRYPT_ACCOUNT)")
	}
	if apiToken == "" {
		apiToken = os.Getenv("MAILCRYPT_API_TOKEN")
	}

	logger := buildLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("mailcryptd starting", "version", version)

	badger, err := storage.OpenBadger(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer badger.Close()

	var store storage.AccountStore = badger
	if cfg.DeviceSecret != "" {
		store = storage.NewSealedStore(badger, cfg.DeviceSecret)
	}

	registry := prometheus.NewRegistry()
	set := metrics.New(registry)

	vault, err := keyring.Open(cfg.Account, store, logger)
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	cache := passcache.New(store)
	guard := lockout.New(store, logger,
		lockout.WithLimits(cfg.Lockout.MaxAttempts, cfg.Lockout.Window))

	hub := notify.NewHub(256)
	prompt := api.RequestPrompt{}
	unlocker := unlock.New(cache, guard, prompt, logger, set, unlock.WithEvents(hub))

	contactStore, err := contacts.Open(cfg.Account, store)
	if err != nil {
		return fmt.Errorf("open contacts: %w", err)
	}

	var dir resolve.DirectoryLookup = offlineDirectory{}
	var submitter *submission.Agent
	if cfg.Directory.BaseURL != "" {
		client, err := directory.New(cfg.Directory.BaseURL, cfg.Directory.AuthToken,
			directory.WithRetries(cfg.Directory.Retries))
		if err != nil {
			return fmt.Errorf("directory client: %w", err)
		}
		dir = client
		submitter = submission.New(client, cfg.Submission,
			submission.WithLogger(logger), submission.WithMetrics(set))
	}

	resolverOpts := []resolve.Option{
		resolve.WithContacts(contactStore),
		resolve.WithEvents(hub),
		resolve.WithLogger(logger),
		resolve.WithMetrics(set),
	}
	if cfg.Discovery.Enabled {
		resolverOpts = append(resolverOpts,
			resolve.WithDiscovery(wkd.New()),
			resolve.WithThrottle(ratelimiter.New(
				cfg.Discovery.RatePerDomain, cfg.Discovery.Burst, cfg.Discovery.IdleTTL)))
	}
	resolver := resolve.New(dir, resolverOpts...)

	protector := protect.New(vault, unlocker,
		protect.WithLogger(logger), protect.WithMetrics(set))

	outbox, err := transport.NewOutbox(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}

	service, err := app.New(app.Deps{
		Account:   cfg.Account,
		Vault:     vault,
		Cache:     cache,
		Guard:     guard,
		Unlocker:  unlocker,
		Resolver:  resolver,
		Protector: protector,
		Submitter: submitter,
		Transport: outbox,
		Fallback:  prompt,
		Hub:       hub,
		Logger:    logger,
		Metrics:   set,
	})
	if err != nil {
		return err
	}
	// Session-scoped passphrases never outlive the process.
	defer service.WipeSession()

	go serveMetrics(ctx, cfg.Metrics.Listen, registry, logger)

	apiServer := &http.Server{
		Addr:              apiAddr,
		Handler:           api.NewServer(service, hub, apiToken, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("local API listening", "addr", apiAddr)
		errCh <- apiServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "error", err)
		}
		logger.Info("mailcryptd stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(privacylog.WrapHandler(handler))
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server", "error", err)
	}
}

// offlineDirectory stands in when no directory service is configured; every
// address reads as having no published key.
type offlineDirectory struct{}

func (offlineDirectory) Lookup(ctx context.Context, email string) (*directory.LookupResult, error) {
	return nil, directory.ErrNotFound
}
