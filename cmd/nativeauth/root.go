package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/naotama2002/nativeauth-go/auth"
	"github.com/naotama2002/nativeauth-go/internal/cliconfig"
	"github.com/naotama2002/nativeauth-go/store"
)

const refreshRetryInterval = 500 * time.Millisecond

// Persistent flags
var (
	flagConfig       string
	flagIssuer       string
	flagDiscoveryURL string
	flagClientID     string
	flagClientSecret string
	flagScopes       []string
	flagStore        string
	flagLogLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "nativeauth",
	Short: "OAuth 2.0 and OpenID Connect client for the command line",
	Long: `nativeauth signs in to an OAuth 2.0 / OpenID Connect provider from the
command line, keeps the resulting tokens, and refreshes them on demand.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Config file (default $XDG_CONFIG_HOME/nativeauth/config.yaml)")
	pf.StringVar(&flagIssuer, "issuer", "", "Issuer URL used for discovery")
	pf.StringVar(&flagDiscoveryURL, "discovery-url", "", "Discovery document URL, used as-is")
	pf.StringVar(&flagClientID, "client-id", "", "OAuth client ID")
	pf.StringVar(&flagClientSecret, "client-secret", "", "OAuth client secret")
	pf.StringArrayVar(&flagScopes, "scope", nil, "Scope to request (repeatable)")
	pf.StringVar(&flagStore, "store", "", "State store: file, memory or redis")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(discoverCmd, loginCmd, deviceCmd, tokenCmd, refreshCmd, claimsCmd, logoutCmd)
}

// app holds what every command needs, built from config and flags.
type app struct {
	cfg        cliconfig.Config
	logger     zerolog.Logger
	service    *auth.Service
	discoverer *auth.Discoverer
	backend    store.Store
	states     *store.AuthStateStore
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := cliconfig.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	serviceOpts := []auth.ServiceOption{
		auth.WithLogger(logger),
		auth.WithHTTPClient(httpClient),
		auth.WithIDTokenSignatureVerification(cfg.VerifySignatures),
	}
	if cfg.ClientAuthMethod != "" {
		serviceOpts = append(serviceOpts, auth.WithClientAuthMethod(auth.ClientAuthMethod(cfg.ClientAuthMethod)))
	}

	backend, err := newBackend(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		service:    auth.NewService(serviceOpts...),
		discoverer: auth.NewDiscoverer(auth.WithDiscoveryLogger(logger), auth.WithDiscoveryHTTPClient(httpClient)),
		backend:    backend,
		states:     store.NewAuthStateStore(backend, cfg.StoreKey(), store.WithStoreLogger(logger)),
	}, nil
}

// applyFlags overrides cfg with the flags the user set.
func applyFlags(cmd *cobra.Command, cfg *cliconfig.Config) {
	flags := cmd.Flags()
	if flags.Changed("issuer") {
		cfg.Issuer = flagIssuer
	}
	if flags.Changed("discovery-url") {
		cfg.DiscoveryURL = flagDiscoveryURL
	}
	if flags.Changed("client-id") {
		cfg.ClientID = flagClientID
	}
	if flags.Changed("client-secret") {
		cfg.ClientSecret = flagClientSecret
	}
	if flags.Changed("scope") {
		cfg.Scopes = flagScopes
	}
	if flags.Changed("store") {
		cfg.Store = flagStore
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger(), nil
}

func newBackend(ctx context.Context, cfg cliconfig.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.Store {
	case cliconfig.StoreMemory:
		logger.Warn().Msg("memory store selected, state will not outlive this process")
		return store.NewMemoryStore(), nil
	case cliconfig.StoreRedis:
		return store.NewRedisStore(ctx, store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		}, store.WithRedisLogger(logger))
	default:
		return store.NewFileStore(cfg.ConfigDir, store.WithFileLogger(logger))
	}
}

// configuration discovers the provider endpoints.
func (a *app) configuration(ctx context.Context) (*auth.ServiceConfiguration, error) {
	switch {
	case a.cfg.DiscoveryURL != "":
		return a.discoverer.DiscoverURL(ctx, a.cfg.DiscoveryURL)
	case a.cfg.Issuer != "":
		return a.discoverer.DiscoverIssuer(ctx, a.cfg.Issuer)
	default:
		return nil, errors.New("an issuer or discovery URL is required (--issuer, --discovery-url or NATIVEAUTH_ISSUER)")
	}
}

func (a *app) requireClient() error {
	if a.cfg.ClientID == "" {
		return errors.New("a client ID is required (--client-id or NATIVEAUTH_CLIENT_ID)")
	}
	return nil
}

func (a *app) stateOptions() []auth.StateOption {
	opts := []auth.StateOption{
		auth.WithTokenService(a.service),
		auth.WithStateLogger(a.logger),
	}
	if a.cfg.RefreshRetries > 1 {
		opts = append(opts, auth.WithRefreshRetry(uint(a.cfg.RefreshRetries), refreshRetryInterval))
	}
	return opts
}

// loadState retrieves the stored state and keeps it saved as it changes.
func (a *app) loadState(ctx context.Context) (*auth.AuthState, error) {
	state, err := a.states.Retrieve(ctx, a.stateOptions()...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("not logged in, run 'nativeauth login' first: %w", err)
		}
		return nil, err
	}
	a.states.AutoSave(ctx, state)
	return state, nil
}

func (a *app) close() {
	if c, ok := a.backend.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing store")
		}
	}
}
