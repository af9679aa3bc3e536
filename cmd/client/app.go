package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"b2c-session/internal/claims"
	"b2c-session/internal/config"
	"b2c-session/internal/domain"
	"b2c-session/internal/flow"
	"b2c-session/internal/profile"
	"b2c-session/internal/provider"
	"b2c-session/internal/session"
	"b2c-session/internal/store"
	"b2c-session/pkg/logger"
	"b2c-session/pkg/redis"
)

// app is the wired client: one session manager and the flow that feeds it
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	session *session.Manager
	flow    *flow.Orchestrator
	closers []func() error
}

// Close releases the token store's connection, if any
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.WithError(err).Warn("Failed to close resource")
		}
	}
}

// loadApp reads the environment, applies flag overrides and wires the client
func loadApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("platform"); v != "" {
		cfg.ClientPlatform = v
	}
	if v, _ := flags.GetString("store"); v != "" {
		cfg.TokenStore = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}

	log, err := logger.NewWithWriter(cfg.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return newApp(cfg, log, nil)
}

// newApp wires the client for cfg. A nil handoff opens the system browser
// and waits on a loopback callback server.
func newApp(cfg *config.Config, log *logger.Logger, handoff flow.Handoff) (*app, error) {
	a := &app{cfg: cfg, log: log}

	tokens, err := a.openStore()
	if err != nil {
		return nil, err
	}

	endpoints := provider.NewEndpoints(cfg.TenantName, cfg.AuthorityBaseURL)
	providerCfg := provider.Config{
		ClientID:     cfg.ClientID,
		SignInPolicy: cfg.SignInPolicy,
		EditPolicy:   cfg.EditPolicy,
		Nonce:        cfg.Nonce,
		RedirectURL:  cfg.RedirectURL(),
	}

	browser := cfg.ClientPlatform == config.PlatformBrowser
	if browser {
		providerCfg.Scope = cfg.APIScope
	} else {
		providerCfg.Scope = cfg.ClientID + " offline_access profile"
	}
	providerClient := provider.NewClient(endpoints, providerCfg, log)

	var strategy flow.Strategy = flow.NewNativeStrategy(providerClient)
	if browser {
		strategy = flow.NewBrowserStrategy(providerClient)
	}

	if handoff == nil {
		handoff = flow.NewLoopbackHandoff(browser, log)
	}

	decoder := claims.NewDecoder()

	a.session = session.NewManager(session.Options{
		Store:     tokens,
		Refresher: providerClient,
		Profiles:  profile.NewClient(cfg.APIBaseURL, nil, log),
		Decoder:   decoder,
		Logger:    log,
	})
	a.session.Subscribe(func(u *domain.UserInfo) {
		if u == nil {
			log.Debug("Session signed out")
			return
		}
		log.WithField("subject", u.ID).Debug("User published")
	})

	a.flow = flow.NewOrchestrator(flow.Options{
		Strategy:          strategy,
		Handoff:           handoff,
		Store:             tokens,
		Decoder:           decoder,
		Session:           a.session,
		Endpoints:         endpoints,
		LogoutPolicy:      cfg.EditPolicy,
		LogoutRedirectURL: cfg.LogoutRedirectURL(),
		Logger:            log,
	})

	return a, nil
}

func (a *app) openStore() (store.TokenStore, error) {
	switch a.cfg.TokenStore {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		client, err := redis.NewClient(a.cfg.RedisURL, a.cfg.Environment, a.log.Named("redis").Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return store.NewRedisStore(client, a.cfg.SessionKey, a.log), nil
	default:
		fs, err := store.NewFileStore(a.cfg.TokenStoreDir, a.cfg.SessionKey, a.log)
		if err != nil {
			return nil, err
		}
		a.log.WithField("path", fs.Path()).Debug("Using file token store")
		return fs, nil
	}
}
