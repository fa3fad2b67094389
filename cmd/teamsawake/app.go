package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"teamsawake/internal/api"
	"teamsawake/internal/automation"
	"teamsawake/internal/browser"
	"teamsawake/internal/config"
	"teamsawake/internal/keepalive"
	"teamsawake/internal/llm"
	"teamsawake/internal/secrets"
	"teamsawake/internal/status"
	"teamsawake/internal/store"
)

// openKeys is replaced in tests to avoid the OS keyring.
var openKeys = secrets.Open

// app is the fully wired automation stack.
type app struct {
	store  *store.Store
	events *status.Broadcaster
	coord  *automation.Coordinator
	server *api.Server
}

func newApp(ctx context.Context, c *config.Config) (*app, error) {
	opts, err := automation.OptionsFromConfig(c)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(c.StorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var inhibitor keepalive.Inhibitor = keepalive.NopInhibitor{}
	if c.KeepAlive.InhibitSleep {
		inhibitor = keepalive.NewSystemInhibitor()
	}

	events := status.NewBroadcaster()
	engine := automation.NewChromeEngine(
		browser.NewController(browser.OptionsFromConfig(c.Browser)),
		c.ProfileDir(),
		c.Browser.LaunchArgs,
	)
	coord := automation.New(opts, automation.Deps{
		Engine:    engine,
		Store:     st,
		Sink:      status.NewMulti(status.NewLogSink(logger), events),
		Inhibitor: inhibitor,
	})

	completer, err := newCompleter(ctx, c)
	if err != nil {
		logger.Info("summaries disabled", zap.Error(err))
	}

	return &app{
		store:  st,
		events: events,
		coord:  coord,
		server: api.NewServer(api.Deps{
			Controller: coord,
			History:    st,
			Completer:  completer,
			Events:     events,
		}),
	}, nil
}

// Close stops the browser and releases everything the app holds.
func (a *app) Close(ctx context.Context) {
	if err := a.coord.Close(ctx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	a.events.Close()
	if err := a.store.Close(); err != nil {
		logger.Warn("closing store", zap.Error(err))
	}
}

// newCompleter builds the summary client from the configured key or the one
// stored in the keyring.
func newCompleter(ctx context.Context, c *config.Config) (llm.Completer, error) {
	provider := c.LLM.Provider
	if provider == "" {
		provider = config.ProviderOpenAI
	}

	var keys *secrets.Keys
	if c.LLM.APIKey == "" {
		k, err := openKeys(c.Workspace)
		if err != nil {
			logger.Debug("keyring unavailable", zap.Error(err))
		} else {
			keys = k
		}
	}

	key, err := keys.Resolve(provider, c.LLM.APIKey)
	if errors.Is(err, secrets.ErrNotFound) {
		return nil, fmt.Errorf("%w for %s (run `teamsawake key set %s`)", llm.ErrNoAPIKey, provider, provider)
	}
	if err != nil {
		return nil, err
	}
	return llm.New(ctx, c.LLM, key)
}
