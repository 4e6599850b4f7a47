package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/xraph/autopay"
	"github.com/xraph/autopay/gateway"
	"github.com/xraph/autopay/gateway/sandbox"
	"github.com/xraph/autopay/gateway/stripe"
	"github.com/xraph/autopay/notify"
	"github.com/xraph/autopay/notify/natsnotify"
	"github.com/xraph/autopay/store"
	"github.com/xraph/autopay/store/memory"
	"github.com/xraph/autopay/store/mongo"
	"github.com/xraph/autopay/store/postgres"
	"github.com/xraph/autopay/store/sqlite"
)

// app holds the wired dependencies of one CLI invocation.
type app struct {
	engine  *autopay.Engine
	store   store.Store
	logger  *slog.Logger
	closers []func()
}

// Close stops the engine, which closes the store, then releases the rest.
func (a *app) Close(ctx context.Context) {
	if a.engine != nil {
		if err := a.engine.Stop(ctx); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	} else if a.store != nil {
		_ = a.store.Close() //nolint:errcheck // best effort on a failed wire
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// wireApp connects the store, gateway and notifier described by s.
func wireApp(ctx context.Context, s *settings, logOut io.Writer) (*app, error) {
	logger, err := newLogger(s.Log, logOut)
	if err != nil {
		return nil, err
	}

	cfg, err := s.Engine.engineConfig()
	if err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	a := &app{logger: logger}

	st, err := openStore(ctx, s.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", s.Store.Driver, err)
	}
	a.store = st

	gw, statusMap, err := openGateway(s.Gateway)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	opts := []autopay.Option{
		autopay.WithLogger(logger),
		autopay.WithConfig(cfg),
		autopay.WithStatusMap(statusMap),
	}

	if s.Notify.NATSURL != "" {
		pub, nc, err := natsnotify.Connect(s.Notify.NATSURL, s.Notify.Subject)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = nc.Drain() }) //nolint:errcheck // flushes pending publishes
		opts = append(opts, autopay.WithNotifier(pub))
	} else {
		opts = append(opts, autopay.WithNotifier(notify.LogNotifier{Logger: logger}))
	}

	a.engine = autopay.New(st, gw, opts...)
	return a, nil
}

func openStore(ctx context.Context, s storeSettings) (store.Store, error) {
	switch strings.ToLower(s.Driver) {
	case "memory":
		return memory.New(), nil
	case "sqlite", "sqlite3":
		return sqlite.Open(s.DSN)
	case "postgres", "pg", "postgresql":
		return postgres.Open(ctx, s.DSN)
	case "mongo", "mongodb":
		return mongo.Open(ctx, s.DSN, s.Database)
	default:
		return nil, fmt.Errorf("%w %q", errUnknownDriver, s.Driver)
	}
}

func openGateway(s gatewaySettings) (gateway.Client, gateway.StatusMap, error) {
	switch strings.ToLower(s.Provider) {
	case "":
		return nil, nil, errNoGateway
	case "sandbox":
		return sandbox.New(), gateway.DefaultStatusMap, nil
	case "stripe":
		if s.APIKey == "" {
			return nil, nil, fmt.Errorf("gateway.api_key is required for stripe")
		}
		return stripe.New(s.APIKey), stripe.StatusMap, nil
	default:
		return nil, nil, fmt.Errorf("unknown gateway provider %q", s.Provider)
	}
}

func newLogger(s logSettings, out io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(s.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(out, opts)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", s.Format)
	}
}
