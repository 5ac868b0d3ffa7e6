// Command curd drives cheese batches from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/alerts"
	"github.com/goliatone/go-curd/config"
	"github.com/goliatone/go-curd/engine"
	"github.com/goliatone/go-curd/logging"
	"github.com/goliatone/go-curd/metrics"
	"github.com/goliatone/go-curd/recipe"
	"github.com/goliatone/go-curd/store"
)

type globals struct {
	Config        string `help:"YAML config file." type:"path" env:"CURD_CONFIG"`
	LogLevel      string `help:"Override the configured log level." env:"CURD_LOG_LEVEL"`
	AlertEndpoint string `help:"Notification service endpoint." env:"CURD_ALERT_ENDPOINT"`
	AlertToken    string `help:"Notification service access token." env:"CURD_ALERT_TOKEN"`
	Locale        string `help:"Locale sent with scheduled alerts." default:"it-IT"`
}

func main() {
	var cli globals

	reg := curd.NewCLIRegistry()
	if err := reg.Register(commands()...); err != nil {
		die(err)
	}
	opts, err := reg.Options()
	if err != nil {
		die(err)
	}

	parser, err := kong.New(&cli, append(opts,
		kong.Name("curd"),
		kong.Description("Guided cheese batch production."),
		kong.UsageOnError(),
	)...)
	if err != nil {
		die(err)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cli, os.Stdout)
	if err != nil {
		die(err)
	}
	err = kctx.Run(a)
	a.close()
	if err != nil {
		a.logger.Error("%s failed: %v", kctx.Command(), err)
		a.print(curd.ResultOf(err))
		os.Exit(1)
	}
}

type app struct {
	ctx     context.Context
	cfg     config.Config
	logger  logging.Logger
	repo    store.Repository
	catalog *recipe.Catalog
	engine  *engine.Engine
	metrics *metrics.Recorder
	grant   *alerts.Capability
	now     func() time.Time
	out     io.Writer
	closers []func() error
}

func newApp(ctx context.Context, cli globals, out io.Writer) (*app, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}

	a := &app{
		ctx:     ctx,
		cfg:     cfg,
		logger:  logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}),
		metrics: metrics.New(),
		now:     time.Now,
		out:     out,
	}
	if cli.AlertToken != "" {
		a.grant = &alerts.Capability{
			Endpoint:    cli.AlertEndpoint,
			AccessToken: cli.AlertToken,
			Locale:      cli.Locale,
		}
	}

	if cfg.Recipes.Dir != "" {
		a.catalog, err = recipe.LoadDir(cfg.Recipes.Dir)
	} else {
		a.catalog, err = recipe.Builtin()
	}
	if err != nil {
		return nil, err
	}

	repo, closeRepo, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN,
		store.WithKeyPrefix(cfg.Store.KeyPrefix),
		store.WithTTL(cfg.Store.TTL),
	)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	a.closers = append(a.closers, closeRepo)

	coordinator := alerts.NewCoordinator(
		alerts.NewHTTPNotifier(&http.Client{Timeout: cfg.Alerts.AttemptTimeout}),
		alerts.WithLogger(a.logger),
		alerts.WithRecorder(a.metrics),
		alerts.WithRetry(cfg.Alerts.MaxAttempts, cfg.Alerts.AttemptTimeout, cfg.Alerts.BackoffBase),
	)
	a.engine, err = engine.New(a.catalog, repo,
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
		engine.WithAlerts(coordinator),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server on %s stopped: %v", addr, err)
		}
	}()
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown: %v", err)
		}
	}
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func die(err error) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
	os.Exit(1)
}
