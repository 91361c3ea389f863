// Package main runs DataBar, a system tray monitor for Google Analytics
// realtime active users.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/energye/systray"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/codeGROOVE-dev/databar/cmd/databar/x11tray"
	"github.com/codeGROOVE-dev/databar/pkg/analytics"
	"github.com/codeGROOVE-dev/databar/pkg/auth"
	"github.com/codeGROOVE-dev/databar/pkg/catalogcache"
	"github.com/codeGROOVE-dev/databar/pkg/connectivity"
	"github.com/codeGROOVE-dev/databar/pkg/kvstore"
	"github.com/codeGROOVE-dev/databar/pkg/logging"
	"github.com/codeGROOVE-dev/databar/pkg/propertystore"
	"github.com/codeGROOVE-dev/databar/pkg/refresh"
	"github.com/codeGROOVE-dev/databar/pkg/settings"
	"github.com/codeGROOVE-dev/databar/pkg/telemetry"
)

// Version information - set during build with -ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const appName = "databar"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configDir string
	cacheDir  string
	debug     bool
}

// env holds what every command needs.
type env struct {
	logger    *slog.Logger
	closer    io.Closer
	kv        *kvstore.File
	store     *propertystore.Store
	settings  *settings.Settings
	cacheDir  string
	logDir    string
	configDir string
}

func (e *env) Close() {
	if err := e.closer.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
	}
}

// open builds the environment. Console logging goes to stderr only when
// verbose is set or --debug is given; the log file always receives it.
func (g *globalFlags) open(cmd *cobra.Command, verbose bool) (*env, error) {
	configDir := g.configDir
	if configDir == "" {
		d, err := kvstore.DefaultDir(appName)
		if err != nil {
			return nil, err
		}
		configDir = d
	}
	cacheDir := g.cacheDir
	if cacheDir == "" {
		d, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("get cache directory: %w", err)
		}
		cacheDir = filepath.Join(d, appName)
	}
	logDir := filepath.Join(cacheDir, "logs")

	stderr := io.Discard
	if verbose || g.debug {
		stderr = cmd.ErrOrStderr()
	}
	logger, closer, err := logging.Setup(logging.Options{Stderr: stderr, Dir: logDir, Debug: g.debug})
	if err != nil {
		// File logging is optional.
		logger.Warn("[MAIN] File logging disabled", "error", err)
	}
	slog.SetDefault(logger)

	kv, err := kvstore.NewFile(configDir)
	if err != nil {
		return nil, err
	}
	store, err := propertystore.New(kv, propertystore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("load properties: %w", err)
	}

	return &env{
		logger:    logger,
		closer:    closer,
		kv:        kv,
		store:     store,
		settings:  settings.New(kv, logger),
		cacheDir:  cacheDir,
		logDir:    logDir,
		configDir: configDir,
	}, nil
}

// services are the network-facing components.
type services struct {
	tokens  refresh.TokenProvider
	client  *analytics.Client
	catalog catalogSource
	authErr error
}

// unavailableTokens fails every request with the reason credentials could
// not be loaded.
type unavailableTokens struct{ err error }

func (u unavailableTokens) FreshToken(context.Context) (*oauth2.Token, error) {
	return nil, u.err
}

// connect builds the analytics client and token provider. Missing
// credentials are not fatal: the returned services report them per fetch.
func (e *env) connect(ctx context.Context) (*services, error) {
	client, err := analytics.New(ctx, analytics.Options{Logger: e.logger})
	if err != nil {
		return nil, err
	}

	src, method, err := auth.Source(ctx, e.kv, e.logger)
	if err != nil {
		e.logger.Warn("[AUTH] No usable credentials", "error", err)
		return &services{tokens: unavailableTokens{err: err}, client: client, authErr: err}, nil
	}
	provider := auth.NewProvider(src, e.logger)
	cache := catalogcache.NewManager(filepath.Join(e.cacheDir, "catalog"))
	return &services{
		tokens:  provider,
		client:  client,
		catalog: newCatalog(cache, provider, client, method, e.logger),
	}, nil
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "Google Analytics realtime active users in your system tray",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	}
	root.PersistentFlags().StringVar(&g.configDir, "config-dir", "", "directory holding settings (default: user config dir)")
	root.PersistentFlags().StringVar(&g.cacheDir, "cache-dir", "", "directory holding caches and logs (default: user cache dir)")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	run := newRunCmd(g)
	root.RunE = run.RunE
	root.Flags().AddFlagSet(run.Flags())

	root.AddCommand(
		run,
		newPropertiesCmd(g),
		newIntervalCmd(g),
		newRefreshCmd(g),
		newAuthCmd(g),
		newVersionCmd(),
	)
	return root
}

type runFlags struct {
	interval    string
	metricsAddr string
	noUpdates   bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Show active users in the system tray",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTray(cmd, g, f)
		},
	}
	cmd.Flags().StringVar(&f.interval, "interval", "", "refresh interval, one of 30s, 1m, 2m, 5m, 10m, 20m, 30m (saved)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
	cmd.Flags().BoolVar(&f.noUpdates, "no-updates", false, "do not check for a newer release at startup")
	return cmd
}

func runTray(cmd *cobra.Command, g *globalFlags, f *runFlags) error {
	e, err := g.open(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()
	logger := e.logger
	logger.Info("[MAIN] Starting DataBar", "version", version, "commit", commit, "date", date, "config_dir", e.configDir)

	if f.interval != "" {
		d, err := parseInterval(f.interval)
		if err != nil {
			return err
		}
		if err := e.settings.SetRefreshInterval(d); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := newRegistry()
	if f.metricsAddr != "" {
		defer serveMetrics(logger, reg, f.metricsAddr)()
	}

	recorder := telemetry.NewRecorder(telemetry.Options{
		Writer:     telemetry.FileWriter(e.logDir),
		Logger:     logger,
		AppVersion: version,
	})
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Warn("[TELEMETRY] Failed to close recorder", "error", err)
		}
		logger.Info("[TELEMETRY] Recorder closed", "written", recorder.Written(), "dropped", recorder.Dropped())
	}()
	notes := newNotifier(recorder, logger)

	sess, err := newSession(ctx, e.connect)
	if err != nil {
		return err
	}
	if err := sess.AuthErr(); err != nil {
		notes.Record(telemetry.Event{Name: telemetry.EventSignedOut, Source: "main.auth", Err: err})
	}

	sched := refresh.New(e.store, sess, sess.current().client, refresh.Options{
		Logger:    logger,
		Telemetry: notes,
		Metrics:   refresh.NewMetrics(reg),
		Interval:  e.settings.RefreshInterval(),
	})
	defer sched.Close()
	sched.Watch(connectivity.Default(logger))

	proxy, err := x11tray.EnsureTray(ctx)
	if err != nil {
		return fmt.Errorf("system tray unavailable: %w", err)
	}
	defer func() {
		if err := proxy.Stop(); err != nil {
			logger.Debug("[MAIN] Failed to stop tray proxy", "error", err)
		}
	}()

	app := newApp(&RealSystray{}, e.store, e.settings, sched, logger)
	app.catalog = sess
	app.session = sess
	app.notifier = notes
	app.updates = newUpdateChecker(nil, version)
	app.checkUpdates = !f.noUpdates

	if w, err := e.kv.Watch(); err != nil {
		logger.Warn("[STORE] Not watching config directory", "error", err)
	} else {
		defer func() {
			if err := w.Close(); err != nil {
				logger.Debug("[STORE] Failed to close config watcher", "error", err)
			}
		}()
		app.config = w
	}

	go func() {
		<-ctx.Done()
		systray.Quit()
	}()

	systray.Run(func() { app.onReady(ctx) }, func() {
		logger.Info("[MAIN] Shutting down")
		cancel()
		cleanCatalogCache(e, logger)
	})
	return nil
}

func cleanCatalogCache(e *env, logger *slog.Logger) {
	cache := catalogcache.NewManager(filepath.Join(e.cacheDir, "catalog"))
	cleaned, errs := cache.CleanupOldFiles(catalogMaxAge)
	if cleaned > 0 || errs > 0 {
		logger.Info("[CACHE] Cleaned old catalog files", "removed", cleaned, "errors", errs)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "databar %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
