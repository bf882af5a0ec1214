package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentworkforce/spotsync/internal/config"
	"github.com/agentworkforce/spotsync/internal/engine"
	"github.com/agentworkforce/spotsync/internal/netmon"
	"github.com/agentworkforce/spotsync/internal/realtime"
	"github.com/agentworkforce/spotsync/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	baseURL    string
	storage    string
	logLevel   string
	devLog     bool

	cfg config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "spotsync",
		Short:         "Offline-first sync client for the spot map",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if g.log != nil {
				_ = g.log.Sync()
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&g.configPath, "config", "", "config file (default ~/.spotsync/config.yaml)")
	flags.StringVar(&g.baseURL, "base-url", "", "API base URL")
	flags.StringVar(&g.storage, "storage", "", "storage DSN: file://, sqlite://, postgres:// or memory://")
	flags.StringVar(&g.logLevel, "log-level", "", "log level")
	flags.BoolVar(&g.devLog, "dev-log", false, "human-readable development logs")

	root.AddCommand(
		newRunCmd(g),
		newLoginCmd(g),
		newLogoutCmd(g),
		newStatusCmd(g),
		newQueueCmd(g),
		newSpotCmd(g),
		newConditionCmd(g),
		newSessionCmd(g),
		newWikiCmd(g),
	)
	return root
}

func (g *globalOptions) load(cmd *cobra.Command) error {
	flags := cmd.Flags()
	cfg, err := config.LoadWith(g.configPath, func(c *config.Config) {
		if flags.Changed("base-url") {
			c.BaseURL = g.baseURL
			c.RealtimeURL = ""
			c.ProbeURL = ""
		}
		if flags.Changed("storage") {
			c.StorageDSN = g.storage
		}
		if flags.Changed("log-level") {
			c.LogLevel = g.logLevel
		}
		if flags.Changed("dev-log") {
			c.DevLog = g.devLog
		}
	})
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	for _, warning := range cfg.Warnings() {
		log.Warn("config", zap.String("warning", warning))
	}
	g.cfg = cfg
	g.log = log
	return nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.DevLog {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// openEngine builds an engine from the loaded config. live enables the
// connectivity probe and the realtime channel, which only `run` needs.
func (g *globalOptions) openEngine(ctx context.Context, live bool) (*engine.Engine, error) {
	kv, err := storage.BuildFromDSN(g.cfg.StorageDSN)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: g.cfg.RequestTimeout}
	opts := engine.Options{
		BaseURL:        g.cfg.BaseURL,
		Storage:        kv,
		HTTPClient:     client,
		Logger:         g.log,
		ProbeInterval:  g.cfg.ProbeInterval,
		ProbeJitter:    g.cfg.ProbeJitter,
		EventBuffer:    g.cfg.EventBuffer,
		RequestTimeout: g.cfg.RequestTimeout,
		RefreshAhead:   g.cfg.RefreshAhead,
	}

	var eng *engine.Engine
	if live {
		if g.cfg.ProbeURL != "" {
			opts.Probe = netmon.HTTPProbe{URL: g.cfg.ProbeURL, Client: client}
		}
		if g.cfg.RealtimeURL != "" {
			opts.Dialer = realtime.WebsocketDialer{
				URL:        g.cfg.RealtimeURL,
				Token:      func() string { return eng.Session().AccessToken },
				HTTPClient: client,
			}
		}
	}
	eng, err = engine.New(ctx, opts)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return eng, nil
}

// withEngine opens a one-shot engine, runs fn and persists state.
func (g *globalOptions) withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine) error) (err error) {
	ctx := cmd.Context()
	eng, err := g.openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := eng.Close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(ctx, eng)
}

func printResult(cmd *cobra.Command, what string, result engine.Result) {
	if result.Queued {
		fmt.Fprintf(cmd.OutOrStdout(), "%s queued for sync (%s)\n", what, result.MutationID)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s done\n", what)
}
