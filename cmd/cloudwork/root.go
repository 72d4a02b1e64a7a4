package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/agentapi"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/attachments"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/config"
	apperrors "github.com/y1y2u3u4/cloudwork-sub000/internal/errors"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/logging"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/observability"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/orchestrator"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/store"
)

var version = "dev"

type cli struct {
	configPath string
	debug      bool
	serviceURL string
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "cloudwork",
		Short: "Agent task runner and desktop bridge",
		Long: "cloudwork drives plan/approve/execute runs against a local agent\n" +
			"service, persists every conversation, and bridges them to the desktop UI.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file (default cloudwork.yaml in . or $HOME)")
	rootCmd.PersistentFlags().BoolVarP(&c.debug, "debug", "d", false, "Debug logging")
	rootCmd.PersistentFlags().StringVar(&c.serviceURL, "service", "", "Agent service base URL (overrides config)")

	rootCmd.AddCommand(newServeCommand(c))
	rootCmd.AddCommand(newRunCommand(c))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cloudwork %s\n", version)
		},
	}
}

// app is everything a command needs, assembled once.
type app struct {
	cfg     *config.Config
	engine  *orchestrator.Engine
	tracing *observability.TracerProvider
	logger  logging.Logger
}

func (c *cli) buildApp() (*app, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.serviceURL != "" {
		cfg.Service.BaseURL = c.serviceURL
	}
	if c.debug {
		cfg.LogLevel = "debug"
	}
	applyLogLevel(cfg.LogLevel)
	logger := logging.NewComponentLogger("CLI")

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	attach, err := attachments.NewStore(cfg.AttachmentsDir)
	if err != nil {
		return nil, err
	}

	metrics, err := observability.NewMetricsCollector(cfg.Metrics, logger)
	if err != nil {
		return nil, err
	}
	tracing, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	client := agentapi.NewClient(cfg.Service.BaseURL,
		agentapi.WithLogger(logging.NewComponentLogger("AgentAPI")),
		agentapi.WithTracer(tracing.Tracer()),
		agentapi.WithMetrics(metrics),
		agentapi.WithRetryConfig(apperrors.RetryConfig{
			MaxAttempts:  cfg.Service.RetryAttempts,
			BaseDelay:    cfg.Service.RetryBaseWait,
			MaxDelay:     30 * time.Second,
			JitterFactor: 0.25,
		}),
	)

	engine, err := orchestrator.New(orchestrator.Config{
		Store:       st,
		Client:      client,
		Attachments: attach,
		Metrics:     metrics,
		Logger:      logging.NewComponentLogger("Engine"),
		WorkDir:     cfg.WorkDir,
		Model: agentapi.ModelConfig{
			Model:    cfg.Model.Model,
			MaxTurns: cfg.Model.MaxTurns,
			Sandbox:  cfg.Model.SandboxMode(),
		},
		PollInterval:   cfg.Registry.PollInterval,
		StuckThreshold: cfg.Registry.StuckThreshold,
	})
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, engine: engine, tracing: tracing, logger: logger}, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return store.Open(cfg.DatabasePath)
}

func applyLogLevel(level string) {
	switch level {
	case "debug":
		logging.SetLevel(logging.DEBUG)
	case "warn":
		logging.SetLevel(logging.WARN)
	case "error":
		logging.SetLevel(logging.ERROR)
	default:
		logging.SetLevel(logging.INFO)
	}
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func init() {
	if !isTerminal() {
		color.NoColor = true
	}
}
