package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"batchbot/internal/batch"
	"batchbot/internal/catalog"
	"batchbot/internal/config"
	"batchbot/internal/delivery"
	"batchbot/internal/domain"
	"batchbot/internal/driver"
	"batchbot/internal/routing"
	"batchbot/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:           "batchbot",
		Short:         "Send catalog messages to tagged chat groups",
		Long:          "batchbot routes messages from a YAML catalog to recipient groups by tag and delivers them through a chat client driver, retrying failed steps.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.batchbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(routeCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(agentCmd())
	root.AddCommand(daemonCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config and switches the global logger to its settings.
// The returned func closes the log file, if any.
func loadConfig() (*config.Config, func(), error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	l, closeLog, err := newLogger(cfg.General, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	logger = l
	return cfg, closeLog, nil
}

// newLogger builds the text logger for general.logLevel, teed into
// general.logFile when set.
func newLogger(g config.GeneralConfig, stderr io.Writer) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	out := stderr
	closeLog := func() {}
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(stderr, f)
		closeLog = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closeLog, nil
}

// policyFromConfig converts the retry section into a delivery policy.
func policyFromConfig(r config.RetryConfig) delivery.Policy {
	return delivery.Policy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: time.Duration(r.InitialDelayMs) * time.Millisecond,
		Multiplier:   r.Multiplier,
		MaxDelay:     time.Duration(r.MaxDelayMs) * time.Millisecond,
		Jitter:       r.Jitter,
		ShortCircuit: r.ShortCircuit,
	}
}

// app bundles what a sending command needs; close releases it.
type app struct {
	service *batch.Service
	driver  domain.Driver
	store   *store.SQLiteStore
}

func (r *app) close() {
	if err := driver.Close(r.driver); err != nil {
		logger.Warn("driver close failed", "err", err)
	}
	if r.store != nil {
		r.store.Close()
	}
}

func newRuntime(cfg *config.Config, source catalog.Source, dryRun bool) (*app, error) {
	var drv domain.Driver
	if dryRun {
		drv = driver.NewDryRun(logger)
	} else {
		d, err := driver.New(cfg.Driver, logger)
		if err != nil {
			return nil, err
		}
		drv = d
	}

	rt := &app{driver: drv}
	svc := &batch.Service{
		Catalog:     source,
		Coordinator: delivery.New(drv, policyFromConfig(cfg.Retry), delivery.WithLogger(logger)),
		Logger:      logger,
	}
	if cfg.Store.Enabled && !dryRun {
		st, err := store.Open(cfg.Store.DBPath, logger)
		if err != nil {
			driver.Close(drv)
			return nil, fmt.Errorf("delivery log: %w", err)
		}
		rt.store = st
		svc.Recorder = st
	}
	rt.service = svc
	return rt, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default config and an example catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if _, err := os.Stat(cfgPath); err == nil {
				logger.Info("config already exists, keeping it", "config", cfgPath)
				if existing, err := config.Load(cfgPath); err == nil {
					cfg = existing
				}
			} else if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}

			if _, err := os.Stat(cfg.General.Catalog); err == nil {
				logger.Info("catalog already exists, keeping it", "catalog", cfg.General.Catalog)
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(cfg.General.Catalog), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(cfg.General.Catalog, []byte(exampleCatalog), 0o644); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "catalog", cfg.General.Catalog)
			return nil
		},
	}
}

const exampleCatalog = `# Recipient groups: who receives what, selected by tags.
groups:
  family:
    tags: [personal, family]
    recipients: [Mom, Dad]
  friends:
    tags: [personal, weekend]
    recipients: [Alice, Bob]
  work:
    tags: [work]
    recipients: [Team Chat]

# Messages: content items are sent in order to every matching recipient.
# A message never reaches a group carrying one of its blacklist_tags.
messages:
  weekend_plan:
    tags: [weekend]
    blacklist_tags: [work]
    content:
      - type: text
        content: "Anyone up for hiking on Saturday?"
  standup:
    tags: [work]
    content:
      - type: text
        content: "Standup in 5 minutes"
`

func sendCmd() *cobra.Command {
	var all, dryRun, asJSON bool

	cmd := &cobra.Command{
		Use:   "send [message-id]",
		Short: "Deliver a catalog message to every matching recipient",
		Long: `Routes the message by tag, then drives the configured chat client to
deliver each content item to each recipient, retrying failed steps.
With --all every catalog message is sent in catalog order.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no message id")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("expected one message id (or --all)")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(cfg, catalog.File(cfg.General.Catalog), dryRun)
			if err != nil {
				return err
			}
			defer rt.close()

			var reports []*domain.BatchReport
			if all {
				reports, err = rt.service.SendAll(ctx)
			} else {
				var r *domain.BatchReport
				r, err = rt.service.BatchSend(ctx, args[0])
				reports = append(reports, r)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					printReport(out, r)
				}
			}
			return reportsError(reports)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "send every catalog message in order")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "route and log each step without touching the chat client")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print reports as JSON")
	return cmd
}

// reportsError turns undelivered items into a non-zero exit.
func reportsError(reports []*domain.BatchReport) error {
	var failed []string
	for _, r := range reports {
		if r.Overall != domain.OverallSuccess {
			failed = append(failed, fmt.Sprintf("%s: %s", r.MessageID, r.Overall))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return errors.New("delivery incomplete (" + strings.Join(failed, ", ") + ")")
}

func routeCmd() *cobra.Command {
	var explain bool

	cmd := &cobra.Command{
		Use:   "route [message-id]",
		Short: "Show who would receive a message, without sending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			cat, err := catalog.Load(cfg.General.Catalog)
			if err != nil {
				return err
			}
			msg, err := cat.Message(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if explain {
				for _, v := range routing.Explain(msg, cat.Groups) {
					mark := "-"
					if v.Matched {
						mark = "+"
					}
					fmt.Fprintf(out, "%s %-20s %s\n", mark, v.GroupID, v.Reason)
				}
				fmt.Fprintln(out)
			}

			decision, err := routing.Route(msg, cat.Groups)
			if err != nil {
				return err
			}
			if decision.Empty() {
				fmt.Fprintf(out, "%s: no recipients\n", msg.ID)
				return nil
			}
			fmt.Fprintf(out, "%s -> %d recipient(s), %d item(s) each\n", msg.ID, len(decision.Targets), len(msg.Content))
			for i, r := range decision.Recipients() {
				fmt.Fprintf(out, "  %2d. %s\n", i+1, r)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "show the match verdict of every group")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and the message catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			cat, err := catalog.Load(cfg.General.Catalog)
			if err != nil {
				return err
			}
			for _, p := range cat.MissingFiles() {
				logger.Warn("attachment not found", "path", p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d group(s), %d message(s)\n", len(cat.Groups), len(cat.Messages))
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open the browser driver's chat client to log in",
		Long:  "Opens a visible Chrome window with the browser driver's profile. The session is kept for later headless runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			if cfg.Driver.Kind != "browser" {
				return fmt.Errorf("login needs driver.kind=browser (configured: %s)", cfg.Driver.Kind)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b := driver.NewBrowser(driver.BrowserConfigFrom(cfg.Driver.Browser, logger))
			defer b.Close()
			return b.Login(ctx)
		},
	}
}

func agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Serve the local desktop driver to remote batchbot instances",
		Long: `Runs next to the chat client and executes UI primitives received over a
WebSocket from a batchbot configured with driver.kind=remote.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			local := cfg.Driver
			if local.Kind == "remote" {
				local.Kind = "desktop"
			}
			drv, err := driver.New(local, logger)
			if err != nil {
				return err
			}
			defer driver.Close(drv)

			if cfg.Agent.Token == "" {
				logger.Warn("agent token not set, any client may drive the chat client")
			}
			mux := http.NewServeMux()
			mux.Handle(cfg.Agent.Path, driver.NewAgent(driver.AgentConfig{
				Driver: drv,
				Token:  cfg.Agent.Token,
				Logger: logger,
			}))
			srv := &http.Server{Addr: cfg.Agent.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			logger.Info("agent listening", "addr", cfg.Agent.Addr, "path", cfg.Agent.Path, "driver", local.Kind)
			return serveUntilDone(ctx, srv)
		},
	}
}

// serveUntilDone runs srv until ctx is done, then shuts it down gracefully.
func serveUntilDone(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. driver.kind)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. retry.maxAttempts 5)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	var flat bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List all config values (tokens masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			out := cmd.OutOrStdout()
			if flat {
				for _, pv := range config.ListPaths(sanitized) {
					data, _ := json.Marshal(pv.Value)
					fmt.Fprintf(out, "%s = %s\n", pv.Path, data)
				}
				return nil
			}
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Fprintln(out, string(data))
			return nil
		},
	}
	list.Flags().BoolVar(&flat, "flat", false, "one path = value per line")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}
