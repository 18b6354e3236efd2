package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"batchbot/internal/catalog"
	"batchbot/internal/metrics"
	"batchbot/internal/scheduler"
	"batchbot/internal/store"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled sends in the foreground",
		Long: `Runs every enabled schedule, reloads the catalog when it changes on disk,
prunes the delivery log and serves metrics when enabled. Press Ctrl+C to stop.`,
		RunE: runDaemon,
	}
	cmd.AddCommand(installDaemonCmd())
	cmd.AddCommand(uninstallDaemonCmd())
	cmd.AddCommand(statusDaemonCmd())
	return cmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkSchedules := func(c *catalog.Catalog) {
		for _, s := range cfg.Schedules {
			if _, err := c.Message(s.Message); s.Enabled && err != nil {
				logger.Warn("schedule references unknown message", "schedule", s.ID, "message", s.Message)
			}
		}
	}
	watcher, err := catalog.NewWatcher(cfg.General.Catalog, logger, catalog.OnReload(checkSchedules))
	if err != nil {
		return err
	}
	if c, err := watcher.Current(); err == nil {
		checkSchedules(c)
	}

	rt, err := newRuntime(cfg, watcher, false)
	if err != nil {
		return err
	}
	defer rt.close()

	sched, err := scheduler.New(scheduler.Config{
		Schedules: cfg.Schedules,
		Send: func(ctx context.Context, messageID string) error {
			_, err := rt.service.Send(ctx, messageID, store.TriggerSchedule)
			return err
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })

	if rt.store != nil {
		g.Go(func() error {
			pruneLoop(ctx, rt.store, retention(cfg.Store.RetentionDays))
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Endpoint, metrics.Collector.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error { return serveUntilDone(ctx, srv) })
		logger.Info("metrics enabled", "addr", cfg.Metrics.Addr, "endpoint", cfg.Metrics.Endpoint)
	}

	if ok, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		logger.Warn("systemd notify failed", "err", err)
	} else if ok {
		logger.Debug("systemd notified ready")
	}
	for _, e := range sched.Entries() {
		logger.Info("schedule", "id", e.ID, "message", e.Message, "cron", e.Spec)
	}
	logger.Info("daemon started. Press Ctrl+C to stop.")

	<-ctx.Done()
	sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
	logger.Info("shutting down daemon...")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// pruneLoop trims the delivery log at start and then daily.
func pruneLoop(ctx context.Context, st *store.SQLiteStore, keep time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if _, err := st.Prune(ctx, keep); err != nil && ctx.Err() == nil {
			logger.Warn("delivery log prune failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the daemon as a user service (launchd/systemd)",
		Long:  "Generates and installs a service file that runs `batchbot daemon` at login.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, cfgPath)
			case "linux":
				return installSystemd(execPath, cfgPath)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the daemon user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runtime.GOOS {
			case "darwin":
				return uninstallLaunchd()
			case "linux":
				return uninstallSystemd()
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
		},
	}
}

const (
	launchdLabel = "com.batchbot.daemon"
	systemdUnit  = "batchbot.service"
)

func launchdPlist(execPath, cfgPath, home string) string {
	logDir := filepath.Join(home, ".batchbot", "logs")
	r := strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(logDir, "daemon.log"),
		"{{ERR_LOG}}", filepath.Join(logDir, "daemon-error.log"),
	)
	return r.Replace(launchdTemplate)
}

func installLaunchd(execPath, cfgPath string) error {
	home, _ := os.UserHomeDir()
	plistDir := filepath.Join(home, "Library", "LaunchAgents")
	plistPath := filepath.Join(plistDir, launchdLabel+".plist")

	if err := os.MkdirAll(filepath.Join(home, ".batchbot", "logs"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(plistDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(launchdPlist(execPath, cfgPath, home)), 0o644); err != nil {
		return err
	}

	fmt.Printf("Daemon installed: %s\n", plistPath)
	fmt.Printf("To start: launchctl load %s\n", plistPath)
	fmt.Printf("To stop:  launchctl unload %s\n", plistPath)
	return nil
}

func uninstallLaunchd() error {
	home, _ := os.UserHomeDir()
	plistPath := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
	if err := os.Remove(plistPath); err != nil {
		return fmt.Errorf("remove plist: %w", err)
	}
	fmt.Printf("Daemon uninstalled: %s\n", plistPath)
	return nil
}

func systemdUnitFile(execPath, cfgPath string) string {
	return strings.NewReplacer("{{EXEC}}", execPath, "{{CONFIG}}", cfgPath).Replace(systemdTemplate)
}

func installSystemd(execPath, cfgPath string) error {
	home, _ := os.UserHomeDir()
	unitDir := filepath.Join(home, ".config", "systemd", "user")
	unitPath := filepath.Join(unitDir, systemdUnit)

	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(systemdUnitFile(execPath, cfgPath)), 0o644); err != nil {
		return err
	}

	fmt.Printf("Daemon installed: %s\n", unitPath)
	fmt.Printf("To start:  systemctl --user start batchbot\n")
	fmt.Printf("To enable: systemctl --user enable batchbot\n")
	fmt.Printf("To stop:   systemctl --user stop batchbot\n")
	return nil
}

func uninstallSystemd() error {
	home, _ := os.UserHomeDir()
	unitPath := filepath.Join(home, ".config", "systemd", "user", systemdUnit)
	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	fmt.Printf("Daemon uninstalled: %s\n", unitPath)
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>daemon</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=batchbot scheduled message delivery
After=network.target

[Service]
Type=notify
ExecStart={{EXEC}} daemon --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
