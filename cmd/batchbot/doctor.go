package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"batchbot/internal/catalog"
	"batchbot/internal/config"
	"batchbot/internal/driver"
	"batchbot/internal/routing"
	"batchbot/internal/scheduler"
	"batchbot/internal/store"
)

// checker prints one line per check and tallies the results.
type checker struct {
	out                    io.Writer
	color                  bool
	passed, warned, failed int
}

func (c *checker) mark(label, ansi string) string {
	if !c.color {
		return "[" + label + "]"
	}
	return ansi + "[" + label + "]\033[0m"
}

func (c *checker) pass(check, detail string) {
	c.passed++
	fmt.Fprintf(c.out, "  %s %-20s %s\n", c.mark("PASS", "\033[32m"), check, detail)
}

func (c *checker) warn(check, detail string) {
	c.warned++
	fmt.Fprintf(c.out, "  %s %-20s %s\n", c.mark("WARN", "\033[33m"), check, detail)
}

func (c *checker) fail(check, detail string) {
	c.failed++
	fmt.Fprintf(c.out, "  %s %-20s %s\n", c.mark("FAIL", "\033[31m"), check, detail)
}

func doctorCmd() *cobra.Command {
	var skipProbe bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your batchbot installation",
		Long: `Verifies that the configuration, message catalog, delivery log and chat
client driver are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			c := &checker{out: out, color: isatty.IsTerminal(os.Stdout.Fd())}
			cfgPath := resolveConfigPath()
			fmt.Fprintf(out, "batchbot doctor v%s\n\n", version)

			if _, err := os.Stat(cfgPath); err != nil {
				c.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintf(out, "\nRun 'batchbot init' to create a default configuration.\n")
				return fmt.Errorf("no config")
			}
			c.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				c.fail("Config validation", err.Error())
				return summarize(c)
			}
			c.pass("Config validation", "valid")

			checkCatalog(c, cfg)
			checkSchedules(c, cfg)
			if cfg.Store.Enabled {
				checkStore(c, cfg.Store.DBPath)
			} else {
				c.warn("Delivery log", "disabled")
			}
			if !skipProbe {
				checkDriver(cmd.Context(), c, cfg)
			}
			return summarize(c)
		},
	}
	cmd.Flags().BoolVar(&skipProbe, "no-probe", false, "skip the driver readiness probe")
	return cmd
}

func checkCatalog(c *checker, cfg *config.Config) {
	cat, err := catalog.Load(cfg.General.Catalog)
	if err != nil {
		c.fail("Catalog", err.Error())
		return
	}
	c.pass("Catalog", fmt.Sprintf("%s (%d groups, %d messages)", cat.Path, len(cat.Groups), len(cat.Messages)))

	for _, id := range cat.MessageIDs() {
		msg, _ := cat.Message(id)
		decision, err := routing.Route(msg, cat.Groups)
		switch {
		case err != nil:
			c.fail("Message: "+id, err.Error())
		case decision.Empty():
			c.warn("Message: "+id, "routes to no recipient")
		default:
			c.pass("Message: "+id, fmt.Sprintf("%d recipient(s)", len(decision.Targets)))
		}
	}
	for _, p := range cat.MissingFiles() {
		c.fail("Attachment", "not found: "+p)
	}
}

func checkSchedules(c *checker, cfg *config.Config) {
	for _, s := range cfg.Schedules {
		if !s.Enabled {
			continue
		}
		sched, err := scheduler.ParseSpec(s.Cron)
		if err != nil {
			c.fail("Schedule: "+s.ID, err.Error())
			continue
		}
		next := sched.Next(time.Now())
		c.pass("Schedule: "+s.ID, fmt.Sprintf("%s next %s", s.Message, humanize.Time(next)))
	}
}

func checkStore(c *checker, dbPath string) {
	st, err := store.Open(dbPath, logger)
	if err != nil {
		c.fail("Delivery log", err.Error())
		return
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		c.fail("Delivery log", "not writable: "+err.Error())
		return
	}
	detail := dbPath
	if info, err := os.Stat(dbPath); err == nil {
		detail += " (" + humanize.Bytes(uint64(info.Size())) + ")"
	}
	c.pass("Delivery log", detail)
}

func checkDriver(ctx context.Context, c *checker, cfg *config.Config) {
	drv, err := driver.New(cfg.Driver, logger)
	if err != nil {
		c.fail("Driver", err.Error())
		return
	}
	defer driver.Close(drv)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := driver.Probe(ctx, drv); err != nil {
		c.fail("Driver: "+cfg.Driver.Kind, err.Error())
		return
	}
	c.pass("Driver: "+cfg.Driver.Kind, "ready")
}

func summarize(c *checker) error {
	fmt.Fprintf(c.out, "\nResults: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
	if c.failed > 0 {
		fmt.Fprintf(c.out, "\nPlease fix the failed checks before sending.\n")
		return fmt.Errorf("%d check(s) failed", c.failed)
	}
	if c.warned > 0 {
		fmt.Fprintf(c.out, "\nbatchbot should work but consider fixing the warnings.\n")
	} else {
		fmt.Fprintf(c.out, "\nAll checks passed! batchbot is ready to send.\n")
	}
	return nil
}
