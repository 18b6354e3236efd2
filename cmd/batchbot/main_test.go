package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"batchbot/internal/config"
	"batchbot/internal/domain"
)

const testCatalog = `
groups:
  friends:
    tags: [personal]
    recipients: [Alice, Bob]
  work:
    tags: [work]
    recipients: [Carol]
messages:
  hello:
    tags: [personal]
    blacklist_tags: [work]
    content:
      - type: text
        content: "hi there"
  lonely:
    tags: [nobody]
    content:
      - type: text
        content: "anyone?"
`

// withConfig writes a config and catalog into a temp dir and points --config at it.
func withConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	catPath := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(catPath, []byte(testCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults()
	cfg.General.Catalog = catPath
	cfg.General.LogLevel = "error"
	cfg.Store.DBPath = filepath.Join(dir, "deliveries.db")
	cfgPath := filepath.Join(dir, "config.json")
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}

	old := configPath
	configPath = cfgPath
	t.Cleanup(func() { configPath = old })
	return dir
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPolicyFromConfig(t *testing.T) {
	p := policyFromConfig(config.RetryConfig{
		MaxAttempts: 4, InitialDelayMs: 250, Multiplier: 3, MaxDelayMs: 2000, Jitter: true, ShortCircuit: false,
	})
	if p.MaxAttempts != 4 || p.InitialDelay != 250*time.Millisecond || p.Multiplier != 3 ||
		p.MaxDelay != 2*time.Second || !p.Jitter || p.ShortCircuit {
		t.Fatalf("unexpected policy %+v", p)
	}
}

func TestNewLogger_TeesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "batchbot.log")
	var stderr bytes.Buffer
	l, closeLog, err := newLogger(config.GeneralConfig{LogLevel: "warn", LogFile: logFile}, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hidden")
	l.Warn("visible", "recipient", "Alice")
	closeLog()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, got := range []string{stderr.String(), string(data)} {
		if strings.Contains(got, "hidden") || !strings.Contains(got, "recipient=Alice") {
			t.Errorf("unexpected log output %q", got)
		}
	}
}

func TestReportsError(t *testing.T) {
	ok := &domain.BatchReport{MessageID: "a", Overall: domain.OverallSuccess}
	bad := &domain.BatchReport{MessageID: "b", Overall: domain.OverallPartialFailure}
	if err := reportsError([]*domain.BatchReport{ok}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	err := reportsError([]*domain.BatchReport{ok, bad})
	if err == nil || !strings.Contains(err.Error(), "b: partial_failure") {
		t.Fatalf("got %v", err)
	}
}

func TestPrintReport(t *testing.T) {
	start := time.Now()
	r := &domain.BatchReport{
		RunID: "0123456789abcdef", MessageID: "hello", StartedAt: start, FinishedAt: start.Add(time.Second),
		Recipients: []domain.RecipientReport{
			{Recipient: "Alice", Items: []domain.ItemResult{{Index: 0, Type: domain.ContentText, State: domain.StateDelivered,
				Attempts: []domain.DeliveryAttempt{{Outcome: domain.OutcomeFailure}, {Outcome: domain.OutcomeSuccess}}}}},
			{Recipient: "Bob", Items: []domain.ItemResult{{Index: 0, Type: domain.ContentText, State: domain.StateAbandoned,
				AbandonReason: domain.ReasonRetriesExhausted,
				Attempts:      []domain.DeliveryAttempt{{Outcome: domain.OutcomeFailure, Reason: `focus "Bob": chat not found`}}}}},
		},
	}
	r.Overall = r.Aggregate()

	var buf bytes.Buffer
	printReport(&buf, r)
	out := buf.String()
	for _, want := range []string{"run 01234567", "partial_failure", "after 2 attempts", `retries_exhausted: focus "Bob": chat not found`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestServiceTemplates(t *testing.T) {
	plist := launchdPlist("/usr/local/bin/batchbot", "/cfg.json", "/Users/me")
	for _, want := range []string{"<string>daemon</string>", "/cfg.json", launchdLabel, "/Users/me/.batchbot/logs/daemon.log"} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist missing %q", want)
		}
	}
	if strings.Contains(plist, "{{") {
		t.Error("unreplaced placeholder in plist")
	}
	unit := systemdUnitFile("/bin/batchbot", "/cfg.json")
	if !strings.Contains(unit, "ExecStart=/bin/batchbot daemon --config /cfg.json") || !strings.Contains(unit, "Type=notify") {
		t.Errorf("unexpected unit:\n%s", unit)
	}
}

func TestRouteCmd(t *testing.T) {
	withConfig(t)
	out, err := execute(t, routeCmd(), "hello", "--explain")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"+ friends", "- work", "hello -> 2 recipient(s)", "1. Alice", "2. Bob"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, routeCmd(), "lonely")
	if err != nil || !strings.Contains(out, "no recipients") {
		t.Fatalf("lonely: %v %q", err, out)
	}

	if _, err := execute(t, routeCmd(), "missing"); !domain.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestSendCmd_DryRunJSON(t *testing.T) {
	withConfig(t)
	out, err := execute(t, sendCmd(), "hello", "--dry-run", "--json")
	if err != nil {
		t.Fatalf("send: %v\n%s", err, out)
	}
	var reports []domain.BatchReport
	if err := json.Unmarshal([]byte(out), &reports); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(reports) != 1 || reports[0].Overall != domain.OverallSuccess || len(reports[0].Recipients) != 2 {
		t.Fatalf("unexpected reports %+v", reports)
	}
}

func TestSendCmd_Args(t *testing.T) {
	withConfig(t)
	if _, err := execute(t, sendCmd()); err == nil {
		t.Error("expected error without message id")
	}
	if _, err := execute(t, sendCmd(), "hello", "--all"); err == nil {
		t.Error("expected error combining id and --all")
	}
	out, err := execute(t, sendCmd(), "--all", "--dry-run")
	if err != nil {
		t.Fatalf("send --all: %v", err)
	}
	if !strings.Contains(out, "hello") || !strings.Contains(out, "lonely") {
		t.Errorf("expected both messages in output:\n%s", out)
	}
}

func TestValidateCmd(t *testing.T) {
	dir := withConfig(t)
	out, err := execute(t, validateCmd())
	if err != nil || !strings.Contains(out, "2 group(s), 2 message(s)") {
		t.Fatalf("validate: %v %q", err, out)
	}

	os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte("messages:\n  x:\n    tags: []\n    content: []\n"), 0o644)
	if _, err := execute(t, validateCmd()); !domain.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestConfigCmd_SetValidates(t *testing.T) {
	withConfig(t)
	if _, err := execute(t, configCmd(), "set", "retry.maxAttempts", "5"); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, configCmd(), "get", "retry.maxAttempts")
	if err != nil || strings.TrimSpace(out) != "5" {
		t.Fatalf("get: %v %q", err, out)
	}
	if _, err := execute(t, configCmd(), "set", "retry.maxAttempts", "0"); err == nil {
		t.Fatal("expected validation error")
	}
}
