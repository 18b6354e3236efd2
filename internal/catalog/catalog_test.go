package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"batchbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

const sample = `
groups:
  work:
    tags: [work, weekday]
    recipients: [Carol, Dave]
  friends:
    tags: [personal, weekend]
    recipients: [Alice, Bob]
  family:
    tags: [personal]
    recipients: [Mom, Alice]
messages:
  weekend_plan:
    tags: [weekend, personal]
    blacklist_tags: [work]
    content:
      - type: text
        content: "Hiking on Saturday?"
      - type: image
        source: file
        path: images/trail.png
  standup:
    tags: [weekday]
    content:
      - type: text
        content: "Standup in 5"
      - type: image
        source: clipboard
      - type: file
        path: /abs/agenda.pdf
`

func TestParse_PreservesOrder(t *testing.T) {
	c, err := Parse([]byte(sample), "/cfg")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	var groups []string
	for _, g := range c.Groups {
		groups = append(groups, g.ID)
	}
	if strings.Join(groups, ",") != "work,friends,family" {
		t.Fatalf("group order not preserved: %v", groups)
	}
	if strings.Join(c.MessageIDs(), ",") != "weekend_plan,standup" {
		t.Fatalf("message order not preserved: %v", c.MessageIDs())
	}
}

func TestParse_ResolvesRelativePaths(t *testing.T) {
	c, err := Parse([]byte(sample), "/cfg")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	msg, err := c.Message("weekend_plan")
	if err != nil {
		t.Fatal(err)
	}
	if got := msg.Content[1].Path; got != filepath.Join("/cfg", "images/trail.png") {
		t.Fatalf("expected path resolved against catalog dir, got %q", got)
	}

	standup, _ := c.Message("standup")
	if got := standup.Content[2].Path; got != "/abs/agenda.pdf" {
		t.Fatalf("absolute path should be kept, got %q", got)
	}
	if standup.Content[1].Source != domain.SourceClipboard {
		t.Fatalf("expected clipboard source, got %q", standup.Content[1].Source)
	}
}

func TestParse_BlacklistOptional(t *testing.T) {
	c, err := Parse([]byte(sample), "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	standup, _ := c.Message("standup")
	if len(standup.BlacklistTags) != 0 {
		t.Fatalf("expected no blacklist, got %v", standup.BlacklistTags)
	}
	plan, _ := c.Message("weekend_plan")
	if len(plan.BlacklistTags) != 1 || plan.BlacklistTags[0] != "work" {
		t.Fatalf("unexpected blacklist %v", plan.BlacklistTags)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"not a mapping", "- a\n- b\n", "must be a mapping"},
		{"missing groups", "messages: {}\n", "missing top-level key: groups"},
		{"missing messages", "groups: {}\n", "missing top-level key: messages"},
		{"group without recipients", "groups:\n  g:\n    tags: [a]\nmessages: {}\n", "groups.g: missing recipients"},
		{"blank recipient", "groups:\n  g:\n    tags: [a]\n    recipients: [x, \"\"]\nmessages: {}\n", "groups.g.recipients[1]: blank recipient"},
		{"duplicate group", "groups:\n  g: {tags: [a], recipients: [x]}\n  g: {tags: [b], recipients: [y]}\nmessages: {}\n", "groups.g: duplicate id"},
		{"message without tags", "groups: {}\nmessages:\n  m:\n    content:\n      - {type: text, content: hi}\n", "messages.m: missing tags"},
		{"empty content", "groups: {}\nmessages:\n  m:\n    tags: [a]\n    content: []\n", "at least one item"},
		{"unknown type", "groups: {}\nmessages:\n  m:\n    tags: [a]\n    content:\n      - {type: video}\n", "messages.m.content[0]: item type must be one of"},
		{"image without source", "groups: {}\nmessages:\n  m:\n    tags: [a]\n    content:\n      - {type: image}\n", "requires source"},
		{"file image without path", "groups: {}\nmessages:\n  m:\n    tags: [a]\n    content:\n      - {type: image, source: file}\n", "requires path"},
		{"text without content", "groups: {}\nmessages:\n  m:\n    tags: [a]\n    content:\n      - {type: text}\n", "requires content"},
		{"blacklist not a list", "groups: {}\nmessages:\n  m:\n    tags: [a]\n    blacklist_tags: work\n    content:\n      - {type: text, content: hi}\n", "messages.m"},
		{"broken yaml", "groups: [\n", "invalid catalog YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), "")
			if err == nil {
				t.Fatal("expected error")
			}
			if !domain.IsConfigError(err) {
				t.Fatalf("expected ConfigError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in %q", tt.want, err.Error())
			}
		})
	}
}

func TestParse_ReportsEveryProblem(t *testing.T) {
	y := "groups:\n  g:\n    tags: [a]\nmessages:\n  m:\n    tags: [a]\n    content:\n      - {type: text}\n      - {type: file}\n"
	_, err := Parse([]byte(y), "")
	var ce *domain.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if len(ce.Problems) != 3 {
		t.Fatalf("expected 3 problems, got %d: %v", len(ce.Problems), ce.Problems)
	}
}

func TestParse_EmptySections(t *testing.T) {
	c, err := Parse([]byte("groups:\nmessages:\n"), "")
	if err != nil {
		t.Fatalf("empty sections should parse: %v", err)
	}
	if len(c.Groups) != 0 || len(c.Messages) != 0 {
		t.Fatalf("expected empty catalog, got %+v", c)
	}
}

func TestMessage_Unknown(t *testing.T) {
	c, _ := Parse([]byte(sample), "")
	_, err := c.Message("nope")
	if !domain.IsConfigError(err) {
		t.Fatalf("expected ConfigError for unknown message, got %v", err)
	}
}

func TestLoad_FileAndMissingAttachments(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "images"), 0o755)
	os.WriteFile(filepath.Join(dir, "images", "trail.png"), []byte("png"), 0o644)
	path := filepath.Join(dir, "catalog.yaml")
	os.WriteFile(path, []byte(sample), 0o644)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	missing := c.MissingFiles()
	if len(missing) != 1 || missing[0] != "/abs/agenda.pdf" {
		t.Fatalf("expected only /abs/agenda.pdf missing, got %v", missing)
	}
}

func TestLoad_MissingFileIsConfigError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !domain.IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

// --- Sources ---

func TestStatic(t *testing.T) {
	if _, err := (Static{}).Current(); err == nil {
		t.Fatal("expected error for empty static source")
	}
	c := &Catalog{}
	got, err := Static{Catalog: c}.Current()
	if err != nil || got != c {
		t.Fatalf("unexpected: %v %v", got, err)
	}
}

func TestWatcher_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	os.WriteFile(path, []byte(sample), 0o644)

	w, err := NewWatcher(path, testLogger())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	before, _ := w.Current()

	os.WriteFile(path, []byte("groups: [\n"), 0o644)
	if err := w.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	after, _ := w.Current()
	if after != before {
		t.Fatal("invalid reload must keep previous catalog")
	}

	os.WriteFile(path, []byte("groups: {}\nmessages: {}\n"), 0o644)
	if err := w.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after, _ = w.Current()
	if len(after.Messages) != 0 {
		t.Fatalf("expected new catalog, got %d messages", len(after.Messages))
	}
}

func TestWatcher_RunPicksUpWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	os.WriteFile(path, []byte(sample), 0o644)

	reloaded := make(chan *Catalog, 4)
	w, err := NewWatcher(path, testLogger(),
		WithDebounce(10*time.Millisecond),
		OnReload(func(c *Catalog) { reloaded <- c }),
	)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	os.WriteFile(path, []byte("groups: {}\nmessages: {}\n"), 0o644)

	select {
	case c := <-reloaded:
		if len(c.Messages) != 0 {
			t.Fatalf("expected reloaded empty catalog, got %d messages", len(c.Messages))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
