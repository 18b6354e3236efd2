package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"batchbot/internal/config"
	"batchbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder is a domain.Driver that records calls.
type recorder struct {
	calls []string
	err   error
}

func (r *recorder) Focus(_ context.Context, recipient string) error {
	r.calls = append(r.calls, "focus:"+recipient)
	return r.err
}
func (r *recorder) SendText(_ context.Context, text string) error {
	r.calls = append(r.calls, "text:"+text)
	return r.err
}
func (r *recorder) AttachFile(_ context.Context, path string) error {
	r.calls = append(r.calls, "file:"+path)
	return r.err
}
func (r *recorder) AttachClipboardImage(context.Context) error {
	r.calls = append(r.calls, "clipboard")
	return r.err
}

func TestNew_SelectsKind(t *testing.T) {
	tests := []struct {
		kind string
		want any
	}{
		{"desktop", &Desktop{}},
		{"browser", &Browser{}},
		{"remote", &Remote{}},
		{"dryrun", &DryRun{}},
	}
	for _, tt := range tests {
		cfg := config.Defaults().Driver
		cfg.Kind = tt.kind
		cfg.RatePerMinute = 0
		d, err := New(cfg, testLogger())
		if err != nil {
			t.Fatalf("%s: %v", tt.kind, err)
		}
		if got, want := typeName(d), typeName(tt.want); got != want {
			t.Fatalf("%s: expected %s, got %s", tt.kind, want, got)
		}
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *Desktop:
		return "Desktop"
	case *Browser:
		return "Browser"
	case *Remote:
		return "Remote"
	case *DryRun:
		return "DryRun"
	case *Throttled:
		return "Throttled"
	}
	return "unknown"
}

func TestNew_WrapsWithThrottle(t *testing.T) {
	cfg := config.Defaults().Driver
	cfg.Kind = "dryrun"
	cfg.RatePerMinute = 60
	d, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*Throttled); !ok {
		t.Fatalf("expected throttled driver, got %T", d)
	}
}

func TestNew_UnknownKind(t *testing.T) {
	cfg := config.Defaults().Driver
	cfg.Kind = "fax"
	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestThrottle_PacesPrimitives(t *testing.T) {
	rec := &recorder{}
	d := Throttle(rec, rate.Every(20*time.Millisecond), 1)
	ctx := context.Background()

	start := time.Now()
	d.Focus(ctx, "a")
	d.SendText(ctx, "hi")
	d.AttachFile(ctx, "/f")
	d.AttachClipboardImage(ctx)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected pacing of ~60ms, took %v", elapsed)
	}
	if strings.Join(rec.calls, ",") != "focus:a,text:hi,file:/f,clipboard" {
		t.Fatalf("unexpected calls %v", rec.calls)
	}
}

func TestThrottle_CancelledWait(t *testing.T) {
	rec := &recorder{}
	d := Throttle(rec, rate.Every(time.Hour), 1)
	d.Focus(context.Background(), "a") // consumes the burst

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.SendText(ctx, "hi"); err == nil {
		t.Fatal("expected error from cancelled wait")
	}
	if len(rec.calls) != 1 {
		t.Fatalf("throttled call must not reach the driver: %v", rec.calls)
	}
}

func TestProbeAndClose_OptionalInterfaces(t *testing.T) {
	if err := Probe(context.Background(), &recorder{}); err != nil {
		t.Fatalf("driver without Probe should pass: %v", err)
	}
	if err := Close(&recorder{}); err != nil {
		t.Fatalf("driver without Close should pass: %v", err)
	}
}

func TestDryRun_AlwaysSucceeds(t *testing.T) {
	d := NewDryRun(testLogger())
	ctx := context.Background()
	for _, err := range []error{
		d.Focus(ctx, "x"), d.SendText(ctx, "hi"), d.AttachFile(ctx, "/nope"), d.AttachClipboardImage(ctx),
	} {
		if err != nil {
			t.Fatalf("dry-run returned %v", err)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected %v", got)
	}

	msg := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitMessage(msg, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8)+"\n" || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("expected newline split, got %q", got)
	}

	got = splitMessage(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("expected hard split into 10/10/5, got %q", got)
	}

	// 3-byte runes must not be cut
	got = splitMessage(strings.Repeat("微", 5), 10)
	if strings.Join(got, "") != strings.Repeat("微", 5) {
		t.Fatalf("content lost: %q", got)
	}
	for _, c := range got {
		if !strings.HasPrefix(c, "微") || len(c)%3 != 0 {
			t.Fatalf("rune split in chunk %q", c)
		}
	}
}

func TestResolve(t *testing.T) {
	dir := map[string]string{"Ops": "C123"}
	if resolve(dir, "Ops") != "C123" {
		t.Fatal("expected mapped id")
	}
	if resolve(dir, "C999") != "C999" {
		t.Fatal("unmapped names are used verbatim")
	}
}

func TestUnsupportedClipboard(t *testing.T) {
	ctx := context.Background()
	for name, d := range map[string]domain.Driver{
		"telegram": NewTelegram(TelegramConfig{API: &fakeTelegram{}, Logger: testLogger()}),
		"slack":    NewSlack(SlackConfig{API: &fakeSlack{}, Logger: testLogger()}),
		"discord":  NewDiscord(DiscordConfig{API: &fakeDiscord{}, Logger: testLogger()}),
		"browser":  NewBrowser(BrowserConfig{Logger: testLogger()}),
	} {
		if err := d.AttachClipboardImage(ctx); !errors.Is(err, domain.ErrUnsupported) {
			t.Errorf("%s: expected ErrUnsupported, got %v", name, err)
		}
	}
}
