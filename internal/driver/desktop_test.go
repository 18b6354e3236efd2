package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"batchbot/internal/domain"
)

type fakeRunner struct {
	calls   [][]string
	running map[string]bool // process names pgrep finds
	failOn  string          // fail osascript calls whose script contains this
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	switch name {
	case "pgrep":
		if f.running[args[len(args)-1]] {
			return "123", nil
		}
		return "", errors.New("exit status 1")
	case "osascript":
		if f.failOn != "" && strings.Contains(args[1], f.failOn) {
			return "", errors.New("execution error")
		}
	}
	return "", nil
}

func (f *fakeRunner) osascripts() [][]string {
	var out [][]string
	for _, c := range f.calls {
		if c[0] == "osascript" {
			out = append(out, c[1:])
		}
	}
	return out
}

func newTestDesktop(r *fakeRunner) *Desktop {
	return NewDesktop(DesktopConfig{
		App:          "WeChat",
		ProcessNames: []string{"WeChat", "微信"},
		Runner:       r,
		Logger:       testLogger(),
	})
}

func TestDesktop_FocusPassesNameAsArgument(t *testing.T) {
	r := &fakeRunner{running: map[string]bool{"微信": true}}
	d := newTestDesktop(r)

	if err := d.Focus(context.Background(), `Team "A"`); err != nil {
		t.Fatalf("focus: %v", err)
	}
	scripts := r.osascripts()
	if len(scripts) != 1 {
		t.Fatalf("expected one osascript call, got %d", len(scripts))
	}
	args := scripts[0]
	if args[0] != "-e" || args[1] != focusScript {
		t.Fatalf("unexpected script invocation %q", args[:2])
	}
	if args[2] != "WeChat" || args[3] != `Team "A"` {
		t.Fatalf("expected app and raw name as argv, got %q", args[2:])
	}
	if !strings.Contains(focusScript, "set saved to the clipboard") ||
		!strings.Contains(focusScript, "set the clipboard to saved") {
		t.Fatal("focus must save and restore the clipboard")
	}
}

func TestDesktop_FocusFailsWhenNotRunning(t *testing.T) {
	r := &fakeRunner{running: map[string]bool{}}
	d := newTestDesktop(r)
	err := d.Focus(context.Background(), "Alice")
	if !errors.Is(err, errAppNotRunning) {
		t.Fatalf("expected app-not-running error, got %v", err)
	}
	if len(r.osascripts()) != 0 {
		t.Fatal("no keystrokes may be sent when the app is not running")
	}
}

func TestDesktop_SendRequiresFocus(t *testing.T) {
	d := newTestDesktop(&fakeRunner{running: map[string]bool{"WeChat": true}})
	ctx := context.Background()
	for _, err := range []error{d.SendText(ctx, "hi"), d.AttachFile(ctx, "/x"), d.AttachClipboardImage(ctx)} {
		if !errors.Is(err, domain.ErrNotFocused) {
			t.Fatalf("expected ErrNotFocused, got %v", err)
		}
	}
}

func TestDesktop_FailedFocusClearsFocus(t *testing.T) {
	r := &fakeRunner{running: map[string]bool{"WeChat": true}}
	d := newTestDesktop(r)
	ctx := context.Background()
	if err := d.Focus(ctx, "Alice"); err != nil {
		t.Fatal(err)
	}
	r.failOn = "keystroke \"f\""
	if err := d.Focus(ctx, "Bob"); err == nil {
		t.Fatal("expected focus failure")
	}
	if err := d.SendText(ctx, "hi"); !errors.Is(err, domain.ErrNotFocused) {
		t.Fatalf("text must not go to the previous chat, got %v", err)
	}
}

func TestDesktop_Primitives(t *testing.T) {
	r := &fakeRunner{running: map[string]bool{"WeChat": true}}
	d := newTestDesktop(r)
	ctx := context.Background()

	file := filepath.Join(t.TempDir(), "report.pdf")
	os.WriteFile(file, []byte("%PDF"), 0o644)

	if err := d.Focus(ctx, "Alice"); err != nil {
		t.Fatal(err)
	}
	if err := d.SendText(ctx, "line1\nline2"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if err := d.AttachFile(ctx, file); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := d.AttachClipboardImage(ctx); err != nil {
		t.Fatalf("clipboard: %v", err)
	}

	scripts := r.osascripts()
	if len(scripts) != 4 {
		t.Fatalf("expected 4 osascript calls, got %d", len(scripts))
	}
	if scripts[1][1] != pasteTextScript || scripts[1][3] != "line1\nline2" {
		t.Fatalf("unexpected text invocation %q", scripts[1])
	}
	if scripts[2][1] != pasteFileScript || scripts[2][3] != file {
		t.Fatalf("unexpected file invocation %q", scripts[2])
	}
	if scripts[3][1] != pasteClipboardScript {
		t.Fatalf("unexpected clipboard invocation %q", scripts[3])
	}
}

func TestDesktop_AttachMissingFile(t *testing.T) {
	r := &fakeRunner{running: map[string]bool{"WeChat": true}}
	d := newTestDesktop(r)
	d.Focus(context.Background(), "Alice")
	if err := d.AttachFile(context.Background(), "/definitely/not/here.png"); err == nil {
		t.Fatal("expected error for missing attachment")
	}
}

func TestDesktop_Probe(t *testing.T) {
	r := &fakeRunner{running: map[string]bool{"WeChat": true}}
	if err := newTestDesktop(r).Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}

	r = &fakeRunner{running: map[string]bool{"WeChat": true}, failOn: "System Events"}
	if err := newTestDesktop(r).Probe(context.Background()); err == nil {
		t.Fatal("expected accessibility failure")
	}
}
