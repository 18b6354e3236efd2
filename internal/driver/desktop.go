package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"batchbot/internal/domain"
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Desktop drives a native chat application through System Events: the
// search shortcut locates a chat, and every payload goes through the
// clipboard followed by Return.
type Desktop struct {
	app          string
	processNames []string
	searchDelay  time.Duration
	stepDelay    time.Duration
	runner       Runner
	logger       *slog.Logger
	focused      string
}

// DesktopConfig configures the desktop driver.
type DesktopConfig struct {
	App          string
	ProcessNames []string
	SearchDelay  time.Duration
	StepDelay    time.Duration
	Runner       Runner // nil = os/exec
	Logger       *slog.Logger
}

// NewDesktop creates a desktop driver for cfg.App.
func NewDesktop(cfg DesktopConfig) *Desktop {
	if cfg.Runner == nil {
		cfg.Runner = execRunner{}
	}
	if len(cfg.ProcessNames) == 0 {
		cfg.ProcessNames = []string{cfg.App}
	}
	return &Desktop{
		app:          cfg.App,
		processNames: cfg.ProcessNames,
		searchDelay:  cfg.SearchDelay,
		stepDelay:    cfg.StepDelay,
		runner:       cfg.Runner,
		logger:       cfg.Logger,
	}
}

// The scripts take their inputs through argv so recipient names and message
// text never need AppleScript quoting. The user's clipboard is saved before
// and restored after every step that overwrites it.

const focusScript = `on run argv
	set appName to item 1 of argv
	set target to item 2 of argv
	set stepDelay to (item 3 of argv) as real
	set searchDelay to (item 4 of argv) as real
	set saved to missing value
	try
		set saved to the clipboard
	end try
	tell application appName to activate
	delay stepDelay
	set the clipboard to target
	tell application "System Events"
		keystroke "f" using {command down}
		delay stepDelay
		keystroke "v" using {command down}
		delay searchDelay
		key code 36
		delay stepDelay
	end tell
	if saved is not missing value then set the clipboard to saved
end run`

const pasteTextScript = `on run argv
	set appName to item 1 of argv
	set payload to item 2 of argv
	set stepDelay to (item 3 of argv) as real
	set saved to missing value
	try
		set saved to the clipboard
	end try
	set the clipboard to payload
	tell application appName to activate
	tell application "System Events"
		keystroke "v" using {command down}
		delay stepDelay
		key code 36
		delay stepDelay
	end tell
	if saved is not missing value then set the clipboard to saved
end run`

const pasteFileScript = `on run argv
	set appName to item 1 of argv
	set filePath to item 2 of argv
	set stepDelay to (item 3 of argv) as real
	set saved to missing value
	try
		set saved to the clipboard
	end try
	set the clipboard to (POSIX file filePath)
	tell application appName to activate
	tell application "System Events"
		keystroke "v" using {command down}
		delay stepDelay
		key code 36
		delay stepDelay
	end tell
	if saved is not missing value then set the clipboard to saved
end run`

const pasteClipboardScript = `on run argv
	set appName to item 1 of argv
	set stepDelay to (item 2 of argv) as real
	tell application appName to activate
	tell application "System Events"
		keystroke "v" using {command down}
		delay stepDelay
		key code 36
		delay stepDelay
	end tell
end run`

const accessibilityScript = `tell application "System Events" to return true`

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func (d *Desktop) osascript(ctx context.Context, script string, args ...string) error {
	argv := append([]string{"-e", script}, args...)
	_, err := d.runner.Run(ctx, "osascript", argv...)
	return err
}

// Focus opens the recipient's chat through the app's search box.
func (d *Desktop) Focus(ctx context.Context, recipient string) error {
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("empty chat name")
	}
	d.focused = ""
	if err := d.ensureRunning(ctx); err != nil {
		return err
	}
	d.logger.Debug("searching chat", "app", d.app, "recipient", recipient)
	if err := d.osascript(ctx, focusScript, d.app, recipient, seconds(d.stepDelay), seconds(d.searchDelay)); err != nil {
		return fmt.Errorf("search chat: %w", err)
	}
	d.focused = recipient
	return nil
}

// SendText pastes text into the focused chat and sends it.
func (d *Desktop) SendText(ctx context.Context, text string) error {
	if d.focused == "" {
		return domain.ErrNotFocused
	}
	if text == "" {
		return fmt.Errorf("empty message")
	}
	if err := d.osascript(ctx, pasteTextScript, d.app, text, seconds(d.stepDelay)); err != nil {
		return fmt.Errorf("paste text: %w", err)
	}
	return nil
}

// AttachFile puts the file on the clipboard, pastes it and sends it.
func (d *Desktop) AttachFile(ctx context.Context, path string) error {
	if d.focused == "" {
		return domain.ErrNotFocused
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("attachment: %w", err)
	}
	if err := d.osascript(ctx, pasteFileScript, d.app, abs, seconds(d.stepDelay)); err != nil {
		return fmt.Errorf("paste file: %w", err)
	}
	return nil
}

// AttachClipboardImage pastes the current clipboard image and sends it.
func (d *Desktop) AttachClipboardImage(ctx context.Context) error {
	if d.focused == "" {
		return domain.ErrNotFocused
	}
	if err := d.osascript(ctx, pasteClipboardScript, d.app, seconds(d.stepDelay)); err != nil {
		return fmt.Errorf("paste clipboard: %w", err)
	}
	return nil
}

// Probe checks the application is running and System Events is scriptable
// (the accessibility permission has been granted).
func (d *Desktop) Probe(ctx context.Context) error {
	if err := d.ensureRunning(ctx); err != nil {
		return err
	}
	if err := d.osascript(ctx, accessibilityScript); err != nil {
		return fmt.Errorf("accessibility permission missing: %w", err)
	}
	return nil
}

var errAppNotRunning = errors.New("chat application is not running")

func (d *Desktop) ensureRunning(ctx context.Context) error {
	for _, name := range d.processNames {
		if _, err := d.runner.Run(ctx, "pgrep", "-x", name); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w (looked for %s)", errAppNotRunning, strings.Join(d.processNames, ", "))
}
