// Package driver provides domain.Driver implementations: the desktop chat
// client via AppleScript, a web chat client via Chrome, bot APIs (Telegram,
// Slack, Discord), a remote agent over WebSocket, and a dry-run logger.
package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"batchbot/internal/config"
	"batchbot/internal/domain"
)

// New builds the driver selected by cfg.Kind, throttled when
// cfg.RatePerMinute is set.
func New(cfg config.DriverConfig, logger *slog.Logger) (domain.Driver, error) {
	var d domain.Driver
	switch cfg.Kind {
	case "desktop":
		d = NewDesktop(DesktopConfig{
			App:          cfg.Desktop.App,
			ProcessNames: cfg.Desktop.ProcessNames,
			SearchDelay:  time.Duration(cfg.Desktop.SearchDelayMs) * time.Millisecond,
			StepDelay:    time.Duration(cfg.Desktop.StepDelayMs) * time.Millisecond,
			Logger:       logger,
		})
	case "browser":
		d = NewBrowser(BrowserConfigFrom(cfg.Browser, logger))
	case "telegram":
		d = NewTelegram(TelegramConfig{Token: cfg.Telegram.Token, Chats: cfg.Telegram.Chats, Logger: logger})
	case "slack":
		d = NewSlack(SlackConfig{BotToken: cfg.Slack.BotToken, Channels: cfg.Slack.Channels, Logger: logger})
	case "discord":
		d = NewDiscord(DiscordConfig{Token: cfg.Discord.Token, Channels: cfg.Discord.Channels, Logger: logger})
	case "remote":
		d = NewRemote(RemoteConfig{
			URL:     cfg.Remote.URL,
			Token:   cfg.Remote.Token,
			Timeout: time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
			Logger:  logger,
		})
	case "dryrun":
		d = NewDryRun(logger)
	default:
		return nil, fmt.Errorf("unknown driver kind %q", cfg.Kind)
	}

	if cfg.RatePerMinute > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		d = Throttle(d, rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), burst)
	}
	return d, nil
}

// BrowserConfigFrom maps the browser config section to a BrowserConfig.
func BrowserConfigFrom(c config.BrowserConfig, logger *slog.Logger) BrowserConfig {
	return BrowserConfig{
		URL:        c.URL,
		ProfileDir: c.ProfileDir,
		Headless:   c.Headless,
		Timeout:    time.Duration(c.TimeoutSeconds) * time.Second,
		Selectors:  SelectorsFromMap(c.Selectors),
		Logger:     logger,
	}
}

// Probe checks driver readiness when the driver supports it.
func Probe(ctx context.Context, d domain.Driver) error {
	if p, ok := d.(domain.Prober); ok {
		return p.Probe(ctx)
	}
	return nil
}

// Close releases driver resources when the driver holds any.
func Close(d domain.Driver) error {
	if c, ok := d.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Throttled paces every primitive through a token bucket so a batch does not
// trip the chat client's anti-spam limits.
type Throttled struct {
	next    domain.Driver
	limiter *rate.Limiter
}

// Throttle wraps d so at most burst primitives run back to back and the
// sustained rate stays at limit.
func Throttle(d domain.Driver, limit rate.Limit, burst int) *Throttled {
	return &Throttled{next: d, limiter: rate.NewLimiter(limit, burst)}
}

func (t *Throttled) Focus(ctx context.Context, recipient string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.next.Focus(ctx, recipient)
}

func (t *Throttled) SendText(ctx context.Context, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.next.SendText(ctx, text)
}

func (t *Throttled) AttachFile(ctx context.Context, path string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.next.AttachFile(ctx, path)
}

func (t *Throttled) AttachClipboardImage(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.next.AttachClipboardImage(ctx)
}

func (t *Throttled) Probe(ctx context.Context) error { return Probe(ctx, t.next) }
func (t *Throttled) Close() error                    { return Close(t.next) }

// DryRun logs every primitive and always succeeds.
type DryRun struct {
	logger  *slog.Logger
	current string
}

func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger}
}

func (d *DryRun) Focus(_ context.Context, recipient string) error {
	d.current = recipient
	d.logger.Info("dry-run: focus", "recipient", recipient)
	return nil
}

func (d *DryRun) SendText(_ context.Context, text string) error {
	d.logger.Info("dry-run: send text", "recipient", d.current, "chars", len([]rune(text)))
	return nil
}

func (d *DryRun) AttachFile(_ context.Context, path string) error {
	d.logger.Info("dry-run: attach file", "recipient", d.current, "path", path)
	return nil
}

func (d *DryRun) AttachClipboardImage(_ context.Context) error {
	d.logger.Info("dry-run: paste clipboard image", "recipient", d.current)
	return nil
}

// splitMessage splits a message into chunks that fit within maxLen bytes,
// cutting after a newline when one falls in the second half of the chunk.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		} else {
			// never split inside a UTF-8 sequence
			for cut > 0 && !isRuneStart(msg[cut]) {
				cut--
			}
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// resolve maps a recipient display name to a transport ID through the
// configured directory. Names absent from the directory are used verbatim.
func resolve(directory map[string]string, recipient string) string {
	if id, ok := directory[recipient]; ok && id != "" {
		return id
	}
	return recipient
}
