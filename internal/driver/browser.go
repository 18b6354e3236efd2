package driver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"batchbot/internal/domain"
)

// Selectors locates the parts of a web chat client.
type Selectors struct {
	Search      string // search box
	FirstResult string // first search hit
	ChatTitle   string // header of the open conversation
	Input       string // message composer
	Send        string // send button
	FileInput   string // <input type="file"> used for attachments
}

// SelectorsFromMap reads selectors from config keys (search, firstResult,
// chatTitle, input, send, fileInput).
func SelectorsFromMap(m map[string]string) Selectors {
	return Selectors{
		Search:      m["search"],
		FirstResult: m["firstResult"],
		ChatTitle:   m["chatTitle"],
		Input:       m["input"],
		Send:        m["send"],
		FileInput:   m["fileInput"],
	}
}

const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Browser drives a web chat client in Chrome. The tab stays open across
// primitives; the profile directory keeps the login session.
type Browser struct {
	url        string
	profileDir string
	headless   bool
	timeout    time.Duration
	sel        Selectors
	logger     *slog.Logger

	mu      sync.Mutex
	tabCtx  context.Context
	cancel  context.CancelFunc
	focused string
}

type BrowserConfig struct {
	URL        string
	ProfileDir string // Chrome user data directory (persists cookies/sessions)
	Headless   bool
	Timeout    time.Duration // per primitive
	Selectors  Selectors
	Logger     *slog.Logger
}

func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".batchbot", "chrome-profile")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Browser{
		url:        cfg.URL,
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		timeout:    cfg.Timeout,
		sel:        cfg.Selectors,
		logger:     cfg.Logger,
	}
}

func (b *Browser) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(browserUserAgent),
	)
	if headless {
		return append(opts, chromedp.Headless)
	}
	return append(opts, chromedp.Flag("headless", false))
}

// tab returns the long-lived tab, starting Chrome and opening the chat
// client on first use.
func (b *Browser) tab() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tabCtx != nil {
		return b.tabCtx, nil
	}
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions(b.headless)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	navCtx, navCancel := context.WithTimeout(tabCtx, b.timeout)
	defer navCancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(b.url), chromedp.WaitReady("body")); err != nil {
		cancel()
		return nil, fmt.Errorf("open %s: %w", b.url, err)
	}
	b.logger.Info("browser chat client opened", "url", b.url, "profile", b.profileDir)
	b.tabCtx, b.cancel = tabCtx, cancel
	return tabCtx, nil
}

// run executes actions in the tab, bounded by the per-primitive timeout and
// by ctx.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	tab, err := b.tab()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(tab, b.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (b *Browser) Focus(ctx context.Context, recipient string) error {
	b.focused = ""
	var title string
	err := b.run(ctx,
		chromedp.WaitVisible(b.sel.Search, chromedp.ByQuery),
		chromedp.Click(b.sel.Search, chromedp.ByQuery),
		chromedp.SetValue(b.sel.Search, "", chromedp.ByQuery),
		chromedp.SendKeys(b.sel.Search, recipient, chromedp.ByQuery),
		chromedp.WaitVisible(b.sel.FirstResult, chromedp.ByQuery),
		chromedp.Click(b.sel.FirstResult, chromedp.ByQuery),
		chromedp.WaitVisible(b.sel.ChatTitle, chromedp.ByQuery),
		chromedp.Text(b.sel.ChatTitle, &title, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	if !strings.Contains(strings.TrimSpace(title), recipient) {
		return fmt.Errorf("opened chat %q instead of %q", strings.TrimSpace(title), recipient)
	}
	b.focused = recipient
	return nil
}

func (b *Browser) SendText(ctx context.Context, text string) error {
	if b.focused == "" {
		return domain.ErrNotFocused
	}
	actions := []chromedp.Action{
		chromedp.WaitVisible(b.sel.Input, chromedp.ByQuery),
		chromedp.Click(b.sel.Input, chromedp.ByQuery),
	}
	// Enter would send each line separately; Shift+Enter breaks the line
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			actions = append(actions, chromedp.KeyEvent(kb.Enter, chromedp.KeyModifiers(input.ModifierShift)))
		}
		if line != "" {
			actions = append(actions, chromedp.SendKeys(b.sel.Input, line, chromedp.ByQuery))
		}
	}
	actions = append(actions, chromedp.Click(b.sel.Send, chromedp.ByQuery))
	if err := b.run(ctx, actions...); err != nil {
		return fmt.Errorf("type message: %w", err)
	}
	return nil
}

func (b *Browser) AttachFile(ctx context.Context, path string) error {
	if b.focused == "" {
		return domain.ErrNotFocused
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("attachment: %w", err)
	}
	err = b.run(ctx,
		chromedp.SetUploadFiles(b.sel.FileInput, []string{abs}, chromedp.ByQuery),
		chromedp.WaitVisible(b.sel.Send, chromedp.ByQuery),
		chromedp.Click(b.sel.Send, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	return nil
}

// AttachClipboardImage is not available: a page cannot read the OS clipboard
// without a user gesture.
func (b *Browser) AttachClipboardImage(context.Context) error {
	return fmt.Errorf("browser: clipboard images: %w", domain.ErrUnsupported)
}

// Probe opens the client and waits for the search box, which only appears
// once logged in.
func (b *Browser) Probe(ctx context.Context) error {
	if err := b.run(ctx, chromedp.WaitVisible(b.sel.Search, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("chat client not ready (logged in?): %w", err)
	}
	return nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.tabCtx, b.cancel = nil, nil
	}
	return nil
}

// Login opens a visible browser on the chat client so the user can sign in.
// The session is kept in the profile directory when ctx is cancelled.
func (b *Browser) Login(ctx context.Context) error {
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	b.logger.Info("opening browser for login", "url", b.url)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.allocatorOptions(false)...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(b.url)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}

	b.logger.Info("browser opened. Please log in, then press Ctrl+C.")
	<-ctx.Done()
	b.logger.Info("login session saved", "profile", b.profileDir)
	return nil
}
