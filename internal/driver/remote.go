package driver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"batchbot/internal/domain"
)

// Wire protocol between the remote driver and `batchbot agent`: one JSON
// request per primitive, answered by exactly one response with the same ID.
const (
	opFocus     = "focus"
	opSendText  = "send_text"
	opAttach    = "attach_file"
	opClipboard = "attach_clipboard_image"
	opProbe     = "probe"
)

// RemoteRequest is one primitive invocation sent to the agent.
type RemoteRequest struct {
	ID        string `json:"id"`
	Op        string `json:"op"`
	Recipient string `json:"recipient,omitempty"`
	Text      string `json:"text,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	FileData  []byte `json:"file_data,omitempty"`
}

// RemoteResponse is the agent's answer to a RemoteRequest.
type RemoteResponse struct {
	ID          string `json:"id"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	Unsupported bool   `json:"unsupported,omitempty"`
}

// Remote forwards primitives to a batchbot agent running next to the chat
// client, typically a desktop host reachable over the network.
type Remote struct {
	url     string
	token   string
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// RemoteConfig configures a Remote driver.
type RemoteConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewRemote creates a remote driver; the connection is dialed on first use.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Remote{url: cfg.URL, token: cfg.Token, timeout: cfg.Timeout, logger: cfg.Logger}
}

func (r *Remote) dial(ctx context.Context) (*websocket.Conn, error) {
	if r.conn != nil {
		return r.conn, nil
	}
	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, r.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("agent rejected token")
		}
		return nil, fmt.Errorf("dial agent %s: %w", r.url, err)
	}
	r.logger.Info("connected to agent", "url", r.url)
	r.conn = conn
	return conn, nil
}

// call performs one round trip. A transport failure drops the connection so
// the next call redials.
func (r *Remote) call(ctx context.Context, req RemoteRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}
	req.ID = uuid.NewString()

	deadline := time.Now().Add(r.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	// unblock the read when ctx is cancelled
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	var resp RemoteResponse
	if err := conn.WriteJSON(req); err != nil {
		r.drop()
		return fmt.Errorf("agent write: %w", err)
	}
	if err := conn.ReadJSON(&resp); err != nil {
		r.drop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("agent read: %w", err)
	}
	if resp.ID != req.ID {
		r.drop()
		return fmt.Errorf("agent answered request %s, expected %s", resp.ID, req.ID)
	}
	if resp.OK {
		return nil
	}
	if resp.Unsupported {
		return fmt.Errorf("agent: %s: %w", resp.Error, domain.ErrUnsupported)
	}
	return errors.New("agent: " + resp.Error)
}

func (r *Remote) drop() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

// Focus asks the agent to open the recipient's chat.
func (r *Remote) Focus(ctx context.Context, recipient string) error {
	return r.call(ctx, RemoteRequest{Op: opFocus, Recipient: recipient})
}

// SendText asks the agent to type and send text in the focused chat.
func (r *Remote) SendText(ctx context.Context, text string) error {
	return r.call(ctx, RemoteRequest{Op: opSendText, Text: text})
}

// AttachFile ships the file's bytes; paths are local to this host.
func (r *Remote) AttachFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("attachment: %w", err)
	}
	return r.call(ctx, RemoteRequest{Op: opAttach, FileName: filepath.Base(path), FileData: data})
}

// AttachClipboardImage asks the agent to paste its clipboard image.
func (r *Remote) AttachClipboardImage(ctx context.Context) error {
	return r.call(ctx, RemoteRequest{Op: opClipboard})
}

// Probe checks that the agent and its local driver are reachable.
func (r *Remote) Probe(ctx context.Context) error {
	return r.call(ctx, RemoteRequest{Op: opProbe})
}

// Close ends the websocket session with a normal closure.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	r.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.drop()
	return nil
}

// Agent serves the remote driver protocol, executing requests on a local
// driver. One client is served at a time; the local UI has a single focus.
type Agent struct {
	driver   domain.Driver
	token    string
	logger   *slog.Logger
	upgrader websocket.Upgrader
	busy     sync.Mutex
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	Driver domain.Driver
	Token  string // empty = no authentication
	Logger *slog.Logger
}

// NewAgent creates an agent executing requests on cfg.Driver.
func NewAgent(cfg AgentConfig) *Agent {
	return &Agent{
		driver: cfg.Driver,
		token:  cfg.Token,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// controllers are CLIs, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (a *Agent) authorized(r *http.Request) bool {
	if a.token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) == 1
}

// ServeHTTP upgrades an authorized request and serves primitives until the
// client disconnects.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !a.busy.TryLock() {
		http.Error(w, "agent busy with another controller", http.StatusConflict)
		return
	}
	defer a.busy.Unlock()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("agent upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	a.logger.Info("controller connected", "remote", r.RemoteAddr)

	// attachments live until the controller disconnects; the chat client may
	// read them after the paste returns
	spool, err := os.MkdirTemp("", "batchbot-agent-")
	if err != nil {
		a.logger.Error("agent spool dir", "err", err)
		return
	}
	defer os.RemoveAll(spool)

	for {
		var req RemoteRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Error("agent read error", "err", err)
			}
			a.logger.Info("controller disconnected", "remote", r.RemoteAddr)
			return
		}

		resp := RemoteResponse{ID: req.ID, OK: true}
		if err := a.execute(r.Context(), req, spool); err != nil {
			resp.OK = false
			resp.Error = err.Error()
			resp.Unsupported = errors.Is(err, domain.ErrUnsupported)
			a.logger.Warn("primitive failed", "op", req.Op, "err", err)
		} else {
			a.logger.Debug("primitive done", "op", req.Op)
		}
		if err := conn.WriteJSON(resp); err != nil {
			a.logger.Error("agent write error", "err", err)
			return
		}
	}
}

func (a *Agent) execute(ctx context.Context, req RemoteRequest, spool string) error {
	switch req.Op {
	case opFocus:
		return a.driver.Focus(ctx, req.Recipient)
	case opSendText:
		return a.driver.SendText(ctx, req.Text)
	case opAttach:
		return a.attach(ctx, req, spool)
	case opClipboard:
		return a.driver.AttachClipboardImage(ctx)
	case opProbe:
		return Probe(ctx, a.driver)
	default:
		return fmt.Errorf("unknown op %q: %w", req.Op, domain.ErrUnsupported)
	}
}

// attach materializes the shipped bytes in the spool, keeping the original
// file name so the chat shows it.
func (a *Agent) attach(ctx context.Context, req RemoteRequest, spool string) error {
	name := filepath.Base(req.FileName)
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return fmt.Errorf("invalid file name %q", req.FileName)
	}
	dir, err := os.MkdirTemp(spool, "f")
	if err != nil {
		return err
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, req.FileData, 0o600); err != nil {
		return err
	}
	return a.driver.AttachFile(ctx, path)
}
