package canary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionError wraps SAF session lifecycle failures.
type SessionError struct {
	Op    string
	Cause error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("saf session %s: %v", e.Op, e.Cause)
}

func (e *SessionError) Unwrap() error { return e.Cause }

// SessionConfig carries the SAF session settings.
type SessionConfig struct {
	BaseURL            string
	APIToken           string
	ClientID           string
	Historians         []string
	SessionTimeout     time.Duration
	AutoCreateDatasets bool
	KeepaliveIdle      time.Duration
	KeepaliveJitter    time.Duration
}

// SessionManager owns one SAF session token. Acquisition and keepalive are
// serialized: concurrent callers of EnsureSession wait on the mutex rather
// than racing to acquire.
type SessionManager struct {
	cfg    SessionConfig
	client *http.Client
	logger *zap.Logger

	mu            sync.Mutex
	token         string
	lastUsed      time.Time
	lastKeepalive time.Time
}

// NewSessionManager builds a manager. client may be nil, in which case a
// default client with the session timeout plus headroom is used.
func NewSessionManager(cfg SessionConfig, client *http.Client, logger *zap.Logger) (*SessionManager, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("session manager: base URL must be set")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("session manager: API token must be set")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "uns-metadata-sync"
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 120 * time.Second
	}
	if cfg.KeepaliveIdle <= 0 {
		cfg.KeepaliveIdle = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.SessionTimeout + 5*time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		cfg:    cfg,
		client: client,
		logger: logger,
	}, nil
}

// EnsureSession returns a valid session token, acquiring one if absent and
// issuing an idle keepalive when due.
func (m *SessionManager) EnsureSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" {
		if err := m.acquireLocked(ctx); err != nil {
			return "", err
		}
	} else {
		m.maybeKeepaliveLocked(ctx)
		if m.token == "" {
			if err := m.acquireLocked(ctx); err != nil {
				return "", err
			}
		}
	}
	return m.token, nil
}

// MarkUsed resets the idle timer after a successful write; recent writes
// suppress keepalives.
func (m *SessionManager) MarkUsed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUsed = time.Now()
}

// OnBadSession discards the cached token so the next EnsureSession
// reacquires.
func (m *SessionManager) OnBadSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
}

// Shutdown revokes the current token, best effort.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	token := m.token
	m.token = ""
	m.mu.Unlock()
	if token == "" {
		return
	}
	if err := m.post(ctx, "/revokeSessionToken", map[string]any{"sessionToken": token}, nil); err != nil {
		m.logger.Debug("session revoke failed", zap.Error(err))
	}
}

func (m *SessionManager) acquireLocked(ctx context.Context) error {
	body := map[string]any{
		"apiToken":   m.cfg.APIToken,
		"clientId":   m.cfg.ClientID,
		"historians": m.cfg.Historians,
		"settings": map[string]any{
			"clientTimeout":      m.cfg.SessionTimeout.Milliseconds(),
			"autoCreateDatasets": m.cfg.AutoCreateDatasets,
		},
	}
	var resp struct {
		SessionToken string `json:"sessionToken"`
	}
	if err := m.post(ctx, "/getSessionToken", body, &resp); err != nil {
		return &SessionError{Op: "acquire", Cause: err}
	}
	if resp.SessionToken == "" {
		return &SessionError{Op: "acquire", Cause: fmt.Errorf("response missing sessionToken")}
	}
	m.token = resp.SessionToken
	now := time.Now()
	m.lastUsed = now
	m.lastKeepalive = now
	m.logger.Info("saf session acquired", zap.String("client_id", m.cfg.ClientID))
	return nil
}

func (m *SessionManager) maybeKeepaliveLocked(ctx context.Context) {
	idle := time.Since(m.lastUsed)
	if idle < m.cfg.KeepaliveIdle {
		return
	}
	if m.cfg.KeepaliveJitter > 0 {
		jitter := time.Duration(rand.Int63n(int64(m.cfg.KeepaliveJitter)))
		if idle < m.cfg.KeepaliveIdle+jitter {
			return
		}
	}
	err := m.post(ctx, "/keepAlive", map[string]any{"sessionToken": m.token}, nil)
	if err != nil {
		// A dead session cannot be kept alive; drop it so the caller
		// reacquires.
		m.logger.Warn("saf keepalive failed", zap.Error(err))
		m.token = ""
		return
	}
	now := time.Now()
	m.lastKeepalive = now
	m.lastUsed = now
	m.logger.Debug("saf keepalive sent", zap.Duration("idle", idle))
}

func (m *SessionManager) post(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	url := strings.TrimRight(m.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(snippet))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
