// Package token keeps the Bling OAuth2 credential perpetually valid: it
// loads and persists the token file, renews through refresh-grant or
// client-credentials exchanges, backs off and escalates when the
// authorization server rejects us, and runs a background job so tokens stay
// warm even without traffic. No failure in this package ever terminates the
// process; every broken path degrades to "no token available".
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// longExpiredCutoff is the policy boundary past which a stored refresh
	// token is assumed dead: renewal skips the refresh-grant round trip and
	// goes straight to client-credentials.
	longExpiredCutoff = 12 * time.Hour

	exchangeTimeout = 10 * time.Second
	maxAttempts     = 3
)

// retryBackoff are the waits between retries of a single exchange on
// connection or timeout errors. HTTP error responses are never retried here.
var retryBackoff = []time.Duration{2 * time.Second, 4 * time.Second}

// Config holds the credentials and endpoints for the Bling OAuth2 flows.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	AuthorizeURL string
	RedirectURI  string
	Scopes       string

	TokenFile string
	EnvFile   string
	EnvKey    string

	// RecoveryWebhookURL, when set, delegates recovery to an external
	// operator-controlled process instead of escalating locally.
	RecoveryWebhookURL string
}

// Notifier delivers best-effort failure alerts to an operator channel.
// Errors from the notifier are logged and swallowed.
type Notifier interface {
	NotifyTokenFailure(ctx context.Context, failures int, lastErr error, authURL string) error
}

// Manager owns the credential record and all renewal machinery. All other
// components read tokens exclusively through GetValidToken.
type Manager struct {
	cfg      Config
	store    *Store
	client   *http.Client
	logger   *slog.Logger
	notifier Notifier

	mu     sync.Mutex // guards record; never held across network calls
	record *Record

	renewMu  sync.Mutex // serializes renewal exchanges
	recovery recoveryState

	jobMu      sync.Mutex
	jobRunning bool
	stopChan   chan struct{}

	now   func() time.Time
	sleep func(time.Duration)
}

// NewManager creates a manager and loads any persisted record. notifier may
// be nil.
func NewManager(cfg Config, notifier Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	store := NewStore(cfg.TokenFile, cfg.EnvFile, cfg.EnvKey, logger)
	m := &Manager{
		cfg:      cfg,
		store:    store,
		client:   &http.Client{Timeout: exchangeTimeout},
		logger:   logger,
		notifier: notifier,
		now:      time.Now,
		sleep:    time.Sleep,
	}
	m.record = store.Load()
	if m.record != nil {
		logger.Info("Token loaded from file",
			"component", "token.manager",
			"has_refresh_token", m.record.RefreshToken != "",
		)
	} else {
		logger.Warn("No stored token available, authorization required",
			"component", "token.manager",
		)
	}
	return m
}

// GetValidToken returns a usable access token, renewing first when the
// record is inside the on-demand safety margin. When renewal fails but the
// current token has not actually expired yet, the nearly-expired token is
// returned rather than nothing.
func (m *Manager) GetValidToken(ctx context.Context) (string, bool) {
	m.reloadIfChanged()

	m.mu.Lock()
	rec := m.record
	m.mu.Unlock()

	if rec.Stale(m.now(), OnDemandMargin) {
		if !m.refreshIfStale(ctx, OnDemandMargin) {
			m.mu.Lock()
			rec = m.record
			m.mu.Unlock()
			if rec.Stale(m.now(), 0) {
				m.logger.Error("Token expired and renewal failed",
					"component", "token.manager",
				)
				return "", false
			}
			m.logger.Warn("Renewal failed, using token close to expiry",
				"component", "token.manager",
			)
			return rec.AccessToken, true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil || m.record.AccessToken == "" {
		return "", false
	}
	return m.record.AccessToken, true
}

// Refresh performs one renewal cycle: refresh-grant when a plausible refresh
// token exists, client-credentials otherwise or as fallback on
// invalid_grant. While in error state and inside the backoff window it
// returns false without touching the network. Returns true only after a new
// record has been persisted.
func (m *Manager) Refresh(ctx context.Context) bool {
	m.renewMu.Lock()
	defer m.renewMu.Unlock()
	return m.doRefresh(ctx)
}

// refreshIfStale renews only when the record is still stale after the
// renewal lock is acquired. The double check keeps concurrent callers from
// stacking redundant exchanges behind one slow renewal.
func (m *Manager) refreshIfStale(ctx context.Context, margin time.Duration) bool {
	m.renewMu.Lock()
	defer m.renewMu.Unlock()

	m.mu.Lock()
	rec := m.record
	m.mu.Unlock()
	if !rec.Stale(m.now(), margin) {
		return true
	}
	return m.doRefresh(ctx)
}

// doRefresh runs one renewal cycle. Caller must hold renewMu.
func (m *Manager) doRefresh(ctx context.Context) bool {
	if !m.recovery.shouldAttempt(m.now()) {
		failures, _ := m.recovery.snapshot()
		m.logger.Warn("Renewal suppressed, inside backoff window",
			"component", "token.manager",
			"consecutive_failures", failures,
			"backoff", backoffWindow(failures).String(),
		)
		return false
	}

	m.mu.Lock()
	rec := m.record
	var refreshToken string
	var expiredFor time.Duration
	if rec != nil {
		refreshToken = rec.RefreshToken
		expiredFor = rec.ExpiredFor(m.now())
	}
	m.mu.Unlock()

	var newRec *Record
	var err error

	switch {
	case refreshToken == "":
		m.logger.Info("No refresh token, using client-credentials grant",
			"component", "token.manager",
		)
		newRec, err = m.credentialGrant(ctx)
	case expiredFor > longExpiredCutoff:
		m.logger.Info("Token long expired, skipping refresh-grant",
			"component", "token.manager",
			"expired_for", expiredFor.String(),
		)
		newRec, err = m.credentialGrant(ctx)
	default:
		newRec, err = m.refreshGrant(ctx, refreshToken)
		if IsInvalidGrant(err) {
			m.logger.Warn("Refresh token rejected, falling back to client-credentials grant",
				"component", "token.manager",
				"error", err,
			)
			newRec, err = m.credentialGrant(ctx)
		}
	}

	if err != nil {
		m.handleFailure(ctx, err)
		return false
	}

	m.commit(newRec)
	return true
}

// CreateFromAuthCode exchanges an authorization code for a fresh credential
// record and persists it. Used for the initial bootstrap and after a
// last-resort credential wipe.
func (m *Manager) CreateFromAuthCode(ctx context.Context, code, redirectURI string) error {
	if redirectURI == "" {
		redirectURI = m.cfg.RedirectURI
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	rec, err := m.exchange(ctx, form)
	if err != nil {
		return fmt.Errorf("authorization code exchange failed: %w", err)
	}
	m.commit(rec)
	m.logger.Info("Initial token obtained from authorization code",
		"component", "token.manager",
	)
	return nil
}

// AuthorizationURL builds the operator-facing URL to restart the
// authorization-code flow.
func (m *Manager) AuthorizationURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", m.cfg.ClientID)
	q.Set("state", state)
	q.Set("redirect_uri", m.cfg.RedirectURI)
	q.Set("scope", m.cfg.Scopes)
	return m.cfg.AuthorizeURL + "?" + q.Encode()
}

// Status describes the manager for the admin API.
type Status struct {
	Configured          bool      `json:"configured"`
	HasRefreshToken     bool      `json:"has_refresh_token"`
	ValidUntil          time.Time `json:"valid_until,omitzero"`
	Stale               bool      `json:"stale"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	InErrorState        bool      `json:"in_error_state"`
}

// CurrentStatus reports the manager state without triggering renewal.
func (m *Manager) CurrentStatus() Status {
	m.mu.Lock()
	rec := m.record
	m.mu.Unlock()

	failures, inError := m.recovery.snapshot()
	st := Status{
		ConsecutiveFailures: failures,
		InErrorState:        inError,
	}
	if rec != nil && rec.AccessToken != "" {
		st.Configured = true
		st.HasRefreshToken = rec.RefreshToken != ""
		st.ValidUntil = rec.ValidUntil()
		st.Stale = rec.Stale(m.now(), OnDemandMargin)
	}
	return st
}

// refreshGrant exchanges the stored refresh token for a new record.
func (m *Manager) refreshGrant(ctx context.Context, refreshToken string) (*Record, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return m.exchange(ctx, form)
}

// credentialGrant requests a token with only the client credentials. The
// resulting record carries no refresh token.
func (m *Manager) credentialGrant(ctx context.Context) (*Record, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if m.cfg.Scopes != "" {
		form.Set("scope", m.cfg.Scopes)
	}
	rec, err := m.exchange(ctx, form)
	if err != nil {
		return nil, err
	}
	rec.RefreshToken = ""
	return rec, nil
}

// exchange performs one token-endpoint round trip with HTTP Basic auth,
// retrying connection and timeout errors with increasing backoff. HTTP error
// responses are parsed for classification and returned without retry.
func (m *Manager) exchange(ctx context.Context, form url.Values) (*Record, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			m.sleep(retryBackoff[attempt-1])
			m.logger.Info("Retrying token exchange",
				"component", "token.manager",
				"attempt", attempt+1,
			)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("failed to create token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)

		resp, err := m.client.Do(req)
		if err != nil {
			// Connection/timeout class failure, eligible for retry.
			lastErr = fmt.Errorf("token endpoint unreachable: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read token response: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, parseExchangeError(resp.StatusCode, body)
		}

		var rec Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse token response: %w", err)
		}
		if rec.AccessToken == "" {
			return nil, errors.New("token response missing access_token")
		}
		rec.CreatedAt = m.now().Unix()
		return &rec, nil
	}
	return nil, lastErr
}

// commit installs a renewed record: store in memory, persist, clear recovery
// state. Persistence failures are logged; the in-memory token still serves
// callers until the next renewal.
func (m *Manager) commit(rec *Record) {
	m.mu.Lock()
	m.record = rec
	m.mu.Unlock()

	if err := m.store.Save(rec); err != nil {
		m.logger.Error("Failed to persist renewed token",
			"component", "token.manager",
			"error", err,
		)
	}
	m.recovery.reset()
	m.logger.Info("Token renewed",
		"component", "token.manager",
		"expires_in", rec.ExpiresIn,
		"has_refresh_token", rec.RefreshToken != "",
	)
}

// handleFailure runs the escalation ladder after a failed renewal cycle:
// count the failure, alert the operator channel once the threshold is
// crossed, delegate to the recovery webhook when configured, and past the
// deletion threshold wipe the stored credential to force a clean
// re-authorization.
func (m *Manager) handleFailure(ctx context.Context, cause error) {
	failures := m.recovery.recordFailure(m.now())
	m.logger.Error("Token renewal failed",
		"component", "token.manager",
		"consecutive_failures", failures,
		"error", cause,
	)

	if m.notifier != nil && m.recovery.mayNotify(m.now(), failures) {
		authURL := m.AuthorizationURL("recovery")
		if err := m.notifier.NotifyTokenFailure(ctx, failures, cause, authURL); err != nil {
			m.logger.Error("Failed to send token failure alert",
				"component", "token.manager",
				"error", err,
			)
		}
	}

	if m.cfg.RecoveryWebhookURL != "" {
		if m.delegateRecovery(ctx, failures) {
			m.logger.Info("Recovery delegated to external webhook",
				"component", "token.manager",
			)
			return
		}
	}

	if failures > deleteThreshold {
		m.logger.Error("Failure threshold exceeded, discarding stored credentials",
			"component", "token.manager",
			"consecutive_failures", failures,
		)
		if err := m.store.Delete(); err != nil {
			m.logger.Error("Failed to remove token file",
				"component", "token.manager",
				"error", err,
			)
		}
		m.mu.Lock()
		m.record = nil
		m.mu.Unlock()
	}
}

// delegateRecovery notifies the external recovery webhook. Any 2xx response
// means recovery is now someone else's problem for this cycle.
func (m *Manager) delegateRecovery(ctx context.Context, failures int) bool {
	payload, err := json.Marshal(map[string]any{
		"event":     "token_expired",
		"client_id": m.cfg.ClientID,
		"timestamp": m.now().Unix(),
		"attempts":  failures,
	})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.RecoveryWebhookURL,
		bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Error("Recovery webhook unreachable",
			"component", "token.manager",
			"error", err,
		)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// reloadIfChanged picks up a token file rewritten by an external tool.
func (m *Manager) reloadIfChanged() {
	rec, changed := m.store.ReloadIfChanged()
	if !changed || rec == nil {
		return
	}
	m.mu.Lock()
	m.record = rec
	m.mu.Unlock()
}
