package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// authServer is a scripted token endpoint that records the grant types it
// receives.
type authServer struct {
	t  *testing.T
	mu sync.Mutex

	grants  []string
	handler func(grant string, w http.ResponseWriter)

	server *httptest.Server
}

func newAuthServer(t *testing.T, handler func(grant string, w http.ResponseWriter)) *authServer {
	t.Helper()
	as := &authServer{t: t, handler: handler}
	as.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok, "token requests must use HTTP Basic auth")
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		require.NoError(t, r.ParseForm())

		grant := r.PostFormValue("grant_type")
		as.mu.Lock()
		as.grants = append(as.grants, grant)
		as.mu.Unlock()

		as.handler(grant, w)
	}))
	t.Cleanup(as.server.Close)
	return as
}

func (as *authServer) grantLog() []string {
	as.mu.Lock()
	defer as.mu.Unlock()
	return append([]string(nil), as.grants...)
}

func (as *authServer) calls() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.grants)
}

func writeToken(w http.ResponseWriter, accessToken, refreshToken string) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"access_token": accessToken,
		"expires_in":   21600,
		"token_type":   "bearer",
	}
	if refreshToken != "" {
		resp["refresh_token"] = refreshToken
	}
	json.NewEncoder(w).Encode(resp)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":             code,
		"error_description": "scripted failure",
	})
}

// countingNotifier records alert deliveries.
type countingNotifier struct {
	mu    sync.Mutex
	calls int
	last  int
}

func (n *countingNotifier) NotifyTokenFailure(ctx context.Context, failures int, lastErr error, authURL string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.last = failures
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func newTestManager(t *testing.T, tokenURL string, notifier Notifier) *Manager {
	t.Helper()
	dir := t.TempDir()
	m := NewManager(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     tokenURL,
		AuthorizeURL: "https://erp.example/oauth/authorize",
		RedirectURI:  "https://app.example/callback",
		Scopes:       "produtos estoques depositos",
		TokenFile:    filepath.Join(dir, "token.json"),
		EnvFile:      filepath.Join(dir, ".env"),
		EnvKey:       "BLING_API_KEY",
	}, notifier, nil)
	m.sleep = func(time.Duration) {}
	return m
}

func seedRecord(t *testing.T, m *Manager, rec *Record) {
	t.Helper()
	require.NoError(t, m.store.Save(rec))
	m.mu.Lock()
	m.record = rec
	m.mu.Unlock()
}

func TestManager_RefreshGrantSuccess(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		assert.Equal(t, "refresh_token", grant)
		writeToken(w, "new-access", "new-refresh")
	})
	m := newTestManager(t, as.server.URL, nil)

	seedRecord(t, m, &Record{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresIn:    3600,
		CreatedAt:    time.Now().Add(-4000 * time.Second).Unix(),
	})

	assert.True(t, m.Refresh(context.Background()))
	assert.Equal(t, []string{"refresh_token"}, as.grantLog())

	loaded := m.store.Load()
	require.NotNil(t, loaded)
	assert.Equal(t, "new-access", loaded.AccessToken)
	assert.Equal(t, "new-refresh", loaded.RefreshToken)
	assert.NotZero(t, loaded.CreatedAt)

	failures, inError := m.recovery.snapshot()
	assert.Zero(t, failures)
	assert.False(t, inError)
}

func TestManager_InvalidGrantFallsBackToClientCredentials(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		switch grant {
		case "refresh_token":
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		case "client_credentials":
			writeToken(w, "cc-access", "")
		}
	})
	m := newTestManager(t, as.server.URL, nil)

	// Expired 400 seconds ago, refresh token present.
	seedRecord(t, m, &Record{
		AccessToken:  "old-access",
		RefreshToken: "dead-refresh",
		ExpiresIn:    3600,
		CreatedAt:    time.Now().Add(-4000 * time.Second).Unix(),
	})

	assert.True(t, m.Refresh(context.Background()))
	assert.Equal(t, []string{"refresh_token", "client_credentials"}, as.grantLog())

	loaded := m.store.Load()
	require.NotNil(t, loaded)
	assert.Equal(t, "cc-access", loaded.AccessToken)
	assert.Empty(t, loaded.RefreshToken, "client-credentials result must carry no refresh token")

	failures, inError := m.recovery.snapshot()
	assert.Zero(t, failures)
	assert.False(t, inError)
}

func TestManager_LongExpiredSkipsRefreshGrant(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		writeToken(w, "cc-access", "")
	})
	m := newTestManager(t, as.server.URL, nil)

	seedRecord(t, m, &Record{
		AccessToken:  "old-access",
		RefreshToken: "ancient-refresh",
		ExpiresIn:    3600,
		CreatedAt:    time.Now().Add(-14 * time.Hour).Unix(),
	})

	assert.True(t, m.Refresh(context.Background()))
	assert.Equal(t, []string{"client_credentials"}, as.grantLog())
}

func TestManager_NoRecordUsesClientCredentials(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		writeToken(w, "cc-access", "")
	})
	m := newTestManager(t, as.server.URL, nil)

	assert.True(t, m.Refresh(context.Background()))
	assert.Equal(t, []string{"client_credentials"}, as.grantLog())

	tok, ok := m.GetValidToken(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "cc-access", tok)
}

func TestManager_RetriesConnectionErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n <= 2 {
			// Drop the connection to simulate a network failure.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		writeToken(w, "eventually", "")
	}))
	defer server.Close()

	m := newTestManager(t, server.URL, nil)
	assert.True(t, m.Refresh(context.Background()))
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestManager_HTTPErrorIsNotRetried(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
	})
	m := newTestManager(t, as.server.URL, nil)

	assert.False(t, m.Refresh(context.Background()))
	assert.Equal(t, 1, as.calls(), "HTTP error responses must not be retried")

	failures, inError := m.recovery.snapshot()
	assert.Equal(t, 1, failures)
	assert.True(t, inError)
}

func TestManager_BackoffSuppressesNetworkCalls(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
	})
	m := newTestManager(t, as.server.URL, nil)

	now := time.Now()
	m.now = func() time.Time { return now }

	assert.False(t, m.Refresh(context.Background()))
	require.Equal(t, 1, as.calls())

	// Inside the 15-minute window: no network traffic at all.
	now = now.Add(5 * time.Minute)
	assert.False(t, m.Refresh(context.Background()))
	assert.Equal(t, 1, as.calls())

	// Window elapsed: the attempt goes out again.
	now = now.Add(11 * time.Minute)
	assert.False(t, m.Refresh(context.Background()))
	assert.Equal(t, 2, as.calls())
}

func TestManager_NotificationAtThresholdOnly(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
	})
	notifier := &countingNotifier{}
	m := newTestManager(t, as.server.URL, notifier)

	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 1; i <= 3; i++ {
		assert.False(t, m.Refresh(context.Background()))
		if i < 3 {
			assert.Zero(t, notifier.count(), "no alert below the threshold")
		}
		now = now.Add(backoffWindow(i) + time.Minute)
	}
	assert.Equal(t, 1, notifier.count(), "exactly one alert at the threshold")
	assert.Equal(t, 3, notifier.last)
}

func TestManager_DeleteAfterExhaustedRecovery(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
	})
	m := newTestManager(t, as.server.URL, nil)

	seedRecord(t, m, &Record{
		AccessToken: "doomed",
		ExpiresIn:   3600,
		CreatedAt:   time.Now().Add(-2 * time.Hour).Unix(),
	})

	// Already at the deletion threshold; the next failure crosses it.
	m.recovery.mu.Lock()
	m.recovery.consecutiveFailures = deleteThreshold
	m.recovery.inError = true
	m.recovery.lastFailureAt = time.Now().Add(-3 * time.Hour)
	m.recovery.mu.Unlock()

	assert.False(t, m.Refresh(context.Background()))

	_, err := os.Stat(m.store.path)
	assert.True(t, os.IsNotExist(err), "token file must be removed")
	_, err = os.Stat(m.store.path + ".bak")
	assert.NoError(t, err, "a backup must be kept")

	tok, ok := m.GetValidToken(context.Background())
	assert.False(t, ok)
	assert.Empty(t, tok)
}

func TestManager_RecoveryWebhookHaltsEscalation(t *testing.T) {
	var webhookMu sync.Mutex
	var payload map[string]any
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		webhookMu.Lock()
		payload = p
		webhookMu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
	})
	m := newTestManager(t, as.server.URL, nil)
	m.cfg.RecoveryWebhookURL = webhook.URL

	seedRecord(t, m, &Record{
		AccessToken: "kept",
		ExpiresIn:   3600,
		CreatedAt:   time.Now().Add(-2 * time.Hour).Unix(),
	})

	m.recovery.mu.Lock()
	m.recovery.consecutiveFailures = deleteThreshold
	m.recovery.inError = true
	m.recovery.lastFailureAt = time.Now().Add(-3 * time.Hour)
	m.recovery.mu.Unlock()

	assert.False(t, m.Refresh(context.Background()))

	webhookMu.Lock()
	require.NotNil(t, payload, "recovery webhook must be called")
	assert.Equal(t, "token_expired", payload["event"])
	assert.Equal(t, "client-id", payload["client_id"])
	assert.EqualValues(t, deleteThreshold+1, payload["attempts"])
	webhookMu.Unlock()

	// Delegation halts the ladder: the stored credential survives.
	_, err := os.Stat(m.store.path)
	assert.NoError(t, err, "token file must not be deleted when recovery is delegated")
}

func TestManager_ConcurrentGetValidToken(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		time.Sleep(50 * time.Millisecond)
		writeToken(w, "renewed", "renewed-refresh")
	})
	m := newTestManager(t, as.server.URL, nil)

	seedRecord(t, m, &Record{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		ExpiresIn:    3600,
		CreatedAt:    time.Now().Add(-3500 * time.Second).Unix(),
	})

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, ok := m.GetValidToken(context.Background())
			assert.True(t, ok)
			results[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, as.calls(), "one renewal must serve both callers")
	assert.Equal(t, "renewed", results[0])
	assert.Equal(t, "renewed", results[1])

	loaded := m.store.Load()
	require.NotNil(t, loaded)
	assert.Equal(t, "renewed", loaded.AccessToken)
	assert.Equal(t, "renewed-refresh", loaded.RefreshToken)
}

func TestManager_GetValidTokenUsesNearlyExpiredOnFailure(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
	})
	m := newTestManager(t, as.server.URL, nil)

	// Inside the on-demand margin but not actually expired.
	seedRecord(t, m, &Record{
		AccessToken:  "almost-gone",
		RefreshToken: "refresh",
		ExpiresIn:    3600,
		CreatedAt:    time.Now().Add(-3400 * time.Second).Unix(),
	})

	tok, ok := m.GetValidToken(context.Background())
	assert.True(t, ok, "a nearly-expired token beats no token")
	assert.Equal(t, "almost-gone", tok)
}

func TestManager_CreateFromAuthCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostFormValue("grant_type"))
		assert.Equal(t, "the-code", r.PostFormValue("code"))
		assert.Equal(t, "https://app.example/callback", r.PostFormValue("redirect_uri"))
		writeToken(w, "bootstrap-access", "bootstrap-refresh")
	}))
	defer server.Close()

	m := newTestManager(t, server.URL, nil)
	require.NoError(t, m.CreateFromAuthCode(context.Background(), "the-code", ""))

	loaded := m.store.Load()
	require.NotNil(t, loaded)
	assert.Equal(t, "bootstrap-access", loaded.AccessToken)
	assert.Equal(t, "bootstrap-refresh", loaded.RefreshToken)
}

func TestManager_AuthorizationURL(t *testing.T) {
	m := newTestManager(t, "http://unused", nil)
	u := m.AuthorizationURL("xyz")
	assert.Contains(t, u, "https://erp.example/oauth/authorize?")
	assert.Contains(t, u, "client_id=client-id")
	assert.Contains(t, u, "response_type=code")
	assert.Contains(t, u, "state=xyz")
}

func TestManager_ExternalFileHandoff(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		t.Error("no renewal should be needed after external handoff")
	})
	m := newTestManager(t, as.server.URL, nil)

	seedRecord(t, m, &Record{
		AccessToken: "stale",
		ExpiresIn:   3600,
		CreatedAt:   time.Now().Add(-2 * time.Hour).Unix(),
	})

	// An external renewal script rewrites the token file.
	fresh := &Record{
		AccessToken: "handed-off",
		ExpiresIn:   21600,
		CreatedAt:   time.Now().Unix(),
	}
	data, err := json.Marshal(fresh)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.store.path, data, 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(m.store.path, future, future))

	tok, ok := m.GetValidToken(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "handed-off", tok)
	assert.Zero(t, as.calls())
}
