package token

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_StopNeverStartedJob(t *testing.T) {
	m := newTestManager(t, "http://unused", nil)
	m.StopRenewalJob()
}

func TestManager_StartRenewalJobIdempotent(t *testing.T) {
	m := newTestManager(t, "http://unused", nil)
	m.StartRenewalJob(time.Hour)
	m.StartRenewalJob(time.Hour)
	m.StopRenewalJob()
	m.StopRenewalJob()
}

func TestManager_RenewIfNeededRenewsStaleRecord(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		writeToken(w, "background-renewed", "background-refresh")
	})
	m := newTestManager(t, as.server.URL, nil)

	// Inside the background margin but outside the on-demand one.
	seedRecord(t, m, &Record{
		AccessToken:  "aging",
		RefreshToken: "refresh",
		ExpiresIn:    3600,
		CreatedAt:    time.Now().Add(-45 * time.Minute).Unix(),
	})

	m.renewIfNeeded(context.Background())
	assert.Equal(t, 1, as.calls())

	loaded := m.store.Load()
	require.NotNil(t, loaded)
	assert.Equal(t, "background-renewed", loaded.AccessToken)
}

func TestManager_RenewIfNeededSkipsFreshRecord(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		t.Error("fresh record must not trigger a renewal")
	})
	m := newTestManager(t, as.server.URL, nil)

	seedRecord(t, m, &Record{
		AccessToken:  "fresh",
		RefreshToken: "refresh",
		ExpiresIn:    21600,
		CreatedAt:    time.Now().Unix(),
	})

	m.renewIfNeeded(context.Background())
	assert.Zero(t, as.calls())
}

func TestManager_RenewIfNeededClearsElapsedError(t *testing.T) {
	as := newAuthServer(t, func(grant string, w http.ResponseWriter) {
		writeToken(w, "recovered", "recovered-refresh")
	})
	m := newTestManager(t, as.server.URL, nil)

	seedRecord(t, m, &Record{
		AccessToken:  "expired",
		RefreshToken: "refresh",
		ExpiresIn:    3600,
		CreatedAt:    time.Now().Add(-2 * time.Hour).Unix(),
	})

	m.recovery.mu.Lock()
	m.recovery.consecutiveFailures = 1
	m.recovery.inError = true
	m.recovery.lastFailureAt = time.Now().Add(-20 * time.Minute)
	m.recovery.mu.Unlock()

	m.renewIfNeeded(context.Background())
	assert.Equal(t, 1, as.calls())

	failures, inError := m.recovery.snapshot()
	assert.Zero(t, failures)
	assert.False(t, inError)
}
