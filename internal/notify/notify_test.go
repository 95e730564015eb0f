package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWebhook_PostsJSON(t *testing.T) {
	var got Notification
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "gpurun/"))
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer t"},
	}, quietLogger())
	require.NoError(t, err)

	err = w.Notify(context.Background(), Notification{
		Kind:    KindBudgetThreshold,
		Subject: "budget 80% reached",
		Fields:  map[string]string{"period": "2026-10"},
	})
	require.NoError(t, err)

	assert.Equal(t, KindBudgetThreshold, got.Kind)
	assert.Equal(t, "2026-10", got.Fields["period"])
	assert.False(t, got.Time.IsZero(), "time is stamped when unset")
	assert.Equal(t, "Bearer t", auth)
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{URL: srv.URL}, quietLogger())
	require.NoError(t, err)
	w.client.RetryWaitMin = time.Millisecond
	w.client.RetryWaitMax = time.Millisecond

	require.NoError(t, w.Notify(context.Background(), Notification{Kind: KindSafetyAlarm}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{URL: srv.URL}, quietLogger())
	require.NoError(t, err)

	err = w.Notify(context.Background(), Notification{Kind: KindSafetyAlarm})
	assert.ErrorContains(t, err, "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhook_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{URL: srv.URL, RetryMax: 1}, quietLogger())
	require.NoError(t, err)
	w.client.RetryWaitMin = time.Millisecond
	w.client.RetryWaitMax = time.Millisecond

	assert.Error(t, w.Notify(context.Background(), Notification{Kind: KindSafetyAlarm}))
}

func TestNewWebhook_RequiresURL(t *testing.T) {
	_, err := NewWebhook(WebhookConfig{}, quietLogger())
	assert.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	require.NoError(t, n.Notify(context.Background(), Notification{
		Kind:    KindSafetyAlarm,
		Subject: "instance over alarm age",
		Fields:  map[string]string{"instance_id": "gpurun-1"},
	}))
	assert.Contains(t, buf.String(), "kind=safety_alarm")
	assert.Contains(t, buf.String(), "instance_id=gpurun-1")
}
