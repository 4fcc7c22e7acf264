package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/wabridge/internal/clock"
	"github.com/danmuck/wabridge/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHomeAssistantPostsPersistentNotification(t *testing.T) {
	testlog.Start(t)
	var got persistentNotification
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	ha, err := NewHomeAssistant(HomeAssistantConfig{BaseURL: srv.URL + "/", Token: "secret"}, nil)
	require.NoError(t, err)
	require.NoError(t, ha.Notify(context.Background(), "WhatsApp Proxy", "all retries failed"))

	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, persistentNotificationPath, path)
	require.Equal(t, "WhatsApp Proxy", got.Title)
	require.Equal(t, "all retries failed", got.Message)
	require.Equal(t, defaultNotificationID, got.NotificationID)
}

func TestHomeAssistantErrorStatus(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ha, err := NewHomeAssistant(HomeAssistantConfig{BaseURL: srv.URL, Token: "bad"}, nil)
	require.NoError(t, err)
	err = ha.Notify(context.Background(), "t", "m")
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

func TestHomeAssistantCooldownSuppressesOnlyRepeats(t *testing.T) {
	testlog.Start(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ha, err := NewHomeAssistant(HomeAssistantConfig{BaseURL: srv.URL, Token: "x", Cooldown: time.Minute}, clk)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ha.Notify(ctx, "a", "first"))
	require.NoError(t, ha.Notify(ctx, "a", "first"))
	require.Equal(t, int32(1), hits.Load())
	require.NoError(t, ha.Notify(ctx, "a", "different message"))
	require.NoError(t, ha.Notify(ctx, "b", "first"))
	require.Equal(t, int32(3), hits.Load())
	clk.Advance(time.Minute)
	require.NoError(t, ha.Notify(ctx, "a", "first"))
	require.Equal(t, int32(4), hits.Load())
}

func TestNewHomeAssistantValidates(t *testing.T) {
	testlog.Start(t)
	_, err := NewHomeAssistant(HomeAssistantConfig{Token: "x"}, nil)
	require.Error(t, err)
	_, err = NewHomeAssistant(HomeAssistantConfig{BaseURL: "http://ha"}, nil)
	require.Error(t, err)
	_, err = NewHomeAssistant(HomeAssistantConfig{BaseURL: "http://ha", Token: "x", Cooldown: -time.Second}, nil)
	require.Error(t, err)
}

type failingSink struct{ calls int }

func (f *failingSink) Notify(context.Context, string, string) error {
	f.calls++
	return errors.New("down")
}

func TestFanoutNotifiesEverySink(t *testing.T) {
	testlog.Start(t)
	first, second := &failingSink{}, &failingSink{}
	err := Fanout{first, Log{}, nil, second}.Notify(context.Background(), "t", "m")
	require.Error(t, err)
	require.Equal(t, 1, first.calls)
	require.Equal(t, 1, second.calls)
	require.NoError(t, Fanout{Log{}}.Notify(context.Background(), "t", "m"))
}
