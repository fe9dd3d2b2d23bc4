package channel_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/leadflow/internal/channel"
	"github.com/ignatij/leadflow/pkg/dispatch"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessaging_Send(t *testing.T) {
	var got dispatch.SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "r1:0:1:wa", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"wamid.1"}`))
	}))
	defer srv.Close()

	m := channel.NewMessaging(channel.Config{BaseURL: srv.URL + "/", Token: "secret"})
	id, err := m.Send(context.Background(), dispatch.SendRequest{
		Channel:        "whatsapp",
		Kind:           dispatch.TemplateMessage,
		Recipient:      "+38970111222",
		Payload:        map[string]any{"template": "intro"},
		CorrelationID:  "tok",
		IdempotencyKey: "r1:0:1:wa",
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", id)
	assert.Equal(t, "+38970111222", got.Recipient)
	assert.Equal(t, "tok", got.CorrelationID)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"ServerError", http.StatusBadGateway, true},
		{"Throttled", http.StatusTooManyRequests, true},
		{"BadRecipient", http.StatusBadRequest, false},
		{"Unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("nope"))
			}))
			defer srv.Close()

			_, err := channel.NewVoice(channel.Config{BaseURL: srv.URL}).PlaceCall(context.Background(), "hi", "+1", "tok")
			require.Error(t, err)
			assert.Equal(t, tt.transient, dispatch.IsTransient(err))
			var perr *channel.ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.status, perr.StatusCode)
		})
	}

	t.Run("Unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		_, err := channel.NewMessaging(channel.Config{BaseURL: url}).Send(context.Background(), dispatch.SendRequest{})
		assert.True(t, dispatch.IsTransient(err))
	})

	t.Run("NotConfigured", func(t *testing.T) {
		_, err := channel.NewVoice(channel.Config{}).CreateHumanTask(context.Background(), dispatch.HumanTask{})
		assert.True(t, dispatch.IsPermanent(err))
	})

	t.Run("MissingID", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()
		_, err := channel.NewVoice(channel.Config{BaseURL: srv.URL}).CreateHumanTask(context.Background(), dispatch.HumanTask{Kind: "call"})
		assert.True(t, dispatch.IsPermanent(err))
	})
}

func TestClient_RateLimited(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	m := channel.NewMessaging(channel.Config{BaseURL: srv.URL, RatePerSecond: 20, Burst: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := m.Send(context.Background(), dispatch.SendRequest{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Send(ctx, dispatch.SendRequest{})
	assert.True(t, dispatch.IsTransient(err))
}

func TestLogAnalytics(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	a := channel.NewLogAnalytics(logger)
	require.NoError(t, a.Track(context.Background(), "org-1", "lead-1", "brochure_sent", map[string]any{"node": "b1"}))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "brochure_sent", entry["event"])
	assert.Equal(t, "b1", entry["prop.node"])
}
