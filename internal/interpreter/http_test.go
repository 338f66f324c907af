package interpreter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"bitpart/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newClient(t *testing.T, handler http.HandlerFunc) *HTTP {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	h, err := NewHTTP(HTTPConfig{URL: srv.URL, APIKey: "k", Logger: testLogger()})
	require.NoError(t, err)
	return h
}

func TestInterpret_DecodesActions(t *testing.T) {
	h := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req domain.Request
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "bot1", req.BotID)
		assert.Equal(t, "hi", req.Event.Text)
		assert.Equal(t, domain.SecurityEncrypted, req.Metadata.SecurityLevel)

		w.Write([]byte(`{"actions":[
			{"type":"send","content":{"content_type":"text","text":"hello"}},
			{"type":"set_memory","key":"seen","value":{"type":"boolean","value":true}}
		]}`))
	})

	res, err := h.Interpret(context.Background(), domain.Request{
		BotID:    "bot1",
		Event:    domain.Content{Type: domain.ContentText, Text: "hi"},
		Metadata: domain.Metadata{SecurityLevel: domain.SecurityEncrypted},
	})
	require.NoError(t, err)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, "hello", res.Actions[0].Content.Text)
	assert.True(t, res.Actions[1].Value.Equal(domain.Bool(true)))
}

func TestInterpret_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"server error", http.StatusBadGateway, "", true},
		{"rate limited", http.StatusTooManyRequests, "", true},
		{"bad request", http.StatusBadRequest, "no such flow", false},
		{"garbage", http.StatusOK, "not json", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := h.Interpret(context.Background(), domain.Request{BotID: "b"})
			require.Error(t, err)
			assert.Equal(t, domain.KindInterpreter, domain.KindOf(err))
			assert.Equal(t, tt.retryable, domain.IsRetryable(err))
		})
	}
}

func TestInterpret_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h, err := NewHTTP(HTTPConfig{URL: url, Logger: testLogger()})
	require.NoError(t, err)
	_, err = h.Interpret(context.Background(), domain.Request{})
	assert.True(t, domain.IsRetryable(err))
	assert.Error(t, h.Healthy(context.Background()))
}

func TestNewHTTP_RequiresURL(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{})
	assert.Error(t, err)
}

func TestEcho(t *testing.T) {
	res, err := Echo().Interpret(context.Background(), domain.Request{Event: domain.Content{Type: domain.ContentText, Text: "ping"}})
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "ping", res.Actions[0].Content.Text)

	res, err = Echo().Interpret(context.Background(), domain.Request{Event: domain.Content{Type: domain.ContentImage}})
	require.NoError(t, err)
	assert.Empty(t, res.Actions)
}
