package apisec

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessLogger_Log(t *testing.T) {
	tests := []struct {
		name  string
		entry AccessLogEntry
		check func(t *testing.T, m map[string]any)
	}{
		{
			name: "normal transaction",
			entry: AccessLogEntry{
				Timestamp:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				TransactionID: 7,
				Method:        "GET",
				Host:          "api.example.com",
				Path:          "/v1/users",
				Scheme:        "https",
				StatusCode:    200,
				Duration:      150 * time.Millisecond,
				ClientAddr:    "127.0.0.1:54321",
			},
			check: func(t *testing.T, m map[string]any) {
				assert.Equal(t, "GET", m["method"])
				assert.Equal(t, "api.example.com", m["host"])
				assert.Equal(t, "/v1/users", m["path"])
				assert.Equal(t, "https", m["scheme"])
				assert.Equal(t, float64(200), m["status"])
				assert.Equal(t, float64(7), m["tx"])
				assert.Equal(t, "127.0.0.1:54321", m["client"])
				assert.NotContains(t, m, "dropped")
				assert.NotContains(t, m, "error")
			},
		},
		{
			name: "dropped transaction",
			entry: AccessLogEntry{
				Timestamp:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:     "POST",
				Host:       "api.example.com",
				Path:       "/login",
				Scheme:     "https",
				StatusCode: 403,
				Dropped:    true,
				ClientAddr: "127.0.0.1:12345",
			},
			check: func(t *testing.T, m map[string]any) {
				assert.Equal(t, true, m["dropped"])
				assert.Equal(t, float64(403), m["status"])
				assert.NotContains(t, m, "modified")
			},
		},
		{
			name: "upstream error",
			entry: AccessLogEntry{
				Timestamp:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:     "GET",
				Host:       "timeout.example",
				Path:       "/slow",
				Scheme:     "http",
				StatusCode: 504,
				Duration:   30 * time.Second,
				Error:      "upstream timeout",
			},
			check: func(t *testing.T, m map[string]any) {
				assert.Equal(t, "upstream timeout", m["error"])
				assert.Equal(t, float64(504), m["status"])
			},
		},
		{
			name: "modified websocket with user agent",
			entry: AccessLogEntry{
				Timestamp:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:     "GET",
				Host:       "ws.example.com",
				Path:       "/socket",
				Scheme:     "https",
				StatusCode: 101,
				Modified:   true,
				WebSocket:  true,
				UserAgent:  "Mozilla/5.0",
			},
			check: func(t *testing.T, m map[string]any) {
				assert.Equal(t, true, m["modified"])
				assert.Equal(t, true, m["websocket"])
				assert.Equal(t, "Mozilla/5.0", m["user_agent"])
			},
		},
		{
			name: "empty user agent omitted",
			entry: AccessLogEntry{
				Timestamp:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:     "GET",
				Host:       "example.com",
				Path:       "/",
				Scheme:     "http",
				StatusCode: 200,
			},
			check: func(t *testing.T, m map[string]any) {
				assert.NotContains(t, m, "user_agent")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

			al.Log(tt.entry)

			var m map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &m), "raw: %s", buf.String())
			assert.Equal(t, "transaction", m["msg"])
			tt.check(t, m)
		})
	}
}

func TestAccessLogger_LogTransaction(t *testing.T) {
	var buf bytes.Buffer
	al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	started := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	al.LogTransaction(&Transaction{
		ID:            3,
		Method:        "PUT",
		URL:           "https://api.example.com/items/9?x=1",
		Host:          "api.example.com",
		ClientAddr:    "127.0.0.1:1",
		RequestHeader: http.Header{"User-Agent": {"curl/8"}},
		Status:        204,
		Started:       started,
		Completed:     started.Add(20 * time.Millisecond),
	})

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "PUT", m["method"])
	assert.Equal(t, "https", m["scheme"])
	assert.Equal(t, "/items/9", m["path"])
	assert.Equal(t, "curl/8", m["user_agent"])
	assert.Equal(t, float64(204), m["status"])
	assert.Equal(t, float64(20*time.Millisecond), m["duration"])
}

func BenchmarkAccessLogger_Log(b *testing.B) {
	var buf bytes.Buffer
	al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	entry := AccessLogEntry{
		Timestamp:  time.Now(),
		Method:     "GET",
		Host:       "example.com",
		Path:       "/index.html",
		Scheme:     "https",
		StatusCode: 200,
		Duration:   150 * time.Millisecond,
		ClientAddr: "192.168.1.1:54321",
		UserAgent:  "Mozilla/5.0",
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		al.Log(entry)
	}
}
