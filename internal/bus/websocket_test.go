package bus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runtrack/internal/events"
)

// wsTestServer upgrades one connection and sends each payload as a JSON
// message, then closes.
func wsTestServer(t *testing.T, payloads []map[string]any, hold bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, p := range payloads {
			if err := conn.WriteJSON(p); err != nil {
				return
			}
		}
		if hold {
			// Keep the connection open; the client ends it via RequestStop.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func TestWebsocketSubscribeDeliversEvents(t *testing.T) {
	srv := wsTestServer(t, []map[string]any{
		{"uuid": "a", "type": "started"},
		{"uuid": "a", "type": "succeeded"},
	}, false)

	conn, err := NewWebsocketClient(wsURL(srv)).Connect()
	require.NoError(t, err)
	defer conn.Close()

	var received []events.Event
	err = conn.Subscribe(func(e events.Event) {
		received = append(received, e)
	})
	// The server closes without a stop request, so the dropped connection
	// surfaces as an error.
	require.Error(t, err)

	require.Len(t, received, 2)
	assert.Equal(t, "a", received[0].UUID())
	assert.Equal(t, "started", received[0].Type())
	assert.Equal(t, "succeeded", received[1].Type())
}

func TestWebsocketRequestStopEndsSubscribeCleanly(t *testing.T) {
	srv := wsTestServer(t, []map[string]any{{"uuid": "a", "type": "started"}}, true)

	conn, err := NewWebsocketClient(wsURL(srv)).Connect()
	require.NoError(t, err)

	var mu sync.Mutex
	got := 0
	done := make(chan error, 1)
	go func() {
		done <- conn.Subscribe(func(events.Event) {
			mu.Lock()
			got++
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == 1
	}, time.Second, 5*time.Millisecond)

	conn.RequestStop()
	select {
	case err := <-done:
		assert.NoError(t, err, "a requested stop is not an error")
	case <-time.After(time.Second):
		t.Fatal("subscribe did not return after stop")
	}
	assert.NoError(t, conn.Close())
}

func TestWebsocketConnectFailure(t *testing.T) {
	_, err := NewWebsocketClient("ws://127.0.0.1:1/events").Connect()
	assert.Error(t, err)
}
