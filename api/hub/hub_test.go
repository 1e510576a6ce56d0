package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srvURL, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srvURL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastFiltersByBranch(t *testing.T) {
	h := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleConnect))
	defer srv.Close()

	all := dial(t, srv.URL, "")
	onlyY := dial(t, srv.URL, "?branch=feature/y")
	waitClients(t, h, 2)

	h.Broadcast(Event{Type: TypeEnvStatus, Branch: "feature/x", Payload: "Live"})
	h.Broadcast(Event{Type: TypeEnvStatus, Branch: "feature/y", Payload: "Deploying"})

	var got Event
	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := all.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "feature/x", got.Branch)

	onlyY.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = onlyY.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "feature/y", got.Branch)
	assert.Equal(t, "Deploying", got.Payload)
}

func TestBroadcastNeverBlocks(t *testing.T) {
	h := New(nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Broadcast(Event{Type: TypeSagaEvent, Branch: "b"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked without a running hub")
	}
}

func TestCheckOrigin(t *testing.T) {
	h := New([]string{"https://ferry.example.com"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://ferry.example.com", true},
		{"http://localhost:3000", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, h.upgrader.CheckOrigin(r), tt.origin)
	}
}
