package haywatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func TestHintSocketNudges(t *testing.T) {
	upgrader := websocket.Upgrader{}
	hints := make(chan string, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for hint := range hints {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(hint)); err != nil {
				return
			}
		}
	}))
	defer server.Close()
	defer close(hints)

	ctx := context.Background()
	nudges := int32(0)
	socket := NewHintSocketWithDefaults(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), func() {
		atomic.AddInt32(&nudges, 1)
	})
	defer socket.Close()

	hints <- "changed"
	hints <- "changed"

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&nudges) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&nudges))
}

func TestHintSocketCloseStopsReconnect(t *testing.T) {
	ctx := context.Background()
	dials := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		// refuse the upgrade, forcing the backoff path
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	socket := NewHintSocket(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil, func() {}, &HintSocketSettings{
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&dials) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, true, 2 <= atomic.LoadInt32(&dials))

	socket.Close()
	time.Sleep(100 * time.Millisecond)
	settled := atomic.LoadInt32(&dials)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt32(&dials))
}
