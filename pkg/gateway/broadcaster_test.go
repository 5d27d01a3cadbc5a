package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBroadcaster_Broadcast(t *testing.T) {
	t.Run("should assign type and increasing sequence", func(t *testing.T) {
		serverConn, clientConn, cleanup := websocketConnPair(t)
		defer cleanup()

		registry := NewClientRegistry()
		registry.Add(&Client{
			ID:            "client-1",
			Conn:          serverConn,
			Authenticated: true,
		})

		broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
		assert.Equal(t, 1, broadcaster.Broadcast("namespaces.reloaded", map[string]interface{}{"namespaces": []string{"search"}}))
		assert.Equal(t, 1, broadcaster.Broadcast("server.shutdown", nil))

		var first, second EventMessage
		require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, clientConn.ReadJSON(&first))
		require.NoError(t, clientConn.ReadJSON(&second))

		assert.Equal(t, FrameEvent, first.Type)
		assert.Equal(t, "namespaces.reloaded", first.Event)
		assert.NotZero(t, first.Seq)
		assert.NotZero(t, first.Timestamp)
		assert.Equal(t, "server.shutdown", second.Event)
		assert.Greater(t, second.Seq, first.Seq)
	})

	t.Run("should skip unauthenticated clients", func(t *testing.T) {
		serverConn, _, cleanup := websocketConnPair(t)
		defer cleanup()

		registry := NewClientRegistry()
		registry.Add(&Client{ID: "client-1", Conn: serverConn})

		broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
		assert.Equal(t, 0, broadcaster.Broadcast("namespaces.reloaded", nil))
	})

	t.Run("should reach every client once", func(t *testing.T) {
		registry := NewClientRegistry()
		var readers []*websocket.Conn
		for _, id := range []string{"a", "b", "c"} {
			serverConn, clientConn, cleanup := websocketConnPair(t)
			defer cleanup()
			registry.Add(&Client{ID: id, Conn: serverConn, Authenticated: true})
			readers = append(readers, clientConn)
		}

		broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
		assert.Equal(t, 3, broadcaster.Broadcast("namespace.unhealthy", map[string]interface{}{"namespace": "beta"}))

		for _, conn := range readers {
			var frame EventMessage
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			require.NoError(t, conn.ReadJSON(&frame))
			assert.Equal(t, "namespace.unhealthy", frame.Event)
			assert.Equal(t, int64(1), frame.Seq)
		}
	})

	t.Run("should drop a client whose connection is gone", func(t *testing.T) {
		healthyServer, healthyClient, cleanup := websocketConnPair(t)
		defer cleanup()
		deadServer, _, cleanupDead := websocketConnPair(t)
		defer cleanupDead()
		require.NoError(t, deadServer.Close())

		registry := NewClientRegistry()
		registry.Add(&Client{ID: "healthy", Conn: healthyServer, Authenticated: true})
		registry.Add(&Client{ID: "dead", Conn: deadServer, Authenticated: true})

		broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
		assert.Equal(t, 1, broadcaster.Broadcast("namespaces.reloaded", nil))

		var frame EventMessage
		require.NoError(t, healthyClient.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, healthyClient.ReadJSON(&frame))
		assert.Equal(t, "namespaces.reloaded", frame.Event)
	})
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}
