package rpcclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/compresslabs/treemirror/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_ReconnectsAfterConnectionLoss(t *testing.T) {
	oldDelay := reconnectDelay
	reconnectDelay = 5 * time.Millisecond
	defer func() { reconnectDelay = oldDelay }()

	var upgrader websocket.Upgrader
	var connCount atomic.Int64
	notified := make(chan *LogsNotification, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := connCount.Add(1)
		if _, _, err := conn.ReadMessage(); err != nil { // logsSubscribe request
			return
		}
		if n == 1 {
			// drop the first connection right after the subscribe
			return
		}
		msg := `{"method":"logsNotification","params":{"result":{"context":{"slot":42},"value":{"signature":"sig-live","err":null,"logs":["Program log: x"]}}}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
		conn.ReadMessage() // hold the connection until the client closes
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sub, err := SubscribeLogs(wsURL, common.HexToHash("0x01"), func(n *LogsNotification) {
		select {
		case notified <- n:
		default:
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case n := <-notified:
		assert.Equal(t, "sig-live", n.Signature)
		assert.Equal(t, uint64(42), n.Slot)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification delivered after reconnect")
	}
	assert.GreaterOrEqual(t, connCount.Load(), int64(2))
}

// The server vanishes after dropping the first connection, so every redial
// fails. The listen goroutine must keep retrying until Close instead of
// crashing on the missing connection.
func TestSubscription_SurvivesFailedRedial(t *testing.T) {
	oldDelay := reconnectDelay
	reconnectDelay = time.Millisecond
	defer func() { reconnectDelay = oldDelay }()

	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadMessage()
		conn.Close()
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sub, err := SubscribeLogs(wsURL, common.HexToHash("0x01"), func(*LogsNotification) {})
	require.NoError(t, err)

	srv.CloseClientConnections()
	srv.Close()
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, sub.Close())
}
