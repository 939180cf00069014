package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketboard/services/alerts"
	"marketboard/services/marketdata"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestHub_CoalescesTicksIntoOneFrame(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	now := time.Now()
	h.BroadcastTick(marketdata.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(69000), ObservedAt: now})
	h.BroadcastTick(marketdata.Tick{Symbol: "ETHUSDT", Price: decimal.NewFromInt(2400), ObservedAt: now})

	msg := readMessage(t, conn)
	assert.Equal(t, "ticks", msg.Type)
	batch, ok := msg.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, batch, 2, "two ticks inside the flush window arrive as one frame")
}

func TestHub_BroadcastAlertReachesAllClients(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	connA := dialHub(t, h)
	connB := dialHub(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	h.BroadcastAlert(alerts.Event{
		Symbol:    "BTCUSDT",
		Threshold: decimal.NewFromInt(70000),
		Price:     decimal.NewFromInt(70100),
		FiredAt:   time.Now(),
	})

	for _, conn := range []*websocket.Conn{connA, connB} {
		msg := readMessage(t, conn)
		assert.Equal(t, "alert", msg.Type)
		payload, ok := msg.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "BTCUSDT", payload["symbol"])
	}
}

func TestHub_BroadcastRefreshSignal(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.BroadcastRefresh(map[string]interface{}{"cycle": 7})
	msg := readMessage(t, conn)
	assert.Equal(t, "refresh", msg.Type)
}

func TestHub_DisconnectLowersClientCount(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_StatusShape(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	status := h.Status()
	assert.Equal(t, 0, status["client_count"])
	assert.Equal(t, MaxWebSocketClients, status["max_clients"])
}
