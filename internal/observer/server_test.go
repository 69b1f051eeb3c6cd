package observer

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

	"github.com/arbnet/arbnet-go/internal/bus"
	"github.com/arbnet/arbnet-go/internal/manager"
	"github.com/arbnet/arbnet-go/internal/market"
)

func newTestServer(t *testing.T, apiKey string) (*Server, *market.Marketplace, *httptest.Server) {
	t.Helper()
	mkt := market.New(market.DefaultConfig(), nil, nil)
	mgr := manager.New(manager.Config{}, bus.NewMemoryBus())
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	s := New(Config{APIKey: apiKey}, mgr, mkt)
	ts := httptest.NewServer(s.mux)
	t.Cleanup(ts.Close)
	return s, mkt, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRequiredWhenKeyConfigured(t *testing.T) {
	_, _, ts := newTestServer(t, "secret")

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBidsEndpointReflectsOrderBook(t *testing.T) {
	_, mkt, ts := newTestServer(t, "")

	_, _, err := mkt.SubmitBid(context.Background(), market.Bid{
		AgentID:      "product-P1",
		ProductID:    "P1",
		Side:         market.SideBuy,
		Quantity:     10,
		PricePerUnit: 12,
		ValidUntil:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/bids")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Total int          `json:"total"`
		Bids  []market.Bid `json:"bids"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Total)
	require.Len(t, body.Bids, 1)
	assert.Equal(t, "P1", body.Bids[0].ProductID)
}

func TestStopClosesEventStreams(t *testing.T) {
	s, _, ts := newTestServer(t, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 },
		time.Second, 10*time.Millisecond)

	s.Stop()
	assert.Equal(t, 0, s.ConnectionCount())

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "stream is closed after Stop")
}

func TestStopUnblocksStart(t *testing.T) {
	mkt := market.New(market.DefaultConfig(), nil, nil)
	mgr := manager.New(manager.Config{}, bus.NewMemoryBus())
	defer mgr.Shutdown(context.Background())

	s := New(Config{Port: 0}, mgr, mkt) // ephemeral port
	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	time.Sleep(50 * time.Millisecond) // let the listener bind

	s.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestEventStreamReceivesMarketEvents(t *testing.T) {
	s, mkt, ts := newTestServer(t, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 },
		time.Second, 10*time.Millisecond)

	_, _, err = mkt.SubmitBid(context.Background(), market.Bid{
		AgentID:      "product-P1",
		ProductID:    "P1",
		Side:         market.SideSell,
		Quantity:     5,
		PricePerUnit: 9,
		ValidUntil:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "market", frame["type"])
	assert.Equal(t, string(market.EventBidSubmitted), frame["event"])
}
