package market

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/exchange"
)

func TestHandleMessageQuoteEvent(t *testing.T) {
	var got []exchange.Tick
	s := NewTickerStream("wss://example", func(tk exchange.Tick) { got = append(got, tk) }, nil)

	raw := []byte(`{
		"type": "quote-event",
		"channel": "ticker.10000001",
		"content": {"data": [
			{"contractId": "10000001", "lastPrice": "65000.5", "size": "1.25", "time": "1724745600000"}
		]}
	}`)
	s.handleMessage(raw)

	require.Len(t, got, 1)
	assert.Equal(t, "10000001", got[0].ContractID)
	assert.Equal(t, 65000.5, got[0].Price)
	assert.Equal(t, 1.25, got[0].Volume)
	assert.Equal(t, time.UnixMilli(1724745600000), got[0].Time)
}

func TestHandleMessageSkipsBadPrices(t *testing.T) {
	var got []exchange.Tick
	s := NewTickerStream("wss://example", func(tk exchange.Tick) { got = append(got, tk) }, nil)

	s.handleMessage([]byte(`{"type":"quote-event","content":{"data":[
		{"contractId":"1","lastPrice":"0","size":"1"},
		{"contractId":"1","lastPrice":"not-a-number","size":"1"},
		{"contractId":"1","lastPrice":"-5","size":"1"}
	]}}`))

	assert.Empty(t, got)
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	s := NewTickerStream("wss://example", nil, nil)
	assert.NotPanics(t, func() {
		s.handleMessage([]byte(`{{{`))
		s.handleMessage([]byte(`{"type":"unknown"}`))
	})
}

func TestGoDownNotifiesEverySubscription(t *testing.T) {
	down := map[string]bool{}
	s := NewTickerStream("wss://example", nil, func(id string) { down[id] = true })
	require.NoError(t, s.Subscribe("10000001"))
	require.NoError(t, s.Subscribe("10000002"))

	s.alive.Store(true)
	s.goDown(assert.AnError)

	assert.False(t, s.Alive())
	assert.Equal(t, map[string]bool{"10000001": true, "10000002": true}, down)
}

func TestSubscribeMsgShape(t *testing.T) {
	msg := subscribeMsg("42")
	assert.Equal(t, "subscribe", msg["type"])
	assert.Equal(t, "ticker.42", msg["channel"])
}

func wsTestURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamDeliversTicksOverConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		if _, _, err := c.ReadMessage(); err != nil { // the subscribe frame
			return
		}
		frame := `{"type":"quote-event","channel":"ticker.10000001","content":{"data":[` +
			`{"contractId":"10000001","lastPrice":"50000.5","size":"2","time":"1724745600000"}]}}`
		if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ticks := make(chan exchange.Tick, 1)
	s := NewTickerStream(wsTestURL(srv), func(tk exchange.Tick) {
		select {
		case ticks <- tk:
		default:
		}
	}, nil)
	require.NoError(t, s.Subscribe("10000001"))
	s.Start()
	defer s.Stop()

	select {
	case tk := <-ticks:
		assert.Equal(t, "10000001", tk.ContractID)
		assert.Equal(t, 50000.5, tk.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick arrived over the live connection")
	}
	assert.True(t, s.Alive())
}

func TestFlappingEndpointExhaustsRetryBudget(t *testing.T) {
	oldBackoff, oldWindow := reconnectBackoff, stableConnWindow
	reconnectBackoff, stableConnWindow = time.Millisecond, time.Hour
	defer func() { reconnectBackoff, stableConnWindow = oldBackoff, oldWindow }()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// accept, then drop the connection immediately
		if c, err := upgrader.Upgrade(w, r, nil); err == nil {
			c.Close()
		}
	}))
	defer srv.Close()

	var down atomic.Int32
	s := NewTickerStream(wsTestURL(srv), nil, func(string) { down.Add(1) })
	require.NoError(t, s.Subscribe("10000001"))
	s.Start()
	defer s.Stop()

	// instant drops must burn the budget instead of redialling forever
	require.Eventually(t, func() bool { return !s.Alive() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), down.Load(), "push disabled once per subscription")
}
