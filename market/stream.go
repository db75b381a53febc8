package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gridbot/exchange"
	"gridbot/logger"
)

const maxReconnectAttempts = 3

var (
	reconnectBackoff = 2 * time.Second
	// a connection must hold this long before it restores the retry
	// budget; an immediate drop counts like a failed dial
	stableConnWindow = 30 * time.Second
)

// TickerStream maintains the public quote websocket and fans ticks out
// to the source. One connection carries every subscribed contract. An
// outage is retried up to 3 times with linear backoff; after that the
// stream shuts down for the run and reports each contract as down.
type TickerStream struct {
	url    string
	onTick func(exchange.Tick)
	onDown func(contractID string)

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]bool

	alive  atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTickerStream creates a stream for the public quote endpoint.
// onTick receives parsed ticker updates; onDown is called once per
// subscribed contract when reconnects are exhausted.
func NewTickerStream(wsBaseURL string, onTick func(exchange.Tick), onDown func(contractID string)) *TickerStream {
	return &TickerStream{
		url:    wsBaseURL + "/api/v1/public/ws",
		onTick: onTick,
		onDown: onDown,
		subs:   make(map[string]bool),
		stopCh: make(chan struct{}),
	}
}

// Start dials the endpoint and begins the read loop. The initial dial
// failure is not fatal; the reconnect budget applies to it too.
func (s *TickerStream) Start() {
	s.alive.Store(true)
	s.wg.Add(1)
	go s.run()
}

// Stop closes the connection and waits for the read loop to exit
func (s *TickerStream) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Alive reports whether the stream still has a reconnect budget
func (s *TickerStream) Alive() bool {
	return s.alive.Load()
}

// Subscribe registers a contract's ticker channel. Safe to call before
// the connection is up; subscriptions replay on every (re)connect.
func (s *TickerStream) Subscribe(contractID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[contractID] = true
	if s.conn != nil {
		return s.writeLocked(subscribeMsg(contractID))
	}
	return nil
}

func (s *TickerStream) run() {
	defer s.wg.Done()

	attempts := 0
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connect(); err != nil {
			attempts++
			if attempts >= maxReconnectAttempts {
				s.goDown(err)
				return
			}
			logger.Warnf("ticker stream connect failed (attempt %d/%d): %v", attempts, maxReconnectAttempts, err)
			if !s.backoff(attempts) {
				return
			}
			continue
		}

		connectedAt := time.Now()
		err := s.readLoop()
		select {
		case <-s.stopCh:
			return
		default:
		}

		// only a connection that held for a while restores the retry
		// budget; a flapping endpoint burns through it like failed dials
		if time.Since(connectedAt) >= stableConnWindow {
			attempts = 0
		}
		attempts++
		if attempts >= maxReconnectAttempts {
			s.goDown(err)
			return
		}
		logger.Warnf("ticker stream dropped (attempt %d/%d): %v", attempts, maxReconnectAttempts, err)
		if !s.backoff(attempts) {
			return
		}
	}
}

// backoff sleeps linearly with the attempt count. False means stop.
func (s *TickerStream) backoff(attempts int) bool {
	select {
	case <-time.After(time.Duration(attempts) * reconnectBackoff):
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *TickerStream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	for id := range s.subs {
		if err := s.writeLocked(subscribeMsg(id)); err != nil {
			conn.Close()
			s.conn = nil
			return fmt.Errorf("resubscribe %s: %w", id, err)
		}
	}
	logger.Infof("ticker stream connected (%d subscriptions)", len(s.subs))
	return nil
}

func (s *TickerStream) readLoop() error {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("connection gone")
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			return err
		}
		s.handleMessage(raw)
	}
}

func (s *TickerStream) goDown(err error) {
	s.alive.Store(false)
	logger.Errorf("ticker stream gave up after %d attempts: %v", maxReconnectAttempts, err)

	s.mu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if s.onDown != nil {
		for _, id := range ids {
			s.onDown(id)
		}
	}
}

// ============================================================================
// Protocol
// ============================================================================

type wsMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Time    string `json:"time"`
	Content struct {
		Data []struct {
			ContractID string `json:"contractId"`
			LastPrice  string `json:"lastPrice"`
			Size       string `json:"size"`
			Time       string `json:"time"`
		} `json:"data"`
	} `json:"content"`
}

func (s *TickerStream) handleMessage(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Debugf("ticker stream: unreadable frame: %v", err)
		return
	}

	switch msg.Type {
	case "ping":
		s.mu.Lock()
		werr := s.writeLocked(map[string]string{"type": "pong", "time": msg.Time})
		s.mu.Unlock()
		if werr != nil {
			logger.Warnf("ticker stream: pong failed: %v", werr)
		}
	case "quote-event", "payload":
		for _, d := range msg.Content.Data {
			price, err := strconv.ParseFloat(d.LastPrice, 64)
			if err != nil || price <= 0 {
				continue
			}
			vol, _ := strconv.ParseFloat(d.Size, 64)
			ms, _ := strconv.ParseInt(d.Time, 10, 64)
			ts := time.Now()
			if ms > 0 {
				ts = time.UnixMilli(ms)
			}
			if s.onTick != nil {
				s.onTick(exchange.Tick{
					ContractID: d.ContractID,
					Price:      price,
					Volume:     vol,
					Time:       ts,
				})
			}
		}
	}
}

func (s *TickerStream) writeLocked(v any) error {
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	return s.conn.WriteJSON(v)
}

func subscribeMsg(contractID string) map[string]string {
	return map[string]string{
		"type":    "subscribe",
		"channel": "ticker." + contractID,
	}
}
