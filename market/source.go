package market

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gridbot/exchange"
	"gridbot/logger"
)

// ErrDataUnavailable means neither the push buffer nor a pull fetch
// could produce a usable window. Skip the symbol and retry next cycle.
var ErrDataUnavailable = errors.New("market data unavailable")

// Source serves price windows per contract. The push buffer (fed by the
// ticker stream) is preferred whenever it holds enough samples; the REST
// kline pull is the fallback. The choice is made fresh on every call, so
// a recovered push feed is used again without operator action.
type Source struct {
	client        exchange.Client
	gov           *exchange.Governor
	capacity      int
	klineInterval string

	mu           sync.RWMutex
	buffers      map[string]*ring // contractID -> push buffer
	pushDisabled map[string]bool  // contractID -> permanent pull mode
}

// NewSource creates a source pulling klines at the given interval
// (edgeX kline type, e.g. "MINUTE_1") with push buffers of the given
// capacity.
func NewSource(client exchange.Client, gov *exchange.Governor, capacity int, klineInterval string) *Source {
	return &Source{
		client:        client,
		gov:           gov,
		capacity:      capacity,
		klineInterval: klineInterval,
		buffers:       make(map[string]*ring),
		pushDisabled:  make(map[string]bool),
	}
}

// Record feeds one push tick into the contract's buffer as a synthetic
// bar. Wired as the ticker stream's tick callback.
func (s *Source) Record(t exchange.Tick) {
	s.buffer(t.ContractID).append(exchange.Kline{
		OpenTime: t.Time,
		Open:     t.Price,
		High:     t.Price,
		Low:      t.Price,
		Close:    t.Price,
		Volume:   t.Volume,
	})
}

// DisablePush puts a contract into permanent pull mode for the rest of
// the run. Wired as the ticker stream's exhaustion callback.
func (s *Source) DisablePush(contractID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pushDisabled[contractID] {
		s.pushDisabled[contractID] = true
		logger.Warnf("push feed down for contract %s, pull mode for the rest of the run", contractID)
	}
}

// Window returns the newest length bars for the contract, oldest first.
// Push wins when its buffer holds enough samples and is not disabled;
// otherwise a pull fetch is attempted. A short pull result is returned
// as-is so the signal engine can report insufficient data.
func (s *Source) Window(ctx context.Context, contract exchange.Contract, length int) ([]exchange.Kline, error) {
	if length <= 0 {
		return nil, fmt.Errorf("window length must be positive, got %d", length)
	}

	s.mu.RLock()
	disabled := s.pushDisabled[contract.ID]
	s.mu.RUnlock()

	if !disabled {
		if w := s.buffer(contract.ID).tail(length); w != nil {
			return w, nil
		}
	}

	if err := s.gov.Acquire(ctx); err != nil {
		return nil, err
	}

	var klines []exchange.Kline
	err := exchange.Retry(ctx, "pull klines "+contract.Symbol, func() error {
		var ferr error
		klines, ferr = s.client.GetKlines(ctx, contract.ID, s.klineInterval, length)
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDataUnavailable, contract.Symbol, err)
	}
	return klines, nil
}

// PushSamples reports how many push bars are buffered for a contract
func (s *Source) PushSamples(contractID string) int {
	return s.buffer(contractID).len()
}

func (s *Source) buffer(contractID string) *ring {
	s.mu.RLock()
	r, ok := s.buffers[contractID]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.buffers[contractID]; ok {
		return r
	}
	r = newRing(s.capacity)
	s.buffers[contractID] = r
	return r
}
