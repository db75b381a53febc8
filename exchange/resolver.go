package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	"gridbot/logger"
)

// directoryTTL bounds how long a fetched contract listing is reused
const directoryTTL = 10 * time.Minute

// Resolver maps user-facing symbols like BTC-USDT to exchange contracts.
// Successful resolutions are cached for the process lifetime, so a symbol
// always maps to the same contract for the whole run.
type Resolver struct {
	client Client
	gov    *Governor

	mu         sync.Mutex
	cache      map[string]Contract
	dir        []Contract
	dirFetched time.Time
}

// NewResolver creates a resolver backed by the given adapter
func NewResolver(client Client, gov *Governor) *Resolver {
	return &Resolver{
		client: client,
		gov:    gov,
		cache:  make(map[string]Contract),
	}
}

// Resolve returns the contract for a symbol, consulting the lifetime
// cache first, then exact naming variants against the contract
// directory, then fuzzy matching. Failure returns *ResolutionError and
// the caller skips the symbol this cycle.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (Contract, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.cache[symbol]; ok {
		return c, nil
	}

	dir, err := r.directoryLocked(ctx)
	if err != nil {
		return Contract{}, &ResolutionError{Symbol: symbol, Err: err}
	}

	bySymbol := make(map[string]Contract, len(dir))
	for _, c := range dir {
		bySymbol[strings.ToUpper(c.Symbol)] = c
	}

	variants := namingVariants(symbol)
	for _, v := range variants {
		if c, ok := bySymbol[v]; ok {
			r.cache[symbol] = c
			logger.Infof("resolved %s -> %s (id=%s)", symbol, c.Symbol, c.ID)
			return c, nil
		}
	}

	// No exact variant hit; fall back to similarity against the directory,
	// comparing the separator-free spelling so BTC-USDT scores against
	// BTCUSDTM on the letters that matter
	condensed := condense(symbol)
	var best Contract
	bestScore := 0.0
	for _, c := range dir {
		if score := Similarity(condensed, c.Symbol); score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore >= SimilarityThreshold {
		r.cache[symbol] = best
		logger.Infof("resolved %s -> %s by similarity %.2f", symbol, best.Symbol, bestScore)
		return best, nil
	}

	return Contract{}, &ResolutionError{Symbol: symbol, Tried: variants}
}

// Directory returns the cached contract listing, fetching if stale
func (r *Resolver) Directory(ctx context.Context) ([]Contract, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir, err := r.directoryLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Contract, len(dir))
	copy(out, dir)
	return out, nil
}

func (r *Resolver) directoryLocked(ctx context.Context) ([]Contract, error) {
	if r.dir != nil && time.Since(r.dirFetched) < directoryTTL {
		return r.dir, nil
	}
	if err := r.gov.Acquire(ctx); err != nil {
		return nil, err
	}
	dir, err := r.client.GetContractDirectory(ctx)
	if err != nil {
		// A stale directory beats none at all
		if r.dir != nil {
			return r.dir, nil
		}
		return nil, err
	}
	r.dir = dir
	r.dirFetched = time.Now()
	return r.dir, nil
}

// condense strips the separators user-facing symbols carry
func condense(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || r == '/' {
			return -1
		}
		return r
	}, s)
}

// namingVariants expands BASE-QUOTE into the contract name spellings
// exchanges actually use, most specific first.
func namingVariants(symbol string) []string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	base := s
	quote := ""
	if i := strings.IndexAny(s, "-_/"); i >= 0 {
		base, quote = s[:i], s[i+1:]
	}

	variants := []string{s}
	if quote != "" {
		variants = append(variants, base+quote)
	}
	variants = append(variants,
		base+"USD",
		base+"USDT",
		base+"2USD",
		base,
	)

	// dedupe preserving order
	seen := make(map[string]bool, len(variants))
	out := variants[:0]
	for _, v := range variants {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
