package aggregator

import (
	"strings"
	"sync"
)

// quote suffixes recognized when deriving a base asset from a canonical
// symbol, longest first.
var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "USD"}

// Aliases maps canonical symbols to per-venue tickers and back. Venues
// without a registered alias use the canonical symbol unchanged.
type Aliases struct {
	mu          sync.RWMutex
	byCanonical map[string]map[string]string
	byVenue     map[string]map[string]string
}

func NewAliases() *Aliases {
	return &Aliases{
		byCanonical: make(map[string]map[string]string),
		byVenue:     make(map[string]map[string]string),
	}
}

// Register binds a venue-local ticker to a canonical symbol.
func (a *Aliases) Register(canonical, venue, alias string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.byCanonical[canonical] == nil {
		a.byCanonical[canonical] = make(map[string]string)
	}
	a.byCanonical[canonical][venue] = alias

	if a.byVenue[venue] == nil {
		a.byVenue[venue] = make(map[string]string)
	}
	a.byVenue[venue][alias] = canonical
}

// VenueSymbol returns the ticker the venue knows the canonical symbol by.
func (a *Aliases) VenueSymbol(venue, canonical string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if m := a.byCanonical[canonical]; m != nil {
		if alias, ok := m[venue]; ok {
			return alias
		}
	}
	return canonical
}

// Canonical resolves a venue-local ticker back to the canonical symbol.
func (a *Aliases) Canonical(venue, alias string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if m := a.byVenue[venue]; m != nil {
		if canonical, ok := m[alias]; ok {
			return canonical
		}
	}
	return alias
}

// BaseAsset strips the quote suffix from a canonical symbol: ETHUSDT
// yields ETH. Symbols without a known quote suffix come back unchanged.
func BaseAsset(canonical string) string {
	for _, q := range quoteSuffixes {
		if len(canonical) > len(q) && strings.HasSuffix(canonical, q) {
			return strings.TrimSuffix(canonical, q)
		}
	}
	return canonical
}
