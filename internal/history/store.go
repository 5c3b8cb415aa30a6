// Package history keeps sliding-window time series of funding rates, marks
// and cross-venue spreads, one ring buffer per series.
package history

import (
	"fmt"
	"math"
	"sync"
	"time"

	"funding_keeper/internal/core"

	"github.com/shopspring/decimal"
)

const (
	DefaultRetention      = 30 * 24 * time.Hour
	DefaultHalfLife       = 24 * time.Hour
	DefaultMinSamples     = 10
	DefaultMatchTolerance = 5 * time.Minute

	initialCapacity = 256
)

// Options configures retention and statistical behavior of the store.
type Options struct {
	Retention      time.Duration
	HalfLife       time.Duration
	MinSamples     int
	MatchTolerance time.Duration
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.HalfLife <= 0 {
		o.HalfLife = DefaultHalfLife
	}
	if o.MinSamples <= 0 {
		o.MinSamples = DefaultMinSamples
	}
	if o.MatchTolerance <= 0 {
		o.MatchTolerance = DefaultMatchTolerance
	}
	return o
}

// point is one sample in a series. Funding series fill every field, mark
// series only ts and mark.
type point struct {
	ts              time.Time
	rate            decimal.Decimal
	mark            decimal.Decimal
	oi              decimal.Decimal
	intervalsPerDay int
	nextFunding     time.Time
}

// SpreadMetrics summarizes how a venue-pair spread behaved over a window.
type SpreadMetrics struct {
	StabilityScore   float64
	MaxHourlyChange  core.Rate
	ReversalCount    int
	DropsToZeroCount int
	SampleCount      int
}

// Store is a multi-reader single-writer collection of per-series rings.
// Each series carries its own lock; appends never block reads of other
// series.
type Store struct {
	opts Options

	mu      sync.RWMutex
	funding map[string]*ring
	marks   map[string]*ring
}

// New creates a store with the given options, applying defaults for any
// zero field.
func New(opts Options) *Store {
	return &Store{
		opts:    opts.withDefaults(),
		funding: make(map[string]*ring),
		marks:   make(map[string]*ring),
	}
}

func seriesKey(venue, symbol string) string {
	return fmt.Sprintf("%s:%s", venue, symbol)
}

func (s *Store) fundingSeries(venue, symbol string, create bool) *ring {
	key := seriesKey(venue, symbol)
	s.mu.RLock()
	r, ok := s.funding[key]
	s.mu.RUnlock()
	if ok || !create {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.funding[key]; ok {
		return r
	}
	r = newRing(s.opts.Retention)
	s.funding[key] = r
	return r
}

func (s *Store) markSeries(venue, symbol string, create bool) *ring {
	key := seriesKey(venue, symbol)
	s.mu.RLock()
	r, ok := s.marks[key]
	s.mu.RUnlock()
	if ok || !create {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.marks[key]; ok {
		return r
	}
	r = newRing(s.opts.Retention)
	s.marks[key] = r
	return r
}

// AppendFunding records a funding snapshot. Timestamps must be strictly
// increasing per series.
func (s *Store) AppendFunding(snap *core.FundingSnapshot) error {
	r := s.fundingSeries(snap.Venue, snap.Symbol, true)
	return r.append(point{
		ts:              snap.Timestamp,
		rate:            snap.Rate.Decimal,
		mark:            snap.MarkPrice,
		oi:              snap.OpenInterestUSD,
		intervalsPerDay: snap.IntervalsPerDay,
		nextFunding:     snap.NextFundingTime,
	})
}

// AppendMark records a bare mark price sample, used for venues that quote
// prices but pay no funding.
func (s *Store) AppendMark(venue, symbol string, mark decimal.Decimal, ts time.Time) error {
	r := s.markSeries(venue, symbol, true)
	return r.append(point{ts: ts, mark: mark})
}

// WeightedAverageRate returns the exponentially weighted average funding
// rate with the configured half-life. With fewer than MinSamples samples it
// falls back to the most recent rate. ok is false when the series is empty.
func (s *Store) WeightedAverageRate(venue, symbol string, now time.Time) (core.Rate, bool) {
	r := s.fundingSeries(venue, symbol, false)
	if r == nil {
		return core.Rate{}, false
	}

	pts := r.window(now.Add(-s.opts.Retention), now)
	if len(pts) == 0 {
		return core.Rate{}, false
	}
	if len(pts) < s.opts.MinSamples {
		return core.NewRate(pts[len(pts)-1].rate), true
	}

	halfLife := s.opts.HalfLife.Hours()
	var num, den float64
	for _, p := range pts {
		age := now.Sub(p.ts).Hours()
		if age < 0 {
			age = 0
		}
		w := math.Exp(-math.Ln2 * age / halfLife)
		v, _ := p.rate.Float64()
		num += w * v
		den += w
	}
	if den == 0 {
		return core.NewRate(pts[len(pts)-1].rate), true
	}
	return core.RateFromFloat(num / den), true
}

// AverageSpread returns the arithmetic mean of |longRate − shortRate| over
// timestamp-matched samples of the two venues within the window. ok is
// false when no samples match.
func (s *Store) AverageSpread(symbol, longVenue, shortVenue string, window time.Duration, now time.Time) (core.Rate, bool) {
	matched := s.matchedSpreads(symbol, longVenue, shortVenue, window, now)
	if len(matched) == 0 {
		return core.Rate{}, false
	}

	sum := decimal.Zero
	for _, m := range matched {
		sum = sum.Add(m.spread.Abs())
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(matched))))
	return core.NewRate(avg), true
}

// SpreadVolatility computes stability and reversal statistics for a venue
// pair over the window. ok is false when no samples match.
func (s *Store) SpreadVolatility(symbol, longVenue, shortVenue string, window time.Duration, now time.Time) (SpreadMetrics, bool) {
	matched := s.matchedSpreads(symbol, longVenue, shortVenue, window, now)
	if len(matched) == 0 {
		return SpreadMetrics{}, false
	}

	metrics := SpreadMetrics{SampleCount: len(matched)}

	// Mean and stddev of the spread magnitude; float64 for the sqrt.
	var sum float64
	values := make([]float64, len(matched))
	for i, m := range matched {
		v, _ := m.spread.Abs().Float64()
		values[i] = v
		sum += v
	}
	mean := sum / float64(len(values))

	var varianceSum float64
	for _, v := range values {
		varianceSum += math.Pow(v-mean, 2)
	}
	stdDev := math.Sqrt(varianceSum / float64(len(values)))

	switch {
	case stdDev == 0:
		metrics.StabilityScore = 1.0
	case mean == 0:
		metrics.StabilityScore = 0
	default:
		metrics.StabilityScore = 1.0 / (1.0 + stdDev/mean)
	}

	// Max change between consecutive samples scaled to one hour. Gaps
	// shorter than a minute are floored to avoid exploding the rate.
	maxChange := decimal.Zero
	zeroEps := decimal.New(1, -8)
	for i := 1; i < len(matched); i++ {
		dt := matched[i].ts.Sub(matched[i-1].ts).Hours()
		if dt < 1.0/60 {
			dt = 1.0 / 60
		}
		change := matched[i].spread.Sub(matched[i-1].spread).Abs().
			Div(decimal.NewFromFloat(dt))
		if change.GreaterThan(maxChange) {
			maxChange = change
		}

		prevSign := matched[i-1].spread.Sign()
		currSign := matched[i].spread.Sign()
		if prevSign != 0 && currSign != 0 && prevSign != currSign {
			metrics.ReversalCount++
		}
		if matched[i-1].spread.Abs().GreaterThan(zeroEps) &&
			matched[i].spread.Abs().LessThanOrEqual(zeroEps) {
			metrics.DropsToZeroCount++
		}
	}
	metrics.MaxHourlyChange = core.NewRate(maxChange)

	return metrics, true
}

type spreadSample struct {
	ts     time.Time
	spread decimal.Decimal // signed: longRate − shortRate
}

// matchedSpreads walks both funding series pairing samples whose timestamps
// agree within the match tolerance.
func (s *Store) matchedSpreads(symbol, longVenue, shortVenue string, window time.Duration, now time.Time) []spreadSample {
	longRing := s.fundingSeries(longVenue, symbol, false)
	shortRing := s.fundingSeries(shortVenue, symbol, false)
	if longRing == nil || shortRing == nil {
		return nil
	}

	from := now.Add(-window)
	longPts := longRing.window(from, now)
	shortPts := shortRing.window(from, now)

	tol := s.opts.MatchTolerance
	matched := make([]spreadSample, 0, min(len(longPts), len(shortPts)))

	i, j := 0, 0
	for i < len(longPts) && j < len(shortPts) {
		dt := longPts[i].ts.Sub(shortPts[j].ts)
		switch {
		case dt < -tol:
			i++
		case dt > tol:
			j++
		default:
			matched = append(matched, spreadSample{
				ts:     longPts[i].ts,
				spread: longPts[i].rate.Sub(shortPts[j].rate),
			})
			i++
			j++
		}
	}
	return matched
}

// Snapshots returns a copy of every retained funding sample for the series.
func (s *Store) Snapshots(venue, symbol string) []*core.FundingSnapshot {
	r := s.fundingSeries(venue, symbol, false)
	if r == nil {
		return nil
	}

	pts := r.all()
	out := make([]*core.FundingSnapshot, len(pts))
	for i, p := range pts {
		out[i] = &core.FundingSnapshot{
			Venue:           venue,
			Symbol:          symbol,
			Rate:            core.NewRate(p.rate),
			IntervalsPerDay: p.intervalsPerDay,
			MarkPrice:       p.mark,
			OpenInterestUSD: p.oi,
			NextFundingTime: p.nextFunding,
			Timestamp:       p.ts,
		}
	}
	return out
}

// SampleCount returns how many funding samples the series currently holds.
func (s *Store) SampleCount(venue, symbol string) int {
	r := s.fundingSeries(venue, symbol, false)
	if r == nil {
		return 0
	}
	return r.count()
}

// LatestMark returns the newest mark sample for the series.
func (s *Store) LatestMark(venue, symbol string) (decimal.Decimal, time.Time, bool) {
	r := s.markSeries(venue, symbol, false)
	if r == nil {
		return decimal.Zero, time.Time{}, false
	}
	p, ok := r.last()
	if !ok {
		return decimal.Zero, time.Time{}, false
	}
	return p.mark, p.ts, true
}

// LatestFunding returns the newest funding sample for the series.
func (s *Store) LatestFunding(venue, symbol string) (*core.FundingSnapshot, bool) {
	r := s.fundingSeries(venue, symbol, false)
	if r == nil {
		return nil, false
	}
	p, ok := r.last()
	if !ok {
		return nil, false
	}
	return &core.FundingSnapshot{
		Venue:           venue,
		Symbol:          symbol,
		Rate:            core.NewRate(p.rate),
		IntervalsPerDay: p.intervalsPerDay,
		MarkPrice:       p.mark,
		OpenInterestUSD: p.oi,
		NextFundingTime: p.nextFunding,
		Timestamp:       p.ts,
	}, true
}
