package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"funding_keeper/internal/core"
	"funding_keeper/internal/engine"

	"github.com/shopspring/decimal"
)

// SnapshotSource is the slice of the execution engine the handler reads.
type SnapshotSource interface {
	Snapshot() *engine.Snapshot
}

// HealthSource reports per-component health, as the health manager does.
type HealthSource interface {
	GetStatus() map[string]string
	IsHealthy() bool
}

// Deps wires the diagnostics server to the rest of the system.
type Deps struct {
	Engine SnapshotSource
	Health HealthSource
	Venues map[string]core.IVenue // mark price lookups for unrealized PnL
	Acc    *Accumulator
	Logger core.ILogger
}

// Server exposes GET /diagnostics and POST /reset-metrics.
type Server struct {
	deps    Deps
	srv     *http.Server
	started time.Time
}

type apySection struct {
	Realized   float64            `json:"realized"`
	Estimated  float64            `json:"estimated"`
	NetFunding float64            `json:"netFunding"`
	ByExchange map[string]float64 `json:"byExchange"`
}

type activePair struct {
	PlanID      string    `json:"planId"`
	Symbol      string    `json:"symbol"`
	LongVenue   string    `json:"longVenue"`
	ShortVenue  string    `json:"shortVenue"`
	NotionalUSD float64   `json:"notionalUsd"`
	ExpectedAPR float64   `json:"expectedApr"`
	OpenedAt    time.Time `json:"openedAt"`
}

type positionsSection struct {
	Count         int                `json:"count"`
	TotalValue    float64            `json:"totalValue"`
	UnrealizedPnl float64            `json:"unrealizedPnl"`
	ByExchange    map[string]float64 `json:"byExchange"`
	Active        []activePair       `json:"active"`
}

type healthSection struct {
	Overall string   `json:"overall"`
	Issues  []string `json:"issues"`
}

type errorsSection struct {
	Recent []RecordedError `json:"recent"`
}

type uptimeSection struct {
	Hours float64 `json:"hours"`
}

type diagnosticsResponse struct {
	APY       apySection       `json:"apy"`
	Positions positionsSection `json:"positions"`
	Health    healthSection    `json:"health"`
	Errors    errorsSection    `json:"errors"`
	Uptime    uptimeSection    `json:"uptime"`
}

func NewServer(port int, deps Deps) *Server {
	s := &Server{deps: deps, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/reset-metrics", s.handleResetMetrics)
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

func (s *Server) Start() error {
	s.deps.Logger.Info("Starting diagnostics server", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.deps.Logger.Info("Stopping diagnostics server")
	return s.srv.Shutdown(ctx)
}

// Handler returns the mux, for tests and for mounting on a shared server.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.deps.Engine.Snapshot()
	open := snap.OpenPairs()

	resp := diagnosticsResponse{
		APY:       s.apySection(open),
		Positions: s.positionsSection(r.Context(), open),
		Health:    s.healthSection(),
		Errors:    errorsSection{Recent: s.deps.Acc.RecentErrors()},
		Uptime:    uptimeSection{Hours: time.Since(s.started).Hours()},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.deps.Logger.Warn("Failed to encode diagnostics response", "error", err)
	}
}

func (s *Server) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.deps.Acc.ResetAPY()
	s.deps.Logger.Info("Realized APY window reset")
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) apySection(open []engine.PairSnapshot) apySection {
	deployed := decimal.Zero
	weighted := decimal.Zero
	for _, p := range open {
		deployed = deployed.Add(p.NotionalUSD)
		weighted = weighted.Add(p.ExpectedAPR.Decimal.Mul(p.NotionalUSD))
	}
	estimated := decimal.Zero
	if deployed.Sign() > 0 {
		estimated = weighted.Div(deployed)
	}

	net, byVenue := s.deps.Acc.NetFunding()
	byExchange := make(map[string]float64, len(byVenue))
	for venue, amount := range byVenue {
		byExchange[venue] = amount.InexactFloat64()
	}

	return apySection{
		Realized:   s.deps.Acc.RealizedAPY(deployed).InexactFloat64(),
		Estimated:  estimated.InexactFloat64(),
		NetFunding: net.InexactFloat64(),
		ByExchange: byExchange,
	}
}

func (s *Server) positionsSection(ctx context.Context, open []engine.PairSnapshot) positionsSection {
	total := decimal.Zero
	pnl := decimal.Zero
	byExchange := make(map[string]float64)
	active := make([]activePair, 0, len(open))

	for _, p := range open {
		total = total.Add(p.NotionalUSD)
		notional := p.NotionalUSD.InexactFloat64()
		byExchange[p.LongVenue] += notional
		byExchange[p.ShortVenue] += notional

		for _, leg := range []*core.Position{p.LongPos, p.ShortPos} {
			if legPnl, ok := s.legPnl(ctx, leg); ok {
				pnl = pnl.Add(legPnl)
			}
		}

		active = append(active, activePair{
			PlanID:      p.PlanID,
			Symbol:      p.Symbol,
			LongVenue:   p.LongVenue,
			ShortVenue:  p.ShortVenue,
			NotionalUSD: notional,
			ExpectedAPR: p.ExpectedAPR.InexactFloat64(),
			OpenedAt:    p.CreatedAt,
		})
	}

	return positionsSection{
		Count:         len(open),
		TotalValue:    total.InexactFloat64(),
		UnrealizedPnl: pnl.InexactFloat64(),
		ByExchange:    byExchange,
		Active:        active,
	}
}

// legPnl marks a leg against its venue's current price. Legs whose venue
// is unknown or unreachable are left out of the total.
func (s *Server) legPnl(ctx context.Context, leg *core.Position) (decimal.Decimal, bool) {
	if leg == nil {
		return decimal.Zero, false
	}
	venue, ok := s.deps.Venues[leg.Venue]
	if !ok {
		return decimal.Zero, false
	}
	mark, err := venue.GetMarkPrice(ctx, leg.Symbol)
	if err != nil {
		return decimal.Zero, false
	}
	diff := mark.Sub(leg.EntryPrice)
	if leg.Side == core.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(leg.Size), true
}

func (s *Server) healthSection() healthSection {
	status := s.deps.Health.GetStatus()

	issues := make([]string, 0)
	for component, verdict := range status {
		if verdict != "Healthy" {
			issues = append(issues, fmt.Sprintf("%s: %s", component, verdict))
		}
	}
	sort.Strings(issues)

	overall := "OK"
	switch {
	case len(issues) == 0:
	case len(issues) == len(status):
		overall = "FAILED"
	default:
		overall = "DEGRADED"
	}
	return healthSection{Overall: overall, Issues: issues}
}
