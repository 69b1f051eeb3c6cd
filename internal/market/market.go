package market

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbnet/arbnet-go/internal/cache"
)

// matchSnapshotTTL bounds how long executed-match snapshots linger in the
// persistence cache.
const matchSnapshotTTL = 24 * time.Hour

// Config carries the marketplace's tunable business thresholds. The
// defaults mirror the upstream system; they are configuration, not
// constants, because no documented rationale pins them.
type Config struct {
	ConvergenceTolerance float64       `json:"convergenceTolerance"` // fraction of previous offer
	NegotiationDeadline  time.Duration `json:"negotiationDeadline"`
	ClearingInterval     time.Duration `json:"clearingInterval"`
}

// DefaultConfig returns the upstream defaults: 5% convergence tolerance,
// 30-minute negotiation deadline, 60-second clearing sweep.
func DefaultConfig() Config {
	return Config{
		ConvergenceTolerance: 0.05,
		NegotiationDeadline:  30 * time.Minute,
		ClearingInterval:     60 * time.Second,
	}
}

// Marketplace owns the bid book, match table, and negotiation table. All
// mutations go through its methods under one lock, so concurrent
// submissions can never match the same resting bid twice or lose an offer.
type Marketplace struct {
	cfg      Config
	cache    *cache.Cache
	estimate CostEstimator

	mu            sync.Mutex
	bids          map[string]*Bid
	matches       map[string]*Match
	negotiations  map[string]*Negotiation
	stats         Stats
	bidsSubmitted int
	bidsMatched   int

	listenerMu sync.RWMutex
	listeners  []func(Event)

	clearStop chan struct{}
	clearOnce sync.Once
}

// New creates a marketplace. A nil estimator falls back to the default
// flat-rate cost model; persistence runs through the given cache.
func New(cfg Config, persist *cache.Cache, estimator CostEstimator) *Marketplace {
	def := DefaultConfig()
	if cfg.ConvergenceTolerance <= 0 {
		cfg.ConvergenceTolerance = def.ConvergenceTolerance
	}
	if cfg.NegotiationDeadline <= 0 {
		cfg.NegotiationDeadline = def.NegotiationDeadline
	}
	if cfg.ClearingInterval <= 0 {
		cfg.ClearingInterval = def.ClearingInterval
	}
	if estimator == nil {
		estimator = DefaultCostEstimator
	}
	if persist == nil {
		persist = &cache.Cache{}
	}
	return &Marketplace{
		cfg:          cfg,
		cache:        persist,
		estimate:     estimator,
		bids:         make(map[string]*Bid),
		matches:      make(map[string]*Match),
		negotiations: make(map[string]*Negotiation),
	}
}

// OnEvent registers an observer for marketplace events.
func (m *Marketplace) OnEvent(fn func(Event)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Marketplace) emit(events ...Event) {
	m.listenerMu.RLock()
	listeners := m.listeners
	m.listenerMu.RUnlock()
	for _, ev := range events {
		ev.Timestamp = time.Now()
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// SubmitBid validates and books a bid, then immediately attempts matching
// against the book as it stands. Returns the booked bid (with assigned ID)
// and any match created. Validation failures reject synchronously without
// mutating state.
func (m *Marketplace) SubmitBid(ctx context.Context, bid Bid) (*Bid, *Match, error) {
	if err := validateBid(bid); err != nil {
		return nil, nil, err
	}

	bid.ID = uuid.NewString()
	bid.SubmittedAt = time.Now()
	if bid.Urgency == "" {
		bid.Urgency = UrgencyMedium
	}

	m.mu.Lock()
	booked := bid
	m.bids[booked.ID] = &booked
	m.bidsSubmitted++
	match := m.matchLocked(&booked)
	m.stats.ActiveBids = len(m.bids)
	m.mu.Unlock()

	// Best-effort snapshot, TTL = time remaining until expiry.
	m.cache.SetJSON(ctx, cache.BidKey(booked.ID), booked, time.Until(booked.ValidUntil))

	events := []Event{{Type: EventBidSubmitted, Bid: &booked}}
	if match != nil {
		m.cache.SetJSON(ctx, cache.MatchKey(match.ID), match, matchSnapshotTTL)
		m.cache.Del(ctx, cache.BidKey(match.BuyBid.ID))
		m.cache.Del(ctx, cache.BidKey(match.SellBid.ID))
		events = append(events, Event{Type: EventMatchCreated, Match: match})
		log.Printf("[Market] ✅ Match %s: %d × %s @ %.2f", match.ID, match.AgreedQuantity, match.BuyBid.ProductID, match.AgreedPrice)
	}
	m.emit(events...)

	return &booked, match, nil
}

func validateBid(bid Bid) error {
	switch {
	case bid.AgentID == "":
		return fmt.Errorf("%w: missing agent id", ErrInvalidBid)
	case bid.ProductID == "":
		return fmt.Errorf("%w: missing product id", ErrInvalidBid)
	case bid.Side != SideBuy && bid.Side != SideSell:
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidBid)
	case bid.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidBid)
	case bid.PricePerUnit <= 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidBid)
	case !bid.ValidUntil.After(time.Now()):
		return fmt.Errorf("%w: validUntil must be in the future", ErrInvalidBid)
	}
	return nil
}

// matchLocked scans resting bids of the opposite side for the same product
// and, on the first compatible one, creates a match and removes both bids
// from the book. Caller holds m.mu.
func (m *Marketplace) matchLocked(newBid *Bid) *Match {
	var best *Bid
	for _, resting := range m.bids {
		if resting.ID == newBid.ID || resting.ProductID != newBid.ProductID || resting.Side == newBid.Side {
			continue
		}
		if !compatible(newBid, resting) {
			continue
		}
		// Oldest compatible resting bid wins.
		if best == nil || resting.SubmittedAt.Before(best.SubmittedAt) {
			best = resting
		}
	}
	if best == nil {
		return nil
	}

	buy, sell := newBid, best
	if buy.Side != SideBuy {
		buy, sell = best, newBid
	}

	qty := min(buy.Quantity, sell.Quantity)
	price := (buy.PricePerUnit + sell.PricePerUnit) / 2
	transport := m.estimate(buy.ProductID, sell.FromStoreID, buy.ToStoreID, qty)

	match := &Match{
		ID:              uuid.NewString(),
		BuyBid:          *buy,
		SellBid:         *sell,
		AgreedQuantity:  qty,
		AgreedPrice:     price,
		TransportCost:   transport,
		EstimatedProfit: price*float64(qty) - transport,
		Status:          MatchPending,
		CreatedAt:       time.Now(),
	}

	// Both constituent bids leave the book atomically; a consumed bid can
	// never match again.
	delete(m.bids, buy.ID)
	delete(m.bids, sell.ID)
	m.matches[match.ID] = match
	m.bidsMatched += 2
	m.stats.TotalMatches = len(m.matches)
	return match
}

// compatible applies the two matching rules: the buy price must cross the
// sell price, and the tradable quantity must satisfy both minimums.
func compatible(a, b *Bid) bool {
	buy, sell := a, b
	if buy.Side != SideBuy {
		buy, sell = b, a
	}
	if buy.PricePerUnit < sell.PricePerUnit {
		return false
	}
	tradable := min(a.Quantity, b.Quantity)
	return tradable >= max(a.Conditions.MinQuantity, b.Conditions.MinQuantity)
}

// Bid returns a copy of a resting bid, if present.
func (m *Marketplace) Bid(id string) (Bid, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bids[id]; ok {
		return *b, true
	}
	return Bid{}, false
}

// Bids returns a copy of all resting bids.
func (m *Marketplace) Bids() []Bid {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Bid, 0, len(m.bids))
	for _, b := range m.bids {
		out = append(out, *b)
	}
	return out
}

// Matches returns a copy of all recorded matches.
func (m *Marketplace) Matches() []Match {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Match, 0, len(m.matches))
	for _, mt := range m.matches {
		out = append(out, *mt)
	}
	return out
}

// Stats returns the current aggregate statistics.
func (m *Marketplace) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.ActiveBids = len(m.bids)
	s.TotalMatches = len(m.matches)
	return s
}
