package market

import (
	"context"
	"log"
	"time"

	"github.com/arbnet/arbnet-go/internal/cache"
)

// StartClearing launches the periodic maintenance sweep. It runs until
// StopClearing is called or ctx is cancelled; one bad iteration never
// kills the loop.
func (m *Marketplace) StartClearing(ctx context.Context) {
	m.mu.Lock()
	if m.clearStop != nil {
		m.mu.Unlock()
		return
	}
	m.clearStop = make(chan struct{})
	stop := m.clearStop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.ClearingInterval)
		defer ticker.Stop()
		log.Printf("[Market] Clearing sweep every %s", m.cfg.ClearingInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.Sweep(ctx, time.Now())
			}
		}
	}()
}

// StopClearing halts the sweep loop.
func (m *Marketplace) StopClearing() {
	m.clearOnce.Do(func() {
		m.mu.Lock()
		stop := m.clearStop
		m.mu.Unlock()
		if stop != nil {
			close(stop)
		}
	})
}

// Sweep removes bids past validUntil, expires overdue negotiations, and
// recomputes running statistics. Exposed for deterministic tests; the
// ticker calls it with the current time.
func (m *Marketplace) Sweep(ctx context.Context, now time.Time) {
	var expiredBids []Bid
	var expiredNegs []Negotiation

	m.mu.Lock()
	for id, bid := range m.bids {
		if now.After(bid.ValidUntil) {
			expiredBids = append(expiredBids, *bid)
			delete(m.bids, id)
		}
	}
	for _, neg := range m.negotiations {
		if neg.Status == StatusNegotiating && now.After(neg.Deadline) {
			neg.Status = StatusExpired
			expiredNegs = append(expiredNegs, *neg)
		}
	}
	m.stats.ExpiredBids += len(expiredBids)
	m.stats.ExpiredNegotiations += len(expiredNegs)
	m.recomputeStatsLocked()
	m.mu.Unlock()

	for i := range expiredBids {
		m.cache.Del(ctx, cache.BidKey(expiredBids[i].ID))
		m.emit(Event{Type: EventBidExpired, Bid: &expiredBids[i]})
	}
	for i := range expiredNegs {
		m.cache.SetJSON(ctx, cache.NegotiationKey(expiredNegs[i].ID), expiredNegs[i], time.Hour)
		m.emit(Event{Type: EventNegotiationExpired, Negotiation: &expiredNegs[i]})
	}

	if len(expiredBids) > 0 || len(expiredNegs) > 0 {
		log.Printf("[Market] Sweep: %d bid(s) expired, %d negotiation(s) expired", len(expiredBids), len(expiredNegs))
	}
}

// recomputeStatsLocked refreshes average time-to-match and match success
// rate from the recorded matches. Caller holds m.mu.
func (m *Marketplace) recomputeStatsLocked() {
	m.stats.ActiveBids = len(m.bids)
	m.stats.TotalMatches = len(m.matches)

	if m.bidsSubmitted > 0 {
		m.stats.MatchSuccessRate = float64(m.bidsMatched) / float64(m.bidsSubmitted)
	}

	if len(m.matches) == 0 {
		m.stats.AvgTimeToMatchMs = 0
		return
	}
	var total time.Duration
	var samples int
	for _, match := range m.matches {
		total += match.CreatedAt.Sub(match.BuyBid.SubmittedAt)
		total += match.CreatedAt.Sub(match.SellBid.SubmittedAt)
		samples += 2
	}
	m.stats.AvgTimeToMatchMs = float64(total.Milliseconds()) / float64(samples)
}
