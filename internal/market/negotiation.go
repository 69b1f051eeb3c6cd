package market

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/arbnet/arbnet-go/internal/cache"
)

// StartNegotiation opens a bilateral negotiation between initiator and
// target with the initiator's opening price. The target should be notified
// with an urgent message so the deadline is not eaten by polling
// intervals.
func (m *Marketplace) StartNegotiation(ctx context.Context, initiator, target string, subject Subject, initialPrice float64, conditions map[string]any) (*Negotiation, error) {
	switch {
	case initiator == "" || target == "":
		return nil, fmt.Errorf("%w: both participants required", ErrInvalidBid)
	case initiator == target:
		return nil, fmt.Errorf("%w: cannot negotiate with self", ErrInvalidBid)
	case subject.ProductID == "" || subject.Quantity <= 0:
		return nil, fmt.Errorf("%w: negotiation subject requires product and positive quantity", ErrInvalidBid)
	case initialPrice <= 0:
		return nil, fmt.Errorf("%w: initial offer must be positive", ErrInvalidBid)
	}

	now := time.Now()
	neg := &Negotiation{
		ID:           uuid.NewString(),
		Participants: [2]string{initiator, target},
		Subject:      subject,
		Offers: []Offer{{
			AgentID:    initiator,
			PriceOffer: initialPrice,
			Conditions: conditions,
			Timestamp:  now,
		}},
		Status:    StatusNegotiating,
		Deadline:  now.Add(m.cfg.NegotiationDeadline),
		StartedAt: now,
	}

	m.mu.Lock()
	m.negotiations[neg.ID] = neg
	snapshot := *neg
	m.mu.Unlock()

	m.cache.SetJSON(ctx, cache.NegotiationKey(neg.ID), snapshot, time.Until(neg.Deadline))
	m.emit(Event{Type: EventNegotiationStarted, Negotiation: &snapshot})
	log.Printf("[Market] Negotiation %s opened: %s ↔ %s on %s", neg.ID, initiator, target, subject.ProductID)
	return &snapshot, nil
}

// SubmitCounterOffer appends one offer from a participant. If the new
// offer is within the convergence tolerance of the previous one, the
// negotiation is accepted at the midpoint of the last two offers and the
// transfer executes immediately.
func (m *Marketplace) SubmitCounterOffer(ctx context.Context, negotiationID, agentID string, price float64, conditions map[string]any) (*Negotiation, error) {
	if price <= 0 {
		return nil, fmt.Errorf("%w: counter offer must be positive", ErrInvalidBid)
	}

	m.restoreNegotiation(ctx, negotiationID)

	m.mu.Lock()
	neg, ok := m.negotiations[negotiationID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNegotiationNotFound, negotiationID)
	}
	if neg.Status != StatusNegotiating {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: status is %s", ErrNegotiationClosed, neg.Status)
	}
	if agentID != neg.Participants[0] && agentID != neg.Participants[1] {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, agentID)
	}

	previous := neg.Offers[len(neg.Offers)-1]
	neg.Offers = append(neg.Offers, Offer{
		AgentID:    agentID,
		PriceOffer: price,
		Conditions: conditions,
		Timestamp:  time.Now(),
	})

	converged := math.Abs(price-previous.PriceOffer) < m.cfg.ConvergenceTolerance*previous.PriceOffer
	if converged {
		final := (price + previous.PriceOffer) / 2
		neg.Status = StatusAgreed
		neg.AgreedTerms = &AgreedTerms{
			FinalPrice: final,
			Quantity:   neg.Subject.Quantity,
			Conditions: mergeConditions(previous.Conditions, conditions),
		}
		m.executeTransferLocked(neg)
	}
	snapshot := *neg
	m.mu.Unlock()

	m.cache.SetJSON(ctx, cache.NegotiationKey(neg.ID), snapshot, time.Until(neg.Deadline))

	if converged {
		log.Printf("[Market] ✅ Negotiation %s agreed at %.2f", neg.ID, snapshot.AgreedTerms.FinalPrice)
		m.emit(
			Event{Type: EventNegotiationCompleted, Negotiation: &snapshot},
			Event{Type: EventTransferExecuted, Negotiation: &snapshot},
		)
	} else {
		m.emit(Event{Type: EventCounterOfferReceived, Negotiation: &snapshot})
	}
	return &snapshot, nil
}

// restoreNegotiation reloads a negotiation snapshot from the persistence
// cache so open negotiations survive a process restart. No-op when the
// negotiation is already in memory or no snapshot exists.
func (m *Marketplace) restoreNegotiation(ctx context.Context, id string) {
	m.mu.Lock()
	_, ok := m.negotiations[id]
	m.mu.Unlock()
	if ok {
		return
	}

	var snap Negotiation
	if !m.cache.GetJSON(ctx, cache.NegotiationKey(id), &snap) {
		return
	}

	m.mu.Lock()
	if _, ok := m.negotiations[id]; !ok {
		m.negotiations[id] = &snap
		log.Printf("[Market] Negotiation %s restored from cache", id)
	}
	m.mu.Unlock()
}

// executeTransferLocked applies an agreed negotiation to the running
// aggregates. Caller holds m.mu.
func (m *Marketplace) executeTransferLocked(neg *Negotiation) {
	m.stats.TotalTransfers++
	m.stats.TotalVolume += neg.Subject.Quantity
	m.stats.TotalProfit += neg.AgreedTerms.FinalPrice
}

// mergeConditions overlays the newer conditions on the previous offer's.
func mergeConditions(previous, latest map[string]any) map[string]any {
	if len(previous) == 0 && len(latest) == 0 {
		return nil
	}
	merged := make(map[string]any, len(previous)+len(latest))
	for k, v := range previous {
		merged[k] = v
	}
	for k, v := range latest {
		merged[k] = v
	}
	return merged
}

// Negotiations returns a copy of all negotiations, terminal ones included.
func (m *Marketplace) Negotiations() []Negotiation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Negotiation, 0, len(m.negotiations))
	for _, n := range m.negotiations {
		out = append(out, *n)
	}
	return out
}

// Negotiation returns a copy of a negotiation, if present.
func (m *Marketplace) Negotiation(id string) (Negotiation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.negotiations[id]; ok {
		return *n, true
	}
	return Negotiation{}, false
}
