// Package market implements the shared internal marketplace: a live order
// book of buy/sell bids, immediate matching of compatible opposite-side
// bids, a bilateral offer/counter-offer negotiation protocol, and a
// periodic clearing sweep for expired state.
package market

import (
	"errors"
	"time"
)

// Side of a bid.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Urgency of a bid, carried through to match handling.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// BidConditions are optional constraints attached to a bid.
type BidConditions struct {
	MinQuantity      int     `json:"minQuantity,omitempty"`
	MaxTransportCost float64 `json:"maxTransportCost,omitempty"`
}

// Bid is a standing offer to buy or sell, resting in the book from
// submission until matched or expired.
type Bid struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agentId"`
	ProductID    string         `json:"productId"`
	Side         Side           `json:"side"`
	Quantity     int            `json:"quantity"`
	PricePerUnit float64        `json:"pricePerUnit"`
	FromStoreID  string         `json:"fromStoreId,omitempty"`
	ToStoreID    string         `json:"toStoreId,omitempty"`
	Urgency      Urgency        `json:"urgency"`
	ValidUntil   time.Time      `json:"validUntil"`
	Conditions   BidConditions  `json:"conditions"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	SubmittedAt  time.Time      `json:"submittedAt"`
}

// MatchStatus is the lifecycle state of a match.
type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchConfirmed MatchStatus = "confirmed"
	MatchExecuting MatchStatus = "executing"
	MatchCompleted MatchStatus = "completed"
	MatchCancelled MatchStatus = "cancelled"
)

// Match pairs one buy and one sell bid whose prices crossed. Creating a
// match removes both constituent bids from the book atomically.
type Match struct {
	ID              string      `json:"id"`
	BuyBid          Bid         `json:"buyBid"`
	SellBid         Bid         `json:"sellBid"`
	AgreedQuantity  int         `json:"agreedQuantity"`
	AgreedPrice     float64     `json:"agreedPrice"`
	EstimatedProfit float64     `json:"estimatedProfit"`
	TransportCost   float64     `json:"transportCost"`
	Status          MatchStatus `json:"status"`
	CreatedAt       time.Time   `json:"createdAt"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
}

// NegotiationStatus is the lifecycle state of a negotiation.
type NegotiationStatus string

const (
	StatusNegotiating NegotiationStatus = "negotiating"
	StatusAgreed      NegotiationStatus = "agreed"
	StatusRejected    NegotiationStatus = "rejected"
	StatusExpired     NegotiationStatus = "expired"
)

// Subject identifies what a negotiation is about.
type Subject struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	FromStore string `json:"fromStore"`
	ToStore   string `json:"toStore"`
}

// Offer is one entry in a negotiation's strictly ordered offer list.
type Offer struct {
	AgentID    string         `json:"agentId"`
	PriceOffer float64        `json:"priceOffer"`
	Conditions map[string]any `json:"conditions,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// AgreedTerms captures the outcome of a converged negotiation.
type AgreedTerms struct {
	FinalPrice float64        `json:"finalPrice"`
	Quantity   int            `json:"quantity"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

// Negotiation is a bounded back-and-forth between exactly two agents.
type Negotiation struct {
	ID           string            `json:"id"`
	Participants [2]string         `json:"participants"`
	Subject      Subject           `json:"subject"`
	Offers       []Offer           `json:"offers"`
	Status       NegotiationStatus `json:"status"`
	Deadline     time.Time         `json:"deadline"`
	AgreedTerms  *AgreedTerms      `json:"agreedTerms,omitempty"`
	StartedAt    time.Time         `json:"startedAt"`
}

// Stats are running marketplace aggregates refreshed by clearing and by
// executed transfers.
type Stats struct {
	ActiveBids          int     `json:"activeBids"`
	TotalMatches        int     `json:"totalMatches"`
	TotalTransfers      int     `json:"totalTransfers"`
	TotalVolume         int     `json:"totalVolume"`
	TotalProfit         float64 `json:"totalProfit"`
	AvgTimeToMatchMs    float64 `json:"avgTimeToMatchMs"`
	MatchSuccessRate    float64 `json:"matchSuccessRate"`
	ExpiredBids         int     `json:"expiredBids"`
	ExpiredNegotiations int     `json:"expiredNegotiations"`
}

// Rejections distinguishable by callers.
var (
	ErrInvalidBid          = errors.New("market: invalid bid")
	ErrNegotiationNotFound = errors.New("market: negotiation not found")
	ErrNegotiationClosed   = errors.New("market: negotiation is not open")
	ErrNotParticipant      = errors.New("market: caller is not a participant")
)

// EventType classifies marketplace events.
type EventType string

const (
	EventBidSubmitted         EventType = "bidSubmitted"
	EventBidExpired           EventType = "bidExpired"
	EventMatchCreated         EventType = "matchCreated"
	EventNegotiationStarted   EventType = "negotiationStarted"
	EventCounterOfferReceived EventType = "counterOfferReceived"
	EventNegotiationCompleted EventType = "negotiationCompleted"
	EventNegotiationExpired   EventType = "negotiationExpired"
	EventTransferExecuted     EventType = "transferExecuted"
)

// Event is emitted to observers (the agent manager, a UI stream).
type Event struct {
	Type        EventType    `json:"type"`
	Bid         *Bid         `json:"bid,omitempty"`
	Match       *Match       `json:"match,omitempty"`
	Negotiation *Negotiation `json:"negotiation,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// CostEstimator computes the transport cost of moving a quantity of a
// product between two stores. Real logistics costing is out of scope; the
// default is a flat per-unit rate.
type CostEstimator func(productID, fromStore, toStore string, quantity int) float64

// DefaultCostEstimator charges a flat rate per unit, in the band the
// upstream system used for rough estimates.
func DefaultCostEstimator(productID, fromStore, toStore string, quantity int) float64 {
	const perUnit = 5.0
	return perUnit * float64(quantity)
}
