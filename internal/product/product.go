// Package product implements the product-agent behavior: one agent owns
// one product, tracks its per-store inventory, and turns arbitrage
// opportunities into marketplace bids and negotiations.
package product

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/arbnet/arbnet-go/internal/agent"
	"github.com/arbnet/arbnet-go/internal/bus"
	"github.com/arbnet/arbnet-go/internal/inventory"
	"github.com/arbnet/arbnet-go/internal/market"
	"github.com/arbnet/arbnet-go/internal/oracle"
)

// Config holds the arbitrage policy knobs for one product agent.
type Config struct {
	ProductID              string        `json:"productId"`
	LowStockThreshold      int           `json:"lowStockThreshold"`
	HighStockThreshold     int           `json:"highStockThreshold"`
	MinProfitMargin        float64       `json:"minProfitMargin"`        // percent
	MaxTransportCostRatio  float64       `json:"maxTransportCostRatio"`  // fraction of buy cost per unit
	ForecastUpdateInterval time.Duration `json:"forecastUpdateInterval"` // analysis rate limit
	ExecutionConfidence    float64       `json:"executionConfidence"`    // minimum confidence to act on a transfer
	BidPriceDiscount       float64       `json:"bidPriceDiscount"`       // conservative fraction of retail offered
	BidValidity            time.Duration `json:"bidValidity"`
}

// applyDefaults fills zero-valued knobs with the upstream defaults.
func (c *Config) applyDefaults() {
	if c.LowStockThreshold == 0 {
		c.LowStockThreshold = 50
	}
	if c.HighStockThreshold == 0 {
		c.HighStockThreshold = 500
	}
	if c.MinProfitMargin == 0 {
		c.MinProfitMargin = 10
	}
	if c.MaxTransportCostRatio == 0 {
		c.MaxTransportCostRatio = 0.1
	}
	if c.ForecastUpdateInterval == 0 {
		c.ForecastUpdateInterval = 5 * time.Minute
	}
	if c.ExecutionConfidence == 0 {
		c.ExecutionConfidence = 0.6
	}
	if c.BidPriceDiscount == 0 {
		c.BidPriceDiscount = 0.8
	}
	if c.BidValidity == 0 {
		c.BidValidity = 15 * time.Minute
	}
}

// Behavior is the product agent's domain half, run by an agent.Runtime.
type Behavior struct {
	cfg     Config
	agentID string
	store   inventory.Store
	mkt     *market.Marketplace
	oracle  oracle.Oracle
	cost    market.CostEstimator

	sender agent.Sender

	mu           sync.Mutex
	snapshots    map[string]inventory.Snapshot
	lastAnalysis time.Time
}

// New creates a product behavior. agentID is the owning runtime's ID; the
// oracle decides, the estimator prices transport, the marketplace takes
// the bids.
func New(agentID string, cfg Config, store inventory.Store, mkt *market.Marketplace, decider oracle.Oracle, estimator market.CostEstimator) *Behavior {
	cfg.applyDefaults()
	if decider == nil {
		decider = oracle.NewRuleOracle()
	}
	if estimator == nil {
		estimator = market.DefaultCostEstimator
	}
	return &Behavior{
		cfg:       cfg,
		agentID:   agentID,
		store:     store,
		mkt:       mkt,
		oracle:    decider,
		cost:      estimator,
		snapshots: make(map[string]inventory.Snapshot),
	}
}

// Bind attaches the outbound message sender once the runtime exists.
func (b *Behavior) Bind(s agent.Sender) { b.sender = s }

func (b *Behavior) send(msg bus.AgentMessage) {
	if b.sender != nil {
		b.sender.SendMessage(msg)
	}
}

// Initialize loads the first inventory snapshot. Failure is fatal to the
// agent's start.
func (b *Behavior) Initialize(ctx context.Context) error {
	if err := b.refreshSnapshots(ctx); err != nil {
		return fmt.Errorf("product %s: %w", b.cfg.ProductID, err)
	}
	return nil
}

// Cleanup drops cached inventory state.
func (b *Behavior) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = make(map[string]inventory.Snapshot)
	return nil
}

func (b *Behavior) refreshSnapshots(ctx context.Context) error {
	snaps, err := b.store.Snapshots(ctx, b.cfg.ProductID)
	if err != nil {
		return fmt.Errorf("fetch inventory: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range snaps {
		b.snapshots[s.StoreID] = s
	}
	return nil
}

func (b *Behavior) snapshotList() []inventory.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]inventory.Snapshot, 0, len(b.snapshots))
	for _, s := range b.snapshots {
		out = append(out, s)
	}
	return out
}

// criticalCondition reports whether any store sits at or past a stock
// threshold, which justifies analyzing off-interval.
func (b *Behavior) criticalCondition() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.snapshots {
		if s.Quantity <= b.cfg.LowStockThreshold || s.Quantity >= b.cfg.HighStockThreshold {
			return true
		}
	}
	return false
}

// Decide is rate-limited: it skips unless the forecast interval elapsed
// since the last analysis or a critical stock condition holds.
func (b *Behavior) Decide(ctx context.Context) (*agent.Decision, error) {
	b.mu.Lock()
	due := time.Since(b.lastAnalysis) >= b.cfg.ForecastUpdateInterval
	b.mu.Unlock()
	if !due && !b.criticalCondition() {
		return nil, nil
	}

	if err := b.refreshSnapshots(ctx); err != nil {
		// Analyze on the cached view; stale beats silent.
		log.Printf("[Product] ⚠️ %s: refresh failed, using cached inventory: %v", b.cfg.ProductID, err)
	}
	b.mu.Lock()
	b.lastAnalysis = time.Now()
	b.mu.Unlock()

	stats := b.mkt.Stats()
	result, err := b.oracle.Decide(ctx, oracle.Context{
		ProductID:             b.cfg.ProductID,
		Snapshots:             b.snapshotList(),
		LowStockThreshold:     b.cfg.LowStockThreshold,
		HighStockThreshold:    b.cfg.HighStockThreshold,
		MinProfitMargin:       b.cfg.MinProfitMargin,
		MaxTransportCostRatio: b.cfg.MaxTransportCostRatio,
		ActiveBids:            stats.ActiveBids,
		RecentMatches:         stats.TotalMatches,
		EstimateTransport: func(from, to string, qty int) float64 {
			return b.cost(b.cfg.ProductID, from, to, qty)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}
	if len(result.Actions) == 0 {
		return nil, nil
	}

	actions := make([]*agent.Action, 0, len(result.Actions))
	for _, pa := range result.Actions {
		params := pa.Parameters
		if params == nil {
			params = map[string]any{}
		}
		params["confidence"] = result.Confidence
		actions = append(actions, agent.NewAction(pa.Type, params, pa.ExpectedOutcome))
	}
	return &agent.Decision{
		Confidence: result.Confidence,
		Reasoning:  result.Reasoning,
		Actions:    actions,
	}, nil
}

// HandleMessage reacts to inventory updates, trade broadcasts, and
// negotiation events.
func (b *Behavior) HandleMessage(ctx context.Context, msg bus.AgentMessage) error {
	switch msg.Type {
	case "inventory_update":
		return b.handleInventoryUpdate(msg)
	case "trade_proposed":
		return b.handleTradeProposed(ctx, msg)
	case "negotiation_started", "counter_offer":
		return b.handleNegotiation(ctx, msg)
	default:
		// Broadcast noise for other products is expected.
		return nil
	}
}

func (b *Behavior) handleInventoryUpdate(msg bus.AgentMessage) error {
	productID, _ := msg.Payload["productId"].(string)
	if productID != "" && productID != b.cfg.ProductID {
		return nil
	}
	storeID, _ := msg.Payload["storeId"].(string)
	if storeID == "" {
		return fmt.Errorf("inventory_update missing storeId")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.snapshots[storeID]
	snap.StoreID = storeID
	if qty, ok := asInt(msg.Payload["quantity"]); ok {
		snap.Quantity = qty
	}
	if reserved, ok := asInt(msg.Payload["reservedQuantity"]); ok {
		snap.ReservedQuantity = reserved
	}
	if cost, ok := msg.Payload["cost"].(float64); ok {
		snap.Cost = cost
	}
	if retail, ok := msg.Payload["retailPrice"].(float64); ok {
		snap.RetailPrice = retail
	}
	b.snapshots[storeID] = snap
	return nil
}

// handleTradeProposed answers another agent's transfer proposal for this
// product: if one of our stores holds surplus, open a negotiation.
func (b *Behavior) handleTradeProposed(ctx context.Context, msg bus.AgentMessage) error {
	productID, _ := msg.Payload["productId"].(string)
	if productID != b.cfg.ProductID || msg.From == b.agentID {
		return nil
	}

	surplus := b.surplusStore()
	if surplus == nil {
		return nil
	}
	qty, ok := asInt(msg.Payload["quantity"])
	if !ok || qty <= 0 {
		return nil
	}

	askPrice := surplus.Cost * float64(qty) * (1 + b.cfg.MinProfitMargin/100)
	toStore, _ := msg.Payload["toStoreId"].(string)
	_, err := b.mkt.StartNegotiation(ctx, b.agentID, msg.From, market.Subject{
		ProductID: b.cfg.ProductID,
		Quantity:  qty,
		FromStore: surplus.StoreID,
		ToStore:   toStore,
	}, askPrice, nil)
	return err
}

// handleNegotiation counters the latest offer, stepping half-way toward
// our cost-based valuation so talks converge within a few rounds.
func (b *Behavior) handleNegotiation(ctx context.Context, msg bus.AgentMessage) error {
	negID, _ := msg.Payload["negotiationId"].(string)
	if negID == "" {
		return fmt.Errorf("%s missing negotiationId", msg.Type)
	}
	neg, ok := b.mkt.Negotiation(negID)
	if !ok || neg.Status != market.StatusNegotiating {
		return nil
	}
	last := neg.Offers[len(neg.Offers)-1]
	if last.AgentID == b.agentID {
		return nil // our own offer is the latest, wait for the peer
	}

	target := b.valuation(neg.Subject.Quantity)
	counter := (last.PriceOffer + target) / 2
	if counter <= 0 {
		counter = last.PriceOffer
	}
	_, err := b.mkt.SubmitCounterOffer(ctx, negID, b.agentID, counter, nil)
	return err
}

// valuation is a cost-based total price for a quantity of this product.
func (b *Behavior) valuation(qty int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total, n float64
	for _, s := range b.snapshots {
		total += s.Cost
		n++
	}
	if n == 0 {
		return 0
	}
	avgCost := total / n
	return avgCost * float64(qty) * (1 + b.cfg.MinProfitMargin/100)
}

func (b *Behavior) surplusStore() *inventory.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *inventory.Snapshot
	for _, s := range b.snapshots {
		s := s
		if s.Quantity > b.cfg.HighStockThreshold && (best == nil || s.Quantity > best.Quantity) {
			best = &s
		}
	}
	return best
}

// ExecuteAction dispatches on the action type. Unknown types are a hard
// error for that action; the runtime isolates it.
func (b *Behavior) ExecuteAction(ctx context.Context, action *agent.Action) error {
	switch action.Type {
	case oracle.ActionProposeTransfer:
		return b.executeTransfer(ctx, action)
	case oracle.ActionSendAlert:
		return b.executeAlert(action)
	case oracle.ActionRecommendRestock:
		return b.executeRestock(action)
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

// executeTransfer submits a buy bid for the starving store and broadcasts
// the proposal. Low-confidence decisions are held back rather than traded.
func (b *Behavior) executeTransfer(ctx context.Context, action *agent.Action) error {
	confidence, _ := action.Parameters["confidence"].(float64)
	if confidence < b.cfg.ExecutionConfidence {
		log.Printf("[Product] %s: confidence %.2f below %.2f, holding transfer", b.cfg.ProductID, confidence, b.cfg.ExecutionConfidence)
		return nil
	}

	qty, ok := asInt(action.Parameters["quantity"])
	if !ok || qty <= 0 {
		return fmt.Errorf("propose_transfer: bad quantity %v", action.Parameters["quantity"])
	}
	fromStore, _ := action.Parameters["fromStoreId"].(string)
	toStore, _ := action.Parameters["toStoreId"].(string)
	retail, _ := action.Parameters["retailPrice"].(float64)
	transport, _ := action.Parameters["transportCost"].(float64)
	urgency, _ := action.Parameters["urgency"].(string)
	reasoning, _ := action.Parameters["reasoning"].(string)

	bid := market.Bid{
		AgentID:      b.agentID,
		ProductID:    b.cfg.ProductID,
		Side:         market.SideBuy,
		Quantity:     qty,
		PricePerUnit: retail * b.cfg.BidPriceDiscount,
		FromStoreID:  fromStore,
		ToStoreID:    toStore,
		Urgency:      market.Urgency(urgency),
		ValidUntil:   time.Now().Add(b.cfg.BidValidity),
		Conditions:   market.BidConditions{MaxTransportCost: transport},
		Metadata:     map[string]any{"reasoning": reasoning, "confidence": confidence},
	}
	booked, _, err := b.mkt.SubmitBid(ctx, bid)
	if err != nil {
		return fmt.Errorf("submit bid: %w", err)
	}

	// Fire-and-forget trade record for the document store.
	if err := b.store.RecordTrade(ctx, inventory.Trade{
		ID:           booked.ID,
		ProductID:    b.cfg.ProductID,
		FromStoreID:  fromStore,
		ToStoreID:    toStore,
		Quantity:     qty,
		PricePerUnit: booked.PricePerUnit,
		Reasoning:    reasoning,
		CreatedAt:    time.Now(),
	}); err != nil {
		log.Printf("[Product] ⚠️ %s: trade record failed: %v", b.cfg.ProductID, err)
	}

	b.send(bus.NewMessage("trade_proposed", b.agentID, bus.TargetAll, map[string]any{
		"productId":   b.cfg.ProductID,
		"bidId":       booked.ID,
		"quantity":    qty,
		"fromStoreId": fromStore,
		"toStoreId":   toStore,
	}, bus.PriorityMedium))
	return nil
}

func (b *Behavior) executeAlert(action *agent.Action) error {
	b.send(bus.NewMessage("low_stock_alert", b.agentID, bus.TargetOps, action.Parameters, bus.PriorityHigh))
	return nil
}

func (b *Behavior) executeRestock(action *agent.Action) error {
	log.Printf("[Product] %s: restock recommendation %v→%v qty=%v", b.cfg.ProductID,
		action.Parameters["fromStoreId"], action.Parameters["toStoreId"], action.Parameters["quantity"])
	b.send(bus.NewMessage("restock_recommendation", b.agentID, bus.TargetOps, action.Parameters, bus.PriorityMedium))
	return nil
}

// asInt tolerates JSON round-trips turning ints into float64.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
