package product

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbnet/arbnet-go/internal/agent"
	"github.com/arbnet/arbnet-go/internal/bus"
	"github.com/arbnet/arbnet-go/internal/inventory"
	"github.com/arbnet/arbnet-go/internal/market"
)

type sentRecorder struct {
	msgs []bus.AgentMessage
}

func (s *sentRecorder) SendMessage(msg bus.AgentMessage) {
	s.msgs = append(s.msgs, msg)
}

func flatCost(rate float64) market.CostEstimator {
	return func(productID, from, to string, qty int) float64 { return rate }
}

func newTestBehavior(t *testing.T, snaps []inventory.Snapshot) (*Behavior, *inventory.MemoryStore, *market.Marketplace, *sentRecorder) {
	t.Helper()
	store := inventory.NewMemoryStore()
	store.SetSnapshots("P1", snaps)
	mkt := market.New(market.DefaultConfig(), nil, flatCost(25))

	b := New("product-P1", Config{ProductID: "P1"}, store, mkt, nil, flatCost(25))
	rec := &sentRecorder{}
	b.Bind(rec)

	require.NoError(t, b.Initialize(context.Background()))
	return b, store, mkt, rec
}

func arbSnapshots() []inventory.Snapshot {
	return []inventory.Snapshot{
		{StoreID: "store-X", Quantity: 600, Cost: 10, RetailPrice: 22},
		{StoreID: "store-Y", Quantity: 20, Cost: 10, RetailPrice: 25},
	}
}

func TestInitialize_FailsWithoutInventory(t *testing.T) {
	store := inventory.NewMemoryStore() // P1 unknown
	mkt := market.New(market.DefaultConfig(), nil, nil)
	b := New("product-P1", Config{ProductID: "P1"}, store, mkt, nil, nil)

	err := b.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch inventory")
}

func TestDecide_ProposesTransferAndAlert(t *testing.T) {
	b, _, _, _ := newTestBehavior(t, arbSnapshots())

	decision, err := b.Decide(context.Background())
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.InDelta(t, 0.8, decision.Confidence, 1e-9)

	var types []string
	for _, a := range decision.Actions {
		types = append(types, a.Type)
	}
	assert.Contains(t, types, "propose_transfer")
	assert.Contains(t, types, "send_alert")
}

func TestDecide_RateLimitedWhenStable(t *testing.T) {
	// Both stores comfortably inside the thresholds: no critical
	// condition, so a second decide inside the interval is skipped.
	b, store, _, _ := newTestBehavior(t, []inventory.Snapshot{
		{StoreID: "store-A", Quantity: 200, Cost: 10, RetailPrice: 20},
		{StoreID: "store-B", Quantity: 220, Cost: 10, RetailPrice: 20},
	})

	decision, err := b.Decide(context.Background())
	require.NoError(t, err)
	assert.Nil(t, decision)

	// Make an opportunity appear; without a critical condition or an
	// elapsed interval the agent must not notice it yet.
	store.SetSnapshots("P1", []inventory.Snapshot{
		{StoreID: "store-A", Quantity: 200, Cost: 10, RetailPrice: 20},
		{StoreID: "store-B", Quantity: 210, Cost: 10, RetailPrice: 20},
	})
	decision, err = b.Decide(context.Background())
	require.NoError(t, err)
	assert.Nil(t, decision, "rate limit holds during stable periods")
}

func TestDecide_CriticalConditionBypassesRateLimit(t *testing.T) {
	b, _, _, _ := newTestBehavior(t, arbSnapshots())

	// First decide consumes the interval.
	_, err := b.Decide(context.Background())
	require.NoError(t, err)

	// store-Y is still at 20 ≤ low threshold → critical condition keeps
	// analysis running despite the rate limit.
	decision, err := b.Decide(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, decision)
}

func TestExecuteTransfer_SubmitsBidAndBroadcasts(t *testing.T) {
	b, store, mkt, rec := newTestBehavior(t, arbSnapshots())

	decision, err := b.Decide(context.Background())
	require.NoError(t, err)
	require.NotNil(t, decision)

	var transfer *agent.Action
	for _, a := range decision.Actions {
		if a.Type == "propose_transfer" {
			transfer = a
			break
		}
	}
	require.NotNil(t, transfer)
	require.NoError(t, b.ExecuteAction(context.Background(), transfer))

	bids := mkt.Bids()
	require.Len(t, bids, 1)
	assert.Equal(t, market.SideBuy, bids[0].Side)
	assert.Equal(t, "P1", bids[0].ProductID)
	assert.Equal(t, 480, bids[0].Quantity)
	assert.InDelta(t, 25*0.8, bids[0].PricePerUnit, 1e-9, "conservative fraction of retail")

	trades := store.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "store-X", trades[0].FromStoreID)

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "trade_proposed", rec.msgs[0].Type)
	assert.Equal(t, bus.TargetAll, rec.msgs[0].To)
}

func TestExecuteTransfer_HeldBelowConfidenceGate(t *testing.T) {
	b, _, mkt, rec := newTestBehavior(t, arbSnapshots())

	action := agent.NewAction("propose_transfer", map[string]any{
		"confidence":  0.4,
		"quantity":    100,
		"fromStoreId": "store-X",
		"toStoreId":   "store-Y",
		"retailPrice": 25.0,
	}, "")
	require.NoError(t, b.ExecuteAction(context.Background(), action))

	assert.Empty(t, mkt.Bids(), "low-confidence transfers are held, not traded")
	assert.Empty(t, rec.msgs)
}

func TestExecuteAlert_SendsToOperations(t *testing.T) {
	b, _, _, rec := newTestBehavior(t, arbSnapshots())

	action := agent.NewAction("send_alert", map[string]any{"stores": []string{"store-Y"}}, "")
	require.NoError(t, b.ExecuteAction(context.Background(), action))

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "low_stock_alert", rec.msgs[0].Type)
	assert.Equal(t, bus.TargetOps, rec.msgs[0].To)
	assert.Equal(t, bus.PriorityHigh, rec.msgs[0].Priority)
}

func TestExecuteAction_UnknownTypeIsError(t *testing.T) {
	b, _, _, _ := newTestBehavior(t, arbSnapshots())

	err := b.ExecuteAction(context.Background(), agent.NewAction("time_travel", nil, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action type")
}

func TestHandleMessage_InventoryUpdate(t *testing.T) {
	b, _, _, _ := newTestBehavior(t, arbSnapshots())

	err := b.HandleMessage(context.Background(), bus.AgentMessage{
		Type: "inventory_update",
		Payload: map[string]any{
			"productId": "P1",
			"storeId":   "store-Y",
			"quantity":  float64(300), // JSON numbers arrive as float64
		},
	})
	require.NoError(t, err)

	snaps := b.snapshotList()
	for _, s := range snaps {
		if s.StoreID == "store-Y" {
			assert.Equal(t, 300, s.Quantity)
		}
	}
}

func TestHandleMessage_IgnoresOtherProducts(t *testing.T) {
	b, _, _, _ := newTestBehavior(t, arbSnapshots())

	err := b.HandleMessage(context.Background(), bus.AgentMessage{
		Type:    "inventory_update",
		Payload: map[string]any{"productId": "P2", "storeId": "store-Z", "quantity": float64(1)},
	})
	require.NoError(t, err)

	for _, s := range b.snapshotList() {
		assert.NotEqual(t, "store-Z", s.StoreID)
	}
}

func TestHandleMessage_TradeProposedOpensNegotiation(t *testing.T) {
	b, _, mkt, _ := newTestBehavior(t, arbSnapshots())

	err := b.HandleMessage(context.Background(), bus.AgentMessage{
		Type: "trade_proposed",
		From: "product-P1-peer",
		Payload: map[string]any{
			"productId": "P1",
			"quantity":  float64(50),
			"toStoreId": "store-Y",
		},
	})
	require.NoError(t, err)

	negs := mkt.Negotiations()
	require.Len(t, negs, 1)
	assert.Equal(t, [2]string{"product-P1", "product-P1-peer"}, negs[0].Participants)
	assert.Equal(t, "store-X", negs[0].Subject.FromStore, "surplus store is the source")
	assert.Equal(t, 50, negs[0].Subject.Quantity)
	// Ask price: cost 10 × qty 50 × (1 + 10% margin) = 550.
	assert.InDelta(t, 550, negs[0].Offers[0].PriceOffer, 1e-9)
}

func TestHandleMessage_TradeProposedIgnoredWithoutSurplus(t *testing.T) {
	b, _, mkt, _ := newTestBehavior(t, []inventory.Snapshot{
		{StoreID: "store-A", Quantity: 200, Cost: 10, RetailPrice: 20},
	})

	err := b.HandleMessage(context.Background(), bus.AgentMessage{
		Type:    "trade_proposed",
		From:    "peer",
		Payload: map[string]any{"productId": "P1", "quantity": float64(50)},
	})
	require.NoError(t, err)
	assert.Empty(t, mkt.Negotiations())
}

func TestHandleMessage_NegotiationCounterOffer(t *testing.T) {
	b, _, mkt, _ := newTestBehavior(t, arbSnapshots())

	neg, err := mkt.StartNegotiation(context.Background(), "peer", "product-P1",
		market.Subject{ProductID: "P1", Quantity: 10, FromStore: "store-X", ToStore: "store-Y"},
		200, nil)
	require.NoError(t, err)

	err = b.HandleMessage(context.Background(), bus.AgentMessage{
		Type:     "negotiation_started",
		From:     "peer",
		Priority: bus.PriorityHigh,
		Payload:  map[string]any{"negotiationId": neg.ID},
	})
	require.NoError(t, err)

	got, ok := mkt.Negotiation(neg.ID)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(got.Offers), 2)
	assert.Equal(t, "product-P1", got.Offers[1].AgentID)

	// Counter steps halfway toward the cost-based valuation:
	// avg cost 10 × qty 10 × 1.10 = 110 → (200+110)/2 = 155.
	assert.InDelta(t, 155, got.Offers[1].PriceOffer, 1e-9)
}

func TestHandleMessage_IgnoresWhenLatestOfferIsOurs(t *testing.T) {
	b, _, mkt, _ := newTestBehavior(t, arbSnapshots())

	neg, err := mkt.StartNegotiation(context.Background(), "product-P1", "peer",
		market.Subject{ProductID: "P1", Quantity: 10}, 100, nil)
	require.NoError(t, err)

	err = b.HandleMessage(context.Background(), bus.AgentMessage{
		Type:    "counter_offer",
		Payload: map[string]any{"negotiationId": neg.ID},
	})
	require.NoError(t, err)

	got, _ := mkt.Negotiation(neg.ID)
	assert.Len(t, got.Offers, 1, "no self-reply to our own offer")
}

func TestDecisionIntervalDefaultsApplied(t *testing.T) {
	cfg := Config{ProductID: "P1"}
	cfg.applyDefaults()
	assert.Equal(t, 50, cfg.LowStockThreshold)
	assert.Equal(t, 500, cfg.HighStockThreshold)
	assert.Equal(t, 10.0, cfg.MinProfitMargin)
	assert.Equal(t, 0.1, cfg.MaxTransportCostRatio)
	assert.Equal(t, 0.6, cfg.ExecutionConfidence)
	assert.Equal(t, 0.8, cfg.BidPriceDiscount)
	assert.Equal(t, 5*time.Minute, cfg.ForecastUpdateInterval)
}
