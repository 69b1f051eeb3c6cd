// Package oracle defines the pluggable decision capability behind a
// product agent: given an inventory/market context it proposes actions.
// The concrete policy (rule-based arbitrage math here, or an external
// generative model) is swappable behind the Oracle interface.
package oracle

import (
	"context"
	"fmt"
	"sort"

	"github.com/arbnet/arbnet-go/internal/inventory"
)

// Action type names an oracle may propose.
const (
	ActionProposeTransfer  = "propose_transfer"
	ActionSendAlert        = "send_alert"
	ActionRecommendRestock = "recommend_restock"
)

// maxTransferProposals caps how many ranked opportunities become actions
// in one decision.
const maxTransferProposals = 3

// Context is everything an oracle may consider for one decision.
type Context struct {
	ProductID             string
	Snapshots             []inventory.Snapshot
	LowStockThreshold     int
	HighStockThreshold    int
	MinProfitMargin       float64 // percent
	MaxTransportCostRatio float64 // fraction of buy cost per unit
	ActiveBids            int
	RecentMatches         int

	// EstimateTransport prices moving qty units between two stores.
	EstimateTransport func(fromStore, toStore string, qty int) float64
}

// ProposedAction is one action an oracle recommends.
type ProposedAction struct {
	Type            string
	Parameters      map[string]any
	ExpectedOutcome string
}

// Result is the oracle's decision output.
type Result struct {
	Confidence float64
	Reasoning  string
	Actions    []ProposedAction
}

// Oracle computes one decision. Implementations may be slow and must be
// treated as cancellable via ctx.
type Oracle interface {
	Decide(ctx context.Context, dc Context) (Result, error)
}

// Opportunity is a candidate transfer between two stores.
type Opportunity struct {
	Type            string  `json:"type"` // arbitrage | restock
	FromStoreID     string  `json:"fromStoreId"`
	ToStoreID       string  `json:"toStoreId"`
	Quantity        int     `json:"quantity"`
	BuyCost         float64 `json:"buyCost"`
	RetailPrice     float64 `json:"retailPrice"`
	TransportCost   float64 `json:"transportCost"`
	ProfitMargin    float64 `json:"profitMargin"` // percent
	PotentialProfit float64 `json:"potentialProfit"`
	Urgency         string  `json:"urgency"`
	Reasoning       string  `json:"reasoning"`
}

// RuleOracle is the built-in rule-based policy: pairwise arbitrage search
// over store snapshots, low-stock alerting, and restock recommendations.
type RuleOracle struct{}

// NewRuleOracle returns the rule-based oracle.
func NewRuleOracle() *RuleOracle { return &RuleOracle{} }

// Decide scans every ordered (source, target) store pair for profitable
// transfers, ranks them by margin, and proposes the top candidates plus a
// low-stock alert when any store sits at or under the threshold.
func (o *RuleOracle) Decide(ctx context.Context, dc Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	opportunities := o.findArbitrage(dc)
	lowStock := lowStockStores(dc)

	var actions []ProposedAction
	for i, opp := range opportunities {
		if i >= maxTransferProposals {
			break
		}
		actions = append(actions, ProposedAction{
			Type:            ActionProposeTransfer,
			Parameters:      opportunityParams(dc.ProductID, opp),
			ExpectedOutcome: fmt.Sprintf("transfer %d units %s→%s at %.1f%% margin", opp.Quantity, opp.FromStoreID, opp.ToStoreID, opp.ProfitMargin),
		})
	}

	if len(lowStock) > 0 {
		actions = append(actions, ProposedAction{
			Type: ActionSendAlert,
			Parameters: map[string]any{
				"productId": dc.ProductID,
				"stores":    lowStock,
				"threshold": dc.LowStockThreshold,
			},
			ExpectedOutcome: "operations notified of low stock",
		})

		// No viable arbitrage source for a starving store → recommend a
		// plain restock from the best-stocked store instead.
		if len(opportunities) == 0 {
			if rec := restockRecommendation(dc, lowStock); rec != nil {
				actions = append(actions, *rec)
			}
		}
	}

	if len(actions) == 0 {
		return Result{}, nil
	}

	confidence := 0.7 + 0.1*float64(min(len(opportunities), 3))
	if confidence > 1.0 {
		confidence = 1.0
	}

	return Result{
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("%d arbitrage opportunity(ies), %d store(s) low on stock", len(opportunities), len(lowStock)),
		Actions:    actions,
	}, nil
}

// findArbitrage returns profitable transfer candidates ranked by
// descending margin.
func (o *RuleOracle) findArbitrage(dc Context) []Opportunity {
	var out []Opportunity
	for _, src := range dc.Snapshots {
		if src.Quantity <= dc.HighStockThreshold {
			continue
		}
		for _, tgt := range dc.Snapshots {
			if tgt.StoreID == src.StoreID || tgt.Quantity >= dc.LowStockThreshold {
				continue
			}
			qty := min(src.Quantity-dc.LowStockThreshold, dc.HighStockThreshold-tgt.Quantity)
			if qty <= 0 {
				continue
			}

			transport := 0.0
			if dc.EstimateTransport != nil {
				transport = dc.EstimateTransport(src.StoreID, tgt.StoreID, qty)
			}
			if transport > src.Cost*dc.MaxTransportCostRatio*float64(qty) {
				continue
			}

			costBasis := src.Cost*float64(qty) + transport
			revenue := tgt.RetailPrice * float64(qty)
			margin := (revenue - costBasis) / costBasis * 100
			if margin < dc.MinProfitMargin {
				continue
			}

			out = append(out, Opportunity{
				Type:            "arbitrage",
				FromStoreID:     src.StoreID,
				ToStoreID:       tgt.StoreID,
				Quantity:        qty,
				BuyCost:         src.Cost,
				RetailPrice:     tgt.RetailPrice,
				TransportCost:   transport,
				ProfitMargin:    margin,
				PotentialProfit: revenue - costBasis,
				Urgency:         urgencyFor(tgt, dc.LowStockThreshold),
				Reasoning:       fmt.Sprintf("%s overstocked (%d), %s understocked (%d)", src.StoreID, src.Quantity, tgt.StoreID, tgt.Quantity),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ProfitMargin > out[j].ProfitMargin })
	return out
}

// urgencyFor escalates with how far below the threshold the target sits.
func urgencyFor(tgt inventory.Snapshot, lowThreshold int) string {
	switch {
	case tgt.Quantity == 0:
		return "critical"
	case tgt.Quantity < lowThreshold/2:
		return "high"
	default:
		return "medium"
	}
}

func lowStockStores(dc Context) []string {
	var out []string
	for _, s := range dc.Snapshots {
		if s.Quantity <= dc.LowStockThreshold {
			out = append(out, s.StoreID)
		}
	}
	return out
}

// restockRecommendation proposes moving stock from the best-stocked store
// to the most starved one when no arbitrage pair qualified.
func restockRecommendation(dc Context, lowStock []string) *ProposedAction {
	lowSet := make(map[string]bool, len(lowStock))
	for _, id := range lowStock {
		lowSet[id] = true
	}

	var source *inventory.Snapshot
	var target *inventory.Snapshot
	for i := range dc.Snapshots {
		s := &dc.Snapshots[i]
		if lowSet[s.StoreID] {
			if target == nil || s.Quantity < target.Quantity {
				target = s
			}
			continue
		}
		if source == nil || s.Quantity > source.Quantity {
			source = s
		}
	}
	if source == nil || target == nil || source.Quantity <= target.Quantity {
		return nil
	}

	return &ProposedAction{
		Type: ActionRecommendRestock,
		Parameters: map[string]any{
			"productId":   dc.ProductID,
			"fromStoreId": source.StoreID,
			"toStoreId":   target.StoreID,
			"quantity":    (source.Quantity - target.Quantity) / 2,
		},
		ExpectedOutcome: "restock recommendation logged",
	}
}

func opportunityParams(productID string, opp Opportunity) map[string]any {
	return map[string]any{
		"productId":       productID,
		"type":            opp.Type,
		"fromStoreId":     opp.FromStoreID,
		"toStoreId":       opp.ToStoreID,
		"quantity":        opp.Quantity,
		"buyCost":         opp.BuyCost,
		"retailPrice":     opp.RetailPrice,
		"transportCost":   opp.TransportCost,
		"profitMargin":    opp.ProfitMargin,
		"potentialProfit": opp.PotentialProfit,
		"urgency":         opp.Urgency,
		"reasoning":       opp.Reasoning,
	}
}
