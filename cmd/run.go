package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbnet/arbnet-go/internal/agent"
	"github.com/arbnet/arbnet-go/internal/bus"
	"github.com/arbnet/arbnet-go/internal/cache"
	"github.com/arbnet/arbnet-go/internal/config"
	"github.com/arbnet/arbnet-go/internal/inventory"
	"github.com/arbnet/arbnet-go/internal/manager"
	"github.com/arbnet/arbnet-go/internal/market"
	"github.com/arbnet/arbnet-go/internal/observer"
	"github.com/arbnet/arbnet-go/internal/oracle"
	"github.com/arbnet/arbnet-go/internal/product"
)

var (
	runConfigPath    string
	runFleetPath     string
	runInventoryPath string
	runPort          int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent network",
	RunE:  runNetwork,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "config file (default ~/.arbnet/config.json)")
	runCmd.Flags().StringVar(&runFleetPath, "fleet", "", "fleet.yaml path (overrides config)")
	runCmd.Flags().StringVar(&runInventoryPath, "inventory", "inventory.json", "inventory seed file")
	runCmd.Flags().IntVarP(&runPort, "port", "p", 0, "observer port (overrides config)")
	rootCmd.AddCommand(runCmd)
}

func runNetwork(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if runPort != 0 {
		cfg.Observer.Port = runPort
	}
	fleetPath := cfg.Fleet.SpecsPath
	if runFleetPath != "" {
		fleetPath = runFleetPath
	}

	fmt.Println("🕸️  arbnet starting")
	fmt.Println("────────────────────────────────────────")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Persistence cache (optional).
	persist := cache.New(cache.Config{
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer persist.Close()

	// 2. Message bus.
	msgBus, err := makeBus(cfg.Bus)
	if err != nil {
		return fmt.Errorf("message bus: %w", err)
	}
	defer msgBus.Close()

	// 3. Inventory store.
	store, err := inventory.LoadSeed(runInventoryPath)
	if err != nil {
		return fmt.Errorf("inventory seed: %w", err)
	}

	// 4. Marketplace with flat-rate transport costs.
	estimator := func(productID, from, to string, qty int) float64 {
		return cfg.Market.TransportCostPerUnit * float64(qty)
	}
	mkt := market.New(market.Config{
		ConvergenceTolerance: cfg.Market.ConvergenceTolerance,
		NegotiationDeadline:  cfg.Market.NegotiationDeadline(),
		ClearingInterval:     cfg.Market.ClearingInterval(),
	}, persist, estimator)
	mkt.StartClearing(ctx)
	defer mkt.StopClearing()

	// 5. Agent manager.
	mgr := manager.New(manager.Config{
		MaxConcurrentAgents: cfg.Fleet.MaxConcurrentAgents,
		HealthCheckInterval: cfg.Fleet.HealthCheckInterval(),
	}, msgBus)
	wireMarketEvents(mkt, mgr)

	// 6. Fleet from fleet.yaml.
	specs, err := product.LoadFleetSpecs(fleetPath)
	if err != nil {
		return fmt.Errorf("fleet specs: %w", err)
	}
	created := 0
	for _, spec := range specs {
		behavior := product.New(spec.AgentID(), spec.ProductConfig(), store, mkt,
			oracle.NewBreakerOracle(oracle.NewRuleOracle(), oracle.BreakerConfig{}), estimator)
		_, err := mgr.CreateAgent(ctx, agent.Config{
			ID:                   spec.AgentID(),
			Type:                 "product",
			Name:                 spec.Name,
			Enabled:              spec.IsEnabled(),
			DecisionInterval:     spec.DecisionInterval(),
			MaxConcurrentActions: spec.MaxConcurrentActions,
		}, behavior)
		if err != nil {
			log.Printf("⚠️ Failed to create agent %s: %v", spec.AgentID(), err)
			continue
		}
		created++
	}
	if created > 0 {
		fmt.Printf("   ✅ %d agent(s) running\n", created)
	} else {
		fmt.Println("   📋 Empty fleet (no fleet.yaml entries)")
	}
	mgr.StartHealthChecks(ctx)

	// 7. Observer HTTP + WS surface.
	var srv *observer.Server
	if cfg.Observer.Enabled {
		srv = observer.New(observer.Config{
			Port:   cfg.Observer.Port,
			APIKey: cfg.Observer.APIKey,
		}, mgr, mkt)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Printf("⚠️ Observer stopped: %v", err)
			}
		}()
	}
	fmt.Println("────────────────────────────────────────")

	// 8. Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\n🛑 %s received, shutting down...\n", sig)

	// Close the observer first so clients see a clean goodbye, then drain
	// the fleet.
	if srv != nil {
		srv.Stop()
	}
	cancel()
	mgr.Shutdown(context.Background())
	fmt.Println("✅ Shutdown complete")
	return nil
}

// makeBus builds the configured transport: in-process by default, NATS
// when a broker is configured.
func makeBus(cfg config.BusConfig) (bus.Bus, error) {
	if cfg.Backend == "nats" {
		return bus.NewNATSBus(bus.NATSConfig{
			URL:           cfg.URL,
			MaxReconnects: cfg.MaxReconnects,
			ReconnectWait: 2 * time.Second,
		}, cfg.SubjectPrefix)
	}
	return bus.NewMemoryBus(), nil
}

// wireMarketEvents forwards marketplace events to the agents that need to
// react. Delivery runs off the market caller's stack: these events fire
// while an agent may be mid-handler, and urgent fan-out back into that
// agent would deadlock otherwise.
func wireMarketEvents(mkt *market.Marketplace, mgr *manager.Manager) {
	mkt.OnEvent(func(ev market.Event) {
		switch ev.Type {
		case market.EventNegotiationStarted, market.EventCounterOfferReceived:
			neg := ev.Negotiation
			if neg == nil {
				return
			}
			msgType := "negotiation_started"
			if ev.Type == market.EventCounterOfferReceived {
				msgType = "counter_offer"
			}
			payload := map[string]any{
				"negotiationId": neg.ID,
				"productId":     neg.Subject.ProductID,
			}
			for _, participant := range neg.Participants {
				msg := bus.NewMessage(msgType, "market", participant, payload, bus.PriorityHigh)
				go mgr.Broadcast(msg)
			}
		case market.EventMatchCreated:
			if ev.Match == nil {
				return
			}
			go mgr.Broadcast(bus.NewMessage("match_created", "market", bus.TopicMarket, map[string]any{
				"matchId":   ev.Match.ID,
				"productId": ev.Match.BuyBid.ProductID,
			}, bus.PriorityHigh))
		case market.EventNegotiationCompleted, market.EventNegotiationExpired:
			if ev.Negotiation == nil {
				return
			}
			go mgr.Broadcast(bus.NewMessage(string(ev.Type), "market", bus.TopicNegotiation, map[string]any{
				"negotiationId": ev.Negotiation.ID,
				"status":        string(ev.Negotiation.Status),
			}, bus.PriorityMedium))
		}
	})
}
