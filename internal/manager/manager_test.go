package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbnet/arbnet-go/internal/agent"
	"github.com/arbnet/arbnet-go/internal/bus"
)

type stubBehavior struct {
	mu        sync.Mutex
	initErr   error
	initCalls int
	msgs      []bus.AgentMessage
}

func (s *stubBehavior) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initCalls++
	return s.initErr
}

func (s *stubBehavior) Decide(ctx context.Context) (*agent.Decision, error) { return nil, nil }

func (s *stubBehavior) HandleMessage(ctx context.Context, msg bus.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *stubBehavior) ExecuteAction(ctx context.Context, action *agent.Action) error { return nil }

func (s *stubBehavior) Cleanup(ctx context.Context) error { return nil }

func (s *stubBehavior) received() []bus.AgentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.AgentMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *stubBehavior) initCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls
}

func agentConfig(id, class string) agent.Config {
	return agent.Config{
		ID:               id,
		Type:             class,
		Name:             id,
		Enabled:          true,
		DecisionInterval: time.Hour, // cycles must not fire during tests
	}
}

func urgent(msgType, from, to string) bus.AgentMessage {
	return bus.NewMessage(msgType, from, to, nil, bus.PriorityCritical)
}

func TestCreateAgent_RegistersAndStarts(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	rt, err := m.CreateAgent(context.Background(), agentConfig("product-P1", "product"), &stubBehavior{})
	require.NoError(t, err)
	assert.True(t, rt.IsActive())
	assert.Equal(t, 1, m.Count())

	got, ok := m.Agent("product-P1")
	require.True(t, ok)
	assert.Same(t, rt, got)
}

func TestCreateAgent_DuplicateID(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	_, err := m.CreateAgent(context.Background(), agentConfig("product-P1", "product"), &stubBehavior{})
	require.NoError(t, err)

	_, err = m.CreateAgent(context.Background(), agentConfig("product-P1", "product"), &stubBehavior{})
	require.ErrorIs(t, err, ErrAgentExists)
	assert.Equal(t, 1, m.Count())
}

func TestCreateAgent_CapReached(t *testing.T) {
	m := New(Config{MaxConcurrentAgents: 1}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	_, err := m.CreateAgent(context.Background(), agentConfig("product-P1", "product"), &stubBehavior{})
	require.NoError(t, err)

	_, err = m.CreateAgent(context.Background(), agentConfig("product-P2", "product"), &stubBehavior{})
	require.ErrorIs(t, err, ErrAgentCapReached)
	assert.Equal(t, 1, m.Count())
}

func TestCreateAgent_InitFailureLeavesNoTrace(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	_, err := m.CreateAgent(context.Background(), agentConfig("product-P1", "product"),
		&stubBehavior{initErr: errors.New("warehouse API down")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warehouse API down")

	assert.Equal(t, 0, m.Count())
	_, ok := m.Agent("product-P1")
	assert.False(t, ok)
}

func TestBroadcast_AllFansOutToEveryAgent(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	b1, b2 := &stubBehavior{}, &stubBehavior{}
	_, err := m.CreateAgent(context.Background(), agentConfig("product-P1", "product"), b1)
	require.NoError(t, err)
	_, err = m.CreateAgent(context.Background(), agentConfig("product-P2", "product"), b2)
	require.NoError(t, err)

	m.Broadcast(urgent("market_update", "system", bus.TargetAll))

	require.Len(t, b1.received(), 1)
	require.Len(t, b2.received(), 1)
	assert.Equal(t, "market_update", b1.received()[0].Type)
}

func TestBroadcast_DirectTargetsOneAgent(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	b1, b2 := &stubBehavior{}, &stubBehavior{}
	_, err := m.CreateAgent(context.Background(), agentConfig("product-P1", "product"), b1)
	require.NoError(t, err)
	_, err = m.CreateAgent(context.Background(), agentConfig("product-P2", "product"), b2)
	require.NoError(t, err)

	m.Broadcast(urgent("trade_proposed", "product-P2", "product-P1"))

	assert.Len(t, b1.received(), 1)
	assert.Empty(t, b2.received())
}

func TestBroadcast_ClassTopicSelectsByType(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	prod, mon := &stubBehavior{}, &stubBehavior{}
	_, err := m.CreateAgent(context.Background(), agentConfig("product-P1", "product"), prod)
	require.NoError(t, err)
	_, err = m.CreateAgent(context.Background(), agentConfig("monitor-1", "monitor"), mon)
	require.NoError(t, err)

	m.Broadcast(urgent("price_drop", "system", bus.TargetProducts))

	assert.Len(t, prod.received(), 1)
	assert.Empty(t, mon.received(), "class topic must not leak across agent types")
}

func TestBroadcast_OperationsTopicDeliversToNobody(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	b := &stubBehavior{}
	_, err := m.CreateAgent(context.Background(), agentConfig("product-P1", "product"), b)
	require.NoError(t, err)

	m.Broadcast(urgent("low_stock_alert", "product-P1", bus.TargetOps))
	assert.Empty(t, b.received())
}

func TestBroadcast_RegisteredTopicTable(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	b1, b2 := &stubBehavior{}, &stubBehavior{}
	_, err := m.CreateAgent(context.Background(), agentConfig("product-P1", "product"), b1)
	require.NoError(t, err)
	_, err = m.CreateAgent(context.Background(), agentConfig("product-P2", "product"), b2)
	require.NoError(t, err)

	m.RegisterTopic(bus.TopicMarket, "product-P1")
	m.Broadcast(urgent("match_created", "market", bus.TopicMarket))

	assert.Len(t, b1.received(), 1)
	assert.Empty(t, b2.received())
}

func TestBroadcast_NormalPriorityQueuesForNextCycle(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	b := &stubBehavior{}
	rt, err := m.CreateAgent(context.Background(), agentConfig("product-P1", "product"), b)
	require.NoError(t, err)

	m.Broadcast(bus.NewMessage("inventory_update", "system", "product-P1", nil, bus.PriorityMedium))

	assert.Equal(t, 1, rt.QueueLen())
	assert.Empty(t, b.received(), "medium priority waits for the decision cycle")
}

func TestCheckHealth_RestartsInactiveAgent(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	behaviors := map[string]*stubBehavior{
		"product-P1": {},
		"product-P2": {},
		"product-P3": {},
	}
	for id, b := range behaviors {
		_, err := m.CreateAgent(context.Background(), agentConfig(id, "product"), b)
		require.NoError(t, err)
	}

	var summaries []HealthSummary
	m.OnEvent(func(ev Event) {
		if ev.Type == "healthCheck" {
			summaries = append(summaries, HealthSummary{
				Total:    ev.Data["total"].(int),
				Active:   ev.Data["active"].(int),
				Inactive: ev.Data["inactive"].(int),
			})
		}
	})

	rt, ok := m.Agent("product-P2")
	require.True(t, ok)
	require.NoError(t, rt.Stop(context.Background()))

	summary := m.CheckHealth(context.Background())
	assert.Equal(t, HealthSummary{Total: 3, Active: 2, Inactive: 1}, summary)
	require.Len(t, summaries, 1)
	assert.Equal(t, summary, summaries[0])

	assert.True(t, rt.IsActive(), "inactive agent restarted")
	assert.Equal(t, 2, behaviors["product-P2"].initCount(), "exactly one restart attempt")
	assert.Equal(t, 1, behaviors["product-P1"].initCount())
}

func TestRemoveAgent_StopsAndDeregisters(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	rt, err := m.CreateAgent(context.Background(), agentConfig("product-P1", "product"), &stubBehavior{})
	require.NoError(t, err)

	require.NoError(t, m.RemoveAgent(context.Background(), "product-P1"))
	assert.False(t, rt.IsActive())
	assert.Equal(t, 0, m.Count())

	// Removing again is a warning, not an error.
	require.NoError(t, m.RemoveAgent(context.Background(), "product-P1"))
}

func TestShutdown_StopsAllAgents(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())

	var runtimes []*agent.Runtime
	for _, id := range []string{"product-P1", "product-P2", "product-P3"} {
		rt, err := m.CreateAgent(context.Background(), agentConfig(id, "product"), &stubBehavior{})
		require.NoError(t, err)
		runtimes = append(runtimes, rt)
	}

	m.Shutdown(context.Background())

	assert.Equal(t, 0, m.Count())
	for _, rt := range runtimes {
		assert.False(t, rt.IsActive())
	}
}

func TestManagerEvents_LifecycleRelay(t *testing.T) {
	m := New(Config{}, bus.NewMemoryBus())
	defer m.Shutdown(context.Background())

	var types []string
	var mu sync.Mutex
	m.OnEvent(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})

	_, err := m.CreateAgent(context.Background(), agentConfig("product-P1", "product"), &stubBehavior{})
	require.NoError(t, err)
	require.NoError(t, m.RemoveAgent(context.Background(), "product-P1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"agentCreated", "agentRemoved"}, types)
}
