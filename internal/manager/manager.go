// Package manager supervises the fleet of agents: it owns the registry,
// enforces the global agent cap, routes messages between agents over the
// bus, and restarts agents that go unhealthy.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/arbnet/arbnet-go/internal/agent"
	"github.com/arbnet/arbnet-go/internal/bus"
)

// Rejections distinguishable by callers.
var (
	ErrAgentExists     = errors.New("manager: agent already exists")
	ErrAgentCapReached = errors.New("manager: max concurrent agents reached")
)

// classTopicSuffix marks class-wide pseudo-topics, e.g. "product_agents".
const classTopicSuffix = "_agents"

// Config tunes the manager.
type Config struct {
	MaxConcurrentAgents int           `json:"maxConcurrentAgents"`
	HealthCheckInterval time.Duration `json:"healthCheckInterval"`
}

// Event is the manager's outbound notification for observers.
type Event struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agentId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Err       error          `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
}

// Manager owns the set of live agents and the routing layer above the bus.
type Manager struct {
	cfg Config
	bus bus.Bus

	mu         sync.RWMutex
	agents     map[string]*agent.Runtime
	topics     map[string][]string // topic → subscriber agent ids
	subscribed map[string]bool     // bus topics already wired

	listenerMu sync.RWMutex
	listeners  []func(Event)

	healthStop chan struct{}
	healthOnce sync.Once
}

// New creates a manager routing over the given bus.
func New(cfg Config, b bus.Bus) *Manager {
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = 10
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		bus:        b,
		agents:     make(map[string]*agent.Runtime),
		topics:     make(map[string][]string),
		subscribed: make(map[string]bool),
	}
}

// OnEvent registers an observer for manager events.
func (m *Manager) OnEvent(fn func(Event)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(ev Event) {
	ev.Timestamp = time.Now()
	m.listenerMu.RLock()
	listeners := m.listeners
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// CreateAgent registers, wires, and starts a new agent. It fails without
// side effects on a duplicate id or when the fleet is at the cap; a Start
// failure deregisters the agent and propagates.
func (m *Manager) CreateAgent(ctx context.Context, cfg agent.Config, behavior agent.Behavior) (*agent.Runtime, error) {
	if cfg.ID == "" {
		cfg.ID = cfg.Type + "-" + cfg.Name
	}

	rt := agent.New(cfg, behavior)
	if bindable, ok := behavior.(agent.Bindable); ok {
		bindable.Bind(rt)
	}

	m.mu.Lock()
	if _, exists := m.agents[cfg.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, cfg.ID)
	}
	if len(m.agents) >= m.cfg.MaxConcurrentAgents {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrAgentCapReached, m.cfg.MaxConcurrentAgents)
	}
	m.agents[cfg.ID] = rt
	m.mu.Unlock()

	// Outbound messages go onto the bus; lifecycle/action events surface
	// on the manager's own event stream.
	rt.OnEvent(func(ev agent.Event) {
		switch ev.Type {
		case agent.EventMessage:
			if ev.Message != nil {
				m.publish(*ev.Message)
			}
		case agent.EventActionCompleted:
			m.emit(Event{Type: "agentActionCompleted", AgentID: ev.AgentID, Data: map[string]any{"actionType": ev.Action.Type}})
		case agent.EventActionFailed:
			m.emit(Event{Type: "agentActionFailed", AgentID: ev.AgentID, Data: map[string]any{"actionType": ev.Action.Type}, Err: ev.Err})
		case agent.EventError:
			m.emit(Event{Type: "agentError", AgentID: ev.AgentID, Err: ev.Err})
		}
	})

	m.ensureSubscribed(cfg.ID)
	m.ensureSubscribed(bus.TargetAll)
	m.ensureSubscribed(cfg.Type + classTopicSuffix)

	if err := rt.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.agents, cfg.ID)
		m.mu.Unlock()
		return nil, err
	}

	log.Printf("[Manager] ✅ Agent %s created (%d/%d)", cfg.ID, m.Count(), m.cfg.MaxConcurrentAgents)
	m.emit(Event{Type: "agentCreated", AgentID: cfg.ID})
	return rt, nil
}

// RemoveAgent stops and deregisters an agent. Removing an unknown id is a
// warning, not an error.
func (m *Manager) RemoveAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	rt, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		log.Printf("[Manager] ⚠️ RemoveAgent: %s not found", id)
		return nil
	}

	if err := rt.Stop(ctx); err != nil {
		log.Printf("[Manager] ⚠️ Stop %s failed: %v", id, err)
	}
	m.mu.Lock()
	delete(m.agents, id)
	m.mu.Unlock()

	m.emit(Event{Type: "agentRemoved", AgentID: id})
	return nil
}

// Agent returns a live agent by id.
func (m *Manager) Agent(id string) (*agent.Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.agents[id]
	return rt, ok
}

// Count returns the number of registered agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// AgentIDs returns all registered agent ids.
func (m *Manager) AgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	return ids
}

// RegisterTopic maps a routing topic to explicit subscriber agent ids.
func (m *Manager) RegisterTopic(topic string, agentIDs ...string) {
	m.mu.Lock()
	m.topics[topic] = append(m.topics[topic], agentIDs...)
	m.mu.Unlock()
	m.ensureSubscribed(topic)
}

// Broadcast publishes a message onto the bus; the manager's own
// subscriptions route it back to the resolved agents.
func (m *Manager) Broadcast(msg bus.AgentMessage) {
	m.publish(msg)
}

func (m *Manager) publish(msg bus.AgentMessage) {
	m.ensureSubscribed(msg.To)
	if err := m.bus.Publish(msg.To, msg); err != nil {
		log.Printf("[Manager] ⚠️ Publish %s → %s failed: %v", msg.Type, msg.To, err)
	}
}

// ensureSubscribed wires one bus topic into the routing layer, once.
func (m *Manager) ensureSubscribed(topic string) {
	m.mu.Lock()
	if m.subscribed[topic] {
		m.mu.Unlock()
		return
	}
	m.subscribed[topic] = true
	m.mu.Unlock()

	if err := m.bus.Subscribe(topic, func(msg bus.AgentMessage) { m.deliver(msg) }); err != nil {
		log.Printf("[Manager] ⚠️ Subscribe %s failed: %v", topic, err)
	}
}

// deliver resolves a message's target to agent ids and fans out
// concurrently. Per-agent failures are logged without aborting the rest.
func (m *Manager) deliver(msg bus.AgentMessage) {
	ids := m.resolveTargets(msg.To)
	if len(ids) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		// An agent never receives its own message back; urgent messages
		// are handled inline on the sender's work mutex, so a self-echo
		// would deadlock.
		if id == msg.From {
			continue
		}
		m.mu.RLock()
		rt, ok := m.agents[id]
		m.mu.RUnlock()
		if !ok {
			log.Printf("[Manager] ⚠️ Deliver %s: agent %s gone", msg.Type, id)
			continue
		}
		wg.Add(1)
		go func(rt *agent.Runtime, id string) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("[Manager] ❌ Deliver %s to %s panicked: %v", msg.Type, id, rec)
				}
			}()
			rt.ReceiveMessage(msg)
		}(rt, id)
	}
	wg.Wait()
}

// resolveTargets maps a routing target to zero or more agent ids:
// a live agent's own id resolves to itself, "all" to every agent, a
// class pseudo-topic to all agents of that class, the operations topic to
// nobody (an external human channel), and anything else through the
// registered topic table.
func (m *Manager) resolveTargets(target string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.agents[target]; ok {
		return []string{target}
	}
	switch {
	case target == bus.TargetAll:
		ids := make([]string, 0, len(m.agents))
		for id := range m.agents {
			ids = append(ids, id)
		}
		return ids
	case target == bus.TargetOps:
		log.Printf("[Manager] Operations message routed to external channel")
		return nil
	case strings.HasSuffix(target, classTopicSuffix):
		class := strings.TrimSuffix(target, classTopicSuffix)
		var ids []string
		for id, rt := range m.agents {
			if rt.Type() == class {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		return m.topics[target]
	}
}

// HealthSummary is the outcome of one health-check pass.
type HealthSummary struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

// CheckHealth scans for inactive agents and attempts one restart each,
// then reports the fleet summary. Restart failures are logged, never
// propagated.
func (m *Manager) CheckHealth(ctx context.Context) HealthSummary {
	m.mu.RLock()
	agents := make(map[string]*agent.Runtime, len(m.agents))
	for id, rt := range m.agents {
		agents[id] = rt
	}
	m.mu.RUnlock()

	summary := HealthSummary{Total: len(agents)}
	for id, rt := range agents {
		if rt.IsActive() {
			summary.Active++
			continue
		}
		summary.Inactive++
		if err := rt.Start(ctx); err != nil {
			log.Printf("[Manager] ❌ Health restart of %s failed: %v", id, err)
		} else {
			log.Printf("[Manager] ✅ Health restart of %s succeeded", id)
		}
	}

	m.emit(Event{Type: "healthCheck", Data: map[string]any{
		"total":    summary.Total,
		"active":   summary.Active,
		"inactive": summary.Inactive,
	}})
	return summary
}

// StartHealthChecks launches the periodic health loop.
func (m *Manager) StartHealthChecks(ctx context.Context) {
	m.mu.Lock()
	if m.healthStop != nil {
		m.mu.Unlock()
		return
	}
	m.healthStop = make(chan struct{})
	stop := m.healthStop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.CheckHealth(ctx)
			}
		}
	}()
}

// Shutdown stops health checks, then every agent concurrently, then
// clears the registry. Per-agent stop failures do not abort the rest.
func (m *Manager) Shutdown(ctx context.Context) {
	m.healthOnce.Do(func() {
		m.mu.Lock()
		stop := m.healthStop
		m.mu.Unlock()
		if stop != nil {
			close(stop)
		}
	})

	m.mu.Lock()
	agents := make([]*agent.Runtime, 0, len(m.agents))
	for _, rt := range m.agents {
		agents = append(agents, rt)
	}
	m.agents = make(map[string]*agent.Runtime)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, rt := range agents {
		wg.Add(1)
		go func(rt *agent.Runtime) {
			defer wg.Done()
			if err := rt.Stop(ctx); err != nil {
				log.Printf("[Manager] ⚠️ Shutdown stop %s failed: %v", rt.ID(), err)
			}
		}(rt)
	}
	wg.Wait()
	log.Printf("[Manager] Shutdown complete (%d agent(s) stopped)", len(agents))
}
