package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbnet/arbnet-go/internal/bus"
)

// Runtime errors distinguishable by callers.
var (
	ErrAlreadyRunning = errors.New("agent: already running")
	ErrNotRunning     = errors.New("agent: not running")
)

const (
	// maxDrainPerCycle bounds message processing per decision cycle so a
	// flooded queue cannot starve decision-making.
	maxDrainPerCycle = 10
	// historyLimit bounds the retained decision history.
	historyLimit = 10
	// stopDrainTimeout is the ceiling Stop waits for in-flight work.
	stopDrainTimeout = 30 * time.Second
	// stopPollInterval is how often Stop retries acquiring the work mutex.
	stopPollInterval = 100 * time.Millisecond
)

// Runtime runs one agent: it owns the message queue, the active-action
// set, the decision timer, and event emission. Domain behavior comes from
// the injected Behavior.
type Runtime struct {
	cfg      Config
	behavior Behavior

	mu       sync.Mutex
	running  bool
	starting bool
	timer    *time.Timer
	active   map[string]*Action
	history  []*Decision

	// workMu serializes the decision cycle with urgent message handling
	// so behavior calls never overlap for one agent.
	workMu sync.Mutex

	queue *messageQueue

	listenerMu sync.RWMutex
	listeners  []func(Event)

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a stopped runtime for the given behavior.
func New(cfg Config, behavior Behavior) *Runtime {
	if cfg.DecisionInterval <= 0 {
		cfg.DecisionInterval = 5 * time.Second
	}
	if cfg.MaxConcurrentActions <= 0 {
		cfg.MaxConcurrentActions = 3
	}
	return &Runtime{
		cfg:      cfg,
		behavior: behavior,
		active:   make(map[string]*Action),
		queue:    newMessageQueue(),
	}
}

// ID returns the agent's identity.
func (r *Runtime) ID() string { return r.cfg.ID }

// Type returns the agent's class (e.g. "product").
func (r *Runtime) Type() string { return r.cfg.Type }

// Name returns the agent's display name.
func (r *Runtime) Name() string { return r.cfg.Name }

// IsActive reports whether the agent is currently running.
func (r *Runtime) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// OnEvent registers an observer for runtime events. Listeners must be
// fast; they are invoked synchronously.
func (r *Runtime) OnEvent(fn func(Event)) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Runtime) emit(ev Event) {
	ev.AgentID = r.cfg.ID
	ev.Timestamp = time.Now()
	r.listenerMu.RLock()
	listeners := r.listeners
	r.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Start initializes the behavior and schedules the first decision cycle.
// An Initialize failure is fatal to this call and leaves the agent stopped.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running || r.starting {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.starting = true
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	if err := r.behavior.Initialize(runCtx); err != nil {
		cancel()
		r.mu.Lock()
		r.starting = false
		r.mu.Unlock()
		return fmt.Errorf("agent %s: initialize: %w", r.cfg.ID, err)
	}

	r.mu.Lock()
	r.starting = false
	r.running = true
	r.runCtx = runCtx
	r.runCancel = cancel
	r.timer = time.AfterFunc(r.cfg.DecisionInterval, r.decisionCycle)
	r.mu.Unlock()

	log.Printf("[Agent] ✅ Started %s (%s), interval=%s", r.cfg.ID, r.cfg.Type, r.cfg.DecisionInterval)
	r.emit(Event{Type: EventStarted})
	return nil
}

// Stop cancels future cycles, waits (bounded) for in-flight work to
// finish, then runs Cleanup. Never blocks forever.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	cancel := r.runCancel
	r.mu.Unlock()

	// Decide, HandleMessage, and ExecuteAction all run under workMu, so
	// owning it means no behavior call is in flight and Cleanup keeps the
	// serialization guarantee. The wait is bounded.
	deadline := time.Now().Add(stopDrainTimeout)
	acquired := false
	for time.Now().Before(deadline) {
		if r.workMu.TryLock() {
			acquired = true
			break
		}
		time.Sleep(stopPollInterval)
	}
	if !acquired {
		log.Printf("[Agent] ⚠️ %s: stop timeout with work still in flight", r.cfg.ID)
	}

	if err := r.behavior.Cleanup(ctx); err != nil {
		log.Printf("[Agent] ⚠️ %s: cleanup failed: %v", r.cfg.ID, err)
	}
	if acquired {
		r.workMu.Unlock()
	}
	if cancel != nil {
		cancel()
	}

	log.Printf("[Agent] Stopped %s", r.cfg.ID)
	r.emit(Event{Type: EventStopped})
	return nil
}

// SendMessage emits an outbound message event; the manager routes it onto
// the bus.
func (r *Runtime) SendMessage(msg bus.AgentMessage) {
	r.emit(Event{Type: EventMessage, Message: &msg})
}

// ReceiveMessage enqueues an inbound message. Critical and high priority
// messages additionally bypass the polling interval: they are pulled back
// out of the queue and handled synchronously right away.
func (r *Runtime) ReceiveMessage(msg bus.AgentMessage) {
	seq := r.queue.Push(msg)
	if !msg.Priority.Urgent() {
		return
	}
	// A concurrent cycle may have drained the message already; handling it
	// inline too would process it twice.
	if !r.queue.Remove(seq) {
		return
	}

	r.workMu.Lock()
	defer r.workMu.Unlock()
	if err := r.behavior.HandleMessage(r.ctx(), msg); err != nil {
		log.Printf("[Agent] ⚠️ %s: urgent message %s failed: %v", r.cfg.ID, msg.Type, err)
		r.emit(Event{Type: EventError, Err: err})
	}
}

// QueueLen returns the number of messages awaiting the next cycle.
func (r *Runtime) QueueLen() int { return r.queue.Len() }

// ActiveActions returns the number of in-flight actions.
func (r *Runtime) ActiveActions() int { return r.activeCount() }

// History returns a copy of the retained decision history (most recent
// last).
func (r *Runtime) History() []*Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Decision, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Runtime) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runtime) ctx() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx != nil {
		return r.runCtx
	}
	return context.Background()
}

// decisionCycle is one timer-triggered iteration: drain messages, decide,
// execute. The next tick is always rescheduled, even when this one failed.
func (r *Runtime) decisionCycle() {
	defer r.reschedule()
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("decision cycle panic: %v", rec)
			log.Printf("[Agent] ❌ %s: %v", r.cfg.ID, err)
			r.emit(Event{Type: EventError, Err: err})
		}
	}()

	r.mu.Lock()
	running, enabled := r.running, r.cfg.Enabled
	r.mu.Unlock()
	if !running || !enabled {
		return
	}

	r.workMu.Lock()
	defer r.workMu.Unlock()

	ctx := r.ctx()

	// 1. Drain a bounded batch of queued messages in priority order.
	for _, msg := range r.queue.Drain(maxDrainPerCycle) {
		if err := r.behavior.HandleMessage(ctx, msg); err != nil {
			log.Printf("[Agent] ⚠️ %s: message %s failed: %v", r.cfg.ID, msg.Type, err)
			r.emit(Event{Type: EventError, Err: err})
		}
	}

	// 2. At the concurrency cap, skip decision-making entirely this tick.
	if r.activeCount() >= r.cfg.MaxConcurrentActions {
		return
	}

	// 3. Decide and execute.
	decision, err := r.behavior.Decide(ctx)
	if err != nil {
		log.Printf("[Agent] ⚠️ %s: decide failed: %v", r.cfg.ID, err)
		r.emit(Event{Type: EventError, Err: err})
		return
	}
	if decision == nil || len(decision.Actions) == 0 {
		return
	}

	decision.ID = uuid.NewString()
	decision.AgentID = r.cfg.ID
	decision.Timestamp = time.Now()
	r.appendHistory(decision)

	for _, action := range decision.Actions {
		if r.activeCount() >= r.cfg.MaxConcurrentActions {
			log.Printf("[Agent] %s: action cap reached, deferring %d remaining action(s)", r.cfg.ID, remaining(decision.Actions, action))
			break
		}
		r.executeAction(ctx, action)
	}
}

// executeAction runs one action to a terminal status. A failure does not
// cancel sibling actions.
func (r *Runtime) executeAction(ctx context.Context, action *Action) {
	r.mu.Lock()
	action.Status = ActionExecuting
	r.active[action.ID] = action
	r.mu.Unlock()

	err := r.behavior.ExecuteAction(ctx, action)

	r.mu.Lock()
	delete(r.active, action.ID)
	if err != nil {
		action.Status = ActionFailed
	} else {
		action.Status = ActionCompleted
	}
	r.mu.Unlock()

	if err != nil {
		log.Printf("[Agent] ❌ %s: action %s failed: %v", r.cfg.ID, action.Type, err)
		r.emit(Event{Type: EventActionFailed, Action: action, Err: err})
		return
	}
	r.emit(Event{Type: EventActionCompleted, Action: action})
}

func (r *Runtime) reschedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.timer = time.AfterFunc(r.cfg.DecisionInterval, r.decisionCycle)
}

func (r *Runtime) appendHistory(d *Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, d)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
}

func remaining(actions []*Action, current *Action) int {
	for i, a := range actions {
		if a == current {
			return len(actions) - i
		}
	}
	return 0
}
