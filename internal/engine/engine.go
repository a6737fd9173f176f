// Package engine implements the BotEngine from spec.md §4.2: the
// per-server main loop and lifecycle state machine that observes game
// state, asks the DecisionEngine for new tasks, dispatches the
// highest-priority due task through the content-script bridge, and
// reconciles rate limits, cooldowns, and emergency conditions.
//
// The lifecycle state machine (stopped/running-active/running-paused/
// emergency-stopped) and its suspend-on-every-network-wait discipline
// follow the teacher's control_plane/resilience/reconciliation.go
// Reconciler: a single stateful driver bound to a context, checked for
// cancellation at every yield point, with a hard per-cycle timeout acting
// as the same kind of kill switch spec.md §5 calls for at FarmCycle
// granularity.
package engine

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kaelstrom/travianbot/internal/bridge"
	"github.com/kaelstrom/travianbot/internal/config"
	"github.com/kaelstrom/travianbot/internal/decision"
	"github.com/kaelstrom/travianbot/internal/eventbus"
	"github.com/kaelstrom/travianbot/internal/farm"
	"github.com/kaelstrom/travianbot/internal/hero"
	"github.com/kaelstrom/travianbot/internal/model"
	"github.com/kaelstrom/travianbot/internal/navigation"
	"github.com/kaelstrom/travianbot/internal/observability"
	"github.com/kaelstrom/travianbot/internal/queue"
	"github.com/kaelstrom/travianbot/internal/scheduler"
	"github.com/kaelstrom/travianbot/internal/store"
)

// MaxConsecutiveLoggedOut bounds how many consecutive "not logged in"
// cycles are tolerated before an emergency stop, per spec.md §4.2 step 5
// "A bounded counter ... may trigger an emergency stop."
const MaxConsecutiveLoggedOut = 5

// Clock abstracts time.Now so tests can inject a fixed or stepped clock.
type Clock func() time.Time

// Engine is the per-server BotEngine. Exactly one exists per BotInstance,
// per spec.md §3 Ownership/lifecycle; it exclusively owns its TaskQueue,
// Scheduler, DecisionEngine inputs, HeroManager, and (lazily) FarmManager.
type Engine struct {
	serverKey string
	store     store.Store
	bus       *eventbus.Bus
	logger    *zap.Logger
	clock     Clock

	bridge *bridge.Bridge
	nav    *navigation.Manager
	queue  *queue.Queue
	sched  *scheduler.Scheduler
	heroMg *hero.Manager

	mu      sync.Mutex
	cfg     config.Config
	state   *model.EngineState
	limiter *rate.Limiter
	farmMg  *farm.Manager // constructed lazily on first send_farm dispatch
}

// New builds an Engine for serverKey. cfg should already reflect any
// persisted per-server configuration merged over config.Defaults().
func New(serverKey string, st store.Store, bus *eventbus.Bus, logger *zap.Logger, b *bridge.Bridge, cfg config.Config) *Engine {
	e := &Engine{
		serverKey: serverKey,
		store:     st,
		bus:       bus,
		logger:    logger,
		clock:     time.Now,
		bridge:    b,
		nav:       navigation.New(b),
		queue:     queue.New(),
		sched:     scheduler.New(logger),
		heroMg:    hero.New(),
		cfg:       cfg,
	}
	e.state = model.NewEngineState(model.ServerKey(serverKey))
	return e
}

func (e *Engine) nowMs() int64 { return e.clock().UnixMilli() }

// Status returns a snapshot of the engine's current EngineState, safe for
// concurrent use (the getStatus RPC method, spec.md §6).
func (e *Engine) Status() model.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.state
}

// Lifecycle reports the current lifecycle value.
func (e *Engine) Lifecycle() model.Lifecycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Lifecycle
}

// SetConfig replaces the engine's working configuration (the saveConfig
// RPC method, spec.md §6). It takes effect on the next cycle.
func (e *Engine) SetConfig(cfg config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// Config returns the engine's current configuration.
func (e *Engine) Config() config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Queue returns the engine's TaskQueue, for the getQueue/clearQueue RPC
// methods (spec.md §6) to inspect and reset directly.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Start transitions stopped -> running-active, per spec.md §4.2: loads
// config (already supplied at New/SetConfig time here), resets the hourly
// counter, schedules hourly_reset and main_loop, then invokes the first
// cycle immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Lifecycle == model.LifecycleRunningActive || e.state.Lifecycle == model.LifecycleRunningPaused {
		e.mu.Unlock()
		if e.logger != nil {
			e.logger.Warn("engine: start called while already running", zap.String("server", e.serverKey))
		}
		return nil
	}
	e.state.Lifecycle = model.LifecycleRunningActive
	e.state.Stats.StartedAt = e.clock()
	e.state.Rate = model.RateWindow{HourResetTime: e.nowMs() + time.Hour.Milliseconds()}
	e.state.ConsecutiveLoggedOut = 0
	maxPerHour := e.cfg.Safety.MaxActionsPerHour
	if maxPerHour <= 0 {
		maxPerHour = 60
	}
	// burst=1: the actionsThisHour counter checked in RunCycle is the
	// actual spec.md §4.2 step-1 cap ("actionsThisHour >= maxActionsPerHour
	// and the window is still open"); this limiter only paces dispatches
	// within the hour so a burst of eligible tasks doesn't all fire in the
	// same instant. A burst above 1 here would let the limiter alone admit
	// up to ~2x maxActionsPerHour before the counter gate ever caught up.
	e.limiter = rate.NewLimiter(rate.Limit(float64(maxPerHour)/3600.0), 1)
	e.mu.Unlock()

	e.sched.Register("hourly_reset", time.Hour, func(ctx context.Context) { e.resetHourlyWindow() })
	e.sched.Register("main_loop", e.loopInterval(false), func(ctx context.Context) { e.RunCycle(ctx) })
	e.sched.Start(ctx, "hourly_reset")
	e.sched.Start(ctx, "main_loop")

	observability.EngineLifecycle.WithLabelValues(e.serverKey).Set(1)
	e.emit(eventbus.TopicPhaseChanged, map[string]string{"server": e.serverKey, "lifecycle": string(model.LifecycleRunningActive)})

	e.RunCycle(ctx)
	return nil
}

// Pause transitions running-active -> running-paused. Timers remain
// scheduled; RunCycle short-circuits its body while paused.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Lifecycle == model.LifecycleRunningActive {
		e.state.Lifecycle = model.LifecycleRunningPaused
		observability.EngineLifecycle.WithLabelValues(e.serverKey).Set(2)
	}
}

// Resume transitions running-paused -> running-active.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Lifecycle == model.LifecycleRunningPaused {
		e.state.Lifecycle = model.LifecycleRunningActive
		observability.EngineLifecycle.WithLabelValues(e.serverKey).Set(1)
	}
}

// Stop transitions any state -> stopped: cancels all timers, then persists
// state.
func (e *Engine) Stop() {
	e.sched.StopAll()
	e.mu.Lock()
	e.state.Lifecycle = model.LifecycleStopped
	e.mu.Unlock()
	observability.EngineLifecycle.WithLabelValues(e.serverKey).Set(0)
	_ = e.persistState()
}

// EmergencyStop transitions any state -> emergency-stopped: records the
// reason to persistent storage, stops the engine, and emits an event.
// Emergency-stopped instances must not be resumed without an explicit
// Start.
func (e *Engine) EmergencyStop(reason string) {
	e.mu.Lock()
	e.state.Lifecycle = model.LifecycleEmergencyStopped
	e.state.EmergencyReason = reason
	e.mu.Unlock()

	e.sched.StopAll()
	_ = e.persistState()
	_ = e.store.Save(store.KeyEmergencyStop, map[string]interface{}{
		"serverKey": e.serverKey,
		"reason":    reason,
		"at":        e.nowMs(),
	})
	observability.EngineLifecycle.WithLabelValues(e.serverKey).Set(3)
	observability.EmergencyStops.WithLabelValues(e.serverKey, reason).Inc()
	e.emit(eventbus.TopicPhaseChanged, map[string]string{"server": e.serverKey, "lifecycle": string(model.LifecycleEmergencyStopped), "reason": reason})
	e.emit("emergencyStop", map[string]string{"server": e.serverKey, "reason": reason})
}

func (e *Engine) persistState() error {
	e.mu.Lock()
	snapshot := *e.state
	e.mu.Unlock()
	return e.store.Save(store.KeyState(e.serverKey), snapshot)
}

func (e *Engine) resetHourlyWindow() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Rate = model.RateWindow{HourResetTime: e.nowMs() + time.Hour.Milliseconds()}
}

func (e *Engine) loopInterval(idle bool) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms := e.cfg.Delays.LoopActiveMs
	if idle {
		ms = e.cfg.Delays.LoopIdleMs
	}
	if ms <= 0 {
		if idle {
			ms = 180000
		} else {
			ms = 45000
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// adaptLoopInterval reschedules main_loop if the target interval differs
// from what's currently registered, per spec.md §4.2 "Adaptive loop
// interval".
func (e *Engine) adaptLoopInterval(idle bool) {
	e.sched.Reschedule("main_loop", e.loopInterval(idle))
}

// humanDelay pauses for a uniform random duration between the configured
// min/max action delay, a suspension point per spec.md §5.
func (e *Engine) humanDelay(ctx context.Context) {
	e.mu.Lock()
	minMs, maxMs := e.cfg.Delays.MinActionDelayMs, e.cfg.Delays.MaxActionDelayMs
	e.mu.Unlock()
	if maxMs <= minMs {
		maxMs = minMs + 1
	}
	d := time.Duration(minMs+rand.Intn(maxMs-minMs)) * time.Millisecond
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (e *Engine) emit(topic string, payload interface{}) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

// RunCycle executes exactly one main-loop body, per spec.md §4.2's
// numbered steps. It is exported so the scheduler callback and an
// explicit "requestScan" RPC-driven immediate cycle share one code path.
func (e *Engine) RunCycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.LoopDuration.WithLabelValues(e.serverKey).Observe(time.Since(start).Seconds())
	}()

	e.mu.Lock()
	lifecycle := e.state.Lifecycle
	e.mu.Unlock()
	if lifecycle != model.LifecycleRunningActive {
		return // paused, stopped, or emergency-stopped: no-op per spec.md §4.2 preconditions
	}

	// Step 1: rate limit gate, per spec.md §4.2 step 1 ("If actionsThisHour
	// >= maxActionsPerHour and the window is still open, skip the cycle").
	// This is the actual hourly cap; actionsThisHour is compared directly
	// rather than left as decorative state behind the token-bucket limiter
	// below, which only smooths dispatch pacing within the hour.
	e.mu.Lock()
	maxPerHour := e.cfg.Safety.MaxActionsPerHour
	if maxPerHour <= 0 {
		maxPerHour = 60
	}
	windowOpen := e.nowMs() < e.state.Rate.HourResetTime
	exhausted := windowOpen && e.state.Rate.ActionsThisHour >= maxPerHour
	limiter := e.limiter
	e.mu.Unlock()
	if exhausted {
		observability.RateLimited.WithLabelValues(e.serverKey).Inc()
		return
	}
	if limiter != nil && !limiter.Allow() {
		observability.RateLimited.WithLabelValues(e.serverKey).Inc()
		return
	}

	// Step 2: hourly window reset.
	e.mu.Lock()
	if e.nowMs() >= e.state.Rate.HourResetTime {
		e.state.Rate = model.RateWindow{HourResetTime: e.nowMs() + time.Hour.Milliseconds()}
	}
	e.mu.Unlock()

	// Step 3: SCAN.
	resp, err := e.bridge.Send(ctx, bridge.Message{Type: bridge.MessageScan})
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("engine: scan failed, skipping cycle", zap.String("server", e.serverKey), zap.Error(err))
		}
		return
	}
	snap := decodeSnapshot(resp, e.clock())

	e.mu.Lock()
	e.state.LastGameState = &snap
	cfg := e.cfg
	e.mu.Unlock()

	// Step 4: captcha/error -> emergency stop.
	if snap.Captcha || snap.Error {
		reason := "page_error"
		if snap.Captcha {
			reason = "captcha"
		}
		e.EmergencyStop(reason)
		return
	}

	// Step 5: not logged in -> skip, with a bounded consecutive counter.
	if !snap.LoggedIn {
		e.mu.Lock()
		e.state.ConsecutiveLoggedOut++
		tooMany := e.state.ConsecutiveLoggedOut >= MaxConsecutiveLoggedOut
		e.mu.Unlock()
		if tooMany {
			e.EmergencyStop("repeated_not_logged_in")
		}
		return
	}
	e.mu.Lock()
	e.state.ConsecutiveLoggedOut = 0
	e.mu.Unlock()

	e.emit(eventbus.TopicScanComplete, snap)

	// HeroManager's proactive claim (spec.md §4.8) runs as its own engine
	// step rather than a DecisionEngine rule: it is a HeroManager entry
	// point documented alongside, not inside, the ten ordered rules of
	// spec.md §4.4, and it shares TryClaimForTask's direct
	// bridge/navigation dispatch rather than going through the task queue.
	e.maybeProactiveHeroClaim(ctx, snap)

	// Step 6: DecisionEngine.
	e.mu.Lock()
	newTasks := decision.Evaluate(snap, cfg, e.queue, e.state, e.nowMs())
	e.mu.Unlock()

	for _, t := range newTasks {
		if t.Type == "emergency_stop" {
			reason, _ := t.Params["reason"].(string)
			e.EmergencyStop(reason)
			return
		}
	}

	// Step 7: absorb new tasks (dedup handled inside Queue.Enqueue).
	for _, t := range newTasks {
		e.queue.Enqueue(t)
	}
	observability.QueueDepth.WithLabelValues(e.serverKey, "pending").Set(float64(e.queue.Len()))

	// Step 8: pop next due task.
	next := e.queue.Dequeue(e.nowMs())
	if next == nil {
		e.adaptLoopInterval(true)
		return
	}
	e.adaptLoopInterval(false)

	// Step 9: execute.
	e.executeTask(ctx, next, snap)

	// Step 10: status update.
	e.emit("statusUpdate", e.Status())
}

// decodeSnapshot decodes the bridge's untyped Response.Data into a
// model.Snapshot by round-tripping it through encoding/json against
// Snapshot's own field tags, since spec.md §9's "dynamic message shapes
// -> tagged payloads" only tags the envelope (Request/Response), not the
// in-page scanner's own JSON shape.
func decodeSnapshot(resp bridge.Response, now time.Time) model.Snapshot {
	var snap model.Snapshot
	if resp.Data != nil {
		if raw, err := json.Marshal(resp.Data); err == nil {
			_ = json.Unmarshal(raw, &snap)
		}
	}
	snap.Timestamp = now
	return snap
}
