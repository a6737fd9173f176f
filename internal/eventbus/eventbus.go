// Package eventbus implements the in-process publish/subscribe hub from
// spec.md §4.10: priority-ordered listeners, per-listener panic/error
// isolation so one bad handler can't break delivery to the rest, and a
// bounded ring buffer of recent events for introspection.
//
// The mutex-guarded registration map and synchronous fan-out loop follow
// the shape of the teacher's control_plane/ws_hub.go MetricsHub — a single
// broadcaster owning its subscriber set — generalized from "every
// websocket client gets every tick" to "every listener registered for a
// topic gets every event of that topic, highest priority first".
package eventbus

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Well-known topics, per spec.md §4.10.
const (
	TopicOverflowImminent = "overflow:imminent"
	TopicAttackIncoming   = "attack:incoming"
	TopicQuestClaimable   = "quest:claimable"
	TopicResourcesLow     = "resources:low"
	TopicTaskCompleted    = "task:completed"
	TopicTaskFailed       = "task:failed"
	TopicScanComplete     = "scan:complete"
	TopicPhaseChanged     = "phase:changed"
	TopicCropCrisis       = "crop:crisis"
)

// RingCapacity bounds the recent-events buffer, per spec.md §9.
const RingCapacity = 50

// Event is one published occurrence.
type Event struct {
	ID      string      `json:"id"`
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

// Listener receives events for the topic it was registered against.
type Listener func(Event)

type subscription struct {
	id       string
	priority int
	once     bool
	fn       Listener
}

// Bus is the concrete EventBus. It is safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]subscription
	ring   []Event
	head   int
	size   int
	logger *zap.Logger
}

// New builds an empty Bus. logger may be nil, in which case listener
// failures are silently dropped instead of logged.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   map[string][]subscription{},
		ring:   make([]Event, RingCapacity),
		logger: logger,
	}
}

// Subscribe registers fn against topic at the given priority (lower fires
// first, matching task priority semantics). It returns an unsubscribe
// function.
func (b *Bus) Subscribe(topic string, priority int, fn Listener) func() {
	return b.register(topic, priority, false, fn)
}

// Once registers fn against topic so it fires at most once, then is
// automatically removed.
func (b *Bus) Once(topic string, priority int, fn Listener) func() {
	return b.register(topic, priority, true, fn)
}

func (b *Bus) register(topic string, priority int, once bool, fn Listener) func() {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], subscription{id: id, priority: priority, once: once, fn: fn})
	sort.SliceStable(b.subs[topic], func(i, j int) bool {
		return b.subs[topic][i].priority < b.subs[topic][j].priority
	})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers payload to every listener registered for topic, lowest
// priority value first, isolating each listener's panics so the rest still
// run, then records the event in the ring buffer.
func (b *Bus) Publish(topic string, payload interface{}) Event {
	ev := Event{ID: uuid.NewString(), Topic: topic, Payload: payload, At: time.Now()}

	b.mu.Lock()
	listeners := append([]subscription(nil), b.subs[topic]...)
	b.mu.Unlock()

	var toRemove []string
	for _, s := range listeners {
		b.dispatch(s, ev)
		if s.once {
			toRemove = append(toRemove, s.id)
		}
	}

	if len(toRemove) > 0 {
		b.mu.Lock()
		remaining := b.subs[topic][:0]
		for _, s := range b.subs[topic] {
			keep := true
			for _, id := range toRemove {
				if s.id == id {
					keep = false
					break
				}
			}
			if keep {
				remaining = append(remaining, s)
			}
		}
		b.subs[topic] = remaining
		b.mu.Unlock()
	}

	b.pushRing(ev)
	return ev
}

func (b *Bus) dispatch(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("eventbus: listener panicked",
				zap.String("topic", ev.Topic), zap.Any("recovered", r))
		}
	}()
	s.fn(ev)
}

func (b *Bus) pushRing(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := (b.head + b.size) % len(b.ring)
	if b.size < len(b.ring) {
		b.ring[idx] = ev
		b.size++
	} else {
		b.ring[b.head] = ev
		b.head = (b.head + 1) % len(b.ring)
	}
}

// Recent returns the buffered events, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	return out
}
