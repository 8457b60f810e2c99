// Package bus is the per-task ordered event log with live fan-out. One
// writer per task assigns gapless 1-based sequence numbers; any number of
// subscribers receive independent copies of every event in emission order.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kirayoXkaki/mgxEngine/internal/task"
)

// Persister is the durable-store collaborator for events. Writes are
// best-effort and asynchronous; failures never affect live delivery.
type Persister interface {
	PersistEvent(ctx context.Context, ev task.Event) error
}

// TaskBus buffers every emitted event per task and fans copies out to
// subscriber queues.
type TaskBus struct {
	persister Persister // may be nil
	logger    *slog.Logger
	onEmit    func(taskID string, typ task.EventType)

	mu     sync.Mutex
	seq    map[string]int64
	buffer map[string][]task.Event
	subs   map[string]map[*Subscription]struct{}
}

// New creates a TaskBus. persister may be nil (memory only).
func New(persister Persister, logger *slog.Logger) *TaskBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskBus{
		persister: persister,
		logger:    logger,
		seq:       make(map[string]int64),
		buffer:    make(map[string][]task.Event),
		subs:      make(map[string]map[*Subscription]struct{}),
	}
}

// OnEmit registers a hook that fires synchronously on every emit. Set it
// before the first Emit; it is not guarded by the bus lock.
func (b *TaskBus) OnEmit(fn func(taskID string, typ task.EventType)) {
	b.onEmit = fn
}

// Emit appends the next event for taskID and delivers a copy to every
// registered subscriber. The sequence assignment, buffer append and fan-out
// happen under one lock so no subscriber can ever observe a reordering.
func (b *TaskBus) Emit(taskID string, typ task.EventType, agentRole string, payload task.Payload) task.Event {
	b.mu.Lock()
	b.seq[taskID]++
	ev := task.Event{
		EventID:   b.seq[taskID],
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		AgentRole: agentRole,
		EventType: typ,
		Payload:   payload,
	}
	b.buffer[taskID] = append(b.buffer[taskID], ev)
	for sub := range b.subs[taskID] {
		sub.push(ev)
	}
	b.mu.Unlock()

	if b.onEmit != nil {
		b.onEmit(taskID, typ)
	}
	if b.persister != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.persister.PersistEvent(ctx, ev); err != nil {
				b.logger.Error("event persistence failed",
					"task_id", taskID, "event_id", ev.EventID, "error", err)
			}
		}()
	}
	return ev
}

// Subscribe registers a new subscriber for taskID. The returned subscription
// owns an unbounded delivery queue: slow consumers delay only themselves and
// never lose events.
func (b *TaskBus) Subscribe(taskID string) *Subscription {
	sub := newSubscription(taskID)
	b.mu.Lock()
	set, ok := b.subs[taskID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[taskID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	go sub.pump()
	return sub
}

// Unsubscribe removes the subscription and closes its delivery channel.
func (b *TaskBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if set, ok := b.subs[sub.taskID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.taskID)
		}
	}
	b.mu.Unlock()
	sub.stop()
}

// Replay returns buffered events with event_id greater than sinceEventID, in
// ascending order. Used for catch-up before a subscriber starts listening.
func (b *TaskBus) Replay(taskID string, sinceEventID int64) []task.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.buffer[taskID]
	var out []task.Event
	for _, ev := range buf {
		if ev.EventID > sinceEventID {
			out = append(out, ev)
		}
	}
	return out
}

// Tail returns the last n buffered events for taskID, in ascending order.
func (b *TaskBus) Tail(taskID string, n int) []task.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.buffer[taskID]
	if n <= 0 || n > len(buf) {
		n = len(buf)
	}
	out := make([]task.Event, n)
	copy(out, buf[len(buf)-n:])
	return out
}

// LastEventID returns the highest event_id assigned for taskID (0 if none).
func (b *TaskBus) LastEventID(taskID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[taskID]
}

// Drop discards the buffered log and counter for taskID. Live subscriptions
// are closed. Called by the eviction policy once a task leaves memory.
func (b *TaskBus) Drop(taskID string) {
	b.mu.Lock()
	subs := b.subs[taskID]
	delete(b.subs, taskID)
	delete(b.buffer, taskID)
	delete(b.seq, taskID)
	b.mu.Unlock()
	for sub := range subs {
		sub.stop()
	}
}

// SubscriberCount returns the number of live subscriptions for taskID.
func (b *TaskBus) SubscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}

// Subscription is one subscriber's private delivery queue.
type Subscription struct {
	taskID string

	mu    sync.Mutex
	queue []task.Event

	wake chan struct{}
	ch   chan task.Event
	done chan struct{}
	once sync.Once
}

func newSubscription(taskID string) *Subscription {
	return &Subscription{
		taskID: taskID,
		wake:   make(chan struct{}, 1),
		ch:     make(chan task.Event),
		done:   make(chan struct{}),
	}
}

// Ch returns the channel events are delivered on. It is closed on
// Unsubscribe or when the task is dropped.
func (s *Subscription) Ch() <-chan task.Event {
	return s.ch
}

// TaskID returns the task this subscription observes.
func (s *Subscription) TaskID() string {
	return s.taskID
}

func (s *Subscription) push(ev task.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// pump moves events from the unbounded queue to the delivery channel,
// preserving order. It exits when the subscription stops.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}
			continue
		}
		s.mu.Unlock()
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
