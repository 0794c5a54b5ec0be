package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is a plan lifecycle notification as subscribers and the audit log
// see it. Type holds the event kind, e.g. step_completed; Status and Steps
// are snapshots taken when the event was emitted.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"event"`
	Source    string    `json:"source,omitempty"`
	PlanID    string    `json:"plan_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Level     string    `json:"level"`

	Steps interface{}            `json:"steps,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

func levelRank(level string) int {
	switch level {
	case EventLevelError:
		return 2
	case EventLevelWarning:
		return 1
	}
	return 0
}

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Each subscriber receives
// events in publication order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []*subscription
	filters     []EventFilter
	nextID      int
	dropped     atomic.Int64
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
}

type subscription struct {
	id         int
	subscriber EventSubscriber
	filter     EventFilter
	queue      chan Event
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	closed := ep.closed
	ep.mu.RUnlock()
	if closed {
		return fmt.Errorf("event publisher stopped")
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			ep.dropped.Add(1)
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// Subscribe adds a new event subscriber and returns a function that removes
// it. A subscriber that falls a full queue behind loses events.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	if ep == nil || !ep.config.Enabled {
		return func() {}
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return func() {}
	}

	ep.nextID++
	sub := &subscription{
		id:         ep.nextID,
		subscriber: subscriber,
		filter:     filter,
	}
	if ep.config.EnableAsync {
		sub.queue = make(chan Event, ep.config.BufferSize)
		ep.wg.Add(1)
		go ep.runSubscriber(sub)
	}
	ep.subscribers = append(ep.subscribers, sub)

	var once sync.Once
	return func() {
		once.Do(func() { ep.unsubscribe(sub.id) })
	}
}

func (ep *EventPublisher) unsubscribe(id int) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for i, sub := range ep.subscribers {
		if sub.id == id {
			ep.subscribers = append(ep.subscribers[:i], ep.subscribers[i+1:]...)
			if sub.queue != nil {
				close(sub.queue)
			}
			return
		}
	}
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil || !ep.config.Enabled {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// Dropped returns the number of events lost to full buffers.
func (ep *EventPublisher) Dropped() int64 {
	if ep == nil {
		return 0
	}
	return ep.dropped.Load()
}

// processEvents moves events from the publish buffer to subscriber queues.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					ep.closeSubscribers()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) runSubscriber(sub *subscription) {
	defer ep.wg.Done()
	for event := range sub.queue {
		sub.subscriber(event)
	}
}

// deliverEvent hands an event to every matching subscriber.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, sub := range ep.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}

		if sub.queue == nil {
			sub.subscriber(event)
			continue
		}
		select {
		case sub.queue <- event:
		default:
			ep.dropped.Add(1)
		}
	}
}

func (ep *EventPublisher) closeSubscribers() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for _, sub := range ep.subscribers {
		if sub.queue != nil {
			close(sub.queue)
		}
	}
	ep.subscribers = nil
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.mu.Unlock()

	ep.cancel()
	if !ep.config.EnableAsync {
		ep.closeSubscribers()
	}

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank(minLevel)
	return func(event Event) bool { return levelRank(event.Level) >= floor }
}

// FilterByType passes events whose Type is one of types.
func FilterByType(types ...string) EventFilter {
	return func(event Event) bool {
		for _, t := range types {
			if event.Type == t {
				return true
			}
		}
		return false
	}
}

// FilterByPlanID passes the events of one plan.
func FilterByPlanID(planID string) EventFilter {
	return func(event Event) bool { return event.PlanID == planID }
}
