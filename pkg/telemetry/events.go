package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metasim/metasim/pkg/engine"
)

// Event is a progress notification delivered to subscribers.
type Event struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Type         string                 `json:"type"`
	Source       string                 `json:"source"`
	ExperimentID string                 `json:"experiment_id,omitempty"`
	OutputID     string                 `json:"output_id,omitempty"`
	Message      string                 `json:"message"`
	Level        string                 `json:"level"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Event types. The experiment lifecycle types mirror engine.EventType.
const (
	EventTypeExperimentStarted   = string(engine.EventTypeExperimentStarted)
	EventTypeBatchCompleted      = string(engine.EventTypeBatchCompleted)
	EventTypeOutputCompleted     = string(engine.EventTypeOutputCompleted)
	EventTypeExperimentCompleted = string(engine.EventTypeExperimentCompleted)
	EventTypeExperimentFailed    = string(engine.EventTypeExperimentFailed)
	EventTypePolicyViolation     = "policy.violation"
)

// Event levels, in increasing severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	// ErrEventDropped is returned when the async buffer is full.
	ErrEventDropped = errors.New("event buffer full, event dropped")

	// ErrPublisherClosed is returned after Shutdown.
	ErrPublisherClosed = errors.New("event publisher closed")
)

// EventSubscriber handles one event.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher delivers events to subscribers in publication order, either
// inline or from a single goroutine draining a bounded queue.
// A nil or disabled publisher accepts and drops everything.
type EventPublisher struct {
	config EventsConfig

	mu   sync.RWMutex
	subs []subscription

	queue    chan Event
	stop     chan struct{}
	stopOnce sync.Once
	drained  chan struct{}
}

// NewEventPublisher creates a publisher and, in async mode, starts its
// delivery goroutine.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.Async {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.drained = make(chan struct{})
	go ep.run()
	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Subscribe registers fn for the events accepted by filter. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
}

// Publish stamps event with an id and a timestamp when missing and hands it
// to the subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
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

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.stop:
		return ErrPublisherClosed
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	case <-ep.stop:
		return ErrPublisherClosed
	default:
		return ErrEventDropped
	}
}

// PublishPolicyViolation reports that the admission policies denied a plan.
func (ep *EventPublisher) PublishPolicyViolation(planPath string, violations []string) error {
	return ep.Publish(Event{
		Type:         EventTypePolicyViolation,
		Source:       "policy",
		ExperimentID: planPath,
		Message:      fmt.Sprintf("plan %s denied by policy (%d violations)", planPath, len(violations)),
		Level:        EventLevelError,
		Data:         map[string]interface{}{"violations": violations},
	})
}

func (ep *EventPublisher) run() {
	defer close(ep.drained)
	for {
		select {
		case e := <-ep.queue:
			ep.deliver(e)
		case <-ep.stop:
			for {
				select {
				case e := <-ep.queue:
					ep.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(e Event) {
	ep.mu.RLock()
	subs := ep.subs
	ep.mu.RUnlock()
	for _, s := range subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// Shutdown stops accepting events and waits until the queued ones are delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() || ep.queue == nil {
		return nil
	}
	ep.stopOnce.Do(func() { close(ep.stop) })
	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// EngineSink adapts the publisher to engine.EventPublisher.
type EngineSink struct {
	Publisher *EventPublisher
	Source    string
}

// NewEngineSink returns a sink that forwards manager events to ep.
func NewEngineSink(ep *EventPublisher) *EngineSink {
	return &EngineSink{Publisher: ep, Source: "manager"}
}

// Publish implements engine.EventPublisher.
func (s *EngineSink) Publish(ctx context.Context, event *engine.Event) error {
	if s == nil || event == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Publisher.Publish(Event{
		ID:           event.ID,
		Timestamp:    event.Timestamp,
		Type:         string(event.Type),
		Source:       s.Source,
		ExperimentID: event.ExperimentID,
		OutputID:     event.OutputID,
		Message:      event.Message,
		Level:        event.Level,
		Data:         event.Details,
	})
}

var levelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(e Event) bool { return levelRank[e.Level] >= floor }
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterByExperimentID accepts events of one experiment.
func FilterByExperimentID(id string) EventFilter {
	return func(e Event) bool { return e.ExperimentID == id }
}
