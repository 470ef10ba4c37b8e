package scheduler

// EventType names a scheduler lifecycle event
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCanceled  EventType = "canceled"
	EventWaiting   EventType = "waiting"
)

// Event describes a command lifecycle transition
type Event struct {
	Type      EventType
	CommandID string
	Name      string
	ModuleKey string
	Data      map[string]interface{}
}

// EventHandler is a function that handles scheduler events
type EventHandler func(event Event)

// On registers an event handler for a specific event type.
// Handlers run synchronously on the goroutine that caused the event, so a slow
// handler delays the worker. Events of one command arrive in lifecycle order.
func (s *Scheduler) On(eventType EventType, handler EventHandler) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.eventHandlers[eventType] = append(s.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (s *Scheduler) Off(eventType EventType) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	delete(s.eventHandlers, eventType)
}

func (s *Scheduler) emit(event Event) {
	s.eventMu.RLock()
	handlers := s.eventHandlers[event.Type]
	s.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func eventFor(eventType EventType, cmd *Command, data map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		CommandID: cmd.id,
		Name:      cmd.name,
		ModuleKey: cmd.moduleKey,
		Data:      data,
	}
}
