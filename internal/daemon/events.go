package daemon

import (
	"context"
	"sync/atomic"

	"github.com/harun/lintd/pkg/scheduler"
)

// relayBuffer bounds the scheduler events waiting for the gateway
const relayBuffer = 256

// relayedEvents are forwarded to gateway clients as scheduler.<type>
var relayedEvents = []scheduler.EventType{
	scheduler.EventEnqueued,
	scheduler.EventStarted,
	scheduler.EventCompleted,
	scheduler.EventFailed,
	scheduler.EventCanceled,
	scheduler.EventWaiting,
}

// eventRelay moves scheduler events off the worker goroutine and publishes
// them in order. Events are dropped when the buffer is full.
type eventRelay struct {
	events  chan scheduler.Event
	publish func(event string, data interface{})
	dropped atomic.Uint64
}

func newEventRelay(publish func(event string, data interface{})) *eventRelay {
	return &eventRelay{
		events:  make(chan scheduler.Event, relayBuffer),
		publish: publish,
	}
}

// bindSchedulerEvents relays the analysis scheduler's lifecycle to gateway clients
func (d *Daemon) bindSchedulerEvents() {
	if d.gatewayServer == nil {
		return
	}
	d.relay = newEventRelay(d.gatewayServer.Broadcast)

	sched := d.engine.Scheduler()
	for _, eventType := range relayedEvents {
		sched.On(eventType, d.relay.offer)
	}
}

// offer runs on the scheduler goroutine that raised the event and never blocks
func (r *eventRelay) offer(event scheduler.Event) {
	select {
	case r.events <- event:
	default:
		r.dropped.Add(1)
	}
}

// run publishes queued events until ctx is done
func (r *eventRelay) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-r.events:
			r.publish("scheduler."+string(event.Type), eventPayload(event))
		}
	}
}

// takeDropped returns the events dropped since the last call
func (r *eventRelay) takeDropped() uint64 {
	return r.dropped.Swap(0)
}

func eventPayload(event scheduler.Event) map[string]interface{} {
	payload := map[string]interface{}{
		"commandId": event.CommandID,
		"command":   event.Name,
	}
	if event.ModuleKey != "" {
		payload["moduleKey"] = event.ModuleKey
	}
	for k, v := range event.Data {
		payload[k] = v
	}
	return payload
}
