package gateway

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const eventFrameType = "event"

// EventBroadcaster stamps server events and writes them to clients. Server
// wide events such as tick go to every authenticated client; analysis events
// go only to the client that posted the analysis.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
	now     func() time.Time
}

// NewEventBroadcaster creates a broadcaster over clients
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
		now:     time.Now,
	}
}

// Broadcast publishes a server event with data as its payload
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.Publish(EventMessage{Event: event, Data: data})
}

// Publish stamps msg and writes it to every authenticated client. It returns
// how many clients accepted the frame.
func (b *EventBroadcaster) Publish(msg EventMessage) int {
	msg = b.stamp(msg)

	delivered, failed := 0, 0
	for _, client := range b.clients.Authenticated() {
		if err := client.WriteJSON(msg); err != nil {
			failed++
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Event not delivered")
			continue
		}
		delivered++
	}

	if delivered+failed > 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Int("delivered", delivered).
			Int("failed", failed).
			Msg("Event published")
	}
	return delivered
}

// SendToClient stamps msg and writes it to one authenticated client
func (b *EventBroadcaster) SendToClient(clientID string, msg EventMessage) error {
	client, ok := b.clients.Get(clientID)
	if !ok || !client.IsAuthenticated() {
		return fmt.Errorf("client %s is not connected", clientID)
	}

	msg = b.stamp(msg)
	if err := client.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s to client %s: %w", msg.Event, clientID, err)
	}
	return nil
}

// stamp fills the frame type, a process wide sequence number and a timestamp.
// Sequence numbers are shared by all clients so a client sees gaps.
func (b *EventBroadcaster) stamp(msg EventMessage) EventMessage {
	msg.Type = eventFrameType
	if msg.Seq == 0 {
		msg.Seq = b.seq.Add(1)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = b.now().UnixMilli()
	}
	return msg
}
