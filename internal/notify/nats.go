package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/fixly/internal/booking/domain"
)

// EventPublisher writes booking events to a NATS subject. Used directly when
// the service runs without a database outbox.
type EventPublisher struct {
	conn    *nats.Conn
	subject string
}

func NewEventPublisher(conn *nats.Conn, subject string) *EventPublisher {
	if subject == "" {
		subject = "booking.events"
	}
	return &EventPublisher{conn: conn, subject: subject}
}

// Publish satisfies domain.EventPublisher.
func (p *EventPublisher) Publish(ctx context.Context, event domain.BookingEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.conn.PublishMsg(&nats.Msg{Subject: p.subject, Data: payload, Header: map[string][]string{
		"x-trace-id":   {traceIDFromContext(ctx)},
		"x-event-type": {string(event.Type)},
	}})
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// NatsNotifier pushes per-user notifications onto notify.<user-id> subjects,
// fanning deliveries out to whichever edge node holds the websocket.
type NatsNotifier struct {
	conn *nats.Conn
}

func NewNatsNotifier(conn *nats.Conn) *NatsNotifier {
	return &NatsNotifier{conn: conn}
}

// Send implements domain.NotificationPort.
func (n *NatsNotifier) Send(_ context.Context, targetID uuid.UUID, event string, payload any) error {
	if n == nil || n.conn == nil {
		return nil
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return n.conn.Publish("notify."+targetID.String(), data)
}

// Fanout sends through every configured port, keeping the first error only
// for logging by the caller. Delivery stays best-effort.
type Fanout []domain.NotificationPort

func (f Fanout) Send(ctx context.Context, targetID uuid.UUID, event string, payload any) error {
	var first error
	for _, port := range f {
		if err := port.Send(ctx, targetID, event, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
