package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kabili207/mesh-node-bridge/pkg/models"
)

// Event is one server-sent event pushed to dashboard subscribers.
type Event struct {
	// Type is the SSE event name: "message", "delivery-state" or "status".
	Type string
	Data any
}

// EventNotifier fans bridge events out to SSE subscribers.
type EventNotifier struct {
	subscribers map[chan Event]struct{}
	mu          sync.RWMutex
}

func NewEventNotifier() *EventNotifier {
	return &EventNotifier{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber that will receive bridge events.
func (en *EventNotifier) Subscribe() chan Event {
	en.mu.Lock()
	defer en.mu.Unlock()
	ch := make(chan Event, 16)
	en.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber.
func (en *EventNotifier) Unsubscribe(ch chan Event) {
	en.mu.Lock()
	defer en.mu.Unlock()
	delete(en.subscribers, ch)
	close(ch)
}

// Notify delivers an event to every subscriber. Slow subscribers whose
// buffer is full miss the event rather than blocking the bridge.
func (en *EventNotifier) Notify(ev Event) {
	en.mu.RLock()
	defer en.mu.RUnlock()
	for ch := range en.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (wr *WebRouter) onMessage(msg *models.Message) {
	wr.notifier.Notify(Event{Type: "message", Data: msg})
}

type deliveryStateEvent struct {
	MessageID     string  `json:"message_id"`
	State         string  `json:"state"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

func (wr *WebRouter) onDeliveryState(msg *models.Message, state string) {
	wr.notifier.Notify(Event{Type: "delivery-state", Data: deliveryStateEvent{
		MessageID:     msg.ID,
		State:         state,
		FailureReason: msg.FailureReason,
	}})
}

// SSE endpoint streaming messages and delivery-state changes.
func (wr *WebRouter) eventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	eventCh := wr.notifier.Subscribe()
	defer wr.notifier.Unsubscribe(eventCh)

	ctx := r.Context()

	// Heartbeat to keep connection alive through proxies.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	sendEvent := func(ev Event) error {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Send the connection status up front so a freshly opened dashboard
	// does not have to poll for it.
	if err := sendEvent(Event{Type: "status", Data: wr.manager.Status()}); err != nil {
		slog.Error("error sending initial SSE data", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eventCh:
			if err := sendEvent(ev); err != nil {
				slog.Error("error sending SSE update", "error", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
