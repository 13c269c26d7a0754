package bridge

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Event names published across the client.
const (
	EventPushConnected    = "push.connected"
	EventPushDisconnected = "push.disconnected"
	EventWebhookProcessed = "webhook.processed"
	EventWebhookFailed    = "webhook.failed"
	EventSyncStatus       = "sync.status"
	EventSyncCompleted    = "sync.completed"
	EventStatsUpdated     = "stats.updated"
	EventToast            = "ui.toast"
)

// Handler receives the payload published for an event.
type Handler func(payload any)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	event   string
	id      uint64
	handler Handler
}

// Dispatcher is the process-wide publish/subscribe hub. Publishing is
// synchronous and in registration order; a handler that panics is logged and
// the remaining handlers still run.
type Dispatcher struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]*Subscription
	log    logrus.FieldLogger
}

func NewDispatcher(log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		subs: map[string][]*Subscription{},
		log:  log,
	}
}

func (d *Dispatcher) Subscribe(event string, handler Handler) *Subscription {
	if event == "" || handler == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub := &Subscription{event: event, id: d.nextID, handler: handler}
	d.subs[event] = append(d.subs[event], sub)
	return sub
}

// Unsubscribe removes a subscription. Removing one that is absent or already
// removed is a no-op.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.subs[sub.event]
	for i, candidate := range list {
		if candidate.id == sub.id {
			d.subs[sub.event] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) Publish(event string, payload any) {
	d.mu.Lock()
	list := append([]*Subscription(nil), d.subs[event]...)
	d.mu.Unlock()
	for _, sub := range list {
		d.invoke(event, sub, payload)
	}
}

func (d *Dispatcher) invoke(event string, sub *Subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{"event": event, "panic": r}).
				Error("event handler panicked")
		}
	}()
	sub.handler(payload)
}

// Clear removes every subscriber for one event.
func (d *Dispatcher) Clear(event string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, event)
}

// Reset removes every subscriber for every event.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = map[string][]*Subscription{}
}

// SubscriberCount reports how many handlers are registered for an event.
func (d *Dispatcher) SubscriberCount(event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[event])
}
