package notify

import (
	"sync"
	"time"

	"warden/core"
	"warden/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type identifies a notification
type Type string

const (
	IncidentCreated       Type = "incident.created"
	IncidentUpdated       Type = "incident.updated"
	IncidentStatusChanged Type = "incident.status_changed"
	RunUpdated            Type = "playbook.run_updated"
	RunCompleted          Type = "playbook.run_completed"
	PlaybookMessage       Type = "playbook.message"
)

// Notification is published after a committed store mutation.
// Incident and Run are snapshots owned by the receiver.
type Notification struct {
	ID         string              `json:"id"`
	Type       Type                `json:"type"`
	At         time.Time           `json:"at"`
	IncidentID string              `json:"incident_id,omitempty"`
	From       core.IncidentStatus `json:"from,omitempty"`
	To         core.IncidentStatus `json:"to,omitempty"`
	Incident   *core.Incident      `json:"incident,omitempty"`
	Run        *core.PlaybookRun   `json:"run,omitempty"`
}

// Publisher accepts notifications
type Publisher interface {
	Publish(n Notification)
}

// NopPublisher discards notifications
type NopPublisher struct{}

// Publish does nothing
func (NopPublisher) Publish(Notification) {}

// DeliveryMode decides what happens when a subscriber's buffer is full
type DeliveryMode int

const (
	// Block makes Publish wait for the subscriber
	Block DeliveryMode = iota
	// DropNewest discards the notification and counts it
	DropNewest
)

// SubscribeOptions configures a subscription
type SubscribeOptions struct {
	Buffer int
	Mode   DeliveryMode
	// Types restricts delivery; empty means every type
	Types []Type
}

// Subscription is a buffered feed of notifications
type Subscription struct {
	name   string
	ch     chan Notification
	done   chan struct{}
	mode   DeliveryMode
	types  map[Type]bool
	broker *Broker
	once   sync.Once
}

// C returns the delivery channel. It is closed when the subscription or broker closes.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// Name returns the subscriber name
func (s *Subscription) Name() string {
	return s.name
}

// Close detaches the subscription from the broker
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.broker.remove(s)
	})
}

func (s *Subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Broker fans notifications out to subscribers.
// Delivery to a single subscriber preserves publish order.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewBroker creates an empty broker
func NewBroker(logger *zap.SugaredLogger) *Broker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Broker{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers a new subscriber
func (b *Broker) Subscribe(name string, opts SubscribeOptions) *Subscription {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	s := &Subscription{
		name:   name,
		ch:     make(chan Notification, opts.Buffer),
		done:   make(chan struct{}),
		mode:   opts.Mode,
		types:  make(map[Type]bool, len(opts.Types)),
		broker: b,
	}
	for _, t := range opts.Types {
		s.types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	b.logger.Debugw("Notification subscriber registered", "subscriber", name, "buffer", opts.Buffer)
	return s
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Publish delivers n to every interested subscriber
func (b *Broker) Publish(n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.At.IsZero() {
		n.At = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(n.Type) {
			continue
		}
		switch s.mode {
		case DropNewest:
			select {
			case s.ch <- n:
			default:
				metrics.NotificationsDropped.WithLabelValues(s.name).Inc()
				b.logger.Debugw("Dropped notification for slow subscriber", "subscriber", s.name, "type", n.Type)
			}
		default:
			select {
			case s.ch <- n:
			case <-s.done:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Publishers blocked on a full subscriber are released first.
func (b *Broker) Close() {
	b.mu.RLock()
	for s := range b.subs {
		s.once.Do(func() { close(s.done) })
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}
