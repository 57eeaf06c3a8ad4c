// Package events is the in-process publish/subscribe bus.
//
// Delivery mode is a property of the message type: types that embed
// Deferred are queued and delivered by the bus's consumer loop, everything
// else is delivered synchronously inside Publish.
package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrosync/pkg/logging"
)

// Message is anything that can be published.
type Message interface {
	EventName() string
}

// Deferred marks a message type for queued delivery. Embed it.
type Deferred struct{}

func (Deferred) deferred() {}

type deferredMessage interface {
	Message
	deferred()
}

// IsDeferred reports whether msg is delivered through the queue.
func IsDeferred(msg Message) bool {
	_, ok := msg.(deferredMessage)
	return ok
}

type subscription struct {
	id int
	fn func(Message)
}

// Bus routes messages to subscribers by event name.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int
	queue  chan Message
	log    logrus.FieldLogger
}

// NewBus creates a bus whose deferred queue holds queueSize messages.
func NewBus(queueSize int, log logrus.FieldLogger) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subs:  make(map[string][]subscription),
		queue: make(chan Message, queueSize),
		log:   logging.OrDiscard(log).WithField("component", "events"),
	}
}

// Subscribe registers fn for messages named name and returns a function
// that removes the subscription.
func (b *Bus) Subscribe(name string, fn func(Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s.id == id {
				b.subs[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// On subscribes fn to every message of type T.
func On[T Message](b *Bus, fn func(T)) func() {
	var zero T
	return b.Subscribe(zero.EventName(), func(m Message) {
		if typed, ok := m.(T); ok {
			fn(typed)
		}
	})
}

// Publish delivers msg now, or queues it when its type is deferred. A full
// queue drops the message.
func (b *Bus) Publish(msg Message) {
	if b == nil || msg == nil {
		return
	}
	if !IsDeferred(msg) {
		b.deliver(msg)
		return
	}
	select {
	case b.queue <- msg:
	default:
		b.log.WithField("event", msg.EventName()).Warn("event queue full, dropping message")
	}
}

// Run drains the deferred queue until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			b.deliver(msg)
		}
	}
}

func (b *Bus) deliver(msg Message) {
	b.mu.RLock()
	list := append([]subscription(nil), b.subs[msg.EventName()]...)
	b.mu.RUnlock()

	for _, s := range list {
		s.fn(msg)
	}
}
