package docstore

import (
	"context"
	"sync"
	"time"
)

// Topic names a per-user document stream.
type Topic string

const (
	TopicProgress Topic = "progress"
	TopicNotes    Topic = "notes"
)

// ChangeMessage announces that a user's document changed.
type ChangeMessage struct {
	UserID    string
	Topic     Topic
	Version   int64
	Timestamp time.Time
}

// Dispatcher fans change messages out to per-user subscribers. Messages
// to a full subscriber buffer are dropped.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan ChangeMessage
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for one user until ctx is done or the
// returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan ChangeMessage, func()) {
	if userID == "" {
		ch := make(chan ChangeMessage)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeMessage, d.bufferSize),
	}
	d.register(userID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(userID, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers a message to every subscriber of its user.
func (d *Dispatcher) Publish(message ChangeMessage) {
	if message.UserID == "" || message.Topic == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers[message.UserID] {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscriptions of a user.
func (d *Dispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(userID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*subscriber)
	}
	d.subscribers[userID][sub.id] = sub
}

func (d *Dispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[userID]
	if subscribers == nil {
		return
	}
	if sub, ok := subscribers[subscriberID]; ok {
		close(sub.stream)
		delete(subscribers, subscriberID)
	}
	if len(subscribers) == 0 {
		delete(d.subscribers, userID)
	}
}
