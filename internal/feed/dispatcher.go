// Package feed fans room change notifications out to in-process subscribers.
package feed

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 16

// Change announces that a room's view advanced because an entry was applied.
type Change struct {
	Topic     string
	Tag       string
	Seq       int64
	Local     bool
	Timestamp time.Time
}

// Dispatcher delivers changes to subscribers of a topic. Slow subscribers
// lose changes rather than block the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Change
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for topic. The subscription ends when ctx is
// cancelled or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (<-chan Change, func()) {
	if topic == "" {
		ch := make(chan Change)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Change, d.bufferSize),
	}
	d.register(topic, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(topic, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

func (d *Dispatcher) Publish(change Change) {
	if change.Topic == "" || change.Tag == "" {
		return
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subs := d.subscribers[change.Topic]
	if len(subs) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- change:
		default:
		}
	}
}

// Subscribers reports how many streams listen on topic.
func (d *Dispatcher) Subscribers(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(topic string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
}

func (d *Dispatcher) unregister(topic string, subscriberID int64) {
	d.mu.Lock()
	subs := d.subscribers[topic]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
