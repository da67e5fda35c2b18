package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is a status or progress change of one job.
type Event struct {
	Token    string    `json:"token"`
	Status   string    `json:"status"`
	Progress *float64  `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Broker fans job events out to subscribers, per token. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job finishes) receive a closed channel instead of
// blocking forever. Forget drops the marker once the job is deleted.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel of events for token and an unsubscribe
// function. If the job has already finished the channel is closed.
func (b *Broker) Subscribe(token string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[token]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[token] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
		// Drop idle open topics so probing unknown tokens does not grow the map.
		if !t.closed && len(t.subs) == 0 && b.topics[token] == t {
			delete(b.topics, token)
		}
	}
}

// Publish sends ev to every subscriber of ev.Token, dropping it for
// subscribers whose buffers are full.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.Token]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the stream for token. Subscriber channels are closed and later
// Subscribe calls get a closed channel.
func (b *Broker) Close(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[token]
	if !ok {
		b.topics[token] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops every trace of token, closing any remaining subscribers.
func (b *Broker) Forget(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[token]; ok {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.topics, token)
	}
}
