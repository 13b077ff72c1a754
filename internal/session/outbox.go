package session

import (
	"context"
	"io"
	"sync"
)

// EventType identifies what an Event carries.
type EventType string

const (
	EventOutput   EventType = "output"
	EventFinished EventType = "finished"
	EventError    EventType = "error"
)

// Event is one item on a session's output stream. Exactly one terminal event
// (finished or error) ends every stream.
type Event struct {
	Type     EventType
	Data     []byte // output
	ExitCode int    // finished; -1 when the program was killed by a signal
	Message  string // error
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventFinished || e.Type == EventError
}

// outbox buffers a session's events until its single consumer takes them.
// pending counts undelivered output bytes for backpressure.
type outbox struct {
	mu         sync.Mutex
	events     []Event
	pending    int
	closed     bool // terminal event queued
	delivered  bool // terminal event taken by a consumer
	subscribed bool

	wake  chan struct{} // an event was queued
	space chan struct{} // output was consumed
}

func newOutbox() *outbox {
	return &outbox{
		wake:  make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push queues ev. Events pushed after the terminal event are dropped.
func (o *outbox) push(ev Event) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.events = append(o.events, ev)
	if ev.Type == EventOutput {
		o.pending += len(ev.Data)
	}
	if ev.Terminal() {
		o.closed = true
	}
	o.mu.Unlock()
	notify(o.wake)
}

func (o *outbox) backlog() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

func (o *outbox) isDelivered() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.delivered
}

func (o *outbox) subscribe() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subscribed {
		return false
	}
	o.subscribed = true
	return true
}

func (o *outbox) unsubscribe() {
	o.mu.Lock()
	o.subscribed = false
	o.mu.Unlock()
}

// peek returns the oldest event without removing it, waiting for one if the
// queue is empty. It returns io.EOF once the terminal event has been taken.
func (o *outbox) peek(ctx context.Context) (Event, error) {
	for {
		o.mu.Lock()
		if len(o.events) > 0 {
			ev := o.events[0]
			o.mu.Unlock()
			return ev, nil
		}
		if o.delivered {
			o.mu.Unlock()
			return Event{}, io.EOF
		}
		o.mu.Unlock()

		select {
		case <-o.wake:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// ack removes the oldest event and returns it; ok is false if the queue was
// empty.
func (o *outbox) ack() (ev Event, ok bool) {
	o.mu.Lock()
	if len(o.events) == 0 {
		o.mu.Unlock()
		return Event{}, false
	}
	ev = o.events[0]
	o.events[0] = Event{}
	o.events = o.events[1:]
	if ev.Type == EventOutput {
		o.pending -= len(ev.Data)
	}
	if ev.Terminal() {
		o.delivered = true
	}
	o.mu.Unlock()
	notify(o.space)
	return ev, true
}

// Subscription is the single consumer of a session's output stream.
type Subscription struct {
	s         *Session
	onDeliver func()
	closeOnce sync.Once
}

// Session returns the session being streamed.
func (sub *Subscription) Session() *Session {
	return sub.s
}

// Peek returns the next event in production order without consuming it,
// blocking until one is available or ctx is done. Until Ack is called the
// same event is returned again, including to a later subscriber if this one
// closes first. After the terminal event is acknowledged it returns io.EOF.
func (sub *Subscription) Peek(ctx context.Context) (Event, error) {
	return sub.s.out.peek(ctx)
}

// Ack consumes the event last returned by Peek. Acknowledging the terminal
// event unregisters the session.
func (sub *Subscription) Ack() {
	ev, ok := sub.s.out.ack()
	if !ok {
		return
	}
	if ev.Type == EventOutput {
		sub.s.touch()
	}
	if ev.Terminal() && sub.onDeliver != nil {
		sub.onDeliver()
	}
}

// Next returns and consumes the next event.
func (sub *Subscription) Next(ctx context.Context) (Event, error) {
	ev, err := sub.Peek(ctx)
	if err != nil {
		return ev, err
	}
	sub.Ack()
	return ev, nil
}

// Close releases the subscription so another consumer may attach. It does
// not end the session.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(sub.s.out.unsubscribe)
}
