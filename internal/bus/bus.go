package bus

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"forge/internal/logging"
)

const (
	// defaultQueueSize bounds the central dispatch queue and each
	// subscriber queue. Publishers block when a queue is full, which is
	// the bus's backpressure mechanism.
	defaultQueueSize = 256

	selectorReceiverPrefix = "receiver:"
	selectorTypePrefix     = "type:"
	selectorWildcard       = "type:*"
)

// Handler consumes a delivered message. Handlers run on the subscriber's
// worker goroutine; a panic is recovered and logged without affecting other
// subscribers.
type Handler func(Message)

// Subscription is the opaque handle returned by Subscribe.
type Subscription struct {
	id uint64
}

type subscriber struct {
	id       uint64
	selector string
	handler  Handler
	queue    chan Message
	done     chan struct{}
}

// Bus is an in-process topic pub/sub with typed envelopes.
type Bus struct {
	logger logging.Logger

	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64

	// closeMu orders publishers against Close: a publisher past the
	// closed check holds the read lock until its send lands, so the
	// dispatch channel can never close under it.
	closeMu sync.RWMutex
	closed  atomic.Bool

	dispatch chan Message
	wg       sync.WaitGroup
	workerWG sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger logging.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates a bus with the given queue bound. size <= 0 uses the default.
func New(size int, opts ...Option) *Bus {
	if size <= 0 {
		size = defaultQueueSize
	}
	b := &Bus{
		logger:      logging.Nop(),
		subscribers: make(map[uint64]*subscriber),
		dispatch:    make(chan Message, size),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// run drains the central queue and fans messages out to matching
// subscribers. The single dispatcher goroutine defines the serialization
// across concurrent publishers.
func (b *Bus) run() {
	defer b.wg.Done()
	for msg := range b.dispatch {
		b.mu.RLock()
		matched := make([]*subscriber, 0, 4)
		for _, sub := range b.subscribers {
			if matches(sub.selector, msg) {
				matched = append(matched, sub)
			}
		}
		b.mu.RUnlock()

		for _, sub := range matched {
			select {
			case sub.queue <- msg:
			case <-sub.done:
			}
		}
	}
}

// Subscribe registers a handler for a topic selector. Supported selectors:
// "receiver:<role>", "type:<message-type>", and "type:*".
func (b *Bus) Subscribe(selector string, handler Handler) (Subscription, error) {
	if handler == nil {
		return Subscription{}, fmt.Errorf("bus: nil handler")
	}
	if !validSelector(selector) {
		return Subscription{}, fmt.Errorf("bus: invalid selector %q", selector)
	}
	if b.closed.Load() {
		return Subscription{}, fmt.Errorf("bus: closed")
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscriber{
		id:       b.nextID,
		selector: selector,
		handler:  handler,
		queue:    make(chan Message, cap(b.dispatch)),
		done:     make(chan struct{}),
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	b.workerWG.Add(1)
	go b.deliver(sub)

	return Subscription{id: sub.id}, nil
}

// deliver runs one subscriber's FIFO delivery loop. After done closes the
// already-queued messages are still handed to the handler.
func (b *Bus) deliver(sub *subscriber) {
	defer b.workerWG.Done()
	for {
		select {
		case msg := <-sub.queue:
			b.invoke(sub, msg)
		case <-sub.done:
			for {
				select {
				case msg := <-sub.queue:
					b.invoke(sub, msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) invoke(sub *subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber %d panicked handling %s: %v", sub.id, msg.Type, r)
		}
	}()
	sub.handler(msg)
}

// Publish enqueues a message for delivery to every matching subscriber,
// exactly once each. Publish blocks when the dispatch queue is full and
// fails once the bus is closed.
func (b *Bus) Publish(msg Message) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed.Load() {
		return fmt.Errorf("bus: closed")
	}
	b.dispatch <- msg
	return nil
}

// Unsubscribe removes a subscription. Messages already queued for the
// subscriber are still delivered.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	sub, ok := b.subscribers[s.id]
	if ok {
		delete(b.subscribers, s.id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Close stops the bus after draining in-flight messages. Further publishes
// and subscribes fail.
func (b *Bus) Close() {
	b.closeMu.Lock()
	if b.closed.Swap(true) {
		b.closeMu.Unlock()
		return
	}
	close(b.dispatch)
	b.closeMu.Unlock()
	b.wg.Wait()

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	b.workerWG.Wait()
}

func validSelector(selector string) bool {
	if selector == selectorWildcard {
		return true
	}
	if rest, ok := strings.CutPrefix(selector, selectorReceiverPrefix); ok {
		return rest != ""
	}
	if rest, ok := strings.CutPrefix(selector, selectorTypePrefix); ok {
		return rest != ""
	}
	return false
}

func matches(selector string, msg Message) bool {
	if selector == selectorWildcard {
		return true
	}
	if rest, ok := strings.CutPrefix(selector, selectorReceiverPrefix); ok {
		return msg.Receiver == rest
	}
	if rest, ok := strings.CutPrefix(selector, selectorTypePrefix); ok {
		return string(msg.Type) == rest
	}
	return false
}
