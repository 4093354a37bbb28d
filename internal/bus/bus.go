// Package bus provides the signaling bus: a best-effort, unordered
// publish/subscribe channel used for discovery, pairing and connection
// negotiation.
//
// Two implementations exist:
//
//   - Local delivers between participants living in the same process.
//   - RelayClient talks to a RelayServer over a websocket, which makes every
//     process connected to the same relay a participant.
//
// Delivery is at-most-once. A subscriber whose queue is full loses messages
// instead of blocking the publisher. Messages are delivered to every
// subscriber, the publisher's own included; receivers drop messages that
// carry their own sender id.
package bus

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"

	"github.com/ThymoBruce/workplans/internal/protocol"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("bus closed")

// queueSize bounds the per-subscription backlog.
const queueSize = 256

// Handler receives one decoded message. Handlers of one subscription are
// invoked sequentially.
type Handler func(msg protocol.Message)

// Bus is the signaling bus contract.
type Bus interface {
	// Publish sends msg to every participant.
	Publish(ctx context.Context, msg protocol.Message) error

	// Subscribe registers h and returns a function that removes it.
	Subscribe(h Handler) (unsubscribe func())

	// Close releases the bus. Further publishes fail with ErrClosed.
	Close() error
}

// fanout delivers raw frames to subscriptions, each drained by its own
// goroutine so a slow handler never blocks delivery to the others.
type fanout struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	logger *log.Logger
}

type subscription struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func newFanout(logger *log.Logger) *fanout {
	if logger == nil {
		logger = log.New(os.Stderr, "[bus] ", log.LstdFlags)
	}
	return &fanout{
		subs:   make(map[int]*subscription),
		logger: logger,
	}
}

func (f *fanout) subscribe(h Handler) func() {
	sub := &subscription{
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	go f.drain(sub, h)

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		sub.stop()
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (f *fanout) drain(sub *subscription, h Handler) {
	for {
		select {
		case <-sub.done:
			return
		case data := <-sub.queue:
			msg, err := protocol.Decode(data)
			if err != nil {
				f.logger.Printf("Dropping malformed message: %v", err)
				continue
			}
			h(msg)
		}
	}
}

// deliver hands data to every subscription without blocking.
func (f *fanout) deliver(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs {
		select {
		case sub.queue <- data:
		default:
			f.logger.Println("Warning: subscriber queue full, dropping message")
		}
	}
}

// closeAll stops every subscription.
func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, sub := range f.subs {
		sub.stop()
		delete(f.subs, id)
	}
}
