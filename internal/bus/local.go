package bus

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/ThymoBruce/workplans/internal/protocol"
)

// Local is an in-process bus. Every message is encoded on publish and
// decoded per subscriber, so participants never share message values.
type Local struct {
	fan    *fanout
	closed atomic.Bool
}

// NewLocal creates an in-process bus. If logger is nil, a default logger
// writing to stderr is used.
func NewLocal(logger *log.Logger) *Local {
	return &Local{fan: newFanout(logger)}
}

// Publish implements Bus.
func (l *Local) Publish(ctx context.Context, msg protocol.Message) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	l.fan.deliver(data)
	return nil
}

// Subscribe implements Bus.
func (l *Local) Subscribe(h Handler) func() {
	return l.fan.subscribe(h)
}

// Close implements Bus.
func (l *Local) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.fan.closeAll()
	return nil
}

// Inject delivers a raw frame as if it had been published. It exists so
// callers can exercise malformed-input handling.
func (l *Local) Inject(data []byte) {
	if l.closed.Load() {
		return
	}
	l.fan.deliver(data)
}
