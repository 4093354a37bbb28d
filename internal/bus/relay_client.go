package bus

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ThymoBruce/workplans/internal/protocol"
)

// writeTimeout bounds a single publish on the relay connection.
const writeTimeout = 5 * time.Second

// RelayClient is a Bus backed by one websocket connection to a RelayServer.
// Messages published by this client are not echoed back by the relay; they
// are delivered to local subscribers directly so every participant sharing
// the client sees them.
type RelayClient struct {
	conn   *websocket.Conn
	fan    *fanout
	logger *log.Logger

	writeMu sync.Mutex
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialRelay connects to the relay at url (e.g. "ws://127.0.0.1:7420/bus").
// If logger is nil, a default logger writing to stderr is used.
func DialRelay(ctx context.Context, url string, logger *log.Logger) (*RelayClient, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[bus] ", log.LstdFlags)
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)

	cctx, cancel := context.WithCancel(context.Background())
	c := &RelayClient{
		conn:   conn,
		fan:    newFanout(logger),
		logger: logger,
		ctx:    cctx,
		cancel: cancel,
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Publish implements Bus.
func (c *RelayClient) Publish(ctx context.Context, msg protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	err = c.conn.Write(wctx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Type(), err)
	}

	// Co-resident subscribers on this client see the message too.
	c.fan.deliver(data)
	return nil
}

// Subscribe implements Bus.
func (c *RelayClient) Subscribe(h Handler) func() {
	return c.fan.subscribe(h)
}

// Close implements Bus.
func (c *RelayClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	c.wg.Wait()
	c.fan.closeAll()
	return nil
}

// Done is closed when the relay connection ends.
func (c *RelayClient) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *RelayClient) readLoop() {
	defer c.wg.Done()
	defer c.cancel()

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if !c.closed.Load() {
				c.logger.Printf("Relay connection lost: %v", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		c.fan.deliver(data)
	}
}
