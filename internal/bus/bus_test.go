package bus

import (
	"bytes"
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ThymoBruce/workplans/internal/protocol"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// collect subscribes to b and returns a channel of received messages.
func collect(t *testing.T, b Bus) <-chan protocol.Message {
	t.Helper()

	ch := make(chan protocol.Message, 16)
	unsubscribe := b.Subscribe(func(msg protocol.Message) {
		ch <- msg
	})
	t.Cleanup(unsubscribe)
	return ch
}

func expectMessage(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func expectNothing(t *testing.T, ch <-chan protocol.Message) {
	t.Helper()

	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %s from %s", msg.Type(), msg.Sender().SenderID)
	case <-time.After(100 * time.Millisecond):
	}
}

func ping(sender string) *protocol.DevicePing {
	return &protocol.DevicePing{Header: protocol.Header{SenderID: sender, SenderName: sender}}
}

func TestLocalDeliversToAllSubscribers(t *testing.T) {
	b := NewLocal(quietLogger())
	defer b.Close()

	first := collect(t, b)
	second := collect(t, b)

	if err := b.Publish(context.Background(), ping("device-a")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, ch := range []<-chan protocol.Message{first, second} {
		msg := expectMessage(t, ch)
		if msg.Type() != protocol.TypeDevicePing || msg.Sender().SenderID != "device-a" {
			t.Errorf("unexpected message %+v", msg)
		}
	}
}

func TestLocalUnsubscribe(t *testing.T) {
	b := NewLocal(quietLogger())
	defer b.Close()

	ch := make(chan protocol.Message, 1)
	unsubscribe := b.Subscribe(func(msg protocol.Message) { ch <- msg })
	unsubscribe()

	if err := b.Publish(context.Background(), ping("device-a")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	expectNothing(t, ch)
}

func TestLocalDropsMalformed(t *testing.T) {
	b := NewLocal(quietLogger())
	defer b.Close()

	ch := collect(t, b)
	b.Inject([]byte("{not json"))
	b.Inject([]byte(`{"type":"warp","deviceId":"x"}`))
	expectNothing(t, ch)

	if err := b.Publish(context.Background(), ping("device-a")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	expectMessage(t, ch)
}

func TestLocalClosed(t *testing.T) {
	b := NewLocal(quietLogger())
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Publish(context.Background(), ping("device-a")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestRelayForwardsBetweenClients(t *testing.T) {
	server := NewRelayServer(&RelayServerConfig{Addr: "127.0.0.1:0", Logger: quietLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := DialRelay(ctx, server.URL(), quietLogger())
	if err != nil {
		t.Fatalf("DialRelay a failed: %v", err)
	}
	defer a.Close()
	b, err := DialRelay(ctx, server.URL(), quietLogger())
	if err != nil {
		t.Fatalf("DialRelay b failed: %v", err)
	}
	defer b.Close()

	waitForClients(t, server, 2)

	fromA := collect(t, a)
	fromB := collect(t, b)

	if err := a.Publish(ctx, ping("device-a")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if msg := expectMessage(t, fromB); msg.Sender().SenderID != "device-a" {
		t.Errorf("b received %+v", msg.Sender())
	}
	// The publisher's own subscribers see the message once, locally.
	if msg := expectMessage(t, fromA); msg.Sender().SenderID != "device-a" {
		t.Errorf("a received %+v", msg.Sender())
	}
	expectNothing(t, fromA)
}

func TestRelayClientClose(t *testing.T) {
	server := NewRelayServer(&RelayServerConfig{Addr: "127.0.0.1:0", Logger: quietLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := DialRelay(ctx, server.URL(), quietLogger())
	if err != nil {
		t.Fatalf("DialRelay failed: %v", err)
	}
	waitForClients(t, server, 1)

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Close")
	}
	if err := c.Publish(ctx, ping("device-a")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	waitForClients(t, server, 0)
}

func TestRelayStalledClientDoesNotBlockOthers(t *testing.T) {
	server := NewRelayServer(&RelayServerConfig{Addr: "127.0.0.1:0", Logger: quietLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dial := func(name string) *websocket.Conn {
		conn, _, err := websocket.Dial(ctx, server.URL(), nil)
		if err != nil {
			t.Fatalf("Dial %s failed: %v", name, err)
		}
		t.Cleanup(func() { _ = conn.CloseNow() })
		return conn
	}
	// stalled never reads, so its socket buffers fill up.
	_ = dial("stalled")
	sender := dial("sender")
	receiver := dial("receiver")
	waitForClients(t, server, 3)

	payload := bytes.Repeat([]byte("x"), 30000)
	for i := 0; i < 600; i++ {
		if err := sender.Write(ctx, websocket.MessageText, payload); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
		readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
		_, data, err := receiver.Read(readCtx)
		readCancel()
		if err != nil {
			t.Fatalf("frame %d not delivered: %v", i, err)
		}
		if len(data) != len(payload) {
			t.Fatalf("frame %d has %d bytes, want %d", i, len(data), len(payload))
		}
	}
}

func waitForClients(t *testing.T, server *RelayServer, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.ClientCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d relay clients, got %d", n, server.ClientCount())
}
