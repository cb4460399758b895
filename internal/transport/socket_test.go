package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

func newTestSocket(t *testing.T) (*Socket, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	return New(server, zerolog.Nop(), nil), client
}

func TestWriteJSONSucceedsUntilBufferFull(t *testing.T) {
	socket, _ := newTestSocket(t)

	for i := 0; i < sendBuffer; i++ {
		if err := socket.WriteJSON(map[string]int{"i": i}); err != nil {
			t.Fatalf("WriteJSON #%d: %v", i, err)
		}
	}
}

func TestWriteJSONClosesAfterThreeConsecutiveFailures(t *testing.T) {
	var closeStatus int
	closed := make(chan struct{})
	server, client := net.Pipe()
	defer client.Close()

	socket := New(server, zerolog.Nop(), func(status int) {
		closeStatus = status
		close(closed)
	})

	for i := 0; i < sendBuffer; i++ {
		if err := socket.WriteJSON(map[string]int{"i": i}); err != nil {
			t.Fatalf("fill WriteJSON #%d: %v", i, err)
		}
	}

	for i := 1; i < maxSendAttempts; i++ {
		if err := socket.WriteJSON("overflow"); err == nil {
			t.Fatalf("WriteJSON attempt %d on a full buffer succeeded, want an error", i)
		}
		select {
		case <-closed:
			t.Fatalf("socket closed after only %d consecutive full-buffer failures, want %d", i, maxSendAttempts)
		default:
		}
	}

	if err := socket.WriteJSON("overflow"); err == nil {
		t.Fatalf("WriteJSON attempt %d on a full buffer succeeded, want an error", maxSendAttempts)
	}

	// onClose fires when the write pump exits, so start it now (with the
	// peer draining the pipe) to observe the close.
	go io.Copy(io.Discard, client)
	go socket.Run()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("socket was not closed after %d consecutive full-buffer failures", maxSendAttempts)
	}
	if closeStatus != 1008 {
		t.Fatalf("closeStatus = %d, want 1008", closeStatus)
	}
}

func TestWriteJSONResetsFailureCounterOnSuccess(t *testing.T) {
	socket, _ := newTestSocket(t)

	for i := 0; i < sendBuffer; i++ {
		socket.WriteJSON(map[string]int{"i": i})
	}

	for i := 0; i < maxSendAttempts-1; i++ {
		socket.WriteJSON("overflow")
	}

	// Drain one slot and send successfully, which should reset the
	// consecutive-failure counter back to zero.
	<-socket.send
	if err := socket.WriteJSON("recovered"); err != nil {
		t.Fatalf("WriteJSON after drain: %v", err)
	}

	// The next maxSendAttempts-1 failures alone must not be enough to
	// close the socket, since the counter was reset.
	for i := 0; i < maxSendAttempts-1; i++ {
		socket.WriteJSON("overflow")
	}
	select {
	case <-socket.closed:
		t.Fatalf("socket closed even though the failure counter was reset by an intervening success")
	default:
	}
}

func TestReadPumpDispatchesTextFrames(t *testing.T) {
	socket, client := newTestSocket(t)

	received := make(chan []byte, 1)
	socket.OnMessage(func(data []byte) {
		received <- data
	})

	go socket.ReadPump()

	go func() {
		wsutil.WriteClientMessage(client, ws.OpText, []byte(`{"route":"OpenDatabase"}`))
	}()

	select {
	case msg := <-received:
		if string(msg) != `{"route":"OpenDatabase"}` {
			t.Fatalf("received = %s, want the original frame", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("onMessage was never called")
	}
}
