package voicetest

import (
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/voiceorder/messages"
)

// Peer is the backend's end of one client WebSocket.
type Peer struct {
	SessionID string

	conn     *websocket.Conn
	autoPong bool
	writeMu  sync.Mutex

	mu       sync.Mutex
	received []Frame
	inbox    chan Frame
	closed   chan struct{}
}

func newPeer(id string, conn *websocket.Conn, autoPong bool) *Peer {
	p := &Peer{
		SessionID: id,
		conn:      conn,
		autoPong:  autoPong,
		inbox:     make(chan Frame, 1024),
		closed:    make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *Peer) readLoop() {
	defer close(p.closed)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := sonic.Unmarshal(data, &env); err != nil {
			continue
		}
		f := Frame{Type: env.Type, Raw: data}

		p.mu.Lock()
		p.received = append(p.received, f)
		p.mu.Unlock()

		select {
		case p.inbox <- f:
		default:
		}

		if env.Type == messages.TypePing && p.autoPong {
			p.Send(&messages.Pong{Type: messages.TypePong, Timestamp: time.Now().Format(time.RFC3339)})
		}
	}
}

// Send writes a backend frame to the client.
func (p *Peer) Send(msg messages.Inbound) error {
	data, err := messages.EncodeInbound(msg)
	if err != nil {
		return err
	}
	return p.SendRaw(data)
}

// SendRaw writes an arbitrary text frame.
func (p *Peer) SendRaw(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Expect waits for the next frame of type typ, discarding others.
func (p *Peer) Expect(t testing.TB, typ string, timeout time.Duration) Frame {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case f := <-p.inbox:
			if f.Type == typ {
				return f
			}
		case <-deadline.C:
			t.Fatalf("no %s frame within %v", typ, timeout)
			return Frame{}
		}
	}
}

// Received returns every frame received so far in arrival order.
func (p *Peer) Received() []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Frame(nil), p.received...)
}

// Count returns how many frames of type typ have been received.
func (p *Peer) Count(typ string) int {
	n := 0
	for _, f := range p.Received() {
		if f.Type == typ {
			n++
		}
	}
	return n
}

// Closed is closed once the client's side of the socket has gone away.
func (p *Peer) Closed() <-chan struct{} {
	return p.closed
}

// Close performs a normal close handshake from the backend side.
func (p *Peer) Close() {
	p.writeMu.Lock()
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(time.Second))
	p.writeMu.Unlock()
	p.conn.Close()
}

// Drop closes the TCP connection without a close frame.
func (p *Peer) Drop() {
	p.conn.Close()
}
