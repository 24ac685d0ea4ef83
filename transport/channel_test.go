package transport

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/room4-2/voiceorder/internal/voicetest"
	"github.com/room4-2/voiceorder/messages"
)

const waitTimeout = 2 * time.Second

func wsURL(b *voicetest.Backend, id string) string {
	return "ws" + strings.TrimPrefix(b.URL(), "http") + "/ws/" + id
}

type recorder struct {
	mu     sync.Mutex
	msgs   []messages.Inbound
	states []State
	inbox  chan messages.Inbound
}

func newRecorder() *recorder {
	return &recorder{inbox: make(chan messages.Inbound, 64)}
}

func (r *recorder) handle(msg messages.Inbound) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.inbox <- msg
}

func (r *recorder) state(from, to State) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) next(t *testing.T) messages.Inbound {
	t.Helper()
	select {
	case m := <-r.inbox:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("no inbound message")
		return nil
	}
}

func open(t *testing.T, b *voicetest.Backend, cfg Config) (*Channel, *recorder, *voicetest.Peer) {
	t.Helper()
	rec := newRecorder()
	ch := New(cfg, rec.handle, zap.NewNop())
	ch.OnStateChange(rec.state)
	if err := ch.Open(context.Background(), wsURL(b, "s-1"), nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ch.Close(false) })
	return ch, rec, b.NextPeer(t, waitTimeout)
}

func waitDone(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case <-ch.Done():
	case <-time.After(waitTimeout):
		t.Fatal("channel did not shut down")
	}
}

func TestChannelGreetingAfterDelay(t *testing.T) {
	b := voicetest.NewBackend(t)
	start := time.Now()
	ch, _, peer := open(t, b, Config{GreetingText: "Hi there", GreetingDelay: 100 * time.Millisecond})

	if ch.State() != Connected {
		t.Fatalf("State = %v, want connected", ch.State())
	}
	f := peer.Expect(t, messages.TypeStartConversation, waitTimeout)
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("greeting sent after %v, want at least the delay", elapsed)
	}
	var sc messages.StartConversation
	if err := f.Decode(&sc); err != nil {
		t.Fatal(err)
	}
	if sc.Message != "Hi there" {
		t.Fatalf("greeting = %q", sc.Message)
	}
}

func TestChannelHeartbeat(t *testing.T) {
	b := voicetest.NewBackend(t)
	ch, _, peer := open(t, b, Config{GreetingDelay: -1, HeartbeatInterval: 30 * time.Millisecond})

	peer.Expect(t, messages.TypePing, waitTimeout)
	peer.Expect(t, messages.TypePing, waitTimeout)

	deadline := time.Now().Add(waitTimeout)
	for ch.LastPong().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("pong never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if peer.Count(messages.TypeStartConversation) != 0 {
		t.Fatal("greeting sent although disabled")
	}
}

func TestChannelDeliversInOrder(t *testing.T) {
	b := voicetest.NewBackend(t)
	_, rec, peer := open(t, b, Config{GreetingDelay: -1})

	if _, ok := rec.next(t).(*messages.SessionReady); !ok {
		t.Fatal("first message is not session_ready")
	}

	peer.SendRaw([]byte(`{"type":"mystery"}`))
	peer.SendRaw([]byte(`not json`))
	for _, c := range []string{"A", "B", "C"} {
		peer.Send(&messages.TextOutput{Type: messages.TypeTextOutput, Content: c})
	}

	for _, want := range []string{"A", "B", "C"} {
		msg := rec.next(t)
		txt, ok := msg.(*messages.TextOutput)
		if !ok {
			t.Fatalf("got %T, want *messages.TextOutput", msg)
		}
		if txt.Content != want {
			t.Fatalf("got %q, want %q", txt.Content, want)
		}
	}
}

func TestChannelCloseSendsEndSession(t *testing.T) {
	b := voicetest.NewBackend(t)
	ch, rec, peer := open(t, b, Config{GreetingDelay: -1})

	if !ch.Send(messages.NewAudioInput("AAA=", 16000)) {
		t.Fatal("Send refused while connected")
	}
	ch.Close(true)
	waitDone(t, ch)

	peer.Expect(t, messages.TypeAudioInput, waitTimeout)
	peer.Expect(t, messages.TypeEndSession, waitTimeout)
	select {
	case <-peer.Closed():
	case <-time.After(waitTimeout):
		t.Fatal("socket still open on the backend")
	}

	if ch.State() != Disconnected {
		t.Fatalf("State = %v, want disconnected", ch.State())
	}
	if ch.Send(messages.NewPing()) {
		t.Fatal("Send accepted after close")
	}
	for _, s := range rec.States() {
		if s == Error {
			t.Fatal("clean close passed through error state")
		}
	}
	ch.Close(true)
}

func TestChannelCloseWithoutEndSession(t *testing.T) {
	b := voicetest.NewBackend(t)
	ch, _, peer := open(t, b, Config{GreetingDelay: -1})

	ch.Close(false)
	waitDone(t, ch)
	<-peer.Closed()
	if n := peer.Count(messages.TypeEndSession); n != 0 {
		t.Fatalf("end_session sent %d times, want 0", n)
	}
}

func TestChannelRemoteDrop(t *testing.T) {
	b := voicetest.NewBackend(t)
	ch, rec, peer := open(t, b, Config{GreetingDelay: -1})

	peer.Drop()
	waitDone(t, ch)

	states := rec.States()
	want := []State{Connecting, Connected, Error, Disconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	ch.Close(true)
}

func TestChannelRemoteNormalClose(t *testing.T) {
	b := voicetest.NewBackend(t)
	ch, rec, peer := open(t, b, Config{GreetingDelay: -1})

	peer.Close()
	waitDone(t, ch)

	states := rec.States()
	if last := states[len(states)-1]; last != Disconnected {
		t.Fatalf("final state = %v, want disconnected", last)
	}
	for _, s := range states {
		if s == Error {
			t.Fatalf("normal close passed through error: %v", states)
		}
	}
}

func TestChannelSendWhileDisconnected(t *testing.T) {
	ch := New(Config{}, nil, zap.NewNop())
	if ch.Send(messages.NewPing()) {
		t.Fatal("Send accepted before Open")
	}
	ch.Close(true)
	waitDone(t, ch)
	if err := ch.Open(context.Background(), "ws://127.0.0.1:1/ws", nil); err != ErrAlreadyOpened {
		t.Fatalf("Open after Close err = %v, want ErrAlreadyOpened", err)
	}
}

func TestChannelRejectedUpgrade(t *testing.T) {
	b := voicetest.NewBackend(t)
	b.RejectSocket = true

	ch := New(Config{}, nil, zap.NewNop())
	err := ch.Open(context.Background(), wsURL(b, "s-1"), nil)
	if err == nil {
		t.Fatal("Open succeeded against a rejecting backend")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Fatalf("err = %v, want status 403 in message", err)
	}
	if ch.State() != Error {
		t.Fatalf("State = %v, want error", ch.State())
	}
	ch.Close(true)
	if ch.State() != Disconnected {
		t.Fatalf("State after Close = %v, want disconnected", ch.State())
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Disconnected, Connecting, true},
		{Disconnected, Connected, false},
		{Connecting, Connected, true},
		{Connected, Error, true},
		{Connected, Connecting, false},
		{Error, Disconnected, true},
		{Error, Connected, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
