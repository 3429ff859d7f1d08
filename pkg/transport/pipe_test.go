package transport

import (
	"errors"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPipe_Delivery(t *testing.T) {
	p := NewPipe()
	defer p.Close()

	received := make(chan *Inbound, 1)
	p.End(1).SetHandler(func(msg *Inbound) {
		received <- msg
	})

	if err := p.End(0).Send(p.Addr(1), []byte("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Payload) != "hello" {
			t.Errorf("payload = %q, want %q", msg.Payload, "hello")
		}
		if msg.Source.String() != p.Addr(0).String() {
			t.Errorf("source = %v, want %v", msg.Source, p.Addr(0))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPipe_FailureInjection(t *testing.T) {
	p := NewPipe()
	defer p.Close()

	p.End(0).FailSendsWith(ErrTimeout)
	err := p.End(0).Send(p.Addr(1), []byte("x"))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Send() error = %v, want ErrTimeout", err)
	}

	p.End(0).FailSendsWith(nil)
	if err := p.End(0).Send(p.Addr(1), []byte("x")); err != nil {
		t.Errorf("Send() after clearing injection error = %v", err)
	}
}

func TestPipe_DropSends(t *testing.T) {
	p := NewPipe()
	defer p.Close()

	got := 0
	p.End(1).SetHandler(func(*Inbound) { got++ })

	p.End(0).DropSends(true)
	if err := p.End(0).Send(p.Addr(1), []byte("x")); err != nil {
		t.Fatalf("Send() with drop error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got != 0 {
		t.Errorf("dropped send was delivered %d times", got)
	}
}

func TestManager_Routing(t *testing.T) {
	p := NewPipe()
	defer p.Close()

	m := NewManager(ManagerConfig{})
	m.AddChannel(p.End(0))

	received := make(chan *Inbound, 1)
	p.End(1).SetHandler(func(msg *Inbound) { received <- msg })

	if err := m.Send(p.Addr(1), []byte("routed")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case msg := <-received:
		if string(msg.Payload) != "routed" {
			t.Errorf("payload = %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not routed")
	}
}

func TestManager_SendErrors(t *testing.T) {
	m := NewManager(ManagerConfig{})

	if err := m.Send(PeerAddress{}, []byte("x")); err != ErrInvalidAddress {
		t.Errorf("Send(invalid) error = %v, want ErrInvalidAddress", err)
	}

	addr := PeerAddress{Addr: PipeAddr{ID: 1}, Type: TypePipe}
	if err := m.Send(addr, []byte("x")); err != ErrNoChannel {
		t.Errorf("Send(no channel) error = %v, want ErrNoChannel", err)
	}

	big := make([]byte, MaxPayloadSize+1)
	if err := m.Send(addr, big); err != ErrMessageTooLarge {
		t.Errorf("Send(oversized) error = %v, want ErrMessageTooLarge", err)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrTimeout, true},
		{ErrNetwork, true},
		{ErrClosed, true},
		{ErrInvalidAddress, false},
		{errors.New("other"), false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
