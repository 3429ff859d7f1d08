package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// PipeAddr implements net.Addr for in-memory pipe endpoints.
type PipeAddr struct {
	// ID is the endpoint ID (0 or 1).
	ID int
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", a.ID) }

// Pipe provides two connected in-memory channels for tests. It wraps
// pion's test.Bridge with a background delivery goroutine, so traffic
// flows without real network I/O.
type Pipe struct {
	bridge *test.Bridge
	ends   [2]*pipeChannel

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPipe creates a connected channel pair. End(0) and End(1) exchange
// payloads with each other.
func NewPipe() *Pipe {
	p := &Pipe{
		bridge: test.NewBridge(),
		stopCh: make(chan struct{}),
	}
	p.ends[0] = newPipeChannel(p, 0)
	p.ends[1] = newPipeChannel(p, 1)

	p.wg.Add(1)
	go p.deliverLoop()
	p.ends[0].startReader(p.bridge.GetConn0())
	p.ends[1].startReader(p.bridge.GetConn1())

	return p
}

// End returns the channel for endpoint id (0 or 1).
func (p *Pipe) End(id int) *pipeChannel {
	return p.ends[id]
}

// Addr returns the pipe address of endpoint id.
func (p *Pipe) Addr(id int) PeerAddress {
	return PeerAddress{Addr: PipeAddr{ID: id}, Type: TypePipe}
}

// Close shuts down both endpoints.
func (p *Pipe) Close() error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	err0 := p.bridge.GetConn0().Close()
	err1 := p.bridge.GetConn1().Close()
	p.wg.Wait()
	if err0 != nil {
		return err0
	}
	return err1
}

// deliverLoop pumps the bridge so queued packets flow continuously.
func (p *Pipe) deliverLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.bridge.Tick()
		}
	}
}

// pipeChannel is one end of a Pipe. It implements Channel and supports
// fault injection for failure-path tests.
type pipeChannel struct {
	pipe *Pipe
	id   int

	handler   Handler
	sendError error
	dropSends bool
	closed    bool

	mu sync.Mutex
}

func newPipeChannel(p *Pipe, id int) *pipeChannel {
	return &pipeChannel{pipe: p, id: id}
}

// FailSendsWith forces every subsequent Send to return err.
// Pass nil to restore normal delivery.
func (c *pipeChannel) FailSendsWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendError = err
}

// DropSends silently discards outgoing payloads when enabled.
func (c *pipeChannel) DropSends(drop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropSends = drop
}

// Send implements Channel.
func (c *pipeChannel) Send(dest PeerAddress, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sendError != nil {
		err := c.sendError
		c.mu.Unlock()
		return err
	}
	if c.dropSends {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn := c.pipe.bridge.GetConn0()
	if c.id == 1 {
		conn = c.pipe.bridge.GetConn1()
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return nil
}

// SetHandler implements Channel.
func (c *pipeChannel) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Type implements Channel.
func (c *pipeChannel) Type() Type {
	return TypePipe
}

// Close implements Channel.
func (c *pipeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// startReader pumps inbound packets from conn to the handler.
func (c *pipeChannel) startReader(conn interface {
	Read([]byte) (int, error)
}) {
	c.pipe.wg.Add(1)
	go func() {
		defer c.pipe.wg.Done()
		buf := make([]byte, MaxPayloadSize)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])

			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h(&Inbound{
					Source:  c.pipe.Addr(1 - c.id),
					Payload: payload,
				})
			}
		}
	}()
}

var _ Channel = (*pipeChannel)(nil)
