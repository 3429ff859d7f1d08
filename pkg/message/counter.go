package message

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
)

// Counter constants.
const (
	// CounterInitMax bounds the random initial counter value (2^28).
	CounterInitMax uint32 = 1 << 28

	// WindowSize is the reception window size in messages.
	WindowSize uint32 = 32
)

// ErrCounterExhausted is returned when a session counter wraps.
// The owning session must be re-established.
var ErrCounterExhausted = errors.New("message: counter exhausted")

// Counter generates outgoing message counter values.
// It is safe for concurrent use.
//
// A session counter refuses to wrap: once the 32-bit space is consumed the
// counter reports ErrCounterExhausted and the session must be replaced.
// A global counter (unsecured and group traffic) is allowed to roll over.
type Counter struct {
	value      uint32
	allowWrap  bool
	exhausted  bool
	mu         sync.Mutex
}

// NewSessionCounter creates a non-wrapping counter with a random initial
// value in [1, 2^28].
func NewSessionCounter() *Counter {
	return &Counter{value: randomInitialValue()}
}

// NewGlobalCounter creates a wrapping counter with a random initial value.
// Used for unsecured handshake traffic and group messages.
func NewGlobalCounter() *Counter {
	return &Counter{value: randomInitialValue(), allowWrap: true}
}

// NewCounterWithValue creates a counter with a fixed initial value.
// Used by tests and when restoring persisted counter state.
func NewCounterWithValue(initial uint32, allowWrap bool) *Counter {
	return &Counter{value: initial, allowWrap: allowWrap}
}

// Next returns the current counter value and advances the counter.
func (c *Counter) Next() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exhausted {
		return 0, ErrCounterExhausted
	}

	current := c.value
	c.value++
	if c.value == 0 && !c.allowWrap {
		c.exhausted = true
	}
	return current, nil
}

// Current returns the next value that Next would return, without advancing.
func (c *Counter) Current() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// IsExhausted reports whether the counter has wrapped a non-wrapping space.
func (c *Counter) IsExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// randomInitialValue picks a random counter start in [1, 2^28].
func randomInitialValue() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	return (binary.LittleEndian.Uint32(buf[:]) & (CounterInitMax - 1)) + 1
}
