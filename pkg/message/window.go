package message

import (
	"errors"
	"sync"
)

// ErrDuplicateCounter is returned when a received counter falls inside
// the reception window and was already seen.
var ErrDuplicateCounter = errors.New("message: duplicate counter")

// ReplayPolicy selects how a reception window compares counters.
type ReplayPolicy int

const (
	// PolicyEncryptedUnicast rejects anything at or behind the window and
	// treats the counter space as strictly increasing (no rollover).
	PolicyEncryptedUnicast ReplayPolicy = iota

	// PolicyGroup allows counter rollover using signed 32-bit comparison.
	PolicyGroup

	// PolicyUnencrypted is the relaxed mode for handshake traffic: counters
	// behind the window are accepted, since they may come from a peer that
	// rebooted and re-randomized its counter.
	PolicyUnencrypted
)

// ReplayWindow tracks received counters for one sender and decides whether
// an incoming counter is fresh. It keeps the highest counter seen plus a
// 32-entry bitmap covering the counters just behind it.
type ReplayWindow struct {
	maxSeen     uint32
	bitmap      uint32
	initialized bool

	mu sync.Mutex
}

// NewReplayWindow creates a window that accepts any first counter.
func NewReplayWindow() *ReplayWindow {
	return &ReplayWindow{}
}

// NewReplayWindowAt creates a window synchronized to a known peer counter.
// Everything at or below max is considered already received.
func NewReplayWindowAt(max uint32) *ReplayWindow {
	return &ReplayWindow{
		maxSeen:     max,
		bitmap:      0xFFFFFFFF,
		initialized: true,
	}
}

// Observe checks whether counter is fresh under the given policy and, if
// so, records it. Returns true when the message should be processed.
func (w *ReplayWindow) Observe(counter uint32, policy ReplayPolicy) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized {
		w.maxSeen = counter
		w.bitmap = 0
		w.initialized = true
		return true
	}

	var ahead bool
	var behind uint32
	switch policy {
	case PolicyEncryptedUnicast:
		if counter > w.maxSeen {
			ahead = true
		} else {
			behind = w.maxSeen - counter
		}
	default:
		// Rollover-aware: signed 32-bit distance.
		diff := int32(counter - w.maxSeen)
		if diff > 0 {
			ahead = true
		} else {
			behind = uint32(-diff)
		}
	}

	if ahead {
		w.advance(counter)
		return true
	}
	if behind == 0 {
		// Exactly the max: duplicate.
		return false
	}
	if behind <= WindowSize {
		mask := uint32(1) << (behind - 1)
		if w.bitmap&mask != 0 {
			return false
		}
		w.bitmap |= mask
		return true
	}

	// Behind the window entirely. Only the relaxed unencrypted mode
	// accepts these (peer may have rebooted).
	return policy == PolicyUnencrypted
}

// MaxSeen returns the highest counter observed so far.
func (w *ReplayWindow) MaxSeen() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxSeen
}

// advance shifts the window forward to a new maximum. The caller has
// already established that newMax is ahead under its policy.
func (w *ReplayWindow) advance(newMax uint32) {
	shift := newMax - w.maxSeen
	if shift > WindowSize {
		w.bitmap = 0
	} else {
		// Shift and mark the previous max as received. When shift equals
		// the window size the shift clears every bit first.
		w.bitmap = (w.bitmap << shift) | (1 << (shift - 1))
	}
	w.maxSeen = newMax
}
