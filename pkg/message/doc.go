// Package message implements per-session and global message counters and
// the anti-replay reception window.
//
// Counters guard against replay: every outgoing message carries a
// monotonically increasing counter, and every receiver tracks a sliding
// window of observed counters per sender. Secure unicast counters never
// roll over (the session must be re-established); group and unencrypted
// counters use rollover-aware comparison.
package message
