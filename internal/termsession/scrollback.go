package termsession

import "sync"

// scrollback is a bounded, byte-exact rolling buffer of a session's output
// history (spec.md §4.2, the Scrollback Buffer). New attaches replay this
// buffer instead of a log of discrete events, matching the teacher's
// Instance.logBuf/Attach replay in instance.go almost exactly, generalized
// from a single fixed cap to a configurable one and with periodic fragment
// coalescing so a long-lived session doesn't accumulate millions of tiny
// slices.
//
// Accounting is byte-exact, not UTF-8 codepoint aware: trimming can split a
// multi-byte rune at the eviction boundary. A replayed tail may therefore
// begin with a partial rune. Terminal emulators already tolerate resyncing
// mid-escape-sequence on attach, so this is treated as acceptable.
type scrollback struct {
	mu       sync.Mutex
	frags    [][]byte
	size     int
	cap      int
	appends  int
}

const coalesceEvery = 512

func newScrollback(capBytes int) *scrollback {
	return &scrollback{cap: capBytes}
}

// Append adds p to the buffer and evicts from the front until the buffer is
// back under cap.
func (s *scrollback) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(p))
	copy(cp, p)
	s.frags = append(s.frags, cp)
	s.size += len(cp)
	s.appends++

	s.evictLocked()
	if s.appends%coalesceEvery == 0 {
		s.coalesceLocked()
	}
}

func (s *scrollback) evictLocked() {
	for s.size > s.cap && len(s.frags) > 0 {
		head := s.frags[0]
		over := s.size - s.cap
		if over >= len(head) {
			s.size -= len(head)
			s.frags = s.frags[1:]
			continue
		}
		// Trim the head fragment in place rather than drop it whole —
		// the exit is byte-exact, so this may land mid-rune.
		s.frags[0] = head[over:]
		s.size -= over
	}
}

// coalesceLocked merges all fragments into a single slice to bound the
// slice-of-slices overhead for long-running sessions.
func (s *scrollback) coalesceLocked() {
	if len(s.frags) <= 1 {
		return
	}
	merged := make([]byte, 0, s.size)
	for _, f := range s.frags {
		merged = append(merged, f...)
	}
	s.frags = [][]byte{merged}
}

// Snapshot returns a copy of the entire retained buffer.
func (s *scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, 0, s.size)
	for _, f := range s.frags {
		out = append(out, f...)
	}
	return out
}

// Tail returns a copy of the last n bytes retained (or everything if the
// buffer holds fewer than n).
func (s *scrollback) Tail(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= s.size {
		out := make([]byte, 0, s.size)
		for _, f := range s.frags {
			out = append(out, f...)
		}
		return out
	}

	out := make([]byte, 0, n)
	skip := s.size - n
	for _, f := range s.frags {
		if skip >= len(f) {
			skip -= len(f)
			continue
		}
		out = append(out, f[skip:]...)
		skip = 0
	}
	return out
}

// Len returns the current retained byte count.
func (s *scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
