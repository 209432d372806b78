// Package flowctl implements the per-connection backpressure queue that
// sits between a session's output stream and a single slow consumer
// (spec.md §4.4, component D). It is transport-independent: wsproto drains
// it into a websocket.Conn, but nothing in here knows that.
//
// The design mirrors the teacher's Instance.logBuf cap (instance.go,
// maxLogBytes) generalized from "cap and stop growing" to the three-level
// watermark scheme spec.md requires: a low watermark that clears backoff, a
// high watermark that signals the producer to pause, and a hard cap past
// which the connection is torn down for queue overflow.
package flowctl

import (
	"sync"

	"github.com/notforyou23/evobrew-termcore/internal/tcerr"
)

// Queue is a FIFO byte-chunk queue with watermark-based backpressure
// tracking. It is safe for concurrent use by one producer and one drainer.
type Queue struct {
	mu sync.Mutex

	chunks    [][]byte
	size      int
	highWater int
	lowWater  int
	hardCap   int

	paused   bool
	overflow bool
}

// New builds a Queue with the given watermarks. hardCap must be >= highWater.
func New(highWater, lowWater, hardCap int) *Queue {
	return &Queue{
		highWater: highWater,
		lowWater:  lowWater,
		hardCap:   hardCap,
	}
}

// Push appends a chunk. It returns an error with Kind QueueOverflow once the
// queue has grown past the hard cap — the caller (wsproto.Connection) must
// treat that as fatal and disconnect with code 1011.
func (q *Queue) Push(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.overflow {
		return tcerr.New(tcerr.QueueOverflow, "queue already overflowed")
	}

	cp := make([]byte, len(p))
	copy(cp, p)
	q.chunks = append(q.chunks, cp)
	q.size += len(cp)

	if q.size >= q.highWater {
		q.paused = true
	}
	if q.size > q.hardCap {
		q.overflow = true
		return tcerr.New(tcerr.QueueOverflow, "queue exceeded hard cap %d bytes (size=%d)", q.hardCap, q.size)
	}
	return nil
}

// Drain removes and returns every queued chunk, clearing the paused flag if
// the queue has fallen back under the low watermark.
func (q *Queue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.chunks) == 0 {
		return nil
	}
	out := q.chunks
	q.chunks = nil
	q.size = 0
	// Drain empties the buffer completely, so it is always back under the
	// low watermark afterward.
	q.paused = false
	return out
}

// Paused reports whether the queue is at or above its high watermark and the
// producer side should stop forwarding new output until it drains back down.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Size returns the current queued byte count.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Overflowed reports whether the queue has permanently tripped its hard cap.
func (q *Queue) Overflowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow
}
