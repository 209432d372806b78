package termsession

import (
	"sync"
	"time"

	"github.com/notforyou23/evobrew-termcore/internal/ptyproc"
)

// State is the session lifecycle state spec.md §4.2 defines.
type State string

const (
	StateRunning State = "running"
	StateClosing State = "closing"
	StateExited  State = "exited"
	StateRemoved State = "removed"
)

// Subscriber receives a session's output stream. wsproto.Connection is the
// production implementation; Deliver pushes into that connection's flowctl
// queue. A Subscriber that returns an error is treated as dead and is
// unsubscribed by the Manager's read loop.
type Subscriber interface {
	Deliver(data []byte) error
	ID() string
}

// ExitInfo records how a session's child process ended.
type ExitInfo struct {
	Code   *int
	Signal *string
	At     time.Time
}

// ptyHandle is the subset of *ptyproc.Handle's contract the session layer
// depends on. Defining it here (rather than depending on the concrete type)
// lets tests substitute a fake handle without spawning a real PTY; a real
// *ptyproc.Handle satisfies it structurally.
type ptyHandle interface {
	Write(p []byte) (int, error)
	Read(buf []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill() error
	Close() error
	Wait() (exitCode *int, signal *string)
}

// Session is one spawned shell plus its fan-out bus and scrollback. It
// generalizes the teacher's single-attachedConn Instance to N concurrent
// subscribers, matching spec.md §4.2's one-writer/many-readers contract.
type Session struct {
	ID         string
	ClientID   string
	Name       string
	Shell      string
	Cwd        string
	Persistent bool
	CreatedAt  time.Time

	handle ptyHandle
	family ptyproc.Family

	mu           sync.Mutex
	state        State
	reason       string
	subscribers  map[string]Subscriber
	backpressure map[string]struct{}
	flowPaused   bool
	pauseCh      chan struct{}
	cols, rows   uint16
	lastActive   time.Time
	exitInfo     *ExitInfo
	exitWaiters  []chan ExitInfo

	scrollback *scrollback

	closeOnce sync.Once
	removed   bool
}

func newSession(id, clientID, name string, persistent bool, handle *ptyproc.Handle, cols, rows uint16, scrollbackCap int) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		ClientID:     clientID,
		Name:         name,
		Shell:        handle.Cmd.Path,
		Cwd:          handle.Cmd.Dir,
		Persistent:   persistent,
		CreatedAt:    now,
		handle:       handle,
		family:       handle.Family,
		state:        StateRunning,
		subscribers:  make(map[string]Subscriber),
		backpressure: make(map[string]struct{}),
		cols:         cols,
		rows:         rows,
		lastActive:   now,
		scrollback:   newScrollback(scrollbackCap),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Size returns the terminal's current column/row size.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// LastActive returns the timestamp of the most recent input, output, or
// resize activity, used by the idle sweep.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Subscribe registers sub to receive future output and returns the current
// scrollback tail so the caller can replay it before live data starts
// arriving. Mirrors Instance.Attach's logBuf replay.
func (s *Session) Subscribe(sub Subscriber) []byte {
	s.mu.Lock()
	s.subscribers[sub.ID()] = sub
	s.mu.Unlock()
	return s.scrollback.Snapshot()
}

// Unsubscribe removes sub. Detaching the last subscriber does not affect
// the child process — sessions only die from Close, exit, or idle sweep.
// It also clears any backpressure contribution sub's id held and
// re-evaluates flow, per spec.md §4.2's unregisterConnection contract.
func (s *Session) Unsubscribe(id string) {
	s.mu.Lock()
	delete(s.subscribers, id)
	toClose := s.clearBackpressureLocked(id)
	s.mu.Unlock()
	if toClose != nil {
		close(toClose)
	}
}

// clearBackpressureLocked removes sourceID from the backpressure set and
// returns a channel to close (waking the read loop) if that resumed flow.
// Must be called with s.mu held.
func (s *Session) clearBackpressureLocked(sourceID string) chan struct{} {
	if _, had := s.backpressure[sourceID]; !had {
		return nil
	}
	delete(s.backpressure, sourceID)
	return s.recomputeFlowLocked()
}

// recomputeFlowLocked updates flowPaused from the current backpressure set
// and returns a channel to close if flow just resumed. Must be called with
// s.mu held.
func (s *Session) recomputeFlowLocked() chan struct{} {
	wasPaused := s.flowPaused
	s.flowPaused = len(s.backpressure) > 0
	if s.flowPaused && s.pauseCh == nil {
		s.pauseCh = make(chan struct{})
		return nil
	}
	if !s.flowPaused && wasPaused {
		ch := s.pauseCh
		s.pauseCh = nil
		return ch
	}
	return nil
}

// SetBackpressure adds or removes sourceID (typically a connection id) from
// the session's backpressure set and recomputes flowPaused (spec.md §4.2's
// setBackpressure operation, invariant 3 in §3.2: flowPaused iff the
// backpressure set is non-empty). It returns the resulting flowPaused value.
func (s *Session) SetBackpressure(sourceID string, enabled bool) bool {
	s.mu.Lock()
	if enabled {
		s.backpressure[sourceID] = struct{}{}
	} else {
		delete(s.backpressure, sourceID)
	}
	toClose := s.recomputeFlowLocked()
	paused := s.flowPaused
	s.mu.Unlock()
	if toClose != nil {
		close(toClose)
	}
	return paused
}

// FlowPaused reports whether any subscriber currently holds backpressure
// against this session.
func (s *Session) FlowPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flowPaused
}

// waitIfPaused blocks the caller — the session's PTY read loop — while flow
// control is engaged, per spec.md §4.4: "halt further onData delivery until
// resume() is called." It returns as soon as the backpressure set empties.
func (s *Session) waitIfPaused() {
	for {
		s.mu.Lock()
		ch := s.pauseCh
		s.mu.Unlock()
		if ch == nil {
			return
		}
		<-ch
	}
}

// hasSubscribers reports whether any connection is currently attached,
// used by the idle sweep to decide whether a session is eligible for
// timeout (spec.md §4.2 requires the attached-connection set be empty).
func (s *Session) hasSubscribers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers) > 0
}

// Write sends p to the child's stdin and marks the session active.
func (s *Session) Write(p []byte) error {
	s.touch()
	_, err := s.handle.Write(p)
	return err
}

// Resize updates the PTY window size and records it for ready/state frames.
func (s *Session) Resize(cols, rows uint16) error {
	if err := s.handle.Resize(cols, rows); err != nil {
		return err
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.lastActive = time.Now()
	s.mu.Unlock()
	return nil
}

// broadcast pushes data to every live subscriber and appends it to
// scrollback. Subscribers whose Deliver fails (typically queue overflow)
// are returned as dead; the caller (Manager's read loop) unsubscribes them.
// Neither closes the subscriber's transport — wsproto.Connection closes
// itself when its queue overflows.
func (s *Session) broadcast(data []byte) (dead []Subscriber) {
	s.scrollback.Append(data)

	s.mu.Lock()
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Deliver(data); err != nil {
			dead = append(dead, sub)
		}
	}
	return dead
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// setReason records why a session is being (or was) terminated — e.g.
// "idle-timeout" — surfaced on the wire protocol's state/exit frames
// (spec.md §8 scenario 8). An empty reason means a plain client-requested
// close.
func (s *Session) setReason(reason string) {
	if reason == "" {
		return
	}
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
}

// Reason returns the most recently recorded close reason, if any.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// markExited records the child's exit outcome, transitions to
// StateExited, and wakes anyone blocked in WaitFor.
func (s *Session) markExited(info ExitInfo) {
	s.mu.Lock()
	s.state = StateExited
	s.exitInfo = &info
	waiters := s.exitWaiters
	s.exitWaiters = nil
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- info
		close(ch)
	}
}

// waitExit returns a channel that receives the session's ExitInfo once it
// exits. If the session has already exited, the channel is pre-filled.
func (s *Session) waitExit() <-chan ExitInfo {
	ch := make(chan ExitInfo, 1)
	s.mu.Lock()
	if s.exitInfo != nil {
		info := *s.exitInfo
		s.mu.Unlock()
		ch <- info
		close(ch)
		return ch
	}
	s.exitWaiters = append(s.exitWaiters, ch)
	s.mu.Unlock()
	return ch
}

// Snapshot describes a session for list/state responses. Field set mirrors
// spec.md §4.5's session-metadata payload.
type Snapshot struct {
	ID                  string
	ClientID            string
	Name                string
	Shell               string
	ShellType           string
	Cwd                 string
	Persistent          bool
	State               State
	Reason              string
	Cols, Rows          uint16
	CreatedAt           time.Time
	LastActive          time.Time
	ExitInfo            *ExitInfo
	IdleHint            bool
	AttachedConnections int
	FlowPaused          bool
	BufferBytes         int
}

const idleHintThreshold = 2 * time.Second

// Snapshot returns a point-in-time metadata snapshot of the session, for
// callers (e.g. wsproto) that hold a *Session directly rather than going
// through the Manager's registry.
func (s *Session) Snapshot() Snapshot {
	return s.snapshot()
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exit *ExitInfo
	if s.exitInfo != nil {
		cp := *s.exitInfo
		exit = &cp
	}
	return Snapshot{
		ID:                  s.ID,
		ClientID:            s.ClientID,
		Name:                s.Name,
		Shell:               s.Shell,
		ShellType:           string(s.family),
		Cwd:                 s.Cwd,
		Persistent:          s.Persistent,
		State:               s.state,
		Reason:              s.reason,
		Cols:                s.cols,
		Rows:                s.rows,
		AttachedConnections: len(s.subscribers),
		FlowPaused:          s.flowPaused,
		BufferBytes:         s.scrollback.Len(),
		CreatedAt:           s.CreatedAt,
		LastActive: s.lastActive,
		ExitInfo:   exit,
		IdleHint:   s.state == StateRunning && time.Since(s.lastActive) > idleHintThreshold,
	}
}
