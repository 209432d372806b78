// Package termsession owns the session lifecycle: spawning, fan-out to
// subscribers, the exit-marker based run-to-completion helper, quota
// enforcement, and the idle/cleanup sweep (spec.md §4.2-4.3, components B
// and C). It sits between internal/ptyproc (raw PTY handles) and
// internal/wsproto (the wire protocol) and depends on neither.
package termsession

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/notforyou23/evobrew-termcore/internal/ptyproc"
	"github.com/notforyou23/evobrew-termcore/internal/tcconfig"
	"github.com/notforyou23/evobrew-termcore/internal/tcerr"
)

// clientIDPattern is spec.md §3.1/§6.1's opaque client identifier format:
// `[A-Za-z0-9:_-]{1,128}`.
var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9:_-]{1,128}$`)

// ValidClientID reports whether id matches spec.md's required client
// identifier shape. Exposed so the transport layer (wsproto.Server) can
// reject a malformed client_id at the connect boundary, before a socket is
// ever handed a Manager-scoped operation.
func ValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

const (
	idleSweepPeriod    = 30 * time.Second
	nonPersistentGrace = 5 * time.Second
	timeoutExitCode    = 124
)

// CreateOptions describes a new session request (spec.md §4.2's attach/open
// contract).
type CreateOptions struct {
	ClientID   string
	Name       string
	Shell      string
	Args       []string
	Cwd        string
	Env        map[string]string
	Cols       uint16
	Rows       uint16
	Persistent bool
}

// Manager tracks every live session, enforces per-client quotas, and runs
// the background sweeps that age sessions out. It plays the role the
// teacher's Daemon plays over its instances map, generalized from a single
// mutex-guarded map to one that also tracks quotas by scanning live state
// and drives two independent timers per session (hard-kill and
// exited-session TTL) instead of the teacher's single idle-promotion check.
type Manager struct {
	cfg tcconfig.Config

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool

	sweepDone chan struct{}
	sweepStop chan struct{}

	cancel context.CancelFunc
}

// NewManager builds a Manager and starts its idle-sweep goroutine.
func NewManager(cfg tcconfig.Config) *Manager {
	_, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:       cfg,
		sessions:  make(map[string]*Session),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
		cancel:    cancel,
	}
	go m.idleSweepLoop()
	return m
}

// randomToken returns a lowercase hex string with 96 bits of randomness,
// the entropy floor spec.md sets for both session identifiers and
// exit-marker tokens.
func randomToken() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// countLiveLocked returns how many of clientID's sessions are not yet
// exited. Must be called with m.mu held. Exited and removed sessions don't
// count against the quota — only running/closing ones do.
func (m *Manager) countLiveLocked(clientID string) int {
	n := 0
	for _, sess := range m.sessions {
		if sess.ClientID != clientID {
			continue
		}
		switch sess.State() {
		case StateRunning, StateClosing:
			n++
		}
	}
	return n
}

// CreateSession validates the request against quotas and the allowed root,
// spawns the PTY child, registers the session, and starts its read loop.
func (m *Manager) CreateSession(opts CreateOptions) (*Session, error) {
	if !m.cfg.Enabled {
		return nil, tcerr.New(tcerr.Disabled, "terminal sessions are disabled")
	}
	if !ValidClientID(opts.ClientID) {
		return nil, tcerr.New(tcerr.InvalidClientID, "client id %q does not match the required [A-Za-z0-9:_-]{1,128} shape", opts.ClientID)
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, tcerr.New(tcerr.Disabled, "manager is shutting down")
	}
	if m.countLiveLocked(opts.ClientID) >= m.cfg.MaxSessionsPerClient {
		m.mu.Unlock()
		return nil, tcerr.New(tcerr.QuotaExceeded, "client %s already has %d live sessions", opts.ClientID, m.cfg.MaxSessionsPerClient)
	}
	m.mu.Unlock()

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = uint16(m.cfg.DefaultCols)
	}
	if rows == 0 {
		rows = uint16(m.cfg.DefaultRows)
	}
	if cols < 10 || cols > 500 || rows < 5 || rows > 300 {
		return nil, tcerr.New(tcerr.InvalidArgument, "cols/rows out of range: %dx%d", cols, rows)
	}

	handle, err := ptyproc.Spawn(ptyproc.Options{
		Shell:       opts.Shell,
		Args:        opts.Args,
		Cwd:         opts.Cwd,
		AllowedRoot: m.cfg.AllowedRoot,
		Env:         opts.Env,
		Cols:        cols,
		Rows:        rows,
	})
	if err != nil {
		return nil, err
	}

	id, err := randomToken()
	if err != nil {
		handle.Kill()
		handle.Close()
		return nil, tcerr.New(tcerr.PtyFailure, "generating session id: %v", err)
	}

	sess := newSession(id, opts.ClientID, opts.Name, opts.Persistent, handle, cols, rows, m.cfg.MaxBufferBytes)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go m.readLoop(sess)
	return sess, nil
}

// readLoop is the session's single PTY reader, matching the teacher's
// Instance.ptyReader: one goroutine per session reads until EOF, fans out
// to subscribers, and drives the state transition on exit.
func (m *Manager) readLoop(sess *Session) {
	buf := make([]byte, m.cfg.MaxOutputChunkBytes)
	for {
		sess.waitIfPaused()
		n, err := sess.handle.Read(buf)
		if n > 0 {
			sess.touch()
			for offset := 0; offset < n; offset += m.cfg.MaxOutputChunkBytes {
				end := offset + m.cfg.MaxOutputChunkBytes
				if end > n {
					end = n
				}
				chunk := make([]byte, end-offset)
				copy(chunk, buf[offset:end])
				dead := sess.broadcast(chunk)
				for _, d := range dead {
					sess.Unsubscribe(d.ID())
				}
			}
		}
		if err != nil {
			break
		}
	}

	sess.handle.Close()
	code, sig := sess.handle.Wait()
	sess.markExited(ExitInfo{Code: code, Signal: sig, At: time.Now()})

	ttl := nonPersistentGrace
	if sess.Persistent {
		ttl = time.Duration(m.cfg.ExitedSessionTTLMs) * time.Millisecond
	}
	go m.scheduleCleanup(sess.ID, ttl)
}

// scheduleCleanup removes a session from the registry after its exited TTL
// elapses, unless it was already explicitly removed first.
func (m *Manager) scheduleCleanup(id string, ttl time.Duration) {
	timer := time.NewTimer(ttl)
	defer timer.Stop()
	<-timer.C
	m.removeSession(id)
}

func (m *Manager) removeSession(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	m.mu.Unlock()
	sess.setState(StateRemoved)
}

// GetSession looks up a session by ID, scoped to clientID so one client
// cannot reach another client's session (spec.md §7's AccessDenied case).
func (m *Manager) GetSession(clientID, sessionID string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, tcerr.New(tcerr.NotFound, "no such session: %s", sessionID)
	}
	if sess.ClientID != clientID {
		return nil, tcerr.New(tcerr.AccessDenied, "session %s does not belong to client %s", sessionID, clientID)
	}
	return sess, nil
}

// ListSessions returns a snapshot of every session owned by clientID,
// ordered by creation time ascending.
func (m *Manager) ListSessions(clientID string) []Snapshot {
	m.mu.Lock()
	var owned []*Session
	for _, sess := range m.sessions {
		if sess.ClientID == clientID {
			owned = append(owned, sess)
		}
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(owned))
	for _, sess := range owned {
		out = append(out, sess.snapshot())
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// GetBufferTail returns up to n bytes of a session's scrollback (the whole
// retained buffer when n <= 0), scoped to clientID like GetSession.
func (m *Manager) GetBufferTail(clientID, sessionID string, n int) ([]byte, error) {
	sess, err := m.GetSession(clientID, sessionID)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = m.cfg.MaxBufferBytes
	}
	return sess.scrollback.Tail(n), nil
}

// Attach registers sub on sess and returns the scrollback replay. Errors if
// the session does not belong to clientID. A session that is closing or has
// already exited is still attachable — spec.md §4.3: "new subscribers
// attaching to an exited session see the current scrollback via replay but
// receive no further data" — so the only failure here is ownership/lookup,
// not lifecycle state. A subscription on a dead session is harmless: its
// read loop has already stopped, so broadcast never reaches it again.
func (m *Manager) Attach(clientID, sessionID string, sub Subscriber) ([]byte, *Session, error) {
	sess, err := m.GetSession(clientID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess.Subscribe(sub), sess, nil
}

// SetBackpressure adds or removes sourceID (a connection id) from sess's
// backpressure set and recomputes flow, pausing or resuming the PTY read
// loop (spec.md §4.2's setBackpressure operation, §4.4's session-wide flow
// rule). It returns the resulting flowPaused value.
func (m *Manager) SetBackpressure(clientID, sessionID, sourceID string, enabled bool) (bool, error) {
	sess, err := m.GetSession(clientID, sessionID)
	if err != nil {
		return false, err
	}
	return sess.SetBackpressure(sourceID, enabled), nil
}

// Write validates size and forwards input to the session's PTY.
func (m *Manager) Write(clientID, sessionID string, data []byte) error {
	if len(data) > m.cfg.MaxInputBytes {
		return tcerr.New(tcerr.InputTooLarge, "input of %d bytes exceeds limit %d", len(data), m.cfg.MaxInputBytes)
	}
	sess, err := m.GetSession(clientID, sessionID)
	if err != nil {
		return err
	}
	if sess.State() != StateRunning {
		return tcerr.New(tcerr.NotRunning, "session %s is not running", sessionID)
	}
	return sess.Write(data)
}

// Resize clamps cols/rows to the valid range and forwards the change to the
// session's PTY.
func (m *Manager) Resize(clientID, sessionID string, cols, rows uint16) error {
	cols = clampUint16(cols, 10, 500)
	rows = clampUint16(rows, 5, 300)
	sess, err := m.GetSession(clientID, sessionID)
	if err != nil {
		return err
	}
	if sess.State() != StateRunning {
		return tcerr.New(tcerr.NotRunning, "session %s is not running", sessionID)
	}
	return sess.Resize(cols, rows)
}

func clampUint16(v, lo, hi uint16) uint16 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CloseSession moves the session to StateClosing, asks the child to
// terminate, and arms a hard-kill timer in case it refuses to exit cleanly.
// Calling it on a session that is not running is a no-op success, matching
// spec.md's idempotence requirement for force-close.
// This is the generalized form of the teacher's Instance.destroy, split
// into a graceful phase (nothing to send over a PTY, so close just starts
// the kill) and a deadline.
func (m *Manager) CloseSession(clientID, sessionID string) error {
	return m.CloseSessionWithReason(clientID, sessionID, "")
}

// CloseSessionWithReason is CloseSession with an optional reason tag (e.g.
// "idle-timeout") that is surfaced on the session's subsequent state/exit
// frames (spec.md §8 scenario 8).
func (m *Manager) CloseSessionWithReason(clientID, sessionID, reason string) error {
	sess, err := m.GetSession(clientID, sessionID)
	if err != nil {
		return err
	}
	if sess.State() != StateRunning {
		return nil
	}
	sess.setReason(reason)
	sess.setState(StateClosing)

	if err := sess.handle.Kill(); err != nil {
		return tcerr.New(tcerr.PtyFailure, "kill session %s: %v", sessionID, err)
	}

	go func() {
		timer := time.NewTimer(time.Duration(m.cfg.HardKillTimeoutMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-sess.waitExit():
		case <-timer.C:
			sess.handle.Kill()
		}
	}()
	return nil
}

// WaitForExit blocks until sess exits or ctx is done. It backs the
// websocket layer's post-attach exit notification and is distinct from the
// general-purpose pattern-matching WaitFor below.
func (m *Manager) WaitForExit(ctx context.Context, sess *Session) (ExitInfo, error) {
	select {
	case info := <-sess.waitExit():
		return info, nil
	case <-ctx.Done():
		return ExitInfo{}, tcerr.New(tcerr.Timeout, "waiting for session %s: %v", sess.ID, ctx.Err())
	}
}

// WaitOptions configures WaitFor.
type WaitOptions struct {
	Pattern        string
	WaitForExit    bool
	TimeoutMs      int64
	MaxOutputBytes int
}

// WaitResult reports how a WaitFor call resolved.
type WaitResult struct {
	Matched   bool
	TimedOut  bool
	Exited    bool
	ExitInfo  *ExitInfo
	Output    []byte
	Truncated bool
}

// WaitFor accumulates the session's scrollback tail plus live output until
// opts.Pattern appears, the session exits (if opts.WaitForExit), or the
// timeout elapses — spec.md §4.2's general-purpose waitFor operation, which
// runCompatibilityCommand below is built on top of.
func (m *Manager) WaitFor(ctx context.Context, clientID, sessionID string, opts WaitOptions) (WaitResult, error) {
	sess, err := m.GetSession(clientID, sessionID)
	if err != nil {
		return WaitResult{}, err
	}

	maxBytes := opts.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = m.cfg.MaxBufferBytes
	}

	w := newPatternWatcher(opts.Pattern, maxBytes)
	tail, _, attachErr := m.Attach(clientID, sessionID, w)
	if attachErr != nil {
		// Attach only fails here on a lookup/ownership race (the session was
		// removed between the GetSession call above and this one): fall
		// through using its last known scrollback rather than failing the
		// whole call.
		tail = sess.scrollback.Snapshot()
	} else {
		defer sess.Unsubscribe(w.ID())
	}
	w.seed(tail)

	if w.matched() {
		return WaitResult{Matched: true, Output: w.snapshotTrunc(), Truncated: w.truncated()}, nil
	}

	// Session exit only resolves the wait when opts.WaitForExit is set; a nil
	// channel never fires in the select below.
	var exitCh <-chan ExitInfo
	if opts.WaitForExit {
		exitCh = sess.waitExit()
	}

	deadline := time.Duration(opts.TimeoutMs) * time.Millisecond
	if deadline <= 0 {
		deadline = 24 * time.Hour
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-w.done:
		return WaitResult{Matched: true, Output: w.snapshotTrunc(), Truncated: w.truncated()}, nil
	case info := <-exitCh:
		cp := info
		return WaitResult{Exited: true, ExitInfo: &cp, Output: w.snapshotTrunc(), Truncated: w.truncated()}, nil
	case <-timer.C:
		return WaitResult{TimedOut: true, Output: w.snapshotTrunc(), Truncated: w.truncated()}, nil
	case <-ctx.Done():
		return WaitResult{TimedOut: true, Output: w.snapshotTrunc(), Truncated: w.truncated()}, nil
	}
}

// patternWatcher is a Subscriber that reports through done once a
// substring pattern appears in the accumulated output, bounding how much
// it retains to maxBytes (keeping the tail).
type patternWatcher struct {
	id       string
	pattern  string
	maxBytes int

	mu    sync.Mutex
	buf   []byte
	trunc bool
	done  chan struct{}
	hit   bool
}

func newPatternWatcher(pattern string, maxBytes int) *patternWatcher {
	id, _ := randomToken()
	return &patternWatcher{id: "wait-" + id, pattern: pattern, maxBytes: maxBytes, done: make(chan struct{})}
}

func (w *patternWatcher) ID() string { return w.id }

func (w *patternWatcher) seed(initial []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.appendLocked(initial)
	w.checkLocked()
}

func (w *patternWatcher) Deliver(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hit {
		return nil
	}
	w.appendLocked(data)
	w.checkLocked()
	return nil
}

func (w *patternWatcher) appendLocked(data []byte) {
	w.buf = append(w.buf, data...)
	if w.maxBytes > 0 && len(w.buf) > w.maxBytes {
		w.trunc = true
		w.buf = w.buf[len(w.buf)-w.maxBytes:]
	}
}

func (w *patternWatcher) checkLocked() {
	if w.hit || w.pattern == "" {
		return
	}
	if strings.Contains(string(w.buf), w.pattern) {
		w.hit = true
		close(w.done)
	}
}

func (w *patternWatcher) matched() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hit
}

func (w *patternWatcher) truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trunc
}

func (w *patternWatcher) snapshotTrunc() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf...)
}

// RunCompatibilityCommand implements the synchronous run-to-completion
// helper: it creates an ephemeral,
// non-persistent session, writes cmd plus an exit-marker trailer, waits for
// the marker via WaitFor, parses the exit code, and force-closes the
// session regardless of outcome.
func (m *Manager) RunCompatibilityCommand(ctx context.Context, clientID, cmd, cwd string, cols, rows uint16, timeoutMs int64) (output []byte, exitCode int, timedOut bool, err error) {
	sess, err := m.CreateSession(CreateOptions{
		ClientID:   clientID,
		Cwd:        cwd,
		Cols:       cols,
		Rows:       rows,
		Persistent: false,
	})
	if err != nil {
		return nil, 0, false, err
	}
	defer m.CloseSession(clientID, sess.ID)

	token, err := randomToken()
	if err != nil {
		return nil, 0, false, tcerr.New(tcerr.PtyFailure, "generating marker token: %v", err)
	}

	full := buildMarkerCommand(sess.family, cmd, token)
	if err := sess.Write([]byte(full)); err != nil {
		return nil, 0, false, err
	}

	needle := markerPrefix + token + ":"
	result, err := m.WaitFor(ctx, clientID, sess.ID, WaitOptions{
		Pattern:        needle,
		TimeoutMs:      timeoutMs,
		MaxOutputBytes: m.cfg.MaxBufferBytes,
	})
	if err != nil {
		return nil, 0, false, err
	}
	if result.TimedOut {
		return result.Output, timeoutExitCode, true, nil
	}

	code, end, ok := scanForMarker(result.Output, token)
	if !ok {
		return result.Output, timeoutExitCode, true, nil
	}
	return result.Output[:end], code, false, nil
}

// idleSweepLoop runs on a fixed cadence, regardless of config, per the
// decision to keep the sweep period out of the tunable surface.
func (m *Manager) idleSweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(idleSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.sweepStop:
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	idleTimeout := time.Duration(m.cfg.IdleTimeoutMs) * time.Millisecond

	m.mu.Lock()
	var toClose []*Session
	for _, sess := range m.sessions {
		if sess.State() == StateRunning && !sess.hasSubscribers() && time.Since(sess.LastActive()) > idleTimeout {
			toClose = append(toClose, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range toClose {
		m.CloseSessionWithReason(sess.ClientID, sess.ID, "idle-timeout")
	}
}

// Shutdown stops the idle sweep and kills every live session, fanning the
// per-session kills out through an errgroup the way the teacher's daemon
// fans its connection handlers in on exit, adapted here to a bounded set of
// concurrent kills instead of an unbounded accept loop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	close(m.sweepStop)

	eg, _ := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		eg.Go(func() error {
			if sess.State() == StateRunning || sess.State() == StateClosing {
				return sess.handle.Kill()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	<-m.sweepDone
	m.cancel()
	return nil
}
