package termsession

import (
	"errors"
	"testing"
	"time"

	"github.com/notforyou23/evobrew-termcore/internal/ptyproc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFakeOverflow = errors.New("stub overflow")

type fakeSubscriber struct {
	id       string
	received [][]byte
	fail     bool
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Deliver(data []byte) error {
	if f.fail {
		return errFakeOverflow
	}
	f.received = append(f.received, append([]byte(nil), data...))
	return nil
}

// fakeHandle stands in for a real *ptyproc.Handle in unit tests that need to
// exercise Session.Write/Resize/Kill without spawning a PTY.
type fakeHandle struct {
	written [][]byte
	cols    uint16
	rows    uint16
	killed  bool
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.written = append(h.written, append([]byte(nil), p...))
	return len(p), nil
}
func (h *fakeHandle) Read(buf []byte) (int, error) { return 0, nil }
func (h *fakeHandle) Resize(cols, rows uint16) error {
	h.cols, h.rows = cols, rows
	return nil
}
func (h *fakeHandle) Kill() error  { h.killed = true; return nil }
func (h *fakeHandle) Close() error { return nil }
func (h *fakeHandle) Wait() (*int, *string) {
	code := 0
	return &code, nil
}

func newTestSession() *Session {
	return &Session{
		ID:           "sess-1",
		ClientID:     "client-1",
		CreatedAt:    time.Now(),
		handle:       &fakeHandle{},
		family:       ptyproc.FamilyUnix,
		state:        StateRunning,
		subscribers:  make(map[string]Subscriber),
		backpressure: make(map[string]struct{}),
		cols:         80,
		rows:         24,
		lastActive:   time.Now(),
		scrollback:   newScrollback(1024),
	}
}

func TestSubscribeReturnsExistingScrollback(t *testing.T) {
	sess := newTestSession()
	sess.scrollback.Append([]byte("already here"))

	sub := &fakeSubscriber{id: "sub-1"}
	replay := sess.Subscribe(sub)

	assert.Equal(t, "already here", string(replay))
}

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	sess := newTestSession()
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	sess.Subscribe(a)
	sess.Subscribe(b)

	dead := sess.broadcast([]byte("hi"))

	assert.Empty(t, dead)
	assert.Equal(t, [][]byte{[]byte("hi")}, a.received)
	assert.Equal(t, [][]byte{[]byte("hi")}, b.received)
	assert.Equal(t, "hi", string(sess.scrollback.Snapshot()))
}

func TestBroadcastReportsFailingSubscribersAsDead(t *testing.T) {
	sess := newTestSession()
	good := &fakeSubscriber{id: "good"}
	bad := &fakeSubscriber{id: "bad", fail: true}
	sess.Subscribe(good)
	sess.Subscribe(bad)

	dead := sess.broadcast([]byte("data"))

	require.Len(t, dead, 1)
	assert.Equal(t, "bad", dead[0].ID())
}

func TestMarkExitedWakesWaiters(t *testing.T) {
	sess := newTestSession()
	ch := sess.waitExit()

	code := 0
	sess.markExited(ExitInfo{Code: &code, At: time.Now()})

	info := <-ch
	assert.Equal(t, &code, info.Code)
	assert.Equal(t, StateExited, sess.State())
}

func TestWaitExitAfterAlreadyExitedIsImmediate(t *testing.T) {
	sess := newTestSession()
	code := 1
	sess.markExited(ExitInfo{Code: &code, At: time.Now()})

	info := <-sess.waitExit()
	assert.Equal(t, &code, info.Code)
}

func TestSnapshotReportsIdleHintAfterThreshold(t *testing.T) {
	sess := newTestSession()
	sess.lastActive = time.Now().Add(-3 * time.Second)

	snap := sess.snapshot()
	assert.True(t, snap.IdleHint)
}

func TestSnapshotNoIdleHintWhenRecentlyActive(t *testing.T) {
	sess := newTestSession()
	snap := sess.snapshot()
	assert.False(t, snap.IdleHint)
}

func TestSetBackpressureEngagesAndReleasesFlow(t *testing.T) {
	sess := newTestSession()
	assert.False(t, sess.FlowPaused())

	assert.True(t, sess.SetBackpressure("conn-a", true))
	assert.True(t, sess.FlowPaused())

	assert.True(t, sess.SetBackpressure("conn-b", true))
	assert.True(t, sess.FlowPaused())

	assert.True(t, sess.SetBackpressure("conn-a", false))
	assert.True(t, sess.FlowPaused(), "conn-b still holds backpressure")

	assert.False(t, sess.SetBackpressure("conn-b", false))
	assert.False(t, sess.FlowPaused())
}

func TestUnsubscribeClearsBackpressureContribution(t *testing.T) {
	sess := newTestSession()
	sub := &fakeSubscriber{id: "sub-1"}
	sess.Subscribe(sub)
	sess.SetBackpressure(sub.ID(), true)
	require.True(t, sess.FlowPaused())

	sess.Unsubscribe(sub.ID())

	assert.False(t, sess.FlowPaused())
}

func TestWaitIfPausedBlocksUntilBackpressureClears(t *testing.T) {
	sess := newTestSession()
	sess.SetBackpressure("slow-conn", true)

	unblocked := make(chan struct{})
	go func() {
		sess.waitIfPaused()
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("waitIfPaused returned while still paused")
	case <-time.After(20 * time.Millisecond):
	}

	sess.SetBackpressure("slow-conn", false)

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("waitIfPaused never unblocked after backpressure cleared")
	}
}
