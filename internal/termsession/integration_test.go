//go:build integration

// Integration tests that spawn a real shell under a pseudo-terminal. They
// require /bin/sh and are excluded from the default test run:
//
//	go test -tags=integration ./internal/termsession/...
package termsession

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/notforyou23/evobrew-termcore/internal/tcconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingSubscriber struct {
	id  string
	buf bytes.Buffer
	ch  chan struct{}
}

func (c *collectingSubscriber) ID() string { return c.id }

func (c *collectingSubscriber) Deliver(data []byte) error {
	c.buf.Write(data)
	select {
	case c.ch <- struct{}{}:
	default:
	}
	return nil
}

func TestCreateSessionRunsRealShellAndBroadcasts(t *testing.T) {
	cfg := tcconfig.Default()
	mgr := NewManager(cfg)
	defer mgr.Shutdown(context.Background())

	sess, err := mgr.CreateSession(CreateOptions{
		ClientID: "client-1",
		Shell:    "/bin/sh",
		Cols:     80,
		Rows:     24,
	})
	require.NoError(t, err)

	sub := &collectingSubscriber{id: "sub", ch: make(chan struct{}, 8)}
	_, _, err = mgr.Attach("client-1", sess.ID, sub)
	require.NoError(t, err)

	require.NoError(t, mgr.Write("client-1", sess.ID, []byte("echo hello-termcore\n")))

	deadline := time.After(5 * time.Second)
	for !bytes.Contains(sub.buf.Bytes(), []byte("hello-termcore")) {
		select {
		case <-sub.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for echo output, got: %q", sub.buf.String())
		}
	}

	require.NoError(t, mgr.CloseSession("client-1", sess.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = mgr.WaitForExit(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, StateExited, sess.State())
}

func TestRunCompatibilityCommandReturnsExitCode(t *testing.T) {
	cfg := tcconfig.Default()
	mgr := NewManager(cfg)
	defer mgr.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, code, timedOut, err := mgr.RunCompatibilityCommand(ctx, "client-1", "echo marker-test; exit 3", "", 80, 24, 5000)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Contains(t, string(out), "marker-test")
	assert.Equal(t, 3, code)
}

func TestRunCompatibilityCommandTimesOutWithCode124(t *testing.T) {
	cfg := tcconfig.Default()
	mgr := NewManager(cfg)
	defer mgr.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, code, timedOut, err := mgr.RunCompatibilityCommand(ctx, "client-1", "sleep 30", "", 80, 24, 100)
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Equal(t, 124, code)
}
