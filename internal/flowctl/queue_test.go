package flowctl

import (
	"testing"

	"github.com/notforyou23/evobrew-termcore/internal/tcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushBelowWatermarksIsNotPaused(t *testing.T) {
	q := New(100, 50, 1000)
	require.NoError(t, q.Push(make([]byte, 40)))
	assert.False(t, q.Paused())
	assert.Equal(t, 40, q.Size())
}

func TestPushPastHighWaterPauses(t *testing.T) {
	q := New(100, 50, 1000)
	require.NoError(t, q.Push(make([]byte, 150)))
	assert.True(t, q.Paused())
}

func TestPushPastHardCapOverflows(t *testing.T) {
	q := New(100, 50, 200)
	err := q.Push(make([]byte, 250))
	require.Error(t, err)
	assert.Equal(t, tcerr.QueueOverflow, tcerr.KindOf(err))
	assert.True(t, q.Overflowed())
}

func TestPushAfterOverflowKeepsFailing(t *testing.T) {
	q := New(100, 50, 200)
	_ = q.Push(make([]byte, 250))

	err := q.Push([]byte("more"))
	require.Error(t, err)
	assert.Equal(t, tcerr.QueueOverflow, tcerr.KindOf(err))
}

func TestDrainEmptiesQueueAndClearsPause(t *testing.T) {
	q := New(100, 50, 1000)
	require.NoError(t, q.Push(make([]byte, 150)))
	require.True(t, q.Paused())

	chunks := q.Drain()
	assert.Len(t, chunks, 1)
	assert.Equal(t, 0, q.Size())
	assert.False(t, q.Paused())
}

func TestDrainOnEmptyQueueReturnsNil(t *testing.T) {
	q := New(100, 50, 1000)
	assert.Nil(t, q.Drain())
}
