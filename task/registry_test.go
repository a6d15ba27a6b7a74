package task

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeProcess struct {
	pid        int
	terminated atomic.Int32
	err        error
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	return p.err
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	require.NoError(t, r.Register("t1"))
	assert.ErrorIs(t, r.Register("t1"), ErrDuplicateTask)

	state, ok := r.State("t1")
	assert.True(t, ok)
	assert.Equal(t, StateActive, state)

	r.Release("t1")
	_, ok = r.State("t1")
	assert.False(t, ok)
	assert.NoError(t, r.Register("t1"), "a released id can be reused")
}

func TestRegistry_RequestCancel(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		r := NewRegistry(zaptest.NewLogger(t))
		require.NoError(t, r.Register("t1"))

		assert.Equal(t, CancelRequested, r.RequestCancel("t1"))
		assert.Equal(t, AlreadyCanceled, r.RequestCancel("t1"))

		state, _ := r.State("t1")
		assert.Equal(t, StateCancelRequested, state)
	})

	t.Run("unknown task reports not found", func(t *testing.T) {
		r := NewRegistry(zaptest.NewLogger(t))
		assert.Equal(t, CancelNotFound, r.RequestCancel("ghost"))
		assert.Equal(t, CancelNotFound, r.RequestCancel("ghost"))
	})

	t.Run("terminates owned processes", func(t *testing.T) {
		r := NewRegistry(zaptest.NewLogger(t))
		require.NoError(t, r.Register("t1"))
		require.NoError(t, r.Register("t2"))

		running := &fakeProcess{pid: 10}
		exited := &fakeProcess{pid: 11}
		broken := &fakeProcess{pid: 12, err: errors.New("permission denied")}
		other := &fakeProcess{pid: 20}

		_, err := r.TrackProcess("t1", running)
		require.NoError(t, err)
		untrack, err := r.TrackProcess("t1", exited)
		require.NoError(t, err)
		_, err = r.TrackProcess("t1", broken)
		require.NoError(t, err)
		_, err = r.TrackProcess("t2", other)
		require.NoError(t, err)
		untrack()

		r.RequestCancel("t1")
		r.RequestCancel("t1")

		assert.Equal(t, int32(1), running.terminated.Load())
		assert.Equal(t, int32(1), broken.terminated.Load())
		assert.Equal(t, int32(0), exited.terminated.Load())
		assert.Equal(t, int32(0), other.terminated.Load())
	})

	t.Run("closes the done channel", func(t *testing.T) {
		r := NewRegistry(zaptest.NewLogger(t))
		require.NoError(t, r.Register("t1"))
		done := r.Done("t1")

		select {
		case <-done:
			t.Fatal("done closed before cancel")
		default:
		}

		r.RequestCancel("t1")
		_, open := <-done
		assert.False(t, open)
	})
}

func TestRegistry_Check(t *testing.T) {
	t.Run("cancellation is sticky until release", func(t *testing.T) {
		r := NewRegistry(zaptest.NewLogger(t))
		require.NoError(t, r.Register("t1"))
		assert.NoError(t, r.Check("t1"))

		r.RequestCancel("t1")
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, r.Check("t1"), ErrCanceled)
		}

		r.Release("t1")
		assert.NoError(t, r.Check("t1"))
	})

	t.Run("every concurrent checker observes the cancel", func(t *testing.T) {
		r := NewRegistry(zaptest.NewLogger(t))
		require.NoError(t, r.Register("t1"))
		r.RequestCancel("t1")

		var seen atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if errors.Is(r.Check("t1"), ErrCanceled) {
					seen.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(20), seen.Load())
	})

	t.Run("unknown tasks are never canceled", func(t *testing.T) {
		r := NewRegistry(zaptest.NewLogger(t))
		assert.NoError(t, r.Check("ghost"))
	})
}

func TestRegistry_TrackProcessAfterCancel(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, r.Register("t1"))
	r.RequestCancel("t1")

	p := &fakeProcess{pid: 42}
	untrack, err := r.TrackProcess("t1", p)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, int32(1), p.terminated.Load())
	untrack()
}
