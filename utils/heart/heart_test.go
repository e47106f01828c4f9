package heart

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacemakerTicksUntilStop(t *testing.T) {
	var beats int32
	pm := NewPacemaker(time.Millisecond, func() error {
		atomic.AddInt32(&beats, 1)
		return nil
	})

	var wg sync.WaitGroup
	death := pm.StartAsync(&wg)

	time.Sleep(20 * time.Millisecond)
	pm.Stop()

	select {
	case err := <-death:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pacemaker did not report death after Stop")
	}
	wg.Wait()

	require.Greater(t, atomic.LoadInt32(&beats), int32(0))
}

func TestStopIsSafeToCallConcurrentlyAndRepeatedly(t *testing.T) {
	pm := NewPacemaker(time.Millisecond, func() error { return nil })
	var wg sync.WaitGroup
	death := pm.StartAsync(&wg)

	// Several goroutines racing to stop the same pacemaker must never
	// deadlock: closing a channel tolerates any number of concurrent
	// closers past the first under sync.Once, unlike sending on it.
	var stopWg sync.WaitGroup
	for i := 0; i < 8; i++ {
		stopWg.Add(1)
		go func() {
			defer stopWg.Done()
			pm.Stop()
		}()
	}
	stopWg.Wait()

	select {
	case <-death:
	case <-time.After(time.Second):
		t.Fatal("pacemaker did not report death after concurrent Stop calls")
	}
	wg.Wait()

	// Stopping again after the loop has already exited must remain a no-op,
	// not panic or block.
	pm.Stop()
}

func TestLivenessIsOptIn(t *testing.T) {
	pm := NewPacemaker(time.Millisecond, func() error { return nil })
	var wg sync.WaitGroup
	death := pm.StartAsync(&wg)

	// Without any Echo call the dead-man's switch must stay disarmed: the
	// loop just keeps ticking.
	select {
	case err := <-death:
		t.Fatalf("pacemaker died without liveness opt-in: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	pm.Stop()
	require.NoError(t, <-death)
	wg.Wait()
}

func TestDeadFiresOnceEchoGoesStale(t *testing.T) {
	pm := NewPacemaker(time.Millisecond, func() error { return nil })
	pm.Echo() // opt in once, then never echo again

	var wg sync.WaitGroup
	death := pm.StartAsync(&wg)

	select {
	case err := <-death:
		require.ErrorIs(t, err, ErrDead)
	case <-time.After(time.Second):
		t.Fatal("pacemaker with a stale echo never died")
	}
	wg.Wait()
}

func TestStopBeforeStartIsANoOp(t *testing.T) {
	pm := NewPacemaker(time.Millisecond, func() error { return nil })
	pm.Stop()
}

func TestPaceErrorEndsLoopWithoutStop(t *testing.T) {
	wantErr := errors.New("pace failed")

	pm := NewPacemaker(time.Millisecond, func() error { return wantErr })
	var wg sync.WaitGroup
	death := pm.StartAsync(&wg)

	select {
	case err := <-death:
		require.ErrorIs(t, err, wantErr)
	case <-time.After(time.Second):
		t.Fatal("pacemaker did not report the Pace error")
	}
	wg.Wait()
}
