package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func acquireAsync(t *testing.T, g *Gate, ctx context.Context) <-chan error {
	t.Helper()

	done := make(chan error, 1)

	go func() {
		done <- g.Acquire(ctx)
	}()

	return done
}

func TestGate_AdmitsUpToLimit(t *testing.T) {
	g := New(2)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))

	third := acquireAsync(t, g, ctx)

	require.Eventually(t, func() bool { return g.Waiting() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 2, g.Admitted())

	g.Release()

	select {
	case err := <-third:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("waiter was not admitted after release")
	}

	assert.Equal(t, 2, g.Admitted())
	assert.Equal(t, 0, g.Waiting())
}

func TestGate_FIFO(t *testing.T) {
	g := New(1)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))

	var order []int

	var mu sync.Mutex

	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)

		// Enqueue one waiter at a time so the queue order is known.
		go func() {
			defer wg.Done()

			assert.NoError(t, g.Acquire(ctx))

			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			g.Release()
		}()

		require.Eventually(t, func() bool { return g.Waiting() == i+1 }, waitFor, time.Millisecond)
	}

	g.Release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestGate_GrowAdmitsWaitersImmediately(t *testing.T) {
	g := New(1)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))

	w1 := acquireAsync(t, g, ctx)
	w2 := acquireAsync(t, g, ctx)

	require.Eventually(t, func() bool { return g.Waiting() == 2 }, waitFor, time.Millisecond)

	g.Resize(3)

	for _, w := range []<-chan error{w1, w2} {
		select {
		case err := <-w:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("waiter was not admitted after growing the gate")
		}
	}

	assert.Equal(t, 3, g.Admitted())
	assert.Equal(t, 3, g.Limit())
}

func TestGate_ShrinkWithholdsAdmissions(t *testing.T) {
	g := New(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Acquire(ctx))
	}

	g.Resize(1)
	assert.Equal(t, 3, g.Admitted(), "shrinking must not evict holders")

	waiter := acquireAsync(t, g, ctx)

	require.Eventually(t, func() bool { return g.Waiting() == 1 }, waitFor, time.Millisecond)

	g.Release()
	g.Release()

	select {
	case <-waiter:
		t.Fatal("waiter admitted while over the new limit")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()

	select {
	case err := <-waiter:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("waiter was not admitted once under the limit")
	}

	assert.Equal(t, 1, g.Admitted())
}

func TestGate_CanceledWaiterLeavesQueue(t *testing.T) {
	g := New(1)

	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	waiter := acquireAsync(t, g, ctx)

	require.Eventually(t, func() bool { return g.Waiting() == 1 }, waitFor, time.Millisecond)

	cancel()

	select {
	case err := <-waiter:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("canceled waiter did not return")
	}

	assert.Equal(t, 0, g.Waiting())
	assert.Equal(t, 1, g.Admitted())

	g.Release()
	assert.Equal(t, 0, g.Admitted())
}

func TestGate_AcquireWithDoneContext(t *testing.T) {
	g := New(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, g.Acquire(ctx), context.Canceled)
	assert.Equal(t, 0, g.Admitted())
}

func TestGate_ReleaseWithoutAcquirePanics(t *testing.T) {
	g := New(1)

	assert.Panics(t, g.Release)
}

// TestGate_NeverOverflowsUnderResize hammers the gate while the limit swings and checks
// that the number of concurrent holders never exceeds the largest limit ever set.
func TestGate_NeverOverflowsUnderResize(t *testing.T) {
	g := New(10)
	ctx := context.Background()

	var (
		holders  atomic.Int64
		overflow atomic.Bool
		wg       sync.WaitGroup
	)

	stop := make(chan struct{})

	go func() {
		limits := []int{10, 1, 5, 2, 10}
		for i := 0; ; i++ {
			select {
			case <-stop:
				g.Resize(10)

				return
			default:
			}

			g.Resize(limits[i%len(limits)])
			time.Sleep(50 * time.Microsecond)
		}
	}()

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 20; j++ {
				if !assert.NoError(t, g.Acquire(ctx)) {
					return
				}

				if holders.Add(1) > 10 {
					overflow.Store(true)
				}
				time.Sleep(10 * time.Microsecond)
				holders.Add(-1)

				g.Release()
			}
		}()
	}

	wg.Wait()
	close(stop)

	assert.False(t, overflow.Load())
	assert.Equal(t, 0, g.Admitted())
	assert.Equal(t, 0, g.Waiting())
}

func TestGate_ReservationsKeepOrder(t *testing.T) {
	g := New(1)
	ctx := context.Background()

	first := g.Reserve()
	second := g.Reserve()
	third := g.Reserve()

	assert.Equal(t, 1, g.Admitted())
	assert.Equal(t, 2, g.Waiting())
	require.NoError(t, first.Wait(ctx))

	// Waiting in reverse order does not change who is admitted next.
	thirdDone := make(chan error, 1)

	go func() {
		thirdDone <- third.Wait(ctx)
	}()

	g.Release()
	require.NoError(t, second.Wait(ctx))

	select {
	case <-thirdDone:
		t.Fatal("third reservation admitted before second released")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()
	require.NoError(t, <-thirdDone)
	g.Release()

	assert.Equal(t, 0, g.Admitted())
}

func TestGate_ReservationCanceled(t *testing.T) {
	g := New(1)

	holder := g.Reserve()
	require.NoError(t, holder.Wait(context.Background()))

	waiter := g.Reserve()
	next := g.Reserve()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, waiter.Wait(ctx), context.Canceled)
	assert.Equal(t, 1, g.Waiting())

	g.Release()
	require.NoError(t, next.Wait(context.Background()))
	assert.Equal(t, 1, g.Admitted())
}

func TestGate_AdmittedReservationCanceledHandsOn(t *testing.T) {
	g := New(1)

	admitted := g.Reserve()
	next := g.Reserve()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The unit granted to the first reservation passes to the next one.
	assert.ErrorIs(t, admitted.Wait(ctx), context.Canceled)
	require.NoError(t, next.Wait(context.Background()))
	assert.Equal(t, 1, g.Admitted())
	assert.Equal(t, 0, g.Waiting())
}
