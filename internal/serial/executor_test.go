package serial

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecutor_SerializesPerKey(t *testing.T) {
	t.Parallel()
	ex := New()

	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		counter  int // guarded by the lane, not by a mutex
		wg       sync.WaitGroup
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ex.Do(context.Background(), "p1", func() {
				n := inFlight.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				v := counter
				time.Sleep(10 * time.Microsecond)
				counter = v + 1
				inFlight.Add(-1)
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 200, counter)
	require.Equal(t, int32(1), maxSeen.Load())
	require.Eventually(t, func() bool { return ex.Lanes() == 0 }, time.Second, 5*time.Millisecond)
}

func TestExecutor_KeysRunConcurrently(t *testing.T) {
	t.Parallel()
	ex := New()

	release := make(chan struct{})
	started := make(chan string, 2)
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			require.NoError(t, ex.Do(context.Background(), key, func() {
				started <- key
				<-release
			}))
		}(key)
	}

	// both lanes must be running at the same time before either is released
	got := map[string]bool{<-started: true, <-started: true}
	require.Len(t, got, 2)
	close(release)
	wg.Wait()
}

func TestExecutor_PreservesSubmissionOrder(t *testing.T) {
	t.Parallel()
	ex := New()

	var order []int
	block := make(chan struct{})
	go func() {
		_ = ex.Do(context.Background(), "k", func() { <-block })
	}()
	require.Eventually(t, func() bool { return ex.Lanes() == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			i := i
			// sequential submissions from one goroutine
			go func() { _ = ex.Do(context.Background(), "k", func() { order = append(order, i) }) }()
			time.Sleep(2 * time.Millisecond)
		}
	}()
	<-done
	close(block)
	require.Eventually(t, func() bool { return ex.Lanes() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestExecutor_CanceledBeforeEnqueue(t *testing.T) {
	t.Parallel()
	ex := New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// fill the mailbox so the send cannot win the select
	block := make(chan struct{})
	go func() { _ = ex.Do(context.Background(), "k", func() { <-block }) }()
	require.Eventually(t, func() bool { return ex.Lanes() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < mailboxSize; i++ {
		go func() { _ = ex.Do(context.Background(), "k", func() {}) }()
	}
	time.Sleep(20 * time.Millisecond)

	ran := false
	err := ex.Do(ctx, "k", func() { ran = true })
	require.ErrorIs(t, err, context.Canceled)

	close(block)
	require.Eventually(t, func() bool { return ex.Lanes() == 0 }, time.Second, time.Millisecond)
	require.False(t, ran)
}

func TestExecutor_Close(t *testing.T) {
	t.Parallel()
	ex := New()

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, ex.Do(context.Background(), fmt.Sprintf("k%d", i), func() { n.Add(1) }))
	}
	require.NoError(t, ex.Close(context.Background()))
	require.Equal(t, int32(5), n.Load())
	require.ErrorIs(t, ex.Do(context.Background(), "k", func() {}), ErrClosed)
}
