package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPost_RunsInOrder verifies posted tasks run in posting order, even when
// posted from many goroutines one batch at a time.
func TestPost_RunsInOrder(t *testing.T) {
	l := New()
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}

	require.True(t, l.Iterate())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.False(t, l.Iterate(), "nothing left to run")
}

// TestPost_FromTask verifies a task posting another task does not deadlock
// and the new task runs on the next iteration.
func TestPost_FromTask(t *testing.T) {
	l := New()
	var got []string
	l.Post(func() {
		got = append(got, "first")
		l.Post(func() { got = append(got, "second") })
	})

	l.Iterate()
	assert.Equal(t, []string{"first"}, got)
	l.Iterate()
	assert.Equal(t, []string{"first", "second"}, got)
}

// TestIdle_RunsOnlyWithoutTasks verifies idle callbacks yield to posted tasks.
func TestIdle_RunsOnlyWithoutTasks(t *testing.T) {
	l := New()
	var trace []string
	l.AddIdle(func() bool {
		trace = append(trace, "idle")
		return true
	})
	l.Post(func() { trace = append(trace, "task") })

	l.Iterate()
	l.Iterate()
	assert.Equal(t, []string{"task", "idle"}, trace)
}

// TestIdle_RemovedWhenFalse verifies an idle callback returning false is
// unregistered.
func TestIdle_RemovedWhenFalse(t *testing.T) {
	l := New()
	calls := 0
	id := l.AddIdle(func() bool {
		calls++
		return calls < 3
	})

	for l.Iterate() {
	}
	assert.Equal(t, 3, calls)
	assert.False(t, l.IdlePending(id))
}

// TestRemoveIdle verifies removal by ID, including unknown IDs.
func TestRemoveIdle(t *testing.T) {
	l := New()
	a := l.AddIdle(func() bool { return true })
	b := l.AddIdle(func() bool { return true })

	l.RemoveIdle(a)
	l.RemoveIdle(IdleID(999))

	assert.False(t, l.IdlePending(a))
	assert.True(t, l.IdlePending(b))
	assert.NotEqual(t, IdleID(0), a)
}

// TestIdle_RoundRobin verifies two idle callbacks take turns.
func TestIdle_RoundRobin(t *testing.T) {
	l := New()
	var trace []string
	l.AddIdle(func() bool { trace = append(trace, "a"); return true })
	l.AddIdle(func() bool { trace = append(trace, "b"); return true })

	for i := 0; i < 4; i++ {
		l.Iterate()
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, trace)
}

// TestRun_QuitFromTask verifies Run returns nil when a task calls Quit.
func TestRun_QuitFromTask(t *testing.T) {
	l := New()
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Post(func() {})
		}()
	}
	wg.Wait()
	l.Post(l.Quit)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Quit")
	}
}

// TestRun_ContextCancel verifies Run returns the context error.
func TestRun_ContextCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestQuit_Idempotent verifies Quit can be called more than once.
func TestQuit_Idempotent(t *testing.T) {
	l := New()
	l.Quit()
	l.Quit()
	assert.NoError(t, l.Run(context.Background()))
}
