package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopSubmitRunsTask(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = l.Shutdown(context.Background())
	})

	require.NoError(t, l.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestLoopScheduleTimerFiresAfterDelay(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(func() { _ = l.Shutdown(context.Background()) })

	fired := make(chan time.Time, 1)
	start := time.Now()
	l.ScheduleTimer(10*time.Millisecond, func() { fired <- time.Now() })

	select {
	case when := <-fired:
		require.GreaterOrEqual(t, when.Sub(start), 9*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestLoopCancelTimerPreventsExecution(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(func() { _ = l.Shutdown(context.Background()) })

	ran := false
	id := l.ScheduleTimer(50*time.Millisecond, func() { ran = true })
	l.CancelTimer(id)

	time.Sleep(100 * time.Millisecond)
	require.False(t, ran)
}

func TestLoopSubmitAfterShutdownErrors(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	go func() { _ = l.Run(context.Background()) }()
	require.NoError(t, l.Shutdown(context.Background()))

	require.ErrorIs(t, l.Submit(func() {}), ErrLoopTerminated)
}

func TestLoopPanicRecoveryInvokesHandler(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	recovered := make(chan any, 1)
	l.SetPanicHandler(func(r any) { recovered <- r })

	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(func() { _ = l.Shutdown(context.Background()) })

	require.NoError(t, l.Submit(func() { panic("boom") }))

	select {
	case r := <-recovered:
		require.Equal(t, "boom", r)
	case <-time.After(time.Second):
		t.Fatal("panic handler never invoked")
	}
}
