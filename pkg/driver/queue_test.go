package driver

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueFIFO(t *testing.T) {
	q := newEventQueue()
	q.pushLine("a")
	q.pushLine("b")
	q.pushTerminal(Terminal{ExitCode: 0, Success: true})
	require.Equal(t, 3, q.len())

	ev, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "a", ev.line)
	ev, _ = q.pop()
	assert.Equal(t, "b", ev.line)
	ev, _ = q.pop()
	require.NotNil(t, ev.terminal)
	assert.True(t, ev.terminal.Success)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestEventQueueWakesWaiter(t *testing.T) {
	q := newEventQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.pushLine("late")
	}()

	select {
	case <-q.wait():
	case <-time.After(2 * time.Second):
		t.Fatal("no wake-up after push")
	}
	ev, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "late", ev.line)
}

func TestEventQueueConcurrentProducerKeepsOrder(t *testing.T) {
	const n = 5000
	q := newEventQueue()
	go func() {
		for i := 0; i < n; i++ {
			q.pushLine(fmt.Sprint(i))
		}
		q.pushTerminal(Terminal{})
	}()

	next := 0
	deadline := time.After(5 * time.Second)
	for {
		ev, ok := q.pop()
		if !ok {
			select {
			case <-q.wait():
			case <-deadline:
				t.Fatalf("stalled after %d lines", next)
			}
			continue
		}
		if ev.terminal != nil {
			break
		}
		require.Equal(t, fmt.Sprint(next), ev.line)
		next++
	}
	assert.Equal(t, n, next)
}
