package driver

import (
	"sync"

	"github.com/golang-collections/collections/queue"
)

// Terminal is the final record of an execution: an exit status, or Err when
// the process could not be observed to completion.
type Terminal struct {
	ExitCode int
	Success  bool
	Err      error
}

// event is either one output line or the terminal record.
type event struct {
	line     string
	terminal *Terminal
}

// eventQueue is an unbounded FIFO shared by one worker and one stream.
// ready holds at most one pending wake-up; consumers drain with pop until it
// reports empty before waiting on it, so no push is missed.
type eventQueue struct {
	mu    sync.Mutex
	items *queue.Queue
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		items: queue.New(),
		ready: make(chan struct{}, 1),
	}
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	q.items.Enqueue(ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pushLine(line string) {
	q.push(event{line: line})
}

func (q *eventQueue) pushTerminal(t Terminal) {
	q.push(event{terminal: &t})
}

func (q *eventQueue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return event{}, false
	}
	return q.items.Dequeue().(event), true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *eventQueue) wait() <-chan struct{} {
	return q.ready
}
