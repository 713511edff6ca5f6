package session

import (
	"context"
	"sync"

	"camcast/native/internal/domain"
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdReconfigure
)

func (k commandKind) String() string {
	switch k {
	case cmdStart:
		return "start"
	case cmdStop:
		return "stop"
	case cmdReconfigure:
		return "reconfigure"
	default:
		return "unknown"
	}
}

// command is one publisher call, recorded under the controller lock and
// executed later by the dispatcher.
type command struct {
	kind        commandKind
	sessionID   string
	ctx         context.Context
	destination string
	rotation    domain.Rotation
}

// commandQueue is an unbounded FIFO of publisher commands. Consecutive
// reconfigure commands collapse into the newest one.
type commandQueue struct {
	mu     sync.Mutex
	items  []command
	busy   bool
	idle   chan struct{}
	notify chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{notify: make(chan struct{}, 1)}
}

func (q *commandQueue) push(cmd command) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.items); n > 0 && cmd.kind == cmdReconfigure && q.items[n-1].kind == cmdReconfigure {
		q.items[n-1] = cmd
	} else {
		q.items = append(q.items, cmd)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a command is available or ctx ends. The queue counts
// as busy from a successful pop until the next call to pop.
func (q *commandQueue) pop(ctx context.Context) (command, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			cmd := q.items[0]
			q.items[0] = command{}
			q.items = q.items[1:]
			q.busy = true
			q.mu.Unlock()
			return cmd, true
		}
		q.busy = false
		if q.idle != nil {
			close(q.idle)
			q.idle = nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return command{}, false
		case <-q.notify:
		}
	}
}

// waitIdle returns once the queue is empty and no command is executing.
func (q *commandQueue) waitIdle(ctx context.Context) error {
	q.mu.Lock()
	if len(q.items) == 0 && !q.busy {
		q.mu.Unlock()
		return nil
	}
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
