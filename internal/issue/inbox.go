package issue

import (
	"context"
	"sync"

	"github.com/jake-jlawson/dashtech/pkg/envelope"
)

// inbox is an unbounded FIFO; push never blocks.
type inbox struct {
	mu    sync.Mutex
	items []envelope.Envelope
	ready chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (q *inbox) push(env envelope.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available or ctx ends.
func (q *inbox) pop(ctx context.Context) (envelope.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items[0] = envelope.Envelope{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return envelope.Envelope{}, ctx.Err()
		}
	}
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
