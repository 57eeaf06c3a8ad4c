// Package hub carries the "download ready" signal from the relay to the
// client over a websocket, and parks download batches until it arrives.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MinWait is the shortest timeout Wait honours; smaller values are raised
// to it so callers that poll on timeout cannot spin.
const MinWait = 10 * time.Millisecond

// Board records which tickets the relay announced as ready.
type Board struct {
	mu      sync.Mutex
	signals map[uuid.UUID]chan struct{}
	ready   map[uuid.UUID]bool
}

func NewBoard() *Board {
	return &Board{
		signals: make(map[uuid.UUID]chan struct{}),
		ready:   make(map[uuid.UUID]bool),
	}
}

func (b *Board) signal(ticket uuid.UUID) chan struct{} {
	ch, ok := b.signals[ticket]
	if !ok {
		ch = make(chan struct{})
		b.signals[ticket] = ch
	}
	return ch
}

// MarkReady wakes every waiter of ticket. Marking twice is harmless.
func (b *Board) MarkReady(ticket uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready[ticket] {
		return
	}
	b.ready[ticket] = true
	close(b.signal(ticket))
}

// IsReady reports whether ticket was announced.
func (b *Board) IsReady(ticket uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready[ticket]
}

// Wait blocks until ticket is ready (true), timeout elapses (false) or ctx
// ends (ctx.Err()). A ticket announced before Wait is called counts.
func (b *Board) Wait(ctx context.Context, ticket uuid.UUID, timeout time.Duration) (bool, error) {
	b.mu.Lock()
	ch := b.signal(ticket)
	b.mu.Unlock()

	timer := time.NewTimer(max(timeout, MinWait))
	defer timer.Stop()

	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Forget drops all state kept for ticket.
func (b *Board) Forget(ticket uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.signals, ticket)
	delete(b.ready, ticket)
}
