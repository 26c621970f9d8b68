package statussync

import (
	"context"
	"sync"
)

// mailboxSize bounds each room actor's queue. A full mailbox applies
// backpressure to callers rather than dropping work.
const mailboxSize = 64

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// roomActor serializes all mutation and snapshot emission for one room.
// Operations become messages; the loop processes one at a time, so no
// per-room lock is ever held across a repository call.
type roomActor struct {
	roomCode string
	mailbox  chan task
	stop     chan struct{}
	stopOnce sync.Once
}

func newRoomActor(roomCode string) *roomActor {
	a := &roomActor{
		roomCode: roomCode,
		mailbox:  make(chan task, mailboxSize),
		stop:     make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *roomActor) loop() {
	for {
		select {
		case <-a.stop:
			// Drain what is already queued so callers are not left hanging.
			for {
				select {
				case t := <-a.mailbox:
					t.done <- context.Canceled
				default:
					return
				}
			}
		case t := <-a.mailbox:
			select {
			case <-t.ctx.Done():
				t.done <- t.ctx.Err()
			default:
				t.done <- t.fn(t.ctx)
			}
		}
	}
}

// submit enqueues fn and waits for it to run. Callers observe their own
// context deadline even while queued behind other room work.
func (a *roomActor) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case a.mailbox <- t:
	case <-a.stop:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *roomActor) shutdown() {
	a.stopOnce.Do(func() { close(a.stop) })
}
