package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when an expected message does not arrive in time.
	ErrTimeout = errors.New("message wait timed out")
	// ErrWaitCancelled is returned by a correlation wait cancelled before it
	// settled.
	ErrWaitCancelled = errors.New("message wait cancelled")
)

// DefaultWaitTimeout applies when a wait is started with a non-positive timeout.
const DefaultWaitTimeout = 10 * time.Second

type waitOutcome struct {
	msg Message
	err error
}

// CorrelationWait is a one-shot subscription paired with a timer. It settles
// exactly once, on whichever of message arrival, timeout or cancellation
// happens first, and removes both the subscription and the timer.
type CorrelationWait struct {
	bus     *Bus
	kind    Kind
	timeout time.Duration

	mu      sync.Mutex
	subID   string
	timer   *time.Timer
	settled bool
	outcome chan waitOutcome
}

// Expect subscribes to the next message of kind from sources and starts the
// deadline immediately. Subscribing before triggering the remote side avoids
// missing a fast reply.
func (b *Bus) Expect(kind Kind, timeout time.Duration, sources ...string) *CorrelationWait {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	w := &CorrelationWait{
		bus:     b,
		kind:    kind,
		timeout: timeout,
		outcome: make(chan waitOutcome, 1),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.subID = b.Subscribe(kind, func(_ context.Context, msg Message) error {
		w.settle(msg, nil)
		return nil
	}, sources...)
	w.timer = time.AfterFunc(timeout, w.expire)
	return w
}

// WaitForMessage waits for the next message of kind from sources.
func (b *Bus) WaitForMessage(ctx context.Context, kind Kind, timeout time.Duration, sources ...string) (Message, error) {
	return b.Expect(kind, timeout, sources...).Wait(ctx)
}

// Wait blocks until the wait settles. Cancelling ctx cancels the wait.
// Wait must not be called from inside a bus handler.
func (w *CorrelationWait) Wait(ctx context.Context) (Message, error) {
	select {
	case out := <-w.outcome:
		w.outcome <- out
		return out.msg, out.err
	case <-ctx.Done():
		w.cancel(ctx.Err())
		out := <-w.outcome
		w.outcome <- out
		return out.msg, out.err
	}
}

// Cancel settles a pending wait with ErrWaitCancelled. It is a no-op once the
// wait has settled.
func (w *CorrelationWait) Cancel() {
	w.cancel(ErrWaitCancelled)
}

func (w *CorrelationWait) cancel(cause error) {
	w.bus.withLoop(func() {
		w.settle(Message{}, cause)
	})
}

// expire runs on the timer goroutine. Holding the loop token means a message
// for this wait is either fully dispatched before or never dispatched at all.
func (w *CorrelationWait) expire() {
	w.bus.withLoop(func() {
		w.settle(Message{}, fmt.Errorf("%w: %s after %s", ErrTimeout, w.kind, w.timeout))
	})
}

func (w *CorrelationWait) settle(msg Message, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return
	}
	w.settled = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.bus.Unsubscribe(w.subID)
	w.outcome <- waitOutcome{msg: msg, err: err}
}
