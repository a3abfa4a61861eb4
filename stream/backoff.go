package stream

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/firewatchio/go-firewatch/dispatch"
)

// Backoff defaults: the first attempt fires immediately, afterwards the delay
// grows by half toward the one minute ceiling.
const (
	DefaultBackoffInitial = 1 * time.Second
	DefaultBackoffFactor  = 1.5
	DefaultBackoffMax     = 60 * time.Second
	DefaultBackoffJitter  = 0.2
)

// Backoff schedules stream restart attempts on the worker queue with an
// exponentially growing delay. The delay generator is an ExponentialBackOff;
// the controller adds queue scheduling, cancellation, and the saturate-to-max
// throttle applied when the server reports resource exhaustion.
//
// All methods must be called on the worker queue; at most one task is pending
// at a time.
type Backoff struct {
	queue *dispatch.Queue
	exp   *backoff.ExponentialBackOff
	delay time.Duration
	task  *dispatch.DelayedTask
}

// NewBackoff creates a backoff controller scheduling onto the given queue.
func NewBackoff(queue *dispatch.Queue) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = DefaultBackoffInitial
	exp.RandomizationFactor = DefaultBackoffJitter
	exp.Multiplier = DefaultBackoffFactor
	exp.MaxInterval = DefaultBackoffMax
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Backoff{queue: queue, exp: exp}
}

// RunAfterDelay schedules the task to run on the worker queue after the
// current delay, replacing any pending task, then grows the delay for the
// next attempt.
func (b *Backoff) RunAfterDelay(task func()) {
	b.queue.VerifyIsCurrentQueue()
	b.Cancel()

	b.task = b.queue.After(b.delay, task)

	b.delay = b.exp.NextBackOff()
	if b.delay > b.exp.MaxInterval {
		b.delay = b.exp.MaxInterval
	}
}

// Delay returns the delay the next scheduled task would wait.
func (b *Backoff) Delay() time.Duration {
	return b.delay
}

// Reset cancels any pending task and restores the immediate-first-attempt
// state. Called on clean closes and on the first successful response of an
// attempt, so an established stream that later fails restarts quickly.
func (b *Backoff) Reset() {
	b.Cancel()
	b.exp.Reset()
	b.delay = 0
}

// ResetToMax forces the next attempt to wait the full maximum delay. Used
// when the server signals resource exhaustion and hammering it with retries
// would make things worse.
func (b *Backoff) ResetToMax() {
	b.delay = b.exp.MaxInterval
}

// Cancel drops the pending task, if any, without touching the delay.
func (b *Backoff) Cancel() {
	if b.task != nil {
		b.task.Cancel()
		b.task = nil
	}
}

// DisableJitter removes randomization from delay growth so tests can assert
// exact delays.
func (b *Backoff) DisableJitter() {
	b.exp.RandomizationFactor = 0
}
