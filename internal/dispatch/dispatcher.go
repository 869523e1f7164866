package dispatch

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Dispatcher serializes event handling per user while letting unrelated
// users run in parallel. A user's events queue behind any in-flight
// work for that user (including suspended generation calls), which
// keeps per-user session state and the single-active-chat invariant
// free of interleaved mutations.
type Dispatcher struct {
	mu        sync.Mutex
	queues    map[int64]chan func()
	ctx       context.Context
	wg        sync.WaitGroup
	queueSize int
	logger    *logrus.Logger
}

// NewDispatcher creates a dispatcher. Workers stop after the context is
// cancelled and their queue drains.
func NewDispatcher(ctx context.Context, queueSize int, logger *logrus.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 8
	}
	return &Dispatcher{
		queues:    make(map[int64]chan func()),
		ctx:       ctx,
		queueSize: queueSize,
		logger:    logger,
	}
}

// Submit enqueues fn on the user's serial queue. It returns false when
// the queue is full; callers answer that with a busy response instead
// of blocking the update loop.
func (d *Dispatcher) Submit(userID int64, fn func()) bool {
	queue := d.queueFor(userID)

	select {
	case queue <- fn:
		return true
	default:
		d.logger.WithField("user_id", userID).Warn("User queue full, rejecting event")
		return false
	}
}

func (d *Dispatcher) queueFor(userID int64) chan func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if queue, exists := d.queues[userID]; exists {
		return queue
	}

	queue := make(chan func(), d.queueSize)
	d.queues[userID] = queue

	d.wg.Add(1)
	go d.worker(queue)

	return queue
}

func (d *Dispatcher) worker(queue chan func()) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			// Drain whatever was accepted before shutdown.
			for {
				select {
				case fn := <-queue:
					fn()
				default:
					return
				}
			}
		case fn := <-queue:
			fn()
		}
	}
}

// Wait blocks until all workers have stopped. Call after cancelling the
// dispatcher context during shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
