// Package report reflects release lifecycle transitions to the external
// trigger system. Reporting must never block or fail the coordinator's
// state machine; the async decorator absorbs outages with bounded
// retries.
package report

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/kolonialno/sacar/pkg/release"
)

// Reporter reflects one release phase transition externally. The
// release record carries the id, phase and commit the gateway needs.
type Reporter interface {
	Report(ctx context.Context, rel release.Release, detail string) error
}

// LoggingReporter writes transitions to the log; used standalone in
// development and as a fallback when no external system is configured.
type LoggingReporter struct {
	Logger log.Logger
}

func (r LoggingReporter) Report(_ context.Context, rel release.Release, detail string) error {
	r.Logger.Log("release", rel.ID, "phase", rel.Phase, "detail", detail)
	return nil
}

const (
	defaultQueueSize = 64
	defaultAttempts  = 5
	retryBase        = time.Second
	retryCap         = time.Minute
)

type reportItem struct {
	rel    release.Release
	detail string
}

// AsyncReporter decorates another Reporter with a fire-and-forget
// queue. Enqueueing never blocks: when the queue is full the report is
// dropped with a logged warning, which the contract prefers over
// stalling the coordinator.
type AsyncReporter struct {
	next   Reporter
	queue  chan reportItem
	logger log.Logger

	attempts int
}

func NewAsyncReporter(next Reporter, logger log.Logger, stop <-chan struct{}, wg *sync.WaitGroup) *AsyncReporter {
	r := &AsyncReporter{
		next:     next,
		queue:    make(chan reportItem, defaultQueueSize),
		logger:   logger,
		attempts: defaultAttempts,
	}
	wg.Add(1)
	go r.loop(stop, wg)
	return r
}

func (r *AsyncReporter) Report(_ context.Context, rel release.Release, detail string) error {
	select {
	case r.queue <- reportItem{rel: rel, detail: detail}:
	default:
		r.logger.Log("release", rel.ID, "phase", rel.Phase, "dropped", "report queue full")
	}
	return nil
}

func (r *AsyncReporter) loop(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case item := <-r.queue:
			r.deliver(item, stop)
		case <-stop:
			return
		}
	}
}

func (r *AsyncReporter) deliver(item reportItem, stop <-chan struct{}) {
	wait := retryBase
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := r.next.Report(ctx, item.rel, item.detail)
		cancel()
		if err == nil {
			return
		}
		if attempt >= r.attempts {
			r.logger.Log("release", item.rel.ID, "phase", item.rel.Phase, "err", err, "dropped", "retries exhausted")
			return
		}
		select {
		case <-time.After(wait):
		case <-stop:
			return
		}
		if wait *= 2; wait > retryCap {
			wait = retryCap
		}
	}
}
