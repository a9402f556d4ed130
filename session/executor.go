package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type job struct {
	name string
	run  func(ctx context.Context)
}

// executor runs jobs one at a time, in submission order, on its own goroutine.
// The queue is unbounded so that the receive loop never waits on a busy engine.
type executor struct {
	log *zap.SugaredLogger

	mu    sync.Mutex
	queue []job
	wake  chan struct{}
}

func newExecutor(log *zap.SugaredLogger) *executor {
	return &executor{
		log:  log,
		wake: make(chan struct{}, 1),
	}
}

func (e *executor) enqueue(j job) {
	e.mu.Lock()
	e.queue = append(e.queue, j)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *executor) next() (job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return job{}, false
	}
	j := e.queue[0]
	e.queue[0] = job{}
	e.queue = e.queue[1:]
	return j, true
}

func (e *executor) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// run executes jobs until ctx is done. Jobs still queued at that point are dropped.
func (e *executor) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			if n := e.pending(); n > 0 {
				e.log.Debugf("dropping %d queued jobs", n)
			}
			return
		}
		j, ok := e.next()
		if !ok {
			select {
			case <-ctx.Done():
			case <-e.wake:
			}
			continue
		}
		e.log.Debugw("running job", "Job", j.name)
		j.run(ctx)
	}
}
