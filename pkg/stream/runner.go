package stream

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fgrzl/callstream/pkg/api"
)

// CallbackRunner executes jobs one at a time per key, in submission order.
// Different keys run in parallel, each on its own goroutine that exits when
// its lane drains.
type CallbackRunner struct {
	logger *slog.Logger

	mu    sync.Mutex
	lanes map[api.Key]*lane
	wg    sync.WaitGroup
}

type lane struct {
	jobs []func()
}

func NewCallbackRunner(logger *slog.Logger) *CallbackRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackRunner{
		logger: logger,
		lanes:  make(map[api.Key]*lane),
	}
}

// Submit queues job on the lane for key. It never blocks on job execution.
func (r *CallbackRunner) Submit(key api.Key, job func()) {
	r.mu.Lock()
	if l, ok := r.lanes[key]; ok {
		l.jobs = append(l.jobs, job)
		r.mu.Unlock()
		return
	}
	l := &lane{jobs: []func(){job}}
	r.lanes[key] = l
	r.wg.Add(1)
	r.mu.Unlock()

	go r.drain(key, l)
}

func (r *CallbackRunner) drain(key api.Key, l *lane) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(l.jobs) == 0 {
			delete(r.lanes, key)
			r.mu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs[0] = nil
		l.jobs = l.jobs[1:]
		r.mu.Unlock()

		r.run(key, job)
	}
}

func (r *CallbackRunner) run(key api.Key, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("runner: job panicked",
				slog.String("key", key.String()),
				slog.String("panic", fmt.Sprint(p)))
		}
	}()
	job()
}

// Wait blocks until every lane has drained.
func (r *CallbackRunner) Wait() {
	r.wg.Wait()
}
