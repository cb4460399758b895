package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// dispatchTask is one per-connection broadcast delivery.
type dispatchTask func()

// dispatchPool bounds the number of goroutines broadcasting to
// connections concurrently, satisfying §9's preemptive-threads design
// note: per-(connection,databaseId) ordering is guarded by
// openDatabaseState.mu, while fan-out across different connections
// runs on a fixed worker pool instead of one goroutine per delivery.
type dispatchPool struct {
	taskQueue    chan dispatchTask
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// newDispatchPool creates a pool with workerCount workers and a
// queueSize-deep backlog. A full queue drops the task rather than
// spawning an unbounded goroutine per broadcast target.
func newDispatchPool(workerCount, queueSize int, logger zerolog.Logger) *dispatchPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize <= 0 {
		queueSize = workerCount * 100
	}
	return &dispatchPool{
		taskQueue: make(chan dispatchTask, queueSize),
		logger:    logger,
	}
}

func (p *dispatchPool) start(ctx context.Context, workerCount int) {
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *dispatchPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		case <-ctx.Done():
			return
		}
	}
}

func (p *dispatchPool) run(task dispatchTask) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("dispatch task panic recovered")
		}
	}()
	task()
}

// submit enqueues task for async execution. If the queue is full the
// task is dropped rather than blocking the broadcaster or spawning an
// unbounded goroutine (§7: a slow or stuck connection must not stall
// delivery to every other connection).
func (p *dispatchPool) submit(task dispatchTask) {
	select {
	case p.taskQueue <- task:
	default:
		atomic.AddInt64(&p.droppedTasks, 1)
	}
}

func (p *dispatchPool) dropped() int64 {
	return atomic.LoadInt64(&p.droppedTasks)
}

func (p *dispatchPool) stop() {
	close(p.taskQueue)
	p.wg.Wait()
}
