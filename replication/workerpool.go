package replication

import (
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusrepl/core"
)

// WorkerPool manages a pool of workers executing sender steps.
type WorkerPool struct {
	numWorkers int
	jobQueue   chan func()
	logger     *slog.Logger
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a new worker pool.
// numWorkers: the number of worker goroutines to spawn.
// queueSize: the size of the job queue.
func NewWorkerPool(numWorkers, queueSize int, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &WorkerPool{
		numWorkers: numWorkers,
		jobQueue:   make(chan func(), queueSize),
		logger:     logger.With("component", "WorkerPool"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 1; i <= wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Info("Worker pool started", "num_workers", wp.numWorkers)
}

// Submit queues job. It blocks while the queue is full and returns
// core.ErrStopped once the pool is stopping.
func (wp *WorkerPool) Submit(job func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return core.ErrStopped
	}
	wp.jobQueue <- job
	return nil
}

// Stop gracefully shuts down the worker pool.
// It closes the job queue and waits for all workers to finish their current jobs.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobQueue)
	wp.mu.Unlock()
	wp.wg.Wait()
	wp.logger.Info("Worker pool stopped")
}

// worker is the main loop for a single worker goroutine.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for job := range wp.jobQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					wp.logger.Error("Worker job panicked", "worker", id, "panic", r)
				}
			}()
			job()
		}()
	}
}
