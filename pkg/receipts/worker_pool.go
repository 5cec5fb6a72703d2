package receipts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitechdev/ChatMux/pkg/logger"
)

var (
	ErrPoolStopped = errors.New("receipt pool is stopped")
	ErrQueueFull   = errors.New("receipt queue is full")
)

// jobTimeout bounds a single history call made by a worker.
const jobTimeout = 15 * time.Second

// workerPool runs receipt jobs off the dispatch goroutine.
type workerPool struct {
	workerCount int
	queue       chan *job
	processor   func(context.Context, *job) error

	mu            sync.RWMutex
	running       bool
	activeWorkers atomic.Int32
	wg            sync.WaitGroup
}

func newWorkerPool(workerCount, bufferSize int, processor func(context.Context, *job) error) *workerPool {
	return &workerPool{
		workerCount: workerCount,
		queue:       make(chan *job, bufferSize),
		processor:   processor,
	}
}

func (wp *workerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return
	}
	wp.running = true

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	logger.Info("[Receipts] Worker pool started with %d workers", wp.workerCount)
}

// Stop closes the queue and waits for queued jobs to finish or ctx to end.
func (wp *workerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return nil
	}
	wp.running = false
	close(wp.queue)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("[Receipts] Worker pool stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("[Receipts] Worker pool stop timed out, some receipts may be lost")
		return ctx.Err()
	}
}

// Submit queues j without blocking.
func (wp *workerPool) Submit(j *job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if !wp.running {
		return ErrPoolStopped
	}

	select {
	case wp.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (wp *workerPool) worker(id int) {
	defer wp.wg.Done()

	for j := range wp.queue {
		wp.activeWorkers.Add(1)
		wp.run(id, j)
		wp.activeWorkers.Add(-1)
	}
}

func (wp *workerPool) run(id int, j *job) {
	defer logger.CatchPanic("receipts.worker")

	// Detached from the frame that caused the job.
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := wp.processor(ctx, j); err != nil {
		logger.Warn("[Receipts] Worker %d: %s receipt for room %s failed: %v", id, j.kind, j.room, err)
	}
}

func (wp *workerPool) QueueSize() int {
	return len(wp.queue)
}

func (wp *workerPool) ActiveWorkers() int {
	return int(wp.activeWorkers.Load())
}
