package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/models"
)

// JobHandler processes one queue message. Returning an error leaves the
// message unacknowledged so it is redelivered after the visibility
// timeout, up to the max receive count.
type JobHandler func(ctx context.Context, msg *models.QueueMessage) error

// WorkerPool runs a fixed number of polling workers over one queue
type WorkerPool struct {
	manager  *Manager
	config   *common.QueueConfig
	handlers map[string]JobHandler
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewWorkerPool creates a worker pool for a queue
func NewWorkerPool(manager *Manager, config *common.QueueConfig, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		manager:  manager,
		config:   config,
		handlers: make(map[string]JobHandler),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler registers a job type handler
func (wp *WorkerPool) RegisterHandler(jobType string, handler JobHandler) {
	wp.handlers[jobType] = handler
	wp.logger.Debug().
		Str("queue", wp.manager.name).
		Str("job_type", jobType).
		Msg("Job handler registered")
}

// Start launches the worker goroutines
func (wp *WorkerPool) Start() {
	wp.logger.Info().
		Str("queue", wp.manager.name).
		Int("concurrency", wp.config.Concurrency).
		Msg("Starting worker pool")

	for i := 0; i < wp.config.Concurrency; i++ {
		workerID := i
		common.SafeGo(wp.logger, fmt.Sprintf("%s-worker-%d", wp.manager.name, workerID), func() {
			wp.worker(workerID)
		})
	}
}

// Stop signals all workers to exit
func (wp *WorkerPool) Stop() {
	wp.logger.Info().Str("queue", wp.manager.name).Msg("Stopping worker pool")
	wp.cancel()
}

func (wp *WorkerPool) worker(workerID int) {
	// Stagger worker starts to reduce lock contention on the database
	poll := time.Duration(wp.config.PollInterval)
	if poll <= 0 {
		poll = time.Second
	}
	stagger := (poll / time.Duration(wp.config.Concurrency)) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-wp.ctx.Done():
			return
		case <-time.After(stagger):
		}
	}

	wp.logger.Debug().
		Str("queue", wp.manager.name).
		Int("worker_id", workerID).
		Msg("Worker started")

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Str("queue", wp.manager.name).
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			// Drain available messages before going back to sleep
			for {
				if err := wp.processMessage(workerID); err != nil {
					if !errors.Is(err, models.ErrNoMessage) {
						wp.logger.Warn().
							Err(err).
							Str("queue", wp.manager.name).
							Int("worker_id", workerID).
							Msg("Error processing message")
					}
					break
				}
				if wp.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (wp *WorkerPool) processMessage(workerID int) error {
	msg, deleteFn, err := wp.manager.Receive(wp.ctx)
	if err != nil {
		return err
	}

	handler, exists := wp.handlers[msg.Type]
	if !exists {
		wp.logger.Error().
			Str("queue", wp.manager.name).
			Str("job_id", msg.JobID).
			Str("type", msg.Type).
			Msg("No handler registered for job type")
		// Nothing will ever handle it, acknowledge and drop
		return deleteFn()
	}

	start := time.Now()
	handlerErr := handler(wp.ctx, msg)
	duration := time.Since(start)

	if handlerErr != nil {
		wp.logger.Error().
			Err(handlerErr).
			Str("queue", wp.manager.name).
			Str("job_id", msg.JobID).
			Str("type", msg.Type).
			Str("duration", duration.String()).
			Int("worker_id", workerID).
			Msg("Job handler failed, message will be redelivered")
		// Leave unacknowledged for redelivery after the visibility timeout
		return nil
	}

	wp.logger.Info().
		Str("queue", wp.manager.name).
		Str("job_id", msg.JobID).
		Str("type", msg.Type).
		Str("duration", duration.String()).
		Int("worker_id", workerID).
		Msg("Job completed")

	return deleteFn()
}
