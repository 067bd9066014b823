package task

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/thongdx/aid/internal/developer"
	"github.com/thongdx/aid/internal/store"
)

const errorMessage = "Sorry, I ran into a problem while working on the task. Please try again later."

// ExecuteArgs is the durable payload of one task execution job.
type ExecuteArgs struct {
	TaskID string `json:"task_id"`
}

// Kind identifies the job type in the river jobs table.
func (ExecuteArgs) Kind() string {
	return "task_execute"
}

// InsertOpts caps every execution at a single attempt; a failed attempt has
// already been surfaced to the principal as chat.
func (ExecuteArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// Worker runs queued task executions. Runner failures are reported to the
// principal as chat and the job completes; only a task id that no longer
// resolves bubbles up as a job error.
type Worker struct {
	river.WorkerDefaults[ExecuteArgs]
	runner *Runner
	store  store.Store
	emit   developer.Emitter
}

// NewWorker wires a worker around a runner.
func NewWorker(runner *Runner, st store.Store, emit developer.Emitter) *Worker {
	return &Worker{runner: runner, store: st, emit: emit}
}

// Work executes one task attempt.
func (w *Worker) Work(ctx context.Context, job *river.Job[ExecuteArgs]) error {
	task, err := w.store.TaskByID(ctx, job.Args.TaskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", job.Args.TaskID, err)
	}

	report := func(message string) {
		chat, err := w.store.AppendChat(ctx, task.UserID, message, false)
		if err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to record progress message")
			return
		}
		w.emit(ctx, *chat)
	}

	if err := w.runner.Run(ctx, task.ID, report); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("Task execution failed")
		report(errorMessage)
	}

	// An attempt that failed has already told the principal; re-running it
	// would clone, sync, and bill all over again, so the job never retries.
	return nil
}

// Queue is the durable task-execution queue backed by river.
type Queue struct {
	client *river.Client[pgx.Tx]
}

// NewQueue builds the queue with a single default queue of maxWorkers
// concurrent executions.
func NewQueue(pool *pgxpool.Pool, worker *Worker, maxWorkers int) (*Queue, error) {
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, worker); err != nil {
		return nil, fmt.Errorf("failed to register task worker: %w", err)
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}

	return &Queue{client: client}, nil
}

// Start begins consuming jobs.
func (q *Queue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

// Stop drains in-flight jobs and shuts the queue down.
func (q *Queue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

// Launch enqueues execution of a persisted task.
func (q *Queue) Launch(ctx context.Context, taskID string) error {
	if _, err := q.client.Insert(ctx, ExecuteArgs{TaskID: taskID}, nil); err != nil {
		return fmt.Errorf("failed to queue task %s: %w", taskID, err)
	}

	log.Debug().Str("task_id", taskID).Msg("Queued task execution")

	return nil
}
