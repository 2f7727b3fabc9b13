package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"storybook/internal/domain"
)

// Queue dispatches through Redis via asynq so jobs survive API restarts and
// any number of worker processes can consume them. Retries are disabled at
// the queue level: the stall monitor owns retry policy.
type Queue struct {
	client *asynq.Client
}

// NewQueue connects the asynq client to the Redis behind redisURL.
func NewQueue(redisURL string) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Queue{client: asynq.NewClient(opt)}, nil
}

// DispatchGenerate enqueues a generation task.
func (q *Queue) DispatchGenerate(ctx context.Context, jobID string) error {
	return q.enqueue(ctx, TypeGenerate, Payload{JobID: jobID})
}

// DispatchRegenerate enqueues a regeneration task.
func (q *Queue) DispatchRegenerate(ctx context.Context, jobID string, page int, target domain.RegenTarget) error {
	return q.enqueue(ctx, TypeRegenerate, Payload{JobID: jobID, PageNumber: page, Target: string(target)})
}

func (q *Queue) enqueue(ctx context.Context, taskType string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, body, asynq.Queue(QueueBooks))
	if _, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

// Close releases the client connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// NewMux routes queue tasks to the runner. Both task types resolve through
// the job row, so they share one handler.
func NewMux(runner Runner, log zerolog.Logger) *asynq.ServeMux {
	handle := func(ctx context.Context, task *asynq.Task) error {
		var p Payload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if p.JobID == "" {
			return errors.New("payload missing job_id")
		}
		log.Info().Str("job_id", p.JobID).Str("type", task.Type()).Msg("worker: task received")
		return runner.Run(ctx, p.JobID)
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerate, handle)
	mux.HandleFunc(TypeRegenerate, handle)
	return mux
}

var _ Dispatcher = (*Queue)(nil)
