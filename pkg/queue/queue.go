package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/chunk-extractor/config"
)

const TaskTypeDocumentExtract = "document:extract"

const (
	PriorityCritical = 1
	PriorityDefault  = 2
	PriorityLow      = 3
)

var ErrTaskNotFound = errors.New("task not found")

type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
	CancelTask(ctx context.Context, taskID string) error
	SaveFinalStatus(ctx context.Context, status *TaskStatus) error
}

// Task asks a worker to extract one stored document. ID doubles as the
// document ID.
type Task struct {
	ID        string    `json:"id"`
	Priority  int       `json:"priority"`
	ObjectKey string    `json:"objectKey"`
	FileName  string    `json:"fileName"`
	FileSize  int64     `json:"fileSize"`
	CreatedAt time.Time `json:"createdAt"`
}

type TaskStatus struct {
	TaskID     string    `json:"taskId"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     redis.UniversalClient
	queues    []string
	maxRetry  int
	timeout   time.Duration
	statusTTL time.Duration
}

// RedisOpt builds the asynq connection for a redis section.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func NewAsynqQueue(cfg config.QueueConfig, redisCfg config.RedisConfig, rdb redis.UniversalClient) *AsynqQueue {
	opt := RedisOpt(redisCfg)
	return &AsynqQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		redis:     rdb,
		queues:    queueNames(cfg.Queues),
		maxRetry:  cfg.MaxRetry,
		timeout:   cfg.TaskTimeout,
		statusTTL: cfg.StatusTTL,
	}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	opts := []asynq.Option{
		asynq.MaxRetry(q.maxRetry),
		asynq.TaskID(task.ID),
		asynq.Queue(queueFor(task.Priority)),
		// keep completed tasks inspectable for as long as their status
		asynq.Retention(q.statusTTL),
	}
	if q.timeout > 0 {
		opts = append(opts, asynq.Timeout(q.timeout))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeDocumentExtract, payload), opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	task.ID = info.ID

	return q.SaveFinalStatus(ctx, &TaskStatus{TaskID: task.ID, Status: "pending", StartedAt: task.CreatedAt})
}

// GetTaskStatus prefers the status written by the worker and falls back to
// the queue's own view of the task.
func (q *AsynqQueue) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	data, err := q.redis.Get(ctx, statusKey(taskID)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get status from redis: %w", err)
	}
	if err == nil {
		var status TaskStatus
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status: %w", err)
		}
		return &status, nil
	}

	info, _, err := q.find(taskID)
	if err != nil {
		return nil, err
	}
	return convertAsynqStatus(info), nil
}

// CancelTask removes a waiting task, or signals the worker running it.
func (q *AsynqQueue) CancelTask(ctx context.Context, taskID string) error {
	info, queueName, err := q.find(taskID)
	if err != nil {
		return err
	}
	if info.State == asynq.TaskStateActive {
		if err := q.inspector.CancelProcessing(taskID); err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}
		return nil
	}
	if err := q.inspector.DeleteTask(queueName, taskID); err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	return q.SaveFinalStatus(ctx, &TaskStatus{
		TaskID:     taskID,
		Status:     "cancelled",
		FinishedAt: time.Now(),
	})
}

func (q *AsynqQueue) SaveFinalStatus(ctx context.Context, status *TaskStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := q.redis.Set(ctx, statusKey(status.TaskID), data, q.statusTTL).Err(); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}

func (q *AsynqQueue) find(taskID string) (*asynq.TaskInfo, string, error) {
	for _, name := range q.queues {
		info, err := q.inspector.GetTaskInfo(name, taskID)
		if err == nil {
			return info, name, nil
		}
		if !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, "", fmt.Errorf("failed to inspect queue %s: %w", name, err)
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

func statusKey(taskID string) string {
	return fmt.Sprintf("task_status:%s", taskID)
}

func queueFor(priority int) string {
	switch priority {
	case PriorityCritical:
		return "critical"
	case PriorityDefault:
		return "default"
	default:
		return "low"
	}
}

// queueNames orders queues by descending weight.
func queueNames(weights map[string]int) []string {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if weights[names[i]] != weights[names[j]] {
			return weights[names[i]] > weights[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

func convertAsynqStatus(info *asynq.TaskInfo) *TaskStatus {
	status := &TaskStatus{
		TaskID:    info.ID,
		StartedAt: info.NextProcessAt,
	}

	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled:
		status.Status = "pending"
	case asynq.TaskStateActive:
		status.Status = "processing"
	case asynq.TaskStateCompleted:
		status.Status = "completed"
		status.Progress = 1.0
		status.FinishedAt = info.CompletedAt
	case asynq.TaskStateRetry, asynq.TaskStateArchived:
		status.Status = "failed"
		status.Error = info.LastErr
		status.FinishedAt = info.LastFailedAt
	default:
		status.Status = info.State.String()
	}
	return status
}
