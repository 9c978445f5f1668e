package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
)

const (
	taskTypeExport = "layers:export"
	queueName      = "layers"
)

// AsynqDispatcher は Redis 上の asynq キューを使うディスパッチャです。
type AsynqDispatcher struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	maxQueued int
	timeout   time.Duration
	logger    *slog.Logger
}

// NewAsynqDispatcher は AsynqDispatcher を初期化します。
// maxQueued は待機中と実行中のタスク数の上限で、0以下なら無制限です。
func NewAsynqDispatcher(redisURL string, workers, maxQueued int, timeout time.Duration, logger *slog.Logger) (*AsynqDispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: workers,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger:          asynqLogger{logger.With("component", "asynq")},
			ShutdownTimeout: 30 * time.Second,
		},
	)

	return &AsynqDispatcher{
		client:    asynq.NewClient(opt),
		server:    server,
		inspector: asynq.NewInspector(opt),
		mux:       asynq.NewServeMux(),
		maxQueued: maxQueued,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// Start は asynq サーバーをバックグラウンドで起動します。
func (d *AsynqDispatcher) Start(handler Handler) error {
	d.mux.HandleFunc(taskTypeExport, func(ctx context.Context, t *asynq.Task) error {
		var task Task
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		if task.JobID == "" {
			return fmt.Errorf("%w: missing jobId in payload", asynq.SkipRetry)
		}
		return handler(ctx, task)
	})
	return d.server.Start(d.mux)
}

// Dispatch はタスクを投入します。キューが上限に達している場合は ErrQueueFull を返します。
func (d *AsynqDispatcher) Dispatch(ctx context.Context, task Task) error {
	if d.maxQueued > 0 {
		info, err := d.inspector.GetQueueInfo(queueName)
		switch {
		case err == nil:
			if info.Pending+info.Active+info.Scheduled+info.Retry >= d.maxQueued {
				d.logger.Warn("queue full, rejecting task", "job_id", task.JobID, "pending", info.Pending, "active", info.Active)
				return ErrQueueFull
			}
		case errors.Is(err, asynq.ErrQueueNotFound):
			// まだ一度も投入されていない
		default:
			d.logger.Warn("failed to inspect queue", "error", err)
		}
	}

	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.TaskID(task.JobID),
		asynq.MaxRetry(0),
	}
	if d.timeout > 0 {
		opts = append(opts, asynq.Timeout(d.timeout))
	}
	info, err := d.client.EnqueueContext(ctx, asynq.NewTask(taskTypeExport, body), opts...)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	d.logger.Debug("task enqueued", "job_id", task.JobID, "task_id", info.ID)
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (d *AsynqDispatcher) Shutdown(_ context.Context) error {
	d.server.Shutdown()
	return errors.Join(d.client.Close(), d.inspector.Close())
}

// asynqLogger は asynq のログを slog に流します。
type asynqLogger struct {
	l *slog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
