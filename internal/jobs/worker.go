// Package jobs は非同期ジョブの投入と状態管理を提供します。
package jobs

import (
	"context"
	"log/slog"
	"sync"
)

// Task はバックグラウンドで処理する1件のジョブです。
type Task struct {
	JobID      string `json:"jobId"`
	SourcePath string `json:"sourcePath"`
}

// Handler はタスクを処理します。
type Handler func(ctx context.Context, task Task) error

// Dispatcher はタスクをワーカーへ渡します。
// Dispatch はキューに空きがない場合 ErrQueueFull を返し、呼び出し元をブロックしません。
type Dispatcher interface {
	Start(handler Handler) error
	Dispatch(ctx context.Context, task Task) error
	Shutdown(ctx context.Context) error
}

// LocalPool は固定数のゴルーチンでタスクを処理するディスパッチャです。
type LocalPool struct {
	workers int
	logger  *slog.Logger

	ch     chan Task
	wg     sync.WaitGroup
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// PoolOption は LocalPool の設定を変更します。
type PoolOption func(*LocalPool)

// WithWorkers は同時に処理するタスク数です。
func WithWorkers(n int) PoolOption {
	return func(p *LocalPool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize は処理待ちにできるタスク数です。
func WithQueueSize(n int) PoolOption {
	return func(p *LocalPool) {
		if n > 0 {
			p.ch = make(chan Task, n)
		}
	}
}

// WithPoolLogger はロガーを設定します。
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *LocalPool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewLocalPool は LocalPool を作成します。Start を呼ぶまでタスクは処理されません。
func NewLocalPool(opts ...PoolOption) *LocalPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &LocalPool{
		workers: 4,
		logger:  slog.Default(),
		ch:      make(chan Task, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start はワーカーを起動します。2回目以降の呼び出しは何もしません。
func (p *LocalPool) Start(handler Handler) error {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Debug("worker started", "worker_id", workerID)

				for task := range p.ch {
					if err := handler(p.ctx, task); err != nil {
						p.logger.Error("task failed", "worker_id", workerID, "job_id", task.JobID, "error", err)
					}
				}

				p.logger.Debug("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
	return nil
}

// Dispatch はタスクをキューに入れます。満杯なら ErrQueueFull を返します。
func (p *LocalPool) Dispatch(_ context.Context, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.ch <- task:
		p.logger.Debug("task queued", "job_id", task.JobID, "pending", len(p.ch))
		return nil
	default:
		p.logger.Warn("queue full, rejecting task", "job_id", task.JobID, "capacity", cap(p.ch))
		return ErrQueueFull
	}
}

// Shutdown は新規投入を止めて処理待ちのタスクを消化します。
// ctx が先に終了した場合は実行中のタスクをキャンセルします。
func (p *LocalPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted, cancelling running tasks")
		p.cancel()
		<-done
		return ctx.Err()
	case <-done:
		p.cancel()
		p.logger.Info("queue drained, shutdown complete")
		return nil
	}
}
