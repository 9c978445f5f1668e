package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Registry はジョブ状態の保存先です。
// Get は未知のIDに対して (nil, nil) を返します。
type Registry interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, jobID string) (*Record, error)
	MarkProcessing(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error
	MarkDone(ctx context.Context, jobID string, result ResultInfo) error
	MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error
}

// MemoryRegistry はプロセス内にジョブ状態を保持します。
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*Record
	ttl     time.Duration
}

// NewMemoryRegistry は MemoryRegistry を作成します。ttl は ExpiresAt の表示用です。
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]*Record),
		ttl:     ttl,
	}
}

// Create は queued 状態のジョブを登録します。
func (m *MemoryRegistry) Create(_ context.Context, record *Record) error {
	if err := validateNew(record); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.JobID]; exists {
		return fmt.Errorf("job %s already exists", record.JobID)
	}
	stampNew(record, m.ttl)
	m.records[record.JobID] = record.clone()
	return nil
}

// Get はジョブ情報のコピーを返します。
func (m *MemoryRegistry) Get(_ context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, errors.New("jobID is required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[jobID]
	if !ok {
		return nil, nil
	}
	return record.clone(), nil
}

// MarkProcessing は queued から processing へ遷移させます。
func (m *MemoryRegistry) MarkProcessing(_ context.Context, jobID string) error {
	return m.update(jobID, toProcessing)
}

// UpdateProgress は進捗を保存します。
func (m *MemoryRegistry) UpdateProgress(_ context.Context, jobID string, progress ProgressInfo) error {
	return m.update(jobID, withProgress(progress))
}

// MarkDone はジョブ完了時の情報を保存します。
func (m *MemoryRegistry) MarkDone(_ context.Context, jobID string, result ResultInfo) error {
	return m.update(jobID, toDone(result))
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (m *MemoryRegistry) MarkFailed(_ context.Context, jobID string, errInfo *ErrorInfo) error {
	return m.update(jobID, toFailed(errInfo))
}

func (m *MemoryRegistry) update(jobID string, mutate func(*Record) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	// 失敗時に途中まで変更された状態を残さない
	next := record.clone()
	if err := mutate(next); err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	m.records[jobID] = next
	return nil
}

func validateNew(record *Record) error {
	if record == nil {
		return errors.New("record is nil")
	}
	if record.JobID == "" {
		return errors.New("record.JobID is required")
	}
	if record.Status != StatusQueued {
		return fmt.Errorf("%w: new job must be %s, got %s", ErrInvalidTransition, StatusQueued, record.Status)
	}
	return nil
}

func stampNew(record *Record, ttl time.Duration) {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(ttl)
	}
}
