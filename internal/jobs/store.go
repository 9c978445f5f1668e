package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix     = "layerforge:job:"
	maxUpdateRetries = 16
)

// RedisRegistry はジョブ状態を Redis に保存します。
// 複数プロセスから同じジョブを更新しても WATCH により遷移表が守られます。
type RedisRegistry struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisRegistry は RedisRegistry を作成します。
func NewRedisRegistry(rdb *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{
		rdb: rdb,
		ttl: ttl,
	}
}

// Create は queued 状態のジョブを登録します。既に存在する場合はエラーです。
func (s *RedisRegistry) Create(ctx context.Context, record *Record) error {
	if err := validateNew(record); err != nil {
		return err
	}
	stampNew(record, s.ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	created, err := s.rdb.SetNX(ctx, jobKey(record.JobID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("job %s already exists", record.JobID)
	}
	return nil
}

// Get はジョブ情報を取得します。
func (s *RedisRegistry) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// MarkProcessing は queued から processing へ遷移させます。
func (s *RedisRegistry) MarkProcessing(ctx context.Context, jobID string) error {
	return s.updatePartial(ctx, jobID, toProcessing)
}

// UpdateProgress は進捗を更新します。
func (s *RedisRegistry) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	return s.updatePartial(ctx, jobID, withProgress(progress))
}

// MarkDone はジョブ完了時の情報を保存します。
func (s *RedisRegistry) MarkDone(ctx context.Context, jobID string, result ResultInfo) error {
	return s.updatePartial(ctx, jobID, toDone(result))
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *RedisRegistry) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, jobID, toFailed(errInfo))
}

func (s *RedisRegistry) updatePartial(ctx context.Context, jobID string, mutate func(*Record) error) error {
	key := jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, jobID)
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if err := mutate(&record); err != nil {
			return err
		}
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for range maxUpdateRetries {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: too many concurrent updates", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
