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
	jobKeyPrefix = "job:"

	// WATCH競合時の再試行上限。同一ジョブへの書き込みはワーカー1本に
	// 限られるため、実運用で到達することはない想定です。
	maxTxRetries = 5
)

// Store はジョブ状態を Redis に保存します。
// 同一ジョブIDへの更新は WATCH トランザクションで直列化され、
// 状態遷移と進捗の単調性が必ず検証されます。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Create は新規ジョブレコードを queued 状態で保存します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}

	now := time.Now().UTC()
	record.Status = StatusQueued
	record.Progress = ProgressInfo{
		Percent: 0,
		Stage:   "queued",
	}
	record.CreatedAt = now
	record.UpdatedAt = now
	if s.ttl > 0 {
		record.ExpiresAt = now.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err()
}

// Get はジョブ情報を取得します。存在しない場合は ErrNotFound を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// UpdateProgress は進捗を更新します。queued のジョブは最初の進捗報告で
// in_progress へ遷移します。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	return s.apply(ctx, jobID, func(record *Record) {
		record.Status = StatusRunning
		record.Progress = progress
	})
}

// MarkDone はジョブを succeeded として確定します。
func (s *Store) MarkDone(ctx context.Context, jobID string, result string) error {
	return s.apply(ctx, jobID, func(record *Record) {
		now := time.Now().UTC()
		record.Status = StatusSucceeded
		record.Progress = ProgressInfo{
			Percent: 100,
			Stage:   "completed",
		}
		record.Result = result
		record.Error = nil
		record.CompletedAt = &now
	})
}

// MarkFailed はジョブを failed として確定します。進捗は最後に報告された
// 値のまま保持します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	return s.apply(ctx, jobID, func(record *Record) {
		now := time.Now().UTC()
		record.Status = StatusFailed
		record.Result = ""
		if errInfo != nil {
			record.Error = errInfo
		} else {
			record.Error = &ErrorInfo{Code: "INTERNAL_ERROR", Message: "解析に失敗しました。"}
		}
		record.CompletedAt = &now
	})
}

// Ping は Redis への到達性を確認します。
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// apply はレコードを読み取り、mutate を適用し、不変条件を検証したうえで
// 書き戻します。検証に失敗した場合、保存済みレコードは変更されません。
func (s *Store) apply(ctx context.Context, jobID string, mutate func(*Record)) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
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

		prevStatus := record.Status
		prevPercent := record.Progress.Percent

		mutate(&record)

		if !prevStatus.CanTransition(record.Status) {
			return fmt.Errorf("%w: %s -> %s (job=%s)", ErrInvalidTransition, prevStatus, record.Status, jobID)
		}
		if record.Progress.Percent < prevPercent {
			return fmt.Errorf("%w: progress %d -> %d (job=%s)", ErrInvalidTransition, prevPercent, record.Progress.Percent, jobID)
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

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job update retry limit exceeded: %s", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
