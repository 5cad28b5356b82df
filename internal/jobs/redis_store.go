package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps each job as a hash holding the JSON document and its version.
// Sorted sets index jobs by creation time, overall and per owner.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// statusRetries bounds the optimistic loop used by the unconditional status write.
const statusRetries = 10

func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	logger.Info("connected to redis job store", "addr", cfg.Addr, "db", cfg.DB)
	return &RedisStore{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *RedisStore) allIndexKey() string { return s.prefix + "jobs:created" }
func (s *RedisStore) ownerIndexKey(o string) string { return s.prefix + "owner:" + o }

func (s *RedisStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.prepareWrite(now)
	job.Version = 1

	key := s.jobKey(job.ID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, job.ID)
		}
		fields, err := jobFields(job)
		if err != nil {
			return err
		}
		score := float64(job.CreatedAt.UnixNano())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.ZAdd(ctx, s.allIndexKey(), redis.Z{Score: score, Member: job.ID})
			pipe.ZAdd(ctx, s.ownerIndexKey(job.Owner), redis.Z{Score: score, Member: job.ID})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, job.ID)
	}
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		return fmt.Errorf("create job: %w", err)
	}
	return err
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.HGet(ctx, s.jobKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return decodeRedisJob(data)
}

func (s *RedisStore) UpdateJob(ctx context.Context, job *Job) error {
	key := s.jobKey(job.ID)
	next := job.Clone()
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "version").Int64()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
		}
		if err != nil {
			return err
		}
		if cur != job.Version {
			return ErrVersionConflict
		}
		next.prepareWrite(time.Now().UTC())
		next.Version = cur + 1
		fields, err := jobFields(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		*job = *next
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return ErrVersionConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrVersionConflict):
		return err
	default:
		return fmt.Errorf("update job: %w", err)
	}
}

func (s *RedisStore) SetJobStatus(ctx context.Context, id string, status JobStatus) error {
	key := s.jobKey(id)
	var err error
	for i := 0; i < statusRetries; i++ {
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.HGet(ctx, key, "data").Result()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			if err != nil {
				return err
			}
			job, err := decodeRedisJob(data)
			if err != nil {
				return err
			}
			if job.Status != JobProcessing {
				return nil
			}
			now := time.Now().UTC()
			job.Status = status
			job.UpdatedAt = now
			if status.Terminal() && job.CompletedAt == nil {
				job.CompletedAt = &now
			}
			job.Version++
			fields, err := jobFields(job)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, fields)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("set job status: %w", err)
	}
	return err
}

func (s *RedisStore) ListJobs(ctx context.Context, f ListFilter) ([]*Job, error) {
	index := s.allIndexKey()
	if f.Owner != "" {
		index = s.ownerIndexKey(f.Owner)
	}
	ids, err := s.rdb.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}

	out := make([]*Job, 0)
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		out = append(out, job)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func jobFields(job *Job) (map[string]any, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return map[string]any{
		"data":    string(b),
		"version": strconv.FormatInt(job.Version, 10),
		"status":  string(job.Status),
		"owner":   job.Owner,
	}, nil
}

func decodeRedisJob(data string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
