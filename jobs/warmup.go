package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/inkwell-social/inkwell/internal/jobs"
)

// PermissionReader is the slice of the authorization engine the warmup needs.
type PermissionReader interface {
	EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// CacheWarmupPayload selects which users get their closure precomputed.
type CacheWarmupPayload struct {
	Window time.Duration `json:"window"`
	Limit  int           `json:"limit"`
}

// NewCacheWarmupTask constructs an Asynq task for the nightly warmup.
func NewCacheWarmupTask(window time.Duration, limit int) (*asynq.Task, error) {
	data, err := json.Marshal(CacheWarmupPayload{Window: window, Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzCacheWarmup, data), nil
}

// CacheWarmupJob primes the effective-permission cache for recently active
// users so the first authorization check after a deploy or reload does not
// pay the closure computation.
type CacheWarmupJob struct {
	Reader  PermissionReader
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCacheWarmupJob wires dependencies for the warmup handler.
func NewCacheWarmupJob(reader PermissionReader, pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *CacheWarmupJob {
	return &CacheWarmupJob{Reader: reader, Pool: pool, Logger: logger, Metrics: metrics}
}

// Handle processes TaskAuthzCacheWarmup tasks.
func (j *CacheWarmupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Reader == nil {
		return errors.New("cache warmup: handler not configured")
	}
	var payload CacheWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Window <= 0 {
		payload.Window = 7 * 24 * time.Hour
	}
	if payload.Limit <= 0 {
		payload.Limit = 500
	}

	tracker := j.metrics().Track(TaskAuthzCacheWarmup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	userIDs, err := j.recentUsers(ctx, payload.Window, payload.Limit)
	if err != nil {
		resultErr = err
		j.logger().Error("load warmup users", slog.Any("error", err))
		return resultErr
	}
	if len(userIDs) == 0 {
		j.logger().Info("no recently active users to warm")
		return resultErr
	}

	start := time.Now()
	warmed := 0
	for _, userID := range userIDs {
		if _, err := j.Reader.EffectivePermissions(ctx, userID); err != nil {
			j.logger().Warn("warm user",
				slog.String("user_id", userID.String()),
				slog.Any("error", err),
			)
			continue
		}
		warmed++
	}
	j.metrics().AddWarmedUsers(warmed)
	j.logger().Info("completed permission cache warmup",
		slog.Int("users", warmed),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *CacheWarmupJob) recentUsers(ctx context.Context, window time.Duration, limit int) ([]uuid.UUID, error) {
	if j.Pool == nil {
		return nil, errors.New("cache warmup: pool not configured")
	}
	rows, err := j.Pool.Query(ctx,
		`SELECT id FROM users WHERE last_seen_at > now() - $1::interval ORDER BY last_seen_at DESC LIMIT $2`,
		window, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (j *CacheWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *CacheWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}
