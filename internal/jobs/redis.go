package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"transcription-service/internal/domain"
)

const (
	jobKeyPrefix     = "job:"
	jobLogSuffix     = ":log"
	jobIndexKey      = "jobs:index"
	sessionKeyPrefix = "session:"
)

// Transition scripts keep check-then-set sequences atomic on the server,
// so concurrent collectors and cancellation requests cannot interleave.
var (
	markProcessingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'missing' end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'queued' then return 'skip' end
redis.call('HSET', KEYS[1], 'status', 'processing', 'started_at', ARGV[1], 'updated_at', ARGV[1], 'worker', ARGV[2])
return 'ok'`)

	updateProgressScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'missing' end
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'completed' or status == 'failed' or status == 'cancelled' then return 'skip' end
local cur = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0')
local new = tonumber(ARGV[1])
if new > cur then redis.call('HSET', KEYS[1], 'progress', new) end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 'ok'`)

	completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'missing' end
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'completed' or status == 'failed' or status == 'cancelled' then return 'skip' end
redis.call('HSET', KEYS[1], 'status', 'completed', 'progress', 100, 'result', ARGV[1], 'finished_at', ARGV[2], 'updated_at', ARGV[2])
return 'ok'`)

	failScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'missing' end
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'completed' or status == 'failed' or status == 'cancelled' then return 'skip' end
redis.call('HSET', KEYS[1], 'status', 'failed', 'finished_at', ARGV[1], 'updated_at', ARGV[1])
if ARGV[2] ~= '' then redis.call('RPUSH', KEYS[2], ARGV[2]) end
return 'ok'`)

	cancelScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'missing' end
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'completed' or status == 'failed' or status == 'cancelled' then return 'skip' end
if status == 'processing' then redis.call('HSET', KEYS[1], 'cancelling', '1') end
redis.call('HSET', KEYS[1], 'status', 'cancelled', 'finished_at', ARGV[1], 'updated_at', ARGV[1])
return 'ok'`)
)

// RedisStore persists job records in Redis hashes under job:{id},
// shared by the coordinator and distributed workers.
type RedisStore struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedisStore creates a Redis-backed job store.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func jobKey(id string) string     { return jobKeyPrefix + id }
func jobLogKey(id string) string  { return jobKeyPrefix + id + jobLogSuffix }
func sessionKey(id string) string { return sessionKeyPrefix + id }

// Create registers a new job hash and indexes it for sweeps.
func (s *RedisStore) Create(ctx context.Context, job domain.Job) error {
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	// A job served from the result cache is created already completed,
	// so the result and terminal timestamps must round-trip too.
	result := ""
	if job.Result != nil {
		payload, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("encode result %s: %w", job.ID, err)
		}
		result = string(payload)
	}

	fields := map[string]any{
		"id":          job.ID,
		"session_id":  job.SessionID,
		"filename":    job.Filename,
		"model_id":    job.ModelID,
		"status":      string(job.Status),
		"cancelling":  "0",
		"progress":    job.Progress,
		"created_at":  job.CreatedAt.UnixMilli(),
		"started_at":  milliOrZero(job.StartedAt),
		"finished_at": milliOrZero(job.FinishedAt),
		"updated_at":  now.UnixMilli(),
		"device":      job.Device,
		"worker":      job.Worker,
		"result":      result,
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), fields)
	pipe.SAdd(ctx, jobIndexKey, job.ID)
	if job.SessionID != "" {
		pipe.SAdd(ctx, sessionKey(job.SessionID), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns a snapshot of one job.
func (s *RedisStore) Get(ctx context.Context, id string) (domain.Job, error) {
	data, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(data) == 0 {
		return domain.Job{}, ErrNotFound
	}

	job, err := jobFromHash(data)
	if err != nil {
		return domain.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}

	log, err := s.rdb.LRange(ctx, jobLogKey(id), 0, -1).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job log %s: %w", id, err)
	}
	job.DebugLog = log
	return job, nil
}

// BySession returns snapshots of all jobs in a session group.
func (s *RedisStore) BySession(ctx context.Context, sessionID string) ([]domain.Job, error) {
	ids, err := s.rdb.SMembers(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session %s members: %w", sessionID, err)
	}

	out := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue // swept since indexed
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// MarkProcessing transitions queued -> processing and records the worker.
func (s *RedisStore) MarkProcessing(ctx context.Context, id, worker string) error {
	return s.runTransition(ctx, markProcessingScript, []string{jobKey(id)},
		s.now().UnixMilli(), worker)
}

// UpdateProgress raises progress to max(current, progress).
func (s *RedisStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	err := s.runTransition(ctx, updateProgressScript, []string{jobKey(id)},
		progress, s.now().UnixMilli())
	if err == ErrNotRunnable {
		return nil
	}
	return err
}

// Complete stores the result and marks the job completed unless cancelled.
func (s *RedisStore) Complete(ctx context.Context, id string, result domain.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", id, err)
	}

	err = s.runTransition(ctx, completeScript, []string{jobKey(id)},
		string(payload), s.now().UnixMilli())
	if err == ErrNotRunnable {
		return nil
	}
	return err
}

// Fail marks the job failed with a diagnostic line.
func (s *RedisStore) Fail(ctx context.Context, id, diagnostic string) error {
	err := s.runTransition(ctx, failScript, []string{jobKey(id), jobLogKey(id)},
		s.now().UnixMilli(), diagnostic)
	if err == ErrNotRunnable {
		return nil
	}
	return err
}

// Cancel marks a queued or processing job cancelled. Idempotent.
func (s *RedisStore) Cancel(ctx context.Context, id string) error {
	err := s.runTransition(ctx, cancelScript, []string{jobKey(id)},
		s.now().UnixMilli())
	if err == ErrNotRunnable {
		return nil
	}
	return err
}

// AppendLog adds a diagnostic line to the job's debug log.
func (s *RedisStore) AppendLog(ctx context.Context, id, line string) error {
	exists, err := s.rdb.Exists(ctx, jobKey(id)).Result()
	if err != nil {
		return fmt.Errorf("append log %s: %w", id, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := s.rdb.RPush(ctx, jobLogKey(id), line).Err(); err != nil {
		return fmt.Errorf("append log %s: %w", id, err)
	}
	return nil
}

// Sweep removes terminal jobs finished before the cutoff.
func (s *RedisStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.rdb.SMembers(ctx, jobIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep index: %w", err)
	}

	removed := 0
	for _, id := range ids {
		vals, err := s.rdb.HMGet(ctx, jobKey(id), "status", "finished_at", "session_id").Result()
		if err != nil {
			return removed, fmt.Errorf("sweep job %s: %w", id, err)
		}
		status, _ := vals[0].(string)
		if status == "" {
			// Hash already gone; drop the dangling index entry.
			s.rdb.SRem(ctx, jobIndexKey, id)
			continue
		}
		if !domain.JobStatus(status).Terminal() {
			continue
		}
		finished := parseMilli(vals[1])
		if finished.IsZero() || !finished.Before(cutoff) {
			continue
		}

		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, jobKey(id), jobLogKey(id))
		pipe.SRem(ctx, jobIndexKey, id)
		if sess, _ := vals[2].(string); sess != "" {
			pipe.SRem(ctx, sessionKey(sess), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("sweep delete %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

// FailStale fails processing jobs not updated since the cutoff.
func (s *RedisStore) FailStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, jobIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("stale scan: %w", err)
	}

	var failed []string
	for _, id := range ids {
		vals, err := s.rdb.HMGet(ctx, jobKey(id), "status", "updated_at").Result()
		if err != nil {
			return failed, fmt.Errorf("stale job %s: %w", id, err)
		}
		status, _ := vals[0].(string)
		if domain.JobStatus(status) != domain.JobStatusProcessing {
			continue
		}
		updated := parseMilli(vals[1])
		if updated.IsZero() || !updated.Before(cutoff) {
			continue
		}
		if err := s.Fail(ctx, id, "worker stopped reporting; job marked failed by watchdog"); err != nil {
			return failed, err
		}
		failed = append(failed, id)
	}
	return failed, nil
}

// runTransition evaluates a transition script and maps its verdict.
func (s *RedisStore) runTransition(ctx context.Context, script *redis.Script, keys []string, args ...any) error {
	res, err := script.Run(ctx, s.rdb, keys, args...).Text()
	if err != nil {
		return fmt.Errorf("job transition: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return ErrNotFound
	case "skip":
		return ErrNotRunnable
	default:
		return fmt.Errorf("job transition: unexpected verdict %q", res)
	}
}

// jobFromHash rebuilds a job record from its Redis hash fields.
func jobFromHash(data map[string]string) (domain.Job, error) {
	progress, _ := strconv.Atoi(data["progress"])
	job := domain.Job{
		ID:         data["id"],
		SessionID:  data["session_id"],
		Filename:   data["filename"],
		ModelID:    data["model_id"],
		Status:     domain.JobStatus(data["status"]),
		Cancelling: data["cancelling"] == "1",
		Progress:   progress,
		CreatedAt:  parseMilli(data["created_at"]),
		StartedAt:  parseMilli(data["started_at"]),
		FinishedAt: parseMilli(data["finished_at"]),
		UpdatedAt:  parseMilli(data["updated_at"]),
		Device:     data["device"],
		Worker:     data["worker"],
	}

	if raw := data["result"]; raw != "" {
		var res domain.Result
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return domain.Job{}, err
		}
		job.Result = &res
	}
	return job, nil
}

// milliOrZero renders an optional timestamp as unix milliseconds.
func milliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// parseMilli converts a unix-millisecond field to a time, zero when unset.
func parseMilli(v any) time.Time {
	var ms int64
	switch t := v.(type) {
	case string:
		ms, _ = strconv.ParseInt(t, 10, 64)
	case int64:
		ms = t
	}
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
