// Package jobstore implements the durable Redis-backed job queue: enqueue
// with idempotency keys, lease-based dequeue with a visibility timeout,
// retry with exponential backoff, and named repeating schedules.
//
// The hash job:<id> is the source of truth for one job. Ready ids sit in
// queue:<kind> lists, scheduled ids in delay:<kind> zsets scored by
// run-at, active ids in the leases zset scored by lease deadline. All
// state transitions run as server-side scripts so that N worker and
// gateway processes coordinate without any in-process locks.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrNoJob        = errors.New("no job available")
	ErrStale        = errors.New("job was reassigned; result ignored")
	ErrNotRetryable = errors.New("job is not in a terminal failed state")
)

const (
	jobKeyPrefix   = "job:"
	queueKeyPrefix = "queue:"
	delayKeyPrefix = "delay:"
	idemKeyPrefix  = "idem:"
	leasesKey      = "leases"
	deadLetterKey  = "dead:jobs"
	schedulesKey   = "schedules"
)

// enqueueIdem returns the id of a live job holding the idempotency key,
// or claims the key and writes the job in the same step. A claim never
// exists without its job hash.
var enqueueIdemScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  local st = redis.call('HGET', 'job:' .. existing, 'status')
  if st and st ~= 'completed' and st ~= 'failed' then
    return existing
  end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], unpack(ARGV, 4))
if ARGV[2] == '1' then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
else
  redis.call('LPUSH', KEYS[3], ARGV[1])
end
return ''
`)

// popLease pops one ready id and marks it active under a lease in the
// same step, so the id is always reachable from either the queue or the
// leases zset. Returns '' when the popped hash was reaped, nil when the
// queue is empty.
var popLeaseScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then return false end
if redis.call('EXISTS', 'job:' .. id) == 0 then return '' end
redis.call('HINCRBY', 'job:' .. id, 'attempt', 1)
redis.call('HSET', 'job:' .. id, 'status', 'active', 'updated_at', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], id)
return id
`)

// complete applies the first terminal transition; a completion arriving
// after the lease expired and the job was re-leased is stale (0). The
// idempotency key is released only while this job still owns it.
var completeScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'active' then return 0 end
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'status', 'completed', 'result', ARGV[3], 'updated_at', ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[1])
local idem = redis.call('HGET', KEYS[1], 'idem_key')
if idem and idem ~= '' and redis.call('GET', 'idem:' .. idem) == ARGV[1] then
  redis.call('DEL', 'idem:' .. idem)
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// fail returns 0 stale, 1 retry scheduled, 2 terminal failure.
var failScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'active' then return 0 end
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'last_error', ARGV[3], 'updated_at', ARGV[5])
redis.call('ZREM', KEYS[2], ARGV[1])
local attempt = tonumber(ARGV[2])
local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
if ARGV[4] == '1' or attempt >= max then
  redis.call('HSET', KEYS[1], 'status', 'failed', 'permanent', ARGV[4])
  local idem = redis.call('HGET', KEYS[1], 'idem_key')
  if idem and idem ~= '' and redis.call('GET', 'idem:' .. idem) == ARGV[1] then
    redis.call('DEL', 'idem:' .. idem)
  end
  redis.call('LPUSH', KEYS[4], ARGV[1])
  redis.call('PEXPIRE', KEYS[1], ARGV[6])
  return 2
end
redis.call('HSET', KEYS[1], 'status', 'delayed', 'scheduled_at', ARGV[7])
redis.call('ZADD', KEYS[3], ARGV[7], ARGV[1])
return 1
`)

var retryScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'failed' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'waiting', 'attempt', 0, 'last_error', '', 'permanent', '0', 'updated_at', ARGV[2])
redis.call('PERSIST', KEYS[1])
local kind = redis.call('HGET', KEYS[1], 'kind')
redis.call('LPUSH', 'queue:' .. kind, ARGV[1])
return 1
`)

// reclaim requeues one expired lease; a job that finished in the meantime
// is left alone.
var reclaimScript = redis.NewScript(`
local deadline = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not deadline or tonumber(deadline) > tonumber(ARGV[2]) then return 0 end
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'active' then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 0
end
local kind = redis.call('HGET', KEYS[1], 'kind')
redis.call('HSET', KEYS[1], 'status', 'waiting', 'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('LPUSH', 'queue:' .. kind, ARGV[1])
return 1
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', 'job:' .. id, 'status', 'waiting')
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

type Store struct {
	rdb         *redis.Client
	policy      RetryPolicy
	visibility  time.Duration
	maxAttempts int
	retention   time.Duration
	logger      zerolog.Logger
}

func New(rdb *redis.Client, cfg config.QueueConfig, logger zerolog.Logger) *Store {
	return &Store{
		rdb: rdb,
		policy: RetryPolicy{
			InitialDelay:  time.Duration(cfg.InitialDelaySec) * time.Second,
			MaxDelay:      time.Duration(cfg.MaxDelaySec) * time.Second,
			BackoffFactor: cfg.BackoffFactor,
		},
		visibility:  time.Duration(cfg.VisibilityTimeoutSec) * time.Second,
		maxAttempts: cfg.MaxAttempts,
		retention:   time.Duration(cfg.RetentionSec) * time.Second,
		logger:      logger.With().Str("component", "jobstore").Logger(),
	}
}

// EnqueueOptions tune a single enqueue call. Zero values fall back to
// store-level configuration.
type EnqueueOptions struct {
	IdempotencyKey string
	Delay          time.Duration
	Retention      time.Duration
	MaxAttempts    int
}

// Enqueue persists a job and makes it visible to workers. When an
// idempotency key is held by a non-terminal job, the existing job's id
// is returned and no duplicate is created. A backend failure surfaces
// to the caller; user-initiated jobs are never dropped silently.
func (s *Store) Enqueue(ctx context.Context, kind models.JobKind, payload interface{}, opts EnqueueOptions) (string, error) {
	if !models.ValidKind(kind) {
		return "", fmt.Errorf("unknown job kind: %s", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	now := time.Now()
	status := models.StatusWaiting
	scheduledAt := now
	dest := queueKeyPrefix + string(kind)
	delayed := "0"
	if opts.Delay > 0 {
		status = models.StatusDelayed
		scheduledAt = now.Add(opts.Delay)
		dest = delayKeyPrefix + string(kind)
		delayed = "1"
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = s.retention
	}

	id := uuid.NewString()
	fields := []interface{}{
		"kind", string(kind),
		"payload", string(raw),
		"status", string(status),
		"attempt", 0,
		"max_attempts", maxAttempts,
		"idem_key", opts.IdempotencyKey,
		"scheduled_at", scheduledAt.Unix(),
		"retention_ms", retention.Milliseconds(),
		"created_at", now.Unix(),
		"updated_at", now.Unix(),
	}

	if opts.IdempotencyKey != "" {
		args := append([]interface{}{id, delayed, scheduledAt.Unix()}, fields...)
		existing, err := enqueueIdemScript.Run(ctx, s.rdb,
			[]string{idemKeyPrefix + opts.IdempotencyKey, jobKeyPrefix + id, dest},
			args...).Text()
		if err != nil {
			return "", fmt.Errorf("claim idempotency key: %w", err)
		}
		if existing != "" {
			return existing, nil
		}
	} else {
		if err := s.rdb.HSet(ctx, jobKeyPrefix+id, fields...).Err(); err != nil {
			return "", fmt.Errorf("persist job: %w", err)
		}
		if delayed == "1" {
			err = s.rdb.ZAdd(ctx, dest, redis.Z{Score: float64(scheduledAt.Unix()), Member: id}).Err()
		} else {
			err = s.rdb.LPush(ctx, dest, id).Err()
		}
		if err != nil {
			return "", fmt.Errorf("queue job: %w", err)
		}
	}

	s.logger.Debug().Str("job_id", id).Str("kind", string(kind)).Msg("job enqueued")
	return id, nil
}

// leasePollStep bounds how long an idle Lease waits between polls.
const leasePollStep = 50 * time.Millisecond

// Lease waits up to block for a job of one of the given kinds and moves
// it to active under a visibility timeout. The pop and the lease
// registration are a single server-side step. Returns ErrNoJob when the
// wait times out.
func (s *Store) Lease(ctx context.Context, kinds []models.JobKind, block time.Duration) (*models.Job, error) {
	deadline := time.Now().Add(block)
	for {
		for _, kind := range kinds {
			now := time.Now()
			id, err := popLeaseScript.Run(ctx, s.rdb,
				[]string{queueKeyPrefix + string(kind), leasesKey},
				now.Unix(), now.Add(s.visibility).Unix()).Text()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, fmt.Errorf("lease job: %w", err)
			}
			if id == "" {
				// Hash reaped after retention; nothing to run.
				continue
			}
			return s.Get(ctx, id)
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, ErrNoJob
		}
		if wait > leasePollStep {
			wait = leasePollStep
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Complete records a successful attempt. The first terminal transition
// wins: completing a job whose lease expired and was re-leased returns
// ErrStale.
func (s *Store) Complete(ctx context.Context, job *models.Job, result string) error {
	ok, err := completeScript.Run(ctx, s.rdb,
		[]string{jobKeyPrefix + job.ID, leasesKey},
		job.ID, strconv.Itoa(job.Attempt), result, time.Now().Unix(),
		s.retentionMillis(ctx, job.ID)).Int()
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if ok == 0 {
		return ErrStale
	}
	return nil
}

// Fail records a failed attempt. Transient failures below the attempt
// ceiling are requeued with exponential backoff; permanent failures and
// exhausted jobs become terminal and go to the dead-letter list.
func (s *Store) Fail(ctx context.Context, job *models.Job, cause error, permanent bool) error {
	permArg := "0"
	if permanent {
		permArg = "1"
	}
	retryAt := time.Now().Add(s.policy.NextDelay(job.Attempt))
	outcome, err := failScript.Run(ctx, s.rdb,
		[]string{jobKeyPrefix + job.ID, leasesKey, delayKeyPrefix + string(job.Kind), deadLetterKey},
		job.ID, strconv.Itoa(job.Attempt), cause.Error(), permArg, time.Now().Unix(),
		s.retentionMillis(ctx, job.ID), retryAt.Unix()).Int()
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if outcome == 0 {
		return ErrStale
	}
	return nil
}

// Retry requeues a terminal failed job with a fresh attempt budget.
// In-flight or completed jobs are rejected.
func (s *Store) Retry(ctx context.Context, id string) error {
	ok, err := retryScript.Run(ctx, s.rdb,
		[]string{jobKeyPrefix + id}, id, time.Now().Unix()).Int()
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if ok == 0 {
		return ErrNotRetryable
	}
	return nil
}

// Get loads a job by id for status queries.
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKeyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseJob(id, fields), nil
}

func (s *Store) retentionMillis(ctx context.Context, id string) int64 {
	v, err := s.rdb.HGet(ctx, jobKeyPrefix+id, "retention_ms").Int64()
	if err != nil || v <= 0 {
		return s.retention.Milliseconds()
	}
	return v
}

func parseJob(id string, fields map[string]string) *models.Job {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(fields[k])
		return n
	}
	unix := func(k string) time.Time {
		n, _ := strconv.ParseInt(fields[k], 10, 64)
		if n == 0 {
			return time.Time{}
		}
		return time.Unix(n, 0)
	}
	return &models.Job{
		ID:             id,
		Kind:           models.JobKind(fields["kind"]),
		Payload:        json.RawMessage(fields["payload"]),
		Status:         models.JobStatus(fields["status"]),
		Attempt:        atoi("attempt"),
		MaxAttempts:    atoi("max_attempts"),
		IdempotencyKey: fields["idem_key"],
		ScheduledAt:    unix("scheduled_at"),
		Result:         fields["result"],
		LastError:      fields["last_error"],
		Permanent:      fields["permanent"] == "1",
		CreatedAt:      unix("created_at"),
		UpdatedAt:      unix("updated_at"),
	}
}

// MoveDue shifts scheduled jobs whose run-at has passed onto the ready
// queue for their kind.
func (s *Store) MoveDue(ctx context.Context, kind models.JobKind, now time.Time, batch int) (int, error) {
	n, err := moveDueScript.Run(ctx, s.rdb,
		[]string{delayKeyPrefix + string(kind), queueKeyPrefix + string(kind)},
		now.Unix(), batch).Int()
	if err != nil {
		return 0, fmt.Errorf("move due jobs: %w", err)
	}
	return n, nil
}

// ReclaimExpired requeues jobs whose lease deadline passed without a
// terminal transition; the abandoned worker's late result will be
// rejected as stale.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}
	reclaimed := 0
	for _, id := range ids {
		n, err := reclaimScript.Run(ctx, s.rdb,
			[]string{jobKeyPrefix + id, leasesKey}, id, now.Unix()).Int()
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim lease %s: %w", id, err)
		}
		if n == 1 {
			s.logger.Warn().Str("job_id", id).Msg("lease expired, job requeued")
			reclaimed++
		}
	}
	return reclaimed, nil
}

// DeadLetters returns up to limit most recent dead-lettered job ids.
func (s *Store) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	return s.rdb.LRange(ctx, deadLetterKey, 0, limit-1).Result()
}
