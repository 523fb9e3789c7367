// Package mq is a small durable job queue on Redis. Each named queue keeps
// its jobs as JSON under mq:<queue>:job:<id> and schedules them in a sorted
// set scored by the time they become ready, so delayed jobs, retries with
// backoff and unique job ids all share one mechanism.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultAttempts = 3
	failedCap       = 500
)

type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Type, j.ID, err)
	}
	return nil
}

// Options tune a single Enqueue call. A JobID makes the enqueue idempotent:
// while a job with that id exists, enqueueing again is a no-op.
type Options struct {
	Delay    time.Duration
	JobID    string
	Priority int // 0-9, lower runs first among jobs ready at the same time
	Attempts int
}

type Queue struct {
	conn redis.Cmdable
	name string
	now  func() time.Time
}

func NewQueue(conn redis.Cmdable, name string) *Queue {
	return &Queue{conn: conn, name: name, now: time.Now}
}

// WithClock replaces the time source, for tests that move time forward.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) jobKey(id string) string { return "mq:" + q.name + ":job:" + id }
func (q *Queue) scheduledKey() string { return "mq:" + q.name + ":scheduled" }
func (q *Queue) activeKey() string { return "mq:" + q.name + ":active" }
func (q *Queue) failedKey() string { return "mq:" + q.name + ":failed" }

// score orders by ready time first and priority second.
func score(readyAt time.Time, priority int) float64 {
	return float64(readyAt.UnixMilli()*10 + int64(clampPriority(priority)))
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 9 {
		return 9
	}
	return p
}

// Enqueue stores the job and schedules it. created is false when a job with
// the same id is already queued.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (string, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}

	now := q.now()
	job := Job{
		ID:          id,
		Queue:       q.name,
		Type:        jobType,
		Payload:     raw,
		Priority:    clampPriority(opts.Priority),
		MaxAttempts: attempts,
		EnqueuedAt:  now,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", false, err
	}

	created, err := q.conn.SetNX(ctx, q.jobKey(id), data, 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("store job %s: %w", id, err)
	}
	if !created {
		return id, false, nil
	}
	z := redis.Z{Score: score(now.Add(opts.Delay), job.Priority), Member: id}
	if err := q.conn.ZAdd(ctx, q.scheduledKey(), z).Err(); err != nil {
		q.conn.Del(ctx, q.jobKey(id))
		return "", false, fmt.Errorf("schedule job %s: %w", id, err)
	}
	return id, true, nil
}

// Remove drops a job that has not started yet. It reports false when the
// job was already claimed, finished or never existed.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	n, err := q.conn.ZRem(ctx, q.scheduledKey(), id).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := q.conn.Del(ctx, q.jobKey(id)).Err(); err != nil {
		return true, err
	}
	return true, nil
}

// Get returns a stored job or nil.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := q.conn.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// ReadyAt reports when a scheduled job becomes claimable.
func (q *Queue) ReadyAt(ctx context.Context, id string) (time.Time, bool, error) {
	s, err := q.conn.ZScore(ctx, q.scheduledKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(s) / 10), true, nil
}

// Claim takes the next ready job, or returns nil if none is due. ZREM
// decides ownership when several workers race for the same id.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	max := strconv.FormatInt(q.now().UnixMilli()*10+9, 10)
	ids, err := q.conn.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	id := ids[0]

	removed, err := q.conn.ZRem(ctx, q.scheduledKey(), id).Result()
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	if removed == 0 {
		return nil, nil
	}
	if err := q.conn.SAdd(ctx, q.activeKey(), id).Err(); err != nil {
		return nil, fmt.Errorf("mark job %s active: %w", id, err)
	}

	job, err := q.Get(ctx, id)
	if err != nil || job == nil {
		q.conn.SRem(ctx, q.activeKey(), id)
		return nil, err
	}
	return job, nil
}

// Complete forgets a finished job.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	_, err := q.conn.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, q.jobKey(job.ID))
		p.SRem(ctx, q.activeKey(), job.ID)
		return nil
	})
	return err
}

// Retry reschedules job after delay, keeping its attempt count.
func (q *Queue) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.conn.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.jobKey(job.ID), data, 0)
		p.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: score(q.now().Add(delay), job.Priority), Member: job.ID})
		p.SRem(ctx, q.activeKey(), job.ID)
		return nil
	})
	return err
}

// Fail moves job to the capped failed list.
func (q *Queue) Fail(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.conn.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, q.failedKey(), data)
		p.LTrim(ctx, q.failedKey(), 0, failedCap-1)
		p.Del(ctx, q.jobKey(job.ID))
		p.SRem(ctx, q.activeKey(), job.ID)
		return nil
	})
	return err
}

// Failed returns the most recent failed jobs, newest first.
func (q *Queue) Failed(ctx context.Context, limit int64) ([]Job, error) {
	raws, err := q.conn.LRange(ctx, q.failedKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Size is the number of jobs waiting, due or not.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.conn.ZCard(ctx, q.scheduledKey()).Result()
}

// RequeueActive puts back jobs that were claimed by a process that died
// before finishing them. Call it once at startup, before workers run.
func (q *Queue) RequeueActive(ctx context.Context) (int, error) {
	ids, err := q.conn.SMembers(ctx, q.activeKey()).Result()
	if err != nil {
		return 0, err
	}
	now := q.now()
	n := 0
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			log.Printf("[Queue:%s] recover %s: %v", q.name, id, err)
			continue
		}
		q.conn.SRem(ctx, q.activeKey(), id)
		if job == nil {
			continue
		}
		if err := q.conn.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: score(now, job.Priority), Member: id}).Err(); err != nil {
			log.Printf("[Queue:%s] requeue %s: %v", q.name, id, err)
			continue
		}
		n++
	}
	if n > 0 {
		log.Printf("[Queue:%s] requeued %d interrupted jobs", q.name, n)
	}
	return n, nil
}
