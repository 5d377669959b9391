package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"consultline/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis layout:
//   tasks:due               ZSET task id scored by fire time (unix ms)
//   tasks:inflight          ZSET claimed task id scored by claim expiry (unix ms)
//   tasks:task:<id>         JSON payload
//   tasks:session:<id>      task id of the session's pending task
const (
	dueKey        = "tasks:due"
	inflightKey   = "tasks:inflight"
	taskKeyPrefix = "tasks:task:"
	sessionPrefix = "tasks:session:"

	// Keys outlive their fire time so a slow dispatcher still finds them.
	keyGrace = time.Hour

	// A claim not acked or retried within this window goes back to due.
	defaultClaimTTL = 2 * time.Minute
)

// Payload is the body of the scheduled callback.
type Payload struct {
	CallSessionID string    `json:"callSessionId"`
	ScheduledAt   time.Time `json:"scheduledAt"`
	TaskID        string    `json:"taskId"`
	// Attempts counts failed deliveries so far.
	Attempts int `json:"attempts,omitempty"`
}

var ErrSessionRequired = errors.New("tasks: session id required")

// Scheduler stores one deferred saga-start task per session in redis.
type Scheduler struct {
	rdb          redis.UniversalClient
	defaultDelay time.Duration
	claimTTL     time.Duration
	clock        func() time.Time
}

func NewScheduler(rdb redis.UniversalClient, defaultDelay time.Duration) *Scheduler {
	if defaultDelay <= 0 {
		defaultDelay = 5 * time.Minute
	}
	return &Scheduler{rdb: rdb, defaultDelay: defaultDelay, claimTTL: defaultClaimTTL, clock: time.Now}
}

func taskKey(id string) string           { return taskKeyPrefix + id }
func sessionKey(sessionID string) string { return sessionPrefix + sessionID }

// ScheduleCallTask enqueues the saga start for sessionID after delay and
// returns the task id. A session with a pending task gets that task's id
// back instead of a second task.
func (s *Scheduler) ScheduleCallTask(ctx context.Context, sessionID string, delay time.Duration) (string, error) {
	if sessionID == "" {
		return "", ErrSessionRequired
	}
	if delay <= 0 {
		delay = s.defaultDelay
	}

	id := uuid.NewString()
	ttl := delay + keyGrace
	ok, err := s.rdb.SetNX(ctx, sessionKey(sessionID), id, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("reserve task for session %s: %w", sessionID, err)
	}
	if !ok {
		existing, err := s.rdb.Get(ctx, sessionKey(sessionID)).Result()
		if err != nil {
			return "", fmt.Errorf("read pending task for session %s: %w", sessionID, err)
		}
		return existing, nil
	}

	fireAt := s.clock().UTC().Add(delay)
	raw, err := json.Marshal(Payload{CallSessionID: sessionID, ScheduledAt: fireAt, TaskID: id})
	if err != nil {
		return "", err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, taskKey(id), raw, ttl)
		p.ZAdd(ctx, dueKey, redis.Z{Score: float64(fireAt.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		_ = s.rdb.Del(ctx, sessionKey(sessionID)).Err()
		return "", fmt.Errorf("enqueue task for session %s: %w", sessionID, err)
	}

	logger.From(ctx).Info("call task scheduled", "session_id", sessionID, "task_id", id, "fire_at", fireAt)
	return id, nil
}

// CancelCallTask removes a pending task. Unknown or already dispatched
// tasks are not an error.
func (s *Scheduler) CancelCallTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return nil
	}
	p, err := s.load(ctx, taskID)
	if errors.Is(err, redis.Nil) {
		_ = s.rdb.ZRem(ctx, dueKey, taskID).Err()
		_ = s.rdb.ZRem(ctx, inflightKey, taskID).Err()
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, dueKey, taskID)
		pipe.ZRem(ctx, inflightKey, taskID)
		pipe.Del(ctx, taskKey(taskID), sessionKey(p.CallSessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	logger.From(ctx).Info("call task cancelled", "task_id", taskID, "session_id", p.CallSessionID)
	return nil
}

// ClaimDue moves up to limit tasks whose fire time has passed into the
// in-flight set and returns them. ZREM decides ownership, so concurrent
// dispatchers never claim a task twice. Each claimed task must be settled
// with Ack or Retry; claims left open past the claim window are handed out
// again.
func (s *Scheduler) ClaimDue(ctx context.Context, limit int) ([]Payload, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.clock().UTC()
	if err := s.requeueExpired(ctx, now); err != nil {
		return nil, err
	}
	ids, err := s.rdb.ZRangeByScore(ctx, dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	expiry := float64(now.Add(s.claimTTL).UnixMilli())
	out := make([]Payload, 0, len(ids))
	for _, id := range ids {
		n, err := s.rdb.ZRem(ctx, dueKey, id).Result()
		if err != nil {
			return out, err
		}
		if n == 0 {
			continue
		}
		p, err := s.load(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return out, err
		}
		if err := s.rdb.ZAdd(ctx, inflightKey, redis.Z{Score: expiry, Member: id}).Err(); err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Ack drops a delivered (or abandoned) task and frees its session.
func (s *Scheduler) Ack(ctx context.Context, p Payload) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, inflightKey, p.TaskID)
		pipe.ZRem(ctx, dueKey, p.TaskID)
		pipe.Del(ctx, taskKey(p.TaskID), sessionKey(p.CallSessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack task %s: %w", p.TaskID, err)
	}
	return nil
}

// Retry records a failed delivery and puts the task back on the due set
// after backoff. It returns the updated payload.
func (s *Scheduler) Retry(ctx context.Context, p Payload, backoff time.Duration) (Payload, error) {
	p.Attempts++
	raw, err := json.Marshal(p)
	if err != nil {
		return p, err
	}
	fireAt := s.clock().UTC().Add(backoff)
	ttl := backoff + keyGrace
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, taskKey(p.TaskID), raw, ttl)
		pipe.Expire(ctx, sessionKey(p.CallSessionID), ttl)
		pipe.ZRem(ctx, inflightKey, p.TaskID)
		pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(fireAt.UnixMilli()), Member: p.TaskID})
		return nil
	})
	if err != nil {
		return p, fmt.Errorf("requeue task %s: %w", p.TaskID, err)
	}
	return p, nil
}

// requeueExpired returns stale claims, e.g. from a dispatcher that died
// mid-delivery, to the due set.
func (s *Scheduler) requeueExpired(ctx context.Context, now time.Time) error {
	ids, err := s.rdb.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		n, err := s.rdb.ZRem(ctx, inflightKey, id).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := s.rdb.ZAdd(ctx, dueKey, redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err(); err != nil {
			return err
		}
		logger.From(ctx).Warn("call task claim expired, requeued", "task_id", id)
	}
	return nil
}

// Pending reports whether a task is still waiting to fire.
func (s *Scheduler) Pending(ctx context.Context, taskID string) (bool, error) {
	_, err := s.rdb.ZScore(ctx, dueKey, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

func (s *Scheduler) load(ctx context.Context, id string) (Payload, error) {
	raw, err := s.rdb.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		return Payload{}, err
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return p, nil
}
