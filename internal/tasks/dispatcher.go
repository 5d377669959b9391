package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"consultline/internal/metrics"
	"consultline/pkg/logger"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/panjf2000/ants/v2"
)

// AuthHeader carries the shared secret on task callbacks.
const AuthHeader = "X-Task-Auth"

// ReasonUndeliverable is the cancellation reason for sessions whose start
// task ran out of delivery attempts.
const ReasonUndeliverable = "start_task_undeliverable"

type DispatcherConfig struct {
	CallbackURL  string
	Secret       string
	PollInterval time.Duration
	BatchSize    int
	Timeout      time.Duration
	// MaxAttempts is the number of ticks a task may fail before its
	// session is cancelled.
	MaxAttempts int
	// RetryBackoff is the delay before the second tick; it doubles per
	// failure up to maxRetryBackoff.
	RetryBackoff time.Duration
	// HTTPRetryWait is resty's wait between retries within one tick.
	HTTPRetryWait time.Duration
}

const maxRetryBackoff = 10 * time.Minute

// SessionCanceller releases a session whose start task cannot be delivered.
type SessionCanceller interface {
	CancelSession(ctx context.Context, id, reason string) error
}

// Dispatcher moves due tasks from redis to the task callback endpoint.
type Dispatcher struct {
	sched       *Scheduler
	client      *resty.Client
	pool        *ants.Pool
	canceller   SessionCanceller
	metrics     *metrics.Metrics
	log         *slog.Logger
	url         string
	interval    time.Duration
	batch       int
	maxAttempts int
	backoff     time.Duration
}

func NewDispatcher(sched *Scheduler, cfg DispatcherConfig, pool *ants.Pool, canceller SessionCanceller, m *metrics.Metrics, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	if cfg.HTTPRetryWait <= 0 {
		cfg.HTTPRetryWait = time.Second
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(cfg.HTTPRetryWait).
		SetRetryMaxWaitTime(5*time.Second).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetHeader("Content-Type", "application/json").
		SetHeader(AuthHeader, cfg.Secret).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Dispatcher{
		sched:       sched,
		client:      client,
		pool:        pool,
		canceller:   canceller,
		metrics:     m,
		log:         log,
		url:         cfg.CallbackURL,
		interval:    cfg.PollInterval,
		batch:       cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.RetryBackoff,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchDue(ctx); err != nil {
				d.log.Error("task dispatch failed", "err", err)
			}
		}
	}
}

// DispatchDue claims every due task and delivers it, waiting for the batch
// to finish. It returns the number of tasks delivered successfully. A task
// is dropped only after a 2xx; failed ones are requeued with backoff until
// they run out of attempts, then their session is cancelled.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	due, err := d.sched.ClaimDue(ctx, d.batch)
	if err != nil && len(due) == 0 {
		return 0, err
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, p := range due {
		p := p
		wg.Add(1)
		job := func() {
			defer wg.Done()
			if d.process(ctx, p) {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}
		if d.pool == nil {
			job()
			continue
		}
		if serr := d.pool.Submit(job); serr != nil {
			d.log.Warn("task pool rejected delivery, running inline", "task_id", p.TaskID, "err", serr)
			job()
		}
	}
	wg.Wait()
	return ok, err
}

func (d *Dispatcher) process(ctx context.Context, p Payload) bool {
	ctx, l := logger.WithAttrs(logger.With(ctx, d.log), "task_id", p.TaskID, "session_id", p.CallSessionID)

	err := d.deliver(ctx, p)
	if err == nil {
		d.metrics.TaskDispatch("delivered")
		l.Info("task delivered", "lag_ms", time.Since(p.ScheduledAt).Milliseconds())
		if aerr := d.sched.Ack(ctx, p); aerr != nil {
			l.Warn("task ack failed", "err", aerr)
		}
		return true
	}

	if p.Attempts+1 < d.maxAttempts {
		next, rerr := d.sched.Retry(ctx, p, d.backoffFor(p.Attempts))
		if rerr != nil {
			// The claim expires and the task is handed out again.
			l.Error("task requeue failed", "err", rerr, "delivery_err", err)
			return false
		}
		d.metrics.TaskDispatch("retry")
		l.Warn("task delivery failed, requeued", "attempt", next.Attempts, "err", err)
		return false
	}

	d.metrics.TaskDispatch("abandoned")
	l.Error("task delivery failed, giving up", "attempts", p.Attempts+1, "err", err)
	if aerr := d.sched.Ack(ctx, p); aerr != nil {
		l.Warn("task ack failed", "err", aerr)
	}
	if d.canceller != nil {
		if cerr := d.canceller.CancelSession(ctx, p.CallSessionID, ReasonUndeliverable); cerr != nil {
			l.Error("cancel session after undeliverable task failed", "err", cerr)
		}
	}
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, p Payload) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(p).
		Post(d.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("callback returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (d *Dispatcher) backoffFor(failures int) time.Duration {
	b := d.backoff
	for i := 0; i < failures && b < maxRetryBackoff; i++ {
		b *= 2
	}
	return min(b, maxRetryBackoff)
}
