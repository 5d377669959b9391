package tasks

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"consultline/internal/sessions"
	"consultline/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/panjf2000/ants/v2"
)

// SagaStarter runs the call saga for one session.
type SagaStarter interface {
	StartSaga(ctx context.Context, sessionID string) error
}

type SessionReader interface {
	Get(ctx context.Context, id string) (sessions.CallSession, error)
}

// SagaRunner hands sagas to a bounded worker pool. Sagas run on the
// runner's base context, not the request's, so they outlive the callback.
type SagaRunner struct {
	base    context.Context
	pool    *ants.Pool
	starter SagaStarter
	log     *slog.Logger
}

func NewSagaRunner(base context.Context, pool *ants.Pool, starter SagaStarter, log *slog.Logger) *SagaRunner {
	if log == nil {
		log = slog.Default()
	}
	return &SagaRunner{base: base, pool: pool, starter: starter, log: log}
}

func (r *SagaRunner) Submit(sessionID string) error {
	return r.pool.Submit(func() {
		ctx, l := logger.WithAttrs(logger.With(r.base, r.log), "session_id", sessionID)
		if err := r.starter.StartSaga(ctx, sessionID); err != nil {
			l.Error("call saga failed", "err", err)
		}
	})
}

// Submitter is satisfied by SagaRunner.
type Submitter interface {
	Submit(sessionID string) error
}

// CallbackHandler serves POST /tasks/execute-call.
type CallbackHandler struct {
	secret   string
	sessions SessionReader
	runner   Submitter
	clock    func() time.Time
}

func NewCallbackHandler(secret string, store SessionReader, runner Submitter) *CallbackHandler {
	return &CallbackHandler{secret: secret, sessions: store, runner: runner, clock: time.Now}
}

func (h *CallbackHandler) ExecuteCall(c *gin.Context) {
	start := h.clock()
	log := logger.FromGin(c)

	got := c.GetHeader(AuthHeader)
	if got == "" || h.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		log.Warn("task callback rejected", "reason", "bad secret")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}

	var p Payload
	if err := c.ShouldBindJSON(&p); err != nil || strings.TrimSpace(p.CallSessionID) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": "callSessionId is required"})
		return
	}

	ctx, log := logger.WithAttrs(logger.With(c.Request.Context(), log), "session_id", p.CallSessionID, "task_id", p.TaskID)
	result, err := h.execute(ctx, p)
	if err != nil {
		log.Error("task callback failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success":       false,
			"callSessionId": p.CallSessionID,
			"error":         err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"callSessionId":   p.CallSessionID,
		"executionTimeMs": h.clock().Sub(start).Milliseconds(),
		"result":          result,
	})
}

func (h *CallbackHandler) execute(ctx context.Context, p Payload) (gin.H, error) {
	s, err := h.sessions.Get(ctx, p.CallSessionID)
	if errors.Is(err, sessions.ErrNotFound) {
		return skipped("session_not_found"), nil
	}
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return skipped("session_" + string(s.Status)), nil
	}
	if s.Payment.Status != sessions.PaymentAuthorized {
		return skipped("payment_not_authorized"), nil
	}
	if s.Status != sessions.StatusPending {
		return skipped("already_started"), nil
	}

	if err := h.runner.Submit(s.ID); err != nil {
		return nil, err
	}
	logger.From(ctx).Info("call saga dispatched")
	return gin.H{"status": "started"}, nil
}

func skipped(reason string) gin.H {
	return gin.H{"status": "skipped", "reason": reason}
}
