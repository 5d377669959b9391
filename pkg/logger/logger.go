package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// New returns the process logger. Local runs get human-readable text at
// debug level; every other environment gets JSON.
func New(appEnv string) *slog.Logger {
	return NewWriter(appEnv, os.Stdout)
}

// NewWriter is New with an explicit destination.
func NewWriter(appEnv string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if appEnv == "local" || appEnv == "dev" {
		opts.Level = slog.LevelDebug
	}

	var h slog.Handler
	if appEnv == "local" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", "consultline", "env", appEnv)
}

type ctxKey struct{}

// scoped is the context value: the logger plus the attribute keys added to
// it through WithAttrs.
type scoped struct {
	l    *slog.Logger
	keys map[string]struct{}
}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, scoped{l: l})
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if s, ok := ctx.Value(ctxKey{}).(scoped); ok && s.l != nil {
		return s.l
	}
	return slog.Default()
}

// WithAttrs derives a logger carrying args from the one in ctx and stores it
// back, returning both. Keys already added by an outer WithAttrs on ctx are
// skipped, so nested scopes never repeat an attribute.
func WithAttrs(ctx context.Context, args ...any) (context.Context, *slog.Logger) {
	cur, _ := ctx.Value(ctxKey{}).(scoped)
	keys := make(map[string]struct{}, len(cur.keys)+len(args)/2)
	for k := range cur.keys {
		keys[k] = struct{}{}
	}

	fresh := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 == len(args) {
			fresh = append(fresh, args[i])
			continue
		}
		if _, dup := keys[key]; !dup {
			keys[key] = struct{}{}
			fresh = append(fresh, key, args[i+1])
		}
		i++
	}

	l := From(ctx)
	if len(fresh) > 0 {
		l = l.With(fresh...)
	}
	return context.WithValue(ctx, ctxKey{}, scoped{l: l, keys: keys}), l
}
