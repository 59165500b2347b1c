package logger

import (
	"context"
	"log/slog"
	"time"
)

// Operation tracks one logical unit of work (a provision, a revoke, a
// sync pass) from start to outcome, logging elapsed time either way.
type Operation struct {
	logger  *Logger
	ctx     context.Context
	name    string
	started time.Time
	attrs   []any
}

// StartOp logs the start of an operation and returns a handle to close
// it with Complete or Fail. Attributes given here repeat on every
// subsequent log line of the operation.
func (l *Logger) StartOp(ctx context.Context, name string, args ...any) *Operation {
	op := &Operation{
		logger:  l,
		ctx:     ctx,
		name:    name,
		started: time.Now(),
		attrs:   args,
	}
	l.WithContext(ctx).Info("operation started", op.logAttrs(nil)...)
	return op
}

// With attaches additional attributes to every remaining log line.
func (op *Operation) With(args ...any) *Operation {
	op.attrs = append(op.attrs, args...)
	return op
}

// Complete logs the operation as finished. An empty msg gets a default.
func (op *Operation) Complete(msg string, args ...any) {
	if msg == "" {
		msg = "operation completed"
	}
	op.logger.WithContext(op.ctx).Info(msg, op.logAttrs(args)...)
}

// Fail logs the operation as failed with the causing error.
func (op *Operation) Fail(err error, msg string, args ...any) {
	if msg == "" {
		msg = "operation failed"
	}
	attrs := append([]any{slog.String("error", err.Error())}, args...)
	op.logger.WithContext(op.ctx).Error(msg, op.logAttrs(attrs)...)
}

// Progress logs an intermediate step at debug level.
func (op *Operation) Progress(msg string, args ...any) {
	op.logger.WithContext(op.ctx).Debug(msg, op.logAttrs(args)...)
}

func (op *Operation) logAttrs(extra []any) []any {
	attrs := make([]any, 0, 2+len(op.attrs)+len(extra))
	attrs = append(attrs,
		slog.String("operation", op.name),
		slog.Duration("elapsed", time.Since(op.started)))
	attrs = append(attrs, op.attrs...)
	return append(attrs, extra...)
}
