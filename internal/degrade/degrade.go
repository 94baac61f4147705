// Package degrade records sub-operation failures that were swallowed and replaced with
// empty or zero results, so the response can be flagged as partial.
package degrade

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

type reportKey struct{}

// Failure is one swallowed error.
type Failure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// Report collects the failures of a single request.
type Report struct {
	log       *logrus.Entry
	onFailure func(source string)

	mu       sync.Mutex
	failures []Failure
}

// NewReport creates a report that logs through log and calls onFailure (may be nil) for
// every recorded failure.
func NewReport(log *logrus.Entry, onFailure func(source string)) *Report {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Report{log: log, onFailure: onFailure}
}

// WithReport attaches r to ctx.
func WithReport(ctx context.Context, r *Report) context.Context {
	return context.WithValue(ctx, reportKey{}, r)
}

// FromContext returns the report attached to ctx, or nil.
func FromContext(ctx context.Context) *Report {
	r, _ := ctx.Value(reportKey{}).(*Report)
	return r
}

// Logger returns the request logger, falling back to the standard logger.
func Logger(ctx context.Context) *logrus.Entry {
	if r := FromContext(ctx); r != nil {
		return r.log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Record logs err at warn level and marks the request as degraded. The caller is expected
// to continue with a default value.
func Record(ctx context.Context, source string, err error) {
	if err == nil {
		return
	}
	r := FromContext(ctx)
	Logger(ctx).WithFields(logrus.Fields{
		"source": source,
		"error":  err,
	}).Warn("Data source failed, continuing with defaults")
	if r == nil {
		return
	}

	r.mu.Lock()
	r.failures = append(r.failures, Failure{Source: source, Error: err.Error()})
	r.mu.Unlock()

	if r.onFailure != nil {
		r.onFailure(source)
	}
}

// Partial reports whether any failure was recorded.
func (r *Report) Partial() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures) > 0
}

// Failures returns a copy of the recorded failures.
func (r *Report) Failures() []Failure {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Failure, len(r.failures))
	copy(out, r.failures)
	return out
}

// PanicError is recorded for a guarded goroutine that panicked.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Guard wraps fn for errgroup.Group.Go. A panic in fn is recovered, logged with its stack
// and recorded against source; the goroutine then returns nil and the caller keeps its
// default value.
func Guard(ctx context.Context, source string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				Logger(ctx).WithFields(logrus.Fields{
					"source": source,
					"panic":  rec,
					"stack":  string(debug.Stack()),
				}).Error("Recovered panic in data source call")
				Record(ctx, source, &PanicError{Value: rec})
				err = nil
			}
		}()
		return fn()
	}
}
