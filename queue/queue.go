// Package queue runs webhook work off the request path. Two backends share
// one port: an in-process worker pool and asynq on Redis.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrQueueFull = errors.New("queue: backlog full")
	ErrClosed    = errors.New("queue: closed")
)

// Task is an opaque job. ID, when set, identifies the job across retries.
type Task struct {
	Type    string
	Payload []byte
	ID      string
}

// Handler processes a Task. A non-nil error schedules a retry unless it is
// marked with Permanent. Handlers must be idempotent.
type Handler func(ctx context.Context, task Task) error

type EnqueueOption struct {
	Queue     string
	MaxRetry  int
	ProcessIn time.Duration
}

type Client interface {
	Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (string, error)
	Close() error
}

type Server interface {
	Register(taskType string, h Handler)
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DeadLetterFunc receives a task that will not be retried again.
type DeadLetterFunc func(ctx context.Context, task Task, attempts int, err error)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func mergeOptions(opts []EnqueueOption) EnqueueOption {
	var out EnqueueOption
	for _, o := range opts {
		if o.Queue != "" {
			out.Queue = o.Queue
		}
		if o.MaxRetry > 0 {
			out.MaxRetry = o.MaxRetry
		}
		if o.ProcessIn > 0 {
			out.ProcessIn = o.ProcessIn
		}
	}
	return out
}

// parseQueueWeights parses "critical=6,default=3,low=1".
func parseQueueWeights(s string) map[string]int {
	res := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		name := strings.TrimSpace(kv[0])
		if name == "" {
			continue
		}
		w := 1
		if len(kv) == 2 {
			if i, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil && i > 0 {
				w = i
			}
		}
		res[name] = w
	}
	return res
}

func describe(t Task) string {
	if t.ID != "" {
		return fmt.Sprintf("%s/%s", t.Type, t.ID)
	}
	return t.Type
}

// retryPolicy is the exponential schedule both backends retry on.
func retryPolicy(base, max time.Duration) *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = max
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}
