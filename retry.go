package annostore

import (
	"context"
	"errors"
	"io/fs"
	log "log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryBaseDelay is the first delay of the Fibonacci backoff used by Retry.
var RetryBaseDelay = 100 * time.Millisecond

// RetryMaxAttempts caps how many times Retry re-runs a task.
var RetryMaxAttempts uint64 = 5

// Retry executes task with Fibonacci backoff. Only errors the task wraps with
// retry.RetryableError are retried. If retries are exhausted, gaveUpTask is
// invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(RetryBaseDelay)
	if err := retry.Do(ctx, retry.WithMaxRetries(RetryMaxAttempts, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is retryable (non-nil and not a known permanent failure).
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	// Context cancellations/timeouts are permanent from the caller's POV.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, fs.ErrClosed) ||
		errors.Is(err, fs.ErrExist) ||
		errors.Is(err, fs.ErrInvalid) {
		return false
	}
	switch {
	case errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.ENAMETOOLONG),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.EISDIR),
		errors.Is(err, syscall.ENOTEMPTY),
		errors.Is(err, syscall.ELOOP),
		errors.Is(err, syscall.EXDEV),
		errors.Is(err, syscall.EINVAL):
		return false
	}
	// Last-resort heuristic for EROFS text across platforms/drivers.
	if strings.Contains(err.Error(), "read-only file system") {
		return false
	}
	return true
}

// RetryIO runs an I/O step under Retry, marking only retryable failures as such.
// The last error of the step is returned unwrapped.
func RetryIO(ctx context.Context, step func() error) error {
	var last error
	err := Retry(ctx, func(context.Context) error {
		last = step()
		if ShouldRetry(last) {
			return retry.RetryableError(Error{
				Code: FileIOError,
				Err:  last,
			})
		}
		return nil
	}, nil)
	if last != nil {
		return last
	}
	return err
}
