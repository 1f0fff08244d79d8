package reliability

import "errors"

var (
	// ErrMaxRetriesExceeded is wrapped into the last error returned by Retry
	// once the policy gives up.
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	// ErrNonRetryable marks errors that Retry must return immediately.
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// Permanent wraps err so Retry stops at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: false}
}

// IsPermanent reports whether err was marked as not worth retrying.
func IsPermanent(err error) bool {
	return err != nil && !isRetryableError(err)
}
