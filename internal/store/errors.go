package store

import "errors"

type ErrorCode string

const (
	// ErrorCodeTransient marks store-connectivity failures; retry with backoff.
	ErrorCodeTransient ErrorCode = "TRANSIENT"
	// ErrorCodeConflict marks lost upsert/claim races; caller must re-read.
	ErrorCodeConflict ErrorCode = "CONFLICT"
	// ErrorCodePermanent marks malformed input; never retried.
	ErrorCodePermanent ErrorCode = "PERMANENT"
	// ErrorCodeLeaseLost marks a lease reclaimed mid-execution; the worker
	// must abandon the job without writing results.
	ErrorCodeLeaseLost ErrorCode = "LEASE_LOST"
	// ErrorCodeStaleNoRefresh marks a degraded-but-valid stale read after
	// background refresh gave up.
	ErrorCodeStaleNoRefresh ErrorCode = "STALE_NO_REFRESH"
)

type StoreError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *StoreError) Unwrap() error { return e.Err }

func NewTransientError(msg string, err error) error {
	return &StoreError{Code: ErrorCodeTransient, Msg: msg, Err: err}
}

func NewConflictError(msg string) error {
	return &StoreError{Code: ErrorCodeConflict, Msg: msg}
}

func NewPermanentError(msg string) error {
	return &StoreError{Code: ErrorCodePermanent, Msg: msg}
}

func NewLeaseLostError(msg string) error {
	return &StoreError{Code: ErrorCodeLeaseLost, Msg: msg}
}

func NewStaleNoRefreshError(msg string) error {
	return &StoreError{Code: ErrorCodeStaleNoRefresh, Msg: msg}
}

func codeOf(err error) (ErrorCode, bool) {
	var se *StoreError
	if err == nil || !errors.As(err, &se) {
		return "", false
	}
	return se.Code, true
}

func IsTransient(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeTransient
}

func IsConflict(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeConflict
}

func IsPermanent(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodePermanent
}

func IsLeaseLost(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeLeaseLost
}

func IsStaleNoRefresh(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeStaleNoRefresh
}
