package errs

import (
	"errors"
	"strconv"
	"strings"
)

// CodeError is the error shape the gateway returns to clients. Code groups the
// error class; Detail carries per-call context and is safe to surface.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra context; the sentinel itself is never
// mutated so errors.Is keeps matching.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Is matches on code only, so WithDetail copies compare equal to the sentinel.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Error classes, one per client-visible failure mode. Infra errors are handled
// fail-open or propagated internally; they are never shown to end users.
var (
	ErrValidation  = NewCodeError(1001, "invalid request")
	ErrNotFound    = NewCodeError(1002, "not found")
	ErrForbidden   = NewCodeError(1003, "forbidden")
	ErrBlocked     = NewCodeError(1004, "blocked")
	ErrRateLimited = NewCodeError(1005, "rate limited")
	ErrInfra       = NewCodeError(1500, "internal error")
)

// Code extracts the wire code from any error, defaulting to the infra class.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrInfra.Code
}
