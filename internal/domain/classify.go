package domain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"syscall"

	"github.com/go-playground/validator/v10"
)

// CodedError carries a stable machine-readable code and an optional
// HTTP-style status alongside the underlying error. Workers and adapters
// wrap upstream failures in it so the classifier can see through them.
type CodedError struct {
	Code   string
	Status int
	Msg    string
	Err    error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

// Unwrap exposes the wrapped error to errors.Is/As.
func (e *CodedError) Unwrap() error { return e.Err }

// Coded constructs a CodedError with just a code and message.
func Coded(code, msg string) *CodedError { return &CodedError{Code: code, Msg: msg} }

// Classification is the retry decision for a failed execution.
type Classification struct {
	Retryable bool   `json:"retryable"`
	Reason    string `json:"reason"`
}

// Classify maps any error onto a retry decision. It is pure and
// deterministic and is the single source of truth for retryability; the
// executor never second-guesses it. First match wins:
//
//	ETIMEDOUT/ECONNRESET/EAI_AGAIN  -> retryable  "network"
//	HTTP 5xx                        -> retryable  "upstream-5xx"
//	ENOENT                          -> terminal   "missing-path"
//	HTTP 4xx                        -> terminal   "client-4xx"
//	validation                      -> terminal   "validation"
//	deadline / net timeout          -> retryable  "timeout"
//	anything else                   -> terminal   "unknown"
//
// ENOENT is deliberately non-retryable: a missing path will not materialize
// on retry.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Retryable: false, Reason: "unknown"}
	}

	var coded *CodedError
	hasCode := errors.As(err, &coded)

	if hasCode {
		switch coded.Code {
		case "ETIMEDOUT", "ECONNRESET", "EAI_AGAIN":
			return Classification{Retryable: true, Reason: "network"}
		}
	}
	if errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.ECONNRESET) {
		return Classification{Retryable: true, Reason: "network"}
	}

	if hasCode && coded.Status >= 500 && coded.Status <= 599 {
		return Classification{Retryable: true, Reason: "upstream-5xx"}
	}

	if (hasCode && coded.Code == "ENOENT") || errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return Classification{Retryable: false, Reason: "missing-path"}
	}

	if hasCode && coded.Status >= 400 && coded.Status <= 499 {
		return Classification{Retryable: false, Reason: "client-4xx"}
	}

	var vErrs validator.ValidationErrors
	if errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrInvalidJobID) || errors.As(err, &vErrs) {
		return Classification{Retryable: false, Reason: "validation"}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Classification{Retryable: true, Reason: "timeout"}
	}

	return Classification{Retryable: false, Reason: "unknown"}
}
