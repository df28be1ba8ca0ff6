package failure

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindData          Kind = "DATA_ERROR"
	KindAuth          Kind = "AUTH_ERROR"
	KindRemoteService Kind = "REMOTE_SERVICE_ERROR"
	KindTimeout       Kind = "TIMEOUT_ERROR"
	KindUnsafeQuery   Kind = "UNSAFE_QUERY"
	KindQuery         Kind = "QUERY_ERROR"
)

// Error is the typed failure surfaced by every stage of a conversation turn.
// SQL is set for UnsafeQuery and Query failures; StatusCode for failures that
// came back from the inference endpoint.
type Error struct {
	Kind       Kind
	Message    string
	SQL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func Data(message string, err error) *Error {
	return &Error{Kind: KindData, Message: message, Err: err}
}

func Auth(message string, err error) *Error {
	return &Error{Kind: KindAuth, Message: message, Err: err}
}

func RemoteService(statusCode int, message string, err error) *Error {
	return &Error{Kind: KindRemoteService, Message: message, StatusCode: statusCode, Err: err}
}

func Timeout(message string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Err: err}
}

func UnsafeQuery(sql, message string) *Error {
	return &Error{Kind: KindUnsafeQuery, Message: message, SQL: sql}
}

// Query wraps an engine error. The engine message is kept verbatim in Message.
func Query(sql string, err error) *Error {
	message := "query failed"
	if err != nil {
		message = err.Error()
	}
	return &Error{Kind: KindQuery, Message: message, SQL: sql, Err: err}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

func IsKind(err error, kind Kind) bool {
	typed, ok := As(err)
	return ok && typed.Kind == kind
}

// Retryable reports whether asking again may succeed without user changes.
func Retryable(err error) bool {
	typed, ok := As(err)
	if !ok {
		return false
	}
	switch typed.Kind {
	case KindRemoteService, KindTimeout:
		return true
	default:
		return false
	}
}
