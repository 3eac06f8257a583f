package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ========================================
// Error taxonomy - 错误分类
// ========================================

// ErrorKind classifies an error into one of the recovery categories
// understood by the agent loop and the task manager.
type ErrorKind string

const (
	KindNoDevice               ErrorKind = "no_device"
	KindAdbIO                  ErrorKind = "adb_io_error"
	KindUnauthorized           ErrorKind = "unauthorized"
	KindInputMethodUnavailable ErrorKind = "input_method_unavailable"
	KindTimeout                ErrorKind = "timeout"
	KindModelTransient         ErrorKind = "model_transient"
	KindModelPermanent         ErrorKind = "model_permanent"
	KindMalformedResponse      ErrorKind = "malformed_response"
	KindUnknownApp             ErrorKind = "unknown_app"
	KindSessionBusy            ErrorKind = "session_busy"
	KindCancelled              ErrorKind = "cancelled"
	KindStoreError             ErrorKind = "store_error"
	KindInternal               ErrorKind = "internal"
)

// AgentError carries a kind alongside the underlying cause so upper layers
// can decide on recovery without string matching.
type AgentError struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *AgentError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *AgentError) Unwrap() error { return e.Err }

func agentErr(kind ErrorKind, op, msg string, err error) *AgentError {
	return &AgentError{Kind: kind, Op: op, Msg: msg, Err: err}
}

// timeoutErr builds the typed timeout error required of every bounded
// operation. The elapsed time is part of the message so it survives
// serialization into step payloads.
func timeoutErr(op string, elapsed time.Duration) *AgentError {
	return &AgentError{Kind: KindTimeout, Op: op, Msg: fmt.Sprintf("timed out after %s", elapsed.Round(time.Millisecond))}
}

func cancelledErr(op string) *AgentError {
	return &AgentError{Kind: KindCancelled, Op: op, Msg: "cancelled"}
}

// KindOf classifies any error. Context errors map onto the cancellation and
// timeout kinds so callers can pass ctx.Err() straight through.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsCancelled reports whether the error chain is a cancellation in any form.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
