package runtime

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrFlowNotFound     = errors.New("flow not found")
	ErrChatNotFound     = errors.New("chat not found")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrNoEntryNode      = errors.New("flow has no entry node")
	ErrNodeNotFound     = errors.New("node not found")
)

// FlowErrorType classifies error severity and retry behavior.
type FlowErrorType string

const (
	// ErrorTypeTransient signals the operation can be retried.
	ErrorTypeTransient FlowErrorType = "transient"
	// ErrorTypePermanent signals the operation should not be retried.
	ErrorTypePermanent FlowErrorType = "permanent"
	// ErrorTypeTimeout signals the operation was cancelled by a deadline.
	ErrorTypeTimeout FlowErrorType = "timeout"
)

type FlowErrorCode string

const (
	ErrorCodeRuntimeError     FlowErrorCode = "RUNTIME_ERROR"
	ErrorCodeContextCancelled FlowErrorCode = "CONTEXT_CANCELLED"
	ErrorCodeDeadlineExceeded FlowErrorCode = "DEADLINE_EXCEEDED"
	ErrorCodeHTTPStatus       FlowErrorCode = "HTTP_STATUS"
	ErrorCodeHTTPTransport    FlowErrorCode = "HTTP_TRANSPORT"
	ErrorCodeLLMFailure       FlowErrorCode = "LLM_FAILURE"
	ErrorCodeStepLimit        FlowErrorCode = "STEP_LIMIT"
	ErrorCodePersistence      FlowErrorCode = "PERSISTENCE"
)

// FlowError is the canonical error raised by a node executor or the walker.
// The session stays at its last persisted node when one is returned.
type FlowError struct {
	Type    FlowErrorType  `json:"type"`
	Code    FlowErrorCode  `json:"code"`
	Message string         `json:"message"`
	Node    string         `json:"node"`
	Session string         `json:"session"`
	Cause   error          `json:"-"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("[%s/%s] %s (node: %s, session: %s)", e.Type, e.Code, e.Message, e.Node, e.Session)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the collaborator that invoked the walk may retry it.
func (e *FlowError) Retryable() bool {
	return e.Type == ErrorTypeTransient || e.Type == ErrorTypeTimeout
}

// ToMap converts the error to a map suitable for logging or JSON responses.
func (e *FlowError) ToMap() map[string]any {
	return map[string]any{
		"type":    string(e.Type),
		"code":    string(e.Code),
		"message": e.Message,
		"node":    e.Node,
		"session": e.Session,
	}
}

// asFlowError classifies err into a FlowError attributed to node. FlowErrors
// pass through with missing attribution filled in.
func asFlowError(err error, nodeID, sessionID string) *FlowError {
	var fe *FlowError
	if errors.As(err, &fe) {
		if fe.Node == "" {
			fe.Node = nodeID
		}
		if fe.Session == "" {
			fe.Session = sessionID
		}
		return fe
	}

	fe = &FlowError{
		Type:    ErrorTypePermanent,
		Code:    ErrorCodeRuntimeError,
		Message: err.Error(),
		Node:    nodeID,
		Session: sessionID,
		Cause:   err,
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		fe.Type = ErrorTypeTimeout
		fe.Code = ErrorCodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		fe.Type = ErrorTypeTimeout
		fe.Code = ErrorCodeContextCancelled
	}
	return fe
}

// persistenceError marks a store failure; these are always propagated.
func persistenceError(err error, sessionID string) *FlowError {
	return &FlowError{
		Type:    ErrorTypeTransient,
		Code:    ErrorCodePersistence,
		Message: err.Error(),
		Session: sessionID,
		Cause:   err,
	}
}
