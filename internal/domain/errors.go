package domain

import "errors"

// Configuration errors fail fast at workflow creation and are never
// surfaced mid-workflow.
var (
	ErrInvalidStandard   = errors.New("no stage sequence registered for standard")
	ErrInvalidSubmission = errors.New("invalid submission")
)

// Decision-time errors, returned synchronously to the caller.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTerminalTask      = errors.New("task already completed")
	ErrTaskNotReady      = errors.New("task not ready for decisions")
	ErrUnauthorizedRole  = errors.New("actor role not authorized for stage")
	ErrTerminalWorkflow  = errors.New("workflow already terminal")
	ErrUnknownDecision   = errors.New("unknown decision kind")
	ErrWorkflowNotActive = errors.New("workflow not awaiting action")
)
