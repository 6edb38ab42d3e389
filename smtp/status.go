package smtp

import "fmt"

// StatusCode is a three digit SMTP reply code (RFC 5321 §4.2).
type StatusCode int

// SMTP status codes used by the core. Not exhaustive; only the codes this
// package actually emits are named.
const (
	Ready             StatusCode = 220
	Closing           StatusCode = 221
	AuthSuccess       StatusCode = 235
	Ok                StatusCode = 250
	VrfyStub          StatusCode = 252
	AuthContinue      StatusCode = 334
	StartData         StatusCode = 354
	ShuttingDown      StatusCode = 421
	SyntaxError       StatusCode = 500
	SyntaxErrorParam  StatusCode = 501
	NotImplemented    StatusCode = 502
	BadSequence       StatusCode = 503
	TempAddrReject    StatusCode = 450
	AuthRequired      StatusCode = 530
	MailboxUnavail    StatusCode = 550
	AuthFailed        StatusCode = 535
	TransactionFailed StatusCode = 554
)

// SMTPError is an error that carries its own SMTP reply, so that callbacks
// from the embedding application (address validation, authorization, data
// handling) can veto a step with an application-chosen status line instead
// of the core's generic default.
//
// Embedders construct one and return it from a handler; the core looks for
// it with errors.As and falls back to a context-appropriate default message
// when the error doesn't carry one.
type SMTPError struct {
	Code          StatusCode
	EnhancedCode  string
	Message       string
}

func (e *SMTPError) Error() string {
	return fmt.Sprintf("%d %s %s", e.Code, e.EnhancedCode, e.Message)
}

// Reply renders the error as the exact line that should be written to the
// client for this failure.
func (e *SMTPError) Reply() string {
	if e.EnhancedCode == "" {
		return fmt.Sprintf("%d %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s %s", e.Code, e.EnhancedCode, e.Message)
}
