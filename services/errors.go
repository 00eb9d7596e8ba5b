package services

import "fmt"

// RenderError means a template referenced a variable the contact cannot
// supply. Not retryable: the same render fails the same way.
type RenderError struct {
	Variable string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("template variable %q has no value", e.Variable)
}

// SendError is a transient delivery failure eligible for retry with
// backoff. A timeout on the send call is treated as one of these,
// never as "sent".
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("send failed: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// PermanentSendError is unrecoverable (e.g. a malformed address);
// retrying cannot help.
type PermanentSendError struct {
	Reason string
}

func (e *PermanentSendError) Error() string { return "permanent send failure: " + e.Reason }
