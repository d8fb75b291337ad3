package custody

import (
	"fmt"
)

// SigningTimeoutError means the activity did not complete within the poll budget
type SigningTimeoutError struct {
	ActivityID string
	Polls      int
	Err        error
}

func (e *SigningTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("custody activity %s not completed after %d polls: %v", e.ActivityID, e.Polls, e.Err)
	}
	return fmt.Sprintf("custody activity %s not completed after %d polls", e.ActivityID, e.Polls)
}

func (e *SigningTimeoutError) Unwrap() error { return e.Err }

// SigningRejectedError means the signer explicitly refused or failed the activity
type SigningRejectedError struct {
	ActivityID string
	Status     string
	Reason     string
}

func (e *SigningRejectedError) Error() string {
	msg := fmt.Sprintf("custody activity %s ended with %s", e.ActivityID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// SigningAdapterError wraps transport and malformed response failures with
// enough context to diagnose the request. It never carries key material.
type SigningAdapterError struct {
	Op             string
	StatusCode     int
	Body           string
	OrganizationID string
	KeyID          string
	PayloadLen     int
	Err            error
}

func (e *SigningAdapterError) Error() string {
	msg := fmt.Sprintf("custody %s failed (org=%s key=%s payload_len=%d", e.Op, e.OrganizationID, e.KeyID, e.PayloadLen)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += " body=" + e.Body
	}
	return msg
}

func (e *SigningAdapterError) Unwrap() error { return e.Err }
