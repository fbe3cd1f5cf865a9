package imapx

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned for operations attempted after End.
var ErrClosed = errors.New("imap connection closed")

// NotReadyError is returned when an operation is attempted before
// Connect has completed, naming the attempted operation.
type NotReadyError struct {
	Op string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("imap connection not ready: %s", e.Op)
}

// StaleBoxError is returned when a Box handle is used after a
// different mailbox was opened on the same connection. The failing
// call never executes against the wrong mailbox.
type StaleBoxError struct {
	Mailbox    string
	Generation uint64
	Current    uint64
}

func (e *StaleBoxError) Error() string {
	return fmt.Sprintf(
		"mailbox %q is no longer selected (box generation %d, connection at %d)",
		e.Mailbox, e.Generation, e.Current,
	)
}

// IsStaleBox reports whether err (or its chain) is a StaleBoxError.
func IsStaleBox(err error) bool {
	var stale *StaleBoxError
	return errors.As(err, &stale)
}

// ErrorCategory classifies errors for retry decisions.
type ErrorCategory int

const (
	ErrorTemporary ErrorCategory = iota
	ErrorPermanent
	ErrorAuthentication
	ErrorNetwork
	ErrorTimeout
)

// CategorizeError determines the category of an error for retry
// handling. Categorization works on error text because the underlying
// IMAP and network libraries do not expose a stable typed taxonomy.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ErrorTemporary
	}

	msg := strings.ToLower(err.Error())

	for _, pattern := range []string{
		"authentication failed", "login failed", "invalid credentials",
		"authenticationfailed", "unauthorized", "access denied",
	} {
		if strings.Contains(msg, pattern) {
			return ErrorAuthentication
		}
	}

	for _, pattern := range []string{
		"connection refused", "connection reset", "network unreachable",
		"host unreachable", "no such host", "broken pipe",
		"use of closed network connection", "unexpected eof",
	} {
		if strings.Contains(msg, pattern) {
			return ErrorNetwork
		}
	}

	for _, pattern := range []string{
		"timeout", "i/o timeout", "deadline exceeded",
	} {
		if strings.Contains(msg, pattern) {
			return ErrorTimeout
		}
	}

	for _, pattern := range []string{
		"no mailbox", "mailbox does not exist", "nonexistent",
		"permission denied", "quota exceeded", "invalid mailbox",
	} {
		if strings.Contains(msg, pattern) {
			return ErrorPermanent
		}
	}

	return ErrorTemporary
}

// IsRetryable reports whether an error is worth retrying. Validation
// and staleness errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsStaleBox(err) {
		return false
	}
	var notReady *NotReadyError
	if errors.As(err, &notReady) {
		return true
	}

	switch CategorizeError(err) {
	case ErrorTemporary, ErrorNetwork, ErrorTimeout:
		return true
	default:
		return false
	}
}
