// Package simerrors contains the error types shared by every tier of the simulator.
// Callers should wrap these with github.com/pkg/errors (errors.WithStack, errors.WithMessage)
// and recognise them with errors.As, which looks through the chain of wrapped errors.
//
// Transport errors (ErrProtocol, ErrTimeout, ErrConnectionLost) are handled at the connection
// and request boundary; they are turned into failure records rather than aborting the run.
package simerrors

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrProtocol indicates malformed wire data. It is fatal to the connection it was read from only.
type ErrProtocol struct {
	// Remote end of the connection, if known.
	Remote string
	// What was wrong with the data, e.g., "frame length 1073741824 exceeds maximum 16777216".
	Reason string
}

func (err *ErrProtocol) Error() string {
	if err.Remote != "" {
		return fmt.Sprintf("protocol error on connection to %s: %s", err.Remote, err.Reason)
	}
	return fmt.Sprintf("protocol error: %s", err.Reason)
}

// ErrTimeout indicates a pending request exceeded its deadline.
type ErrTimeout struct {
	MessageId   uint64
	Destination string
	Timeout     time.Duration
}

func (err *ErrTimeout) Error() string {
	return fmt.Sprintf("request %d to %s timed out after %s", err.MessageId, err.Destination, err.Timeout)
}

// ErrConnectionLost indicates the peer disconnected before the request completed.
type ErrConnectionLost struct {
	Remote  string
	Message string // Optional
}

func (err *ErrConnectionLost) Error() string {
	s := fmt.Sprintf("connection to %s lost", err.Remote)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrIncompatibleHistogram is returned when merging histograms with different bucket widths.
type ErrIncompatibleHistogram struct {
	Step      int64
	OtherStep int64
}

func (err *ErrIncompatibleHistogram) Error() string {
	return fmt.Sprintf("cannot combine histogram with step %d with histogram with step %d", err.Step, err.OtherStep)
}

// ErrCriticalTestFailure is reported when a test case ended because of a critical failure.
type ErrCriticalTestFailure struct {
	TestId  string
	Source  string
	Message string
}

func (err *ErrCriticalTestFailure) Error() string {
	if err.Source != "" {
		return fmt.Sprintf("critical failure in test %s reported by %s: %s", err.TestId, err.Source, err.Message)
	}
	return fmt.Sprintf("critical failure in test %s: %s", err.TestId, err.Message)
}

// ErrStartupFailure indicates the fleet could not be brought up as requested.
// No test is executed after a startup failure.
type ErrStartupFailure struct {
	Expected int
	Actual   int
	Message  string
}

func (err *ErrStartupFailure) Error() string {
	s := "startup failure"
	if err.Expected != err.Actual {
		s = fmt.Sprintf("startup failure: expected %d workers but %d were started", err.Expected, err.Actual)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrUnsupportedOperation is returned by a component asked to execute an operation it does not handle.
type ErrUnsupportedOperation struct {
	Operation string
	Address   string
}

func (err *ErrUnsupportedOperation) Error() string {
	return fmt.Sprintf("operation %s is not supported by %s", err.Operation, err.Address)
}

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "agent" or "test"
	Value   string // Resource name, e.g., "C_A1"
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
//
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "memberWorkerCount"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// IsTimeout returns true if an ErrTimeout is anywhere in the chain of err.
func IsTimeout(err error) bool {
	var e *ErrTimeout
	return errors.As(err, &e)
}

// IsConnectionLost returns true if an ErrConnectionLost is anywhere in the chain of err.
func IsConnectionLost(err error) bool {
	var e *ErrConnectionLost
	return errors.As(err, &e)
}

// IsProtocol returns true if an ErrProtocol is anywhere in the chain of err.
func IsProtocol(err error) bool {
	var e *ErrProtocol
	return errors.As(err, &e)
}

// IsTransport returns true for errors that are handled at the connection boundary.
func IsTransport(err error) bool {
	return IsTimeout(err) || IsConnectionLost(err) || IsProtocol(err)
}

// IsStartupFailure returns true if an ErrStartupFailure is anywhere in the chain of err.
func IsStartupFailure(err error) bool {
	var e *ErrStartupFailure
	return errors.As(err, &e)
}
