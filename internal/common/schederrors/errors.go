// Package schederrors contains the status errors returned by the scheduler and its collaborators.
// Every error carries a Kind which callers use to decide between falling back, retrying or failing
// the affected task. Errors are created with a stack trace (github.com/pkg/errors) and may be wrapped
// freely; KindOf looks through the whole chain.
//
// If several errors occur in one operation (e.g., while draining many resources), the operation should
// return a multierror.Error from github.com/hashicorp/go-multierror that encapsulates them.
package schederrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error.
type Kind int

const (
	// Unknown is the kind of any error not created by this package.
	Unknown Kind = iota
	// NotFound is returned for an unknown resource, job, blob or config key. Callers fall back to a default.
	NotFound
	// ValidationError is fatal at startup and rejects the operation otherwise.
	ValidationError
	// DeviceBusy is returned by accelerator drivers when the device cannot accept work right now. Retryable.
	DeviceBusy
	// DeviceIOError is retried a bounded number of times, after which the task fails and the device is
	// counted towards being degraded.
	DeviceIOError
	// AllocationFailure fails the task but not its sibling tasks.
	AllocationFailure
	// ExecutionError is returned by the compute collaborator.
	ExecutionError
	// Cancelled is a normal terminal outcome rather than a failure.
	Cancelled
)

var kindNames = map[Kind]string{
	Unknown:           "Unknown",
	NotFound:          "NotFound",
	ValidationError:   "ValidationError",
	DeviceBusy:        "DeviceBusy",
	DeviceIOError:     "DeviceIOError",
	AllocationFailure: "AllocationFailure",
	ExecutionError:    "ExecutionError",
	Cancelled:         "Cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a status value carrying a kind and a message.
type Error struct {
	Kind    Kind
	Message string
}

func (err *Error) Error() string {
	if err.Message == "" {
		return err.Kind.String()
	}
	return fmt.Sprintf("%s: %s", err.Kind, err.Message)
}

// New returns an error of the given kind with a stack trace attached.
func New(kind Kind, message string) error {
	return errors.WithStack(&Error{Kind: kind, Message: message})
}

// Newf is New with a format string.
func Newf(kind Kind, format string, args ...interface{}) error {
	return errors.WithStack(&Error{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// ErrNotFound returns a NotFound error for the named object of the given type, e.g. ("resource", "gpu0").
func ErrNotFound(objectType, value string) error {
	return Newf(NotFound, "%s %q does not exist", objectType, value)
}

// KindOf returns the kind of the first *Error in the chain, or Unknown if there is none.
// A nil error has kind Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the operation that produced err may be retried as-is.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case DeviceBusy, DeviceIOError:
		return true
	default:
		return false
	}
}
