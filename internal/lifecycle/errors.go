package lifecycle

import (
	"errors"
	"fmt"
)

// Precondition errors are returned synchronously with enough detail for
// the caller to self-correct, and are never retried automatically.
var (
	// ErrPortNotOwned means the port registry does not attribute the
	// target port to the requesting project.
	ErrPortNotOwned = errors.New("target port is not allocated to the requesting project")

	// ErrHostnameInUse means a live record already holds the hostname.
	ErrHostnameInUse = errors.New("hostname already has a live record")

	// ErrNotOwner means the caller owns neither the record nor a
	// privileged role.
	ErrNotOwner = errors.New("caller is not the owner of the hostname record")

	// ErrCallerRequired means a non-privileged caller did not identify
	// its project, so there is nothing to scope the listing to.
	ErrCallerRequired = errors.New("a caller project is required for non-privileged access")
)

// UnreachableError carries the topology inspector's verdict and its
// recommendation for making the service reachable.
type UnreachableError struct {
	Reason         string
	Recommendation string
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("service is unreachable from the tunnel: %s", e.Reason)
}

// ErrorCode maps an operation error to its wire-level code. Unknown
// errors map to "Internal".
func ErrorCode(err error) string {
	var unreachable *UnreachableError
	switch {
	case errors.Is(err, ErrPortNotOwned):
		return "PortNotOwned"
	case errors.Is(err, ErrHostnameInUse):
		return "HostnameInUse"
	case errors.As(err, &unreachable):
		return "ServiceUnreachable"
	case errors.Is(err, ErrNotOwner):
		return "NotOwner"
	default:
		return "Internal"
	}
}

// Recommendation extracts the self-correction hint, if the error has one.
func Recommendation(err error) string {
	var unreachable *UnreachableError
	if errors.As(err, &unreachable) {
		return unreachable.Recommendation
	}
	return ""
}
