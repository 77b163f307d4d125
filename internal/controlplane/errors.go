package controlplane

import "errors"

// ErrInvalidArgument and ErrPermissionDenied are the two AuthenticateLiveStream
// rejection reasons named in spec.md §6.2; the session treats both as a
// terminal Authenticating -> Closed transition with no state report (the
// control plane already knows it denied the request).
var (
	ErrInvalidArgument  = errors.New("controlplane: invalid argument")
	ErrPermissionDenied = errors.New("controlplane: permission denied")
)

// ErrDisabled is returned by every RPC when the client was constructed
// without API addresses (stand-alone mode, mirroring the teacher's
// CONTROL_BASE_URL-unset behavior).
var ErrDisabled = errors.New("controlplane: no control-plane addresses configured")

// ErrTimeout is returned when an RPC does not get a reply within its budget.
var ErrTimeout = errors.New("controlplane: request timed out")

// ErrNotConnected is returned when the RPC could not even be sent.
var ErrNotConnected = errors.New("controlplane: not connected")
