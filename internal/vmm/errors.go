package vmm

import "errors"

// Every fallible operation returns one of these sentinels, usually wrapped
// with context. Callers match with errors.Is.
var (
	// ErrNotSupported: the hardware lacks the virtualization capability,
	// the guest touched an unimplemented register, or an exit code has no
	// handler. Capability failures are permanent.
	ErrNotSupported = errors.New("hyp: not supported")

	// ErrInvalidArgs: malformed trap or state-buffer parameters. The
	// caller can correct and retry.
	ErrInvalidArgs = errors.New("hyp: invalid args")

	// ErrOutOfRange: address or length arithmetic overflowed.
	ErrOutOfRange = errors.New("hyp: out of range")

	// ErrAlreadyExists: the trap range intersects an existing entry.
	ErrAlreadyExists = errors.New("hyp: already exists")

	// ErrBadState: VM entry failed or the object cannot serve the request
	// in its current lifecycle state. Fatal to that call only.
	ErrBadState = errors.New("hyp: bad state")

	// ErrNoResources: the VPID pool is exhausted.
	ErrNoResources = errors.New("hyp: no resources")

	// ErrNotFound: no trap contains the address.
	ErrNotFound = errors.New("hyp: not found")

	// ErrPortFull: the notification port rejected a packet; the trap
	// event is dropped and the resume caller sees this error.
	ErrPortFull = errors.New("hyp: port full")
)
