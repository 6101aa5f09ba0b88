// Package fault defines the error kinds shared by the hypervisor adapter,
// the per-VM state machine and the IPMI listener.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how callers must react to it.
type Kind uint8

const (
	KindInternal Kind = iota
	KindProtocol
	KindHypervisorUnreachable
	KindVMBusy
	KindVMNotFound
	KindConfigInvalid
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol error"
	case KindHypervisorUnreachable:
		return "hypervisor unreachable"
	case KindVMBusy:
		return "vm busy"
	case KindVMNotFound:
		return "vm not found"
	case KindConfigInvalid:
		return "invalid configuration"
	default:
		return "internal fault"
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInternal              = &Error{Kind: KindInternal}
	ErrProtocol              = &Error{Kind: KindProtocol}
	ErrHypervisorUnreachable = &Error{Kind: KindHypervisorUnreachable}
	ErrVMBusy                = &Error{Kind: KindVMBusy}
	ErrVMNotFound            = &Error{Kind: KindVMNotFound}
	ErrConfigInvalid         = &Error{Kind: KindConfigInvalid}
)

// Error is a classified failure with the operation and VM it belongs to.
type Error struct {
	Kind Kind
	Op   string
	VMID string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.VMID != "" {
		msg += " (vm " + e.VMID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an error of the given kind with a formatted message.
func New(kind Kind, op, vmid, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, VMID: vmid, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op, vmid string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, VMID: vmid, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether err is transient: the VM was busy or the
// hypervisor could not be reached.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindVMBusy, KindHypervisorUnreachable:
		return true
	}
	return false
}
