// Package qdlerr defines the error taxonomy shared by every layer of the
// Sahara/Firehose engine: channel transport, packet/XML framing, protocol
// violations, storage-domain checks, and host I/O.
package qdlerr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind identifies the category of failure. Categories map 1:1 onto the
// abstract error taxonomy of the engine: Transport, Framing, Protocol,
// Domain, and Host I/O.
type Kind int

const (
	KindUnknown Kind = iota

	// Transport
	KindTransportTimeout
	KindTransportPermission
	KindTransportDisconnected
	KindShortIO

	// Framing
	KindFramingMalformed
	KindFramingUnknownCommand
	KindFramingTruncated

	// Protocol
	KindProtocolNak
	KindProtocolVersion

	// Domain
	KindDomainNotFound
	KindDomainSectorMismatch
	KindDomainTooLarge
	KindDomainUnknownDirective

	// Host I/O
	KindHostIO
)

var kindMessages = map[Kind]string{
	KindUnknown:                "unknown error",
	KindTransportTimeout:       "transport timeout",
	KindTransportPermission:    "permission denied",
	KindTransportDisconnected:  "device disconnected",
	KindShortIO:                "short read or write",
	KindFramingMalformed:       "malformed packet",
	KindFramingUnknownCommand:  "unknown command",
	KindFramingTruncated:       "truncated response",
	KindProtocolNak:            "operation NAKed",
	KindProtocolVersion:        "incompatible protocol version",
	KindDomainNotFound:         "not found",
	KindDomainSectorMismatch:   "sector size mismatch",
	KindDomainTooLarge:         "data larger than target",
	KindDomainUnknownDirective: "unknown directive",
	KindHostIO:                 "host I/O failure",
}

// String returns a human-readable description of the kind.
func (k Kind) String() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return fmt.Sprintf("unknown kind (%d)", int(k))
}

// Error wraps a Kind with context and an optional underlying cause.
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Context, e.Kind, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Context, e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New creates an *Error with the given kind and context.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// Wrap creates an *Error with the given kind, context, and underlying cause.
func Wrap(kind Kind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

// FromErrno classifies a raw unix.Errno into a transport Kind, mirroring
// the kernel-level failure modes a USB bulk transfer or serial I/O call
// can surface.
func FromErrno(errno unix.Errno, context string) *Error {
	var kind Kind
	switch errno {
	case unix.ETIMEDOUT:
		kind = KindTransportTimeout
	case unix.EACCES, unix.EPERM:
		kind = KindTransportPermission
	case unix.ENODEV, unix.ENOENT, unix.ENXIO, unix.EPIPE:
		kind = KindTransportDisconnected
	default:
		kind = KindUnknown
	}
	return &Error{Kind: kind, Context: context, Cause: errno}
}
