// Package errors defines the typed error kinds moldau surfaces to the user
// and the exit codes they map to.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories moldau surfaces with a
// distinct message. It is distinct from the wrapped cause, which carries
// the underlying detail.
type Kind string

// Error kinds, grouped by the stage of the pipeline that raises them.
const (
	KindDescriptorMissing   Kind = "DescriptorMissing"
	KindDescriptorMalformed Kind = "DescriptorMalformed"
	KindMismatch            Kind = "KindMismatch"
	KindUnsupportedBerry2x  Kind = "UnsupportedBerry2x"

	KindRegistryUnavailable Kind = "RegistryUnavailable"
	KindRegistryNotFound    Kind = "RegistryNotFound"
	KindRegistryAuth        Kind = "RegistryAuth"
	KindTagUnknown          Kind = "TagUnknown"
	KindNoMatchingVersion   Kind = "NoMatchingVersion"

	KindShasumMismatch       Kind = "ShasumMismatch"
	KindIntegrityMismatch    Kind = "IntegrityMismatch"
	KindSignatureInvalid     Kind = "SignatureInvalid"
	KindIntegrityPinMismatch Kind = "IntegrityPinMismatch"

	KindTarUnsafeEntry  Kind = "TarUnsafeEntry"
	KindFilesystemError Kind = "FilesystemError"
)

// ExitCode returns the process exit code a Kind maps to, per the CLI
// surface's error-handling table. Kinds outside this switch (e.g. a kind
// not yet assigned one) fall back to 1.
func (k Kind) ExitCode() int {
	switch k {
	case KindDescriptorMissing, KindDescriptorMalformed, KindMismatch, KindUnsupportedBerry2x,
		KindTagUnknown, KindNoMatchingVersion:
		return 1
	case KindRegistryUnavailable, KindRegistryNotFound, KindRegistryAuth:
		return 2
	case KindShasumMismatch, KindIntegrityMismatch, KindSignatureInvalid, KindIntegrityPinMismatch:
		return 3
	case KindTarUnsafeEntry, KindFilesystemError:
		return 4
	default:
		return 1
	}
}

// Error is a moldau error carrying a Kind alongside its cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error around an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. The ok result is false for plain errors.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// ExitCodeFor computes the process exit code for err, defaulting to 1 for
// errors that carry no Kind.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if k, ok := KindOf(err); ok {
		return k.ExitCode()
	}
	return 1
}
