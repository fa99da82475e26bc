// Package errdef defines the structured error kinds shared by every koci
// package, following the OCI distribution-spec error codes (see
// registry/remote/errcode for the wire-format counterpart).
package errdef

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the koci error model.
type Kind string

// Error kinds.
const (
	KindSizeMismatch       Kind = "size_mismatch"
	KindDigestMismatch     Kind = "digest_mismatch"
	KindUnsupportedManifest Kind = "unsupported_manifest"
	KindDescriptorNotFound Kind = "descriptor_not_found"
	KindPlatformNotFound   Kind = "platform_not_found"
	KindUnableToRemove     Kind = "unable_to_remove"
	KindInvalidRegistry    Kind = "invalid_registry"
	KindInvalidRepository  Kind = "invalid_repository"
	KindInvalidTag         Kind = "invalid_tag"
	KindInvalidDigest      Kind = "invalid_digest"
	KindInvalidLayout      Kind = "invalid_layout"
	KindIOError            Kind = "io_error"
	KindHTTPError          Kind = "http_error"
	KindFromResponse       Kind = "from_response"
	KindEmptyTokenReturned Kind = "empty_token_returned"
	KindUnexpectedStatus   Kind = "unexpected_status"
	KindTransferFailed     Kind = "transfer_failed"
	KindBlobNotFound       Kind = "blob_not_found"
	KindGeneric            Kind = "generic"
)

// Error is the common structured error type returned by koci's exported
// APIs. Every error kind in the spec is represented by one Error value with
// Kind set accordingly; Err, when non-nil, is the underlying cause and is
// reachable via Unwrap so that errors.Is/errors.As keep working against both
// sentinels (ErrNotFound-style) and the Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, errdef.New(errdef.KindBlobNotFound, "")) works as a kind
// check without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// HasKind reports whether err (or something it wraps) is a koci *Error of
// kind k.
func HasKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// Common sentinel errors, for callers that prefer errors.Is over kind
// switches.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrMissingReference = errors.New("missing reference")
	ErrInvalidReference = errors.New("invalid reference")
)

// SizeMismatch reports a size invariant violation during a blob write.
func SizeMismatch(expected, actual int64) *Error {
	return New(KindSizeMismatch, fmt.Sprintf("expected size %d, got %d", expected, actual))
}

// DigestMismatch reports a digest invariant violation during a blob write.
func DigestMismatch(expected, actual string) *Error {
	return New(KindDigestMismatch, fmt.Sprintf("expected digest %s, got %s", expected, actual))
}

// UnsupportedManifest reports an unexpected media type where a manifest or
// index was required.
func UnsupportedManifest(mediaType, where string) *Error {
	return New(KindUnsupportedManifest, fmt.Sprintf("media type %q is not supported in %s", mediaType, where))
}

// DescriptorNotFound reports a resolve() failure.
func DescriptorNotFound(criteria string) *Error {
	return Wrap(KindDescriptorNotFound, criteria, ErrNotFound)
}

// PlatformNotFound reports a resolve(reference, platformResolver) failure
// where the index has no matching child.
func PlatformNotFound(index string) *Error {
	return New(KindPlatformNotFound, fmt.Sprintf("no manifest in index %s matches the requested platform", index))
}

// UnableToRemove reports a remove() that was refused by the layout
// invariants (e.g. a manifest still referenced elsewhere).
func UnableToRemove(descriptor, reason string) *Error {
	return New(KindUnableToRemove, fmt.Sprintf("cannot remove %s: %s", descriptor, reason))
}

// InvalidDigest wraps a digest parse/validate failure.
func InvalidDigest(reason string) *Error {
	return New(KindInvalidDigest, reason)
}

// InvalidRegistry wraps a registry host validation failure.
func InvalidRegistry(value, reason string) *Error {
	return Wrap(KindInvalidRegistry, fmt.Sprintf("%q: %s", value, reason), ErrInvalidReference)
}

// InvalidRepository wraps a repository name validation failure.
func InvalidRepository(value, reason string) *Error {
	return Wrap(KindInvalidRepository, fmt.Sprintf("%q: %s", value, reason), ErrInvalidReference)
}

// InvalidTag wraps a tag/reference validation failure.
func InvalidTag(value, reason string) *Error {
	return Wrap(KindInvalidTag, fmt.Sprintf("%q: %s", value, reason), ErrInvalidReference)
}

// InvalidLayout wraps an on-disk OCI layout validation failure.
func InvalidLayout(reason string) *Error {
	return New(KindInvalidLayout, reason)
}

// IOError wraps a filesystem collaborator failure.
func IOError(message string, cause error) *Error {
	return Wrap(KindIOError, message, cause)
}

// HTTPError reports a non-2xx HTTP response with no parseable JSON body.
func HTTPError(status int, message string) *Error {
	return New(KindHTTPError, fmt.Sprintf("%d: %s", status, message))
}

// EmptyTokenReturned reports a token endpoint response with neither `token`
// nor `access_token` populated.
func EmptyTokenReturned() *Error {
	return New(KindEmptyTokenReturned, "token endpoint returned neither token nor access_token")
}

// UnexpectedStatus reports an HTTP response whose status code does not match
// what the protocol step required.
func UnexpectedStatus(expected, got int) *Error {
	return New(KindUnexpectedStatus, fmt.Sprintf("expected status %d, got %d", expected, got))
}

// TransferFailed reports that a waiter observed another caller's transfer of
// the same descriptor fail.
func TransferFailed(descriptor string) *Error {
	return New(KindTransferFailed, fmt.Sprintf("transfer of %s failed", descriptor))
}

// BlobNotFound reports a missing blob.
func BlobNotFound(descriptor string) *Error {
	return Wrap(KindBlobNotFound, descriptor, ErrNotFound)
}

// Generic wraps any other failure that does not have a dedicated kind.
func Generic(message string, cause error) *Error {
	return Wrap(KindGeneric, message, cause)
}
