// Package apperr defines the stable error taxonomy of the launcher core.
//
// Collaborator failures (network, filesystem, process control) are wrapped
// into one of these kinds at the boundary where the core calls them; raw
// collaborator errors never cross package boundaries upward.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a category of failure. Kinds are part of the public API:
// the HTTP layer maps them to status codes and clients may switch on them.
type Kind string

const (
	KindCatalogUnavailable  Kind = "catalog_unavailable"
	KindUnknownTag          Kind = "unknown_tag"
	KindNotInstalled        Kind = "not_installed"
	KindVersionActive       Kind = "version_active"
	KindAlreadyRunning      Kind = "already_running"
	KindStartTimeout        Kind = "start_timeout"
	KindStopTimeout         Kind = "stop_timeout"
	KindOperationInProgress Kind = "operation_in_progress"
	KindLinkPartialFailure  Kind = "link_partial_failure"
	KindFilesystem          Kind = "filesystem"
	KindInternal            Kind = "internal"
)

// Error carries a kind plus enough context (operation, tag, cause) for the
// caller to display or retry.
type Error struct {
	Kind Kind
	Op   string // e.g. "installdir.remove"
	Tag  string // release tag, when the failure concerns one
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Tag != "" {
		msg = fmt.Sprintf("%s (tag %s)", msg, e.Tag)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, apperr.ErrUnknownTag) works
// regardless of the Op/Tag context attached to err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrCatalogUnavailable  = &Error{Kind: KindCatalogUnavailable}
	ErrUnknownTag          = &Error{Kind: KindUnknownTag}
	ErrNotInstalled        = &Error{Kind: KindNotInstalled}
	ErrVersionActive       = &Error{Kind: KindVersionActive}
	ErrAlreadyRunning      = &Error{Kind: KindAlreadyRunning}
	ErrStartTimeout        = &Error{Kind: KindStartTimeout}
	ErrStopTimeout         = &Error{Kind: KindStopTimeout}
	ErrOperationInProgress = &Error{Kind: KindOperationInProgress}
)

// E builds a classified error. err may be nil.
func E(kind Kind, op, tag string, err error) *Error {
	return &Error{Kind: kind, Op: op, Tag: tag, Err: err}
}

// Filesystem wraps an I/O failure with the attempted path and operation.
func Filesystem(op, path string, err error) *Error {
	return &Error{Kind: KindFilesystem, Op: op, Err: fmt.Errorf("%s: %w", path, err)}
}

// KindOf extracts the Kind from err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
