// Package chaterrors defines the sentinel error kinds surfaced by the core
// and their mapping onto wire error codes. Every kind here corresponds to a
// row in the error-handling design: callers wrap a sentinel with
// fmt.Errorf("...: %w", chaterrors.ErrXxx) and compare with errors.Is.
package chaterrors

import "errors"

var (
	// ErrAuthFailed: token invalid / expired / revoked. Close session, no retry.
	ErrAuthFailed = errors.New("auth failed")
	// ErrUnauthorized: user not a member of target room. Error frame, session continues.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited: message or connection cap exceeded. Error frame with retry-after.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound: room/message does not exist. Error frame, session continues.
	ErrNotFound = errors.New("not found")
	// ErrTransientStore: in-memory store unavailable. Fail closed.
	ErrTransientStore = errors.New("transient store error")
	// ErrTransientPersistence: SQL store unavailable. Retry without acking.
	ErrTransientPersistence = errors.New("transient persistence error")
	// ErrProtocol: malformed frame. Error frame; repeated violations close the session.
	ErrProtocol = errors.New("protocol error")
	// ErrCancelled: shutdown or client close. Not an error; swallow after cleanup.
	ErrCancelled = errors.New("cancelled")
	// ErrInternal: bug / invariant violation. Close session, emit metric.
	ErrInternal = errors.New("internal error")
)

// Code is the wire-visible error code carried in an error frame.
type Code string

const (
	CodeAuthFailed             Code = "AuthFailed"
	CodeUnauthorized           Code = "Unauthorized"
	CodeRateLimited            Code = "RateLimited"
	CodeNotFound               Code = "NotFound"
	CodeTransientStore         Code = "TransientStore"
	CodeTransientPersistence   Code = "TransientPersistence"
	CodeProtocolError          Code = "ProtocolError"
	CodeInternal               Code = "Internal"
)

// CodeFor maps a wrapped sentinel to its wire code and a static,
// client-safe message. Internal details must never be forwarded to the
// client — only (code, message) cross the wire.
func CodeFor(err error) (Code, string) {
	switch {
	case errors.Is(err, ErrAuthFailed):
		return CodeAuthFailed, "authentication failed"
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized, "not a member of this room"
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited, "rate limit exceeded"
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, "not found"
	case errors.Is(err, ErrTransientStore):
		return CodeTransientStore, "try again"
	case errors.Is(err, ErrTransientPersistence):
		return CodeTransientPersistence, "try again later"
	case errors.Is(err, ErrProtocol):
		return CodeProtocolError, "malformed frame"
	default:
		return CodeInternal, "internal error"
	}
}
