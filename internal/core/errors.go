// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"net/http"
)

// Error is our own defined error type. Every result delivered to a reader or
// to an HTTP completion callback carries one of these.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Network level errors ------//

	// ErrTransport is returned if a connection could not be established, was
	// reset, or timed out before a response was received.
	ErrTransport

	// ErrServer is returned for 5xx responses.
	ErrServer

	// ErrClient is returned for non-2xx responses that are not 5xx. These are
	// never retried.
	ErrClient

	// ErrHTTPDisabled is returned when network fetches are administratively
	// disabled, globally or for the content class of a chunk.
	ErrHTTPDisabled

	// ErrHostDisconnected is returned when a request targets a host group whose
	// endpoints are not known yet.
	ErrHostDisconnected

	//------ Chunk level errors ------//

	// ErrDecode is returned if encoded chunk bytes could not be verified,
	// decrypted or decompressed.
	ErrDecode

	// ErrCache is returned if the persistent cache failed an operation.
	ErrCache

	// ErrNotFound is returned when a chunk or host group is unknown.
	ErrNotFound

	//------ Errors from any level ------//

	// ErrInvalidArgument is returned if an argument is bad or confusing (eg an
	// empty endpoint list or a range past the end of a chunk).
	ErrInvalidArgument

	// ErrAlreadyResolved is returned when resolving a host group twice.
	ErrAlreadyResolved

	// ErrCanceled is returned when a request is canceled.
	ErrCanceled

	// ErrShutdown is returned for every request that is outstanding when the
	// request thread stops, and for requests issued afterwards.
	ErrShutdown

	// ErrTooBusy means a bounded resource is exhausted.
	ErrTooBusy

	//------ Meta-error ------//

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrTransport:        "transport error",
	ErrServer:           "server error",
	ErrClient:           "client error",
	ErrHTTPDisabled:     "http fetches are disabled",
	ErrHostDisconnected: "host group is disconnected",

	ErrDecode:   "chunk decode failed",
	ErrCache:    "cache error",
	ErrNotFound: "not found",

	ErrInvalidArgument: "invalid argument",
	ErrAlreadyResolved: "host group already resolved",
	ErrCanceled:        "request canceled",
	ErrShutdown:        "shutting down",
	ErrTooBusy:         "too busy",

	ErrUnknown: "unknown error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	c, ok := ErrorOf(g)
	return ok && c == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// ErrorOf gets the underlying core.Error from an error. Context cancellation
// and deadline errors map to ErrCanceled and ErrTransport.
func ErrorOf(err error) (Error, bool) {
	switch err {
	case nil:
		return NoError, true
	case context.Canceled:
		return ErrCanceled, true
	case context.DeadlineExceeded:
		return ErrTransport, true
	}
	e, ok := err.(goError)
	return Error(e), ok
}

// IsRetriable checks if err is a core.Error that is worth retrying.
func IsRetriable(err error) bool {
	if e, ok := ErrorOf(err); ok {
		return IsRetriableError(e)
	}
	return false
}

// IsRetriableError checks if we should retry on a given error. Only failures
// that might be transient on the serving side are retriable.
func IsRetriableError(err Error) bool {
	switch err {
	case ErrTransport, ErrServer:
		return true
	}
	return false
}

// FromStatus classifies an HTTP status code.
func FromStatus(code int) Error {
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return NoError
	case code >= http.StatusInternalServerError:
		return ErrServer
	case code == 0:
		return ErrTransport
	}
	return ErrClient
}
