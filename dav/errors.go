// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package dav

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure surfaced by the method engine, the lock
// manager, or a FileSystem implementation, independent of the HTTP status
// it eventually maps to.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota
	KindConflict
	KindPreconditionFailed
	KindLocked
	KindRangeNotSatisfiable
	KindBusy
	KindForbidden
	KindBadRequest
	KindMethodNotAllowed
	KindTimeout
	KindUnauthorized
	KindInternal
)

var kindStatus = map[ErrorKind]int{
	KindNotFound:            http.StatusNotFound,
	KindConflict:            http.StatusConflict,
	KindPreconditionFailed:  http.StatusPreconditionFailed,
	KindLocked:              StatusLocked,
	KindRangeNotSatisfiable: http.StatusRequestedRangeNotSatisfiable,
	KindBusy:                http.StatusServiceUnavailable,
	KindForbidden:           http.StatusForbidden,
	KindBadRequest:          http.StatusBadRequest,
	KindMethodNotAllowed:    http.StatusMethodNotAllowed,
	KindTimeout:             http.StatusRequestTimeout,
	KindUnauthorized:        http.StatusUnauthorized,
	KindInternal:            http.StatusInternalServerError,
}

var kindText = map[ErrorKind]string{
	KindNotFound:            "NotFound",
	KindConflict:            "Conflict",
	KindPreconditionFailed:  "PreconditionFailed",
	KindLocked:              "Locked",
	KindRangeNotSatisfiable: "RangeNotSatisfiable",
	KindBusy:                "Busy",
	KindForbidden:           "Forbidden",
	KindBadRequest:          "BadRequest",
	KindMethodNotAllowed:    "MethodNotAllowed",
	KindTimeout:             "Timeout",
	KindUnauthorized:        "Unauthorized",
	KindInternal:            "Internal",
}

// RFC 4918 status code extensions not present in net/http.
const (
	StatusLocked = 423
)

// Error is the common error type produced by this package. It carries an
// ErrorKind (mapped to an HTTP status by Status) and, optionally, the
// underlying cause for logging.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func newErr(k ErrorKind, cause error) Error {
	return Error{Kind: k, Cause: cause}
}

// NotFound, Conflict, ... are convenience constructors mirroring the
// error table of spec section 7.
func NotFound(cause error) Error            { return newErr(KindNotFound, cause) }
func Conflict(cause error) Error            { return newErr(KindConflict, cause) }
func PreconditionFailed(cause error) Error  { return newErr(KindPreconditionFailed, cause) }
func Locked(cause error) Error              { return newErr(KindLocked, cause) }
func RangeNotSatisfiable(cause error) Error { return newErr(KindRangeNotSatisfiable, cause) }
func Busy(cause error) Error                { return newErr(KindBusy, cause) }
func Forbidden(cause error) Error           { return newErr(KindForbidden, cause) }
func BadRequest(cause error) Error          { return newErr(KindBadRequest, cause) }
func MethodNotAllowed(cause error) Error    { return newErr(KindMethodNotAllowed, cause) }
func Timeout(cause error) Error             { return newErr(KindTimeout, cause) }
func Unauthorized(cause error) Error        { return newErr(KindUnauthorized, cause) }
func Internal(cause error) Error            { return newErr(KindInternal, cause) }

// Status returns the HTTP status code this error maps to.
func (e Error) Status() int {
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func (e Error) Error() string {
	text := kindText[e.Kind]
	if e.Cause != nil {
		return fmt.Sprintf("dav: %s: %v", text, e.Cause)
	}
	return fmt.Sprintf("dav: %s", text)
}

func (e Error) Unwrap() error { return e.Cause }

// AsError converts an arbitrary error into a dav.Error, defaulting to
// KindInternal when err is not already one.
func AsError(err error) Error {
	if err == nil {
		return Error{}
	}
	var de Error
	if ok := errorsAs(err, &de); ok {
		return de
	}
	return Internal(err)
}

// errorsAs walks err's Unwrap chain and reports whether it contains a
// dav.Error value, storing the first one found in target (errors.As
// narrowed to this one concrete type).
func errorsAs(err error, target *Error) bool {
	for err != nil {
		if e, ok := err.(Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ErrUploadStalled is the error a request body reader returns once it has
// gone quiet past its configured inactivity window. A FileSystem's
// WriteStream classifies it as a Timeout rather than an Internal failure
// so the progressive upload deadline of spec section 5 surfaces as a 408,
// not a 500.
var ErrUploadStalled = errors.New("dav: upload stalled past its inactivity window")

// wrapReadErr classifies a failure reading the PUT request body: a stalled
// upload becomes a Timeout, anything else an Internal failure.
func wrapReadErr(err error) error {
	if errors.Is(err, ErrUploadStalled) {
		return Timeout(err)
	}
	return Internal(err)
}
