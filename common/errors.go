// Copyright 2022 The ssecast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classification of an error returned by the broadcast service
type ErrorCode string

// Error codes
const (
	CodeUnauthenticated   ErrorCode = "UNAUTHENTICATED"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	CodePayloadTooLarge   ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeMalformedPayload  ErrorCode = "MALFORMED_PAYLOAD"
	CodeWriteFailure      ErrorCode = "WRITE_FAILURE"
	CodeInternal          ErrorCode = "INTERNAL"
)

// Error is an error carrying an ErrorCode
type Error struct {
	Code ErrorCode
	Msg  string
	Err  error
}

// Error implements error
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Msg, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Unwrap return the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is two *Error match if they carry the same code
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// Sentinel errors, one per ErrorCode. Compare with errors.Is.
var (
	ErrUnauthenticated   = &Error{Code: CodeUnauthenticated, Msg: "missing or invalid credential"}
	ErrForbidden         = &Error{Code: CodeForbidden, Msg: "origin or permission check failed"}
	ErrResourceExhausted = &Error{Code: CodeResourceExhausted, Msg: "connection limit reached"}
	ErrPayloadTooLarge   = &Error{Code: CodePayloadTooLarge, Msg: "payload exceeds size limit"}
	ErrMalformedPayload  = &Error{Code: CodeMalformedPayload, Msg: "payload is not well-formed"}
	ErrWriteFailure      = &Error{Code: CodeWriteFailure, Msg: "stream write failed"}
	ErrInternal          = &Error{Code: CodeInternal, Msg: "internal error"}
)

// ErrConnectionClosed write attempted on an already closed connection
var ErrConnectionClosed = errors.New("connection closed")

// NewError define a new coded error
func NewError(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Err: cause}
}

// CodeOf return the ErrorCode of an error, INTERNAL if the error is not coded
func CodeOf(err error) ErrorCode {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// HTTPStatus map an error to the HTTP response status
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeMalformedPayload:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
