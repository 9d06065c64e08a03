/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors provides the categorized errors returned by the TrueNAS
// client and the reconcilers built on it.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeNotFound indicates the named instance does not exist
	ErrorTypeNotFound ErrorType = "NotFound"
	// ErrorTypeRemoteCall indicates the API answered with a non-success status
	ErrorTypeRemoteCall ErrorType = "RemoteCall"
	// ErrorTypeTransport indicates a connection failure or a malformed response
	ErrorTypeTransport ErrorType = "Transport"
	// ErrorTypeInvalidSpec indicates invalid module parameters
	ErrorTypeInvalidSpec ErrorType = "InvalidSpec"
)

// Error is a categorized error from the TrueNAS API layer.
type Error struct {
	// Type categorizes the error
	Type ErrorType
	// Message describes the error
	Message string
	// StatusCode is the HTTP status for RemoteCall errors
	StatusCode int
	// Body is the response body for RemoteCall errors
	Body string
	// Cause contains the underlying error
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	case e.Body != "":
		return fmt.Sprintf("%s: %s", e.Message, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Message, e.StatusCode)
	default:
		return e.Message
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewNotFound creates an instance not found error.
func NewNotFound(name string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: fmt.Sprintf("Instance '%s' not found", name),
	}
}

// NewRemoteCall creates an error for a non-success API response.
func NewRemoteCall(operation string, statusCode int, body string) *Error {
	return &Error{
		Type:       ErrorTypeRemoteCall,
		Message:    fmt.Sprintf("Failed to %s", operation),
		StatusCode: statusCode,
		Body:       body,
	}
}

// NewTransport creates an error for a request that never produced a usable
// response.
func NewTransport(operation string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeTransport,
		Message: fmt.Sprintf("Failed to %s", operation),
		Cause:   cause,
	}
}

// NewInvalidSpec creates an invalid parameter error.
func NewInvalidSpec(message string, args ...interface{}) *Error {
	return &Error{
		Type:    ErrorTypeInvalidSpec,
		Message: fmt.Sprintf(message, args...),
	}
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsRemoteCall reports whether err is a RemoteCall error.
func IsRemoteCall(err error) bool {
	return hasType(err, ErrorTypeRemoteCall)
}

// IsTransport reports whether err is a Transport error.
func IsTransport(err error) bool {
	return hasType(err, ErrorTypeTransport)
}

// IsInvalidSpec reports whether err is an InvalidSpec error.
func IsInvalidSpec(err error) bool {
	return hasType(err, ErrorTypeInvalidSpec)
}

// IsConflict reports whether err is a RemoteCall error carrying HTTP 409.
// The instance endpoints use 409 to say the instance is already in the
// requested power state.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == ErrorTypeRemoteCall && e.StatusCode == http.StatusConflict
	}
	return false
}

func hasType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}
