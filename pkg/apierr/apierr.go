// Copyright 2024 The vsmanager Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apierr defines the typed errors shared by all vsmanager
// components. Every error carries a stable machine-readable code that the
// HTTP layer translates into a response envelope; the message is shown to
// operators verbatim.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class. Codes are part of the API contract and
// must not change between releases.
type Code string

const (
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeServerNotRunning    Code = "SERVER_NOT_RUNNING"
	CodeServerRunning       Code = "SERVER_RUNNING"
	CodeServerNotInstalled  Code = "SERVER_NOT_INSTALLED"
	CodeConfigNotFound      Code = "CONFIG_NOT_FOUND"
	CodeSettingUnknown      Code = "SETTING_UNKNOWN"
	CodeSettingEnvManaged   Code = "SETTING_ENV_MANAGED"
	CodeSettingValueInvalid Code = "SETTING_VALUE_INVALID"
	CodeSettingUpdateFailed Code = "SETTING_UPDATE_FAILED"
	CodeVersionNotFound     Code = "VERSION_NOT_FOUND"
	CodeJobNotFound         Code = "JOB_NOT_FOUND"
	CodeExternalAPI         Code = "EXTERNAL_API_ERROR"
	CodeModNotFound         Code = "MOD_NOT_FOUND"
	CodeModAlreadyInstalled Code = "MOD_ALREADY_INSTALLED"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error is a typed error with a stable code and an operator-facing message.
type Error struct {
	Code    Code
	Message string
	// Wrapped holds the underlying cause, if any. It is logged but never
	// serialized into API responses.
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New returns an Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error with the given code and message, recording cause
// for errors.Is/As traversal and logging.
func Wrap(cause error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Wrapped: cause}
}

// CodeOf extracts the code from err, or CodeInternal if err is not an
// *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to the HTTP status the API layer responds
// with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeServerNotRunning, CodeServerRunning, CodeServerNotInstalled:
		return http.StatusConflict
	case CodeConfigNotFound, CodeVersionNotFound, CodeJobNotFound, CodeModNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeModAlreadyInstalled:
		return http.StatusConflict
	case CodeSettingUnknown:
		return http.StatusNotFound
	case CodeSettingEnvManaged, CodeSettingValueInvalid, CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeSettingUpdateFailed:
		return http.StatusBadGateway
	case CodeExternalAPI:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
