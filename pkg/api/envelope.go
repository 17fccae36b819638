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

package api

import (
	"errors"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"

	"github.com/vsmanager/vsmanager/pkg/apierr"
)

// envelope is the uniform success shape.
type envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

// errorDetail is the uniform error shape.
type errorDetail struct {
	Detail struct {
		Code    apierr.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"detail"`
}

func ok(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, envelope{Status: "ok", Data: data})
}

// httpErrorHandler translates typed errors into the response envelope.
// Unknown errors become a generic 500 with full context in the logs.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var body errorDetail
	status := http.StatusInternalServerError

	var typed *apierr.Error
	var echoErr *echo.HTTPError
	switch {
	case errors.As(err, &typed):
		status = apierr.HTTPStatus(typed.Code)
		body.Detail.Code = typed.Code
		body.Detail.Message = typed.Message
		if typed.Wrapped != nil {
			_ = level.Warn(s.logger).Log("msg", "request failed", "path", c.Path(), "code", typed.Code, "err", typed.Wrapped)
		}
	case errors.As(err, &echoErr):
		status = echoErr.Code
		body.Detail.Code = apierr.CodeValidation
		if status == http.StatusNotFound {
			body.Detail.Code = apierr.CodeNotFound
		}
		body.Detail.Message = http.StatusText(status)
	default:
		body.Detail.Code = apierr.CodeInternal
		body.Detail.Message = "Internal server error"
		_ = level.Error(s.logger).Log("msg", "unhandled error", "path", c.Path(), "err", err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}
