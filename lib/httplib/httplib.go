/*
Copyright 2024 NMP Labs

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

// Package httplib implements common utilities for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

// HandlerFunc specifies a handler that returns either a payload to be
// marshaled as JSON, or an error to be converted into a status code.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns an httprouter compatible handler that replies
// with JSON and translates errors into status codes.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON decodes the request body into val, limiting the body to a
// sane maximum. A body that fails to parse is a bad parameter.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("request: %v", err)
	}
	return nil
}

// ReplyJSON writes status and marshals val into the response body.
func ReplyJSON(w http.ResponseWriter, status int, val interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(val); err != nil {
		log.WithError(err).Warn("Failed to encode response.")
	}
}

// ReplyError converts err into an HTTP status code and writes a JSON
// error body.
func ReplyError(w http.ResponseWriter, err error) {
	ReplyJSON(w, ErrorToCode(err), map[string]interface{}{
		"success": false,
		"error":   trace.UserMessage(err),
	})
}

// ErrorToCode maps an error to the HTTP status code it should be
// reported with.
func ErrorToCode(err error) int {
	switch {
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsConnectionProblem(err):
		return http.StatusGatewayTimeout
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

const maxRequestBytes = 1 << 20
