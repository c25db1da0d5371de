//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package request

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

var (
	// ErrCancelled resolves futures which were cancelled before completion.
	ErrCancelled = errors.New("request cancelled")
	// ErrSessionClosed resolves futures still pending when the session's
	// dispatcher is closed.
	ErrSessionClosed = errors.New("session closed")
)

// IsCancelled reports whether err comes from a cancelled request.
func IsCancelled(err error) bool {
	return stderrors.Is(err, ErrCancelled)
}

// NotReadyError is returned when a request gives up waiting for its node or
// the graph to settle. It is a client side condition, unlike RemoteError.
type NotReadyError struct {
	Target string
	Waited time.Duration
	Reason string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("context %q not ready after %s: %s", e.Target, e.Waited, e.Reason)
}

func IsSessionClosed(err error) bool {
	return stderrors.Is(err, ErrSessionClosed)
}

func IsNotReady(err error) bool {
	var nr *NotReadyError
	return stderrors.As(err, &nr)
}

// RemoteError is an error reported by the remote peer for a command.
type RemoteError struct {
	Service  string
	Command  string
	Code     int
	Message  string
	CausedBy *RemoteError
}

func (e *RemoteError) Error() string {
	var sb strings.Builder
	if e.Service != "" || e.Command != "" {
		fmt.Fprintf(&sb, "%s.%s: ", e.Service, e.Command)
	}
	if e.Code != 0 {
		fmt.Fprintf(&sb, "remote error %d: ", e.Code)
	} else {
		sb.WriteString("remote error: ")
	}
	sb.WriteString(e.Message)
	if e.CausedBy != nil {
		fmt.Fprintf(&sb, " (caused by: %s)", e.CausedBy.Error())
	}
	return sb.String()
}

// AsError turns an error payload as found in a reply (a string, a map in
// the {"Code", "Format", "CausedBy"} shape, an error or anything else) into
// an error. nil and empty payloads yield nil.
func AsError(v interface{}) error {
	switch vv := v.(type) {
	case nil:
		return nil
	case error:
		return vv
	case string:
		if vv == "" {
			return nil
		}
		return &RemoteError{Message: vv}
	case map[string]interface{}:
		if len(vv) == 0 {
			return nil
		}
		return remoteErrorFromMap(vv)
	}
	return &RemoteError{Message: fmt.Sprint(v)}
}

func remoteErrorFromMap(m map[string]interface{}) *RemoteError {
	re := &RemoteError{}
	switch c := m["Code"].(type) {
	case float64:
		re.Code = int(c)
	case int:
		re.Code = c
	}
	for _, k := range []string{"Format", "Message", "Msg"} {
		if s, ok := m[k].(string); ok {
			re.Message = s
			break
		}
	}
	if re.Message == "" {
		re.Message = fmt.Sprint(m)
	}
	if cb, ok := m["CausedBy"].(map[string]interface{}); ok && len(cb) > 0 {
		re.CausedBy = remoteErrorFromMap(cb)
	}
	return re
}

// CallError is the only error type returned by the blocking entry points.
type CallError struct {
	Target string
	Op     string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s on %q: %s", e.Op, e.Target, e.Err)
}

func (e *CallError) Cause() error {
	return e.Err
}

func (e *CallError) Unwrap() error {
	return e.Err
}
