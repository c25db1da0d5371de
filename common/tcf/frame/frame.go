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
package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/juju/errors"
	"github.com/oklog/ulid/v2"
)

type Kind string

const (
	// Hello is the first frame each side sends, listing its services.
	Hello Kind = "H"
	// Command asks the peer to run Service.Name with Args.
	Command Kind = "C"
	// Result completes the command identified by Token.
	Result Kind = "R"
	// Progress carries a partial result for a running command.
	Progress Kind = "P"
	// Event is an unsolicited notification from a service.
	Event Kind = "E"
)

// Frame is one message exchanged over a channel. Binary payloads of
// commands and results travel in Blob; Args and Result hold "(N)" markers
// in their place.
type Frame struct {
	Kind Kind `json:"kind"`

	// Token identifies a command and is copied verbatim to its replies.
	Token string `json:"token,omitempty"`

	Service string `json:"service,omitempty"`
	// Name is the command name for commands and the event name for events.
	Name string        `json:"name,omitempty"`
	Args []interface{} `json:"args,omitempty"`

	// Reply
	Result []interface{} `json:"result,omitempty"`
	Error  interface{}   `json:"error,omitempty"`

	Blob []byte `json:"blob,omitempty"`
	// Slots lists which strings of Args or Result are binary markers.
	Slots []int `json:"slots,omitempty"`

	Services []string `json:"services,omitempty"`

	// Size hint, if present, gives approximate size of the frame in memory.
	SizeHint int `json:"-"`
}

// NewToken returns a fresh command token. Tokens sort by creation time.
func NewToken() string {
	return ulid.Make().String()
}

func NewCommandFrame(service, name string, args []interface{}, blob []byte, slots []int) *Frame {
	return &Frame{
		Kind:    Command,
		Token:   NewToken(),
		Service: service,
		Name:    name,
		Args:    args,
		Blob:    blob,
		Slots:   slots,
	}
}

func NewResultFrame(token string, result []interface{}, blob []byte, slots []int, err interface{}) *Frame {
	return &Frame{Kind: Result, Token: token, Result: result, Blob: blob, Slots: slots, Error: err}
}

func NewProgressFrame(token string, result []interface{}) *Frame {
	return &Frame{Kind: Progress, Token: token, Result: result}
}

func NewEventFrame(service, name string, args []interface{}) *Frame {
	return &Frame{Kind: Event, Service: service, Name: name, Args: args}
}

func NewHelloFrame(services []string) *Frame {
	return &Frame{Kind: Hello, Services: services}
}

func (f *Frame) IsReply() bool {
	return f.Kind == Result || f.Kind == Progress
}

const frameSizeStringifyLimit = 2048

func (f *Frame) String() string {
	buf := bytes.NewBuffer(nil)
	lim := NewLimitedWriter(buf, frameSizeStringifyLimit) // in case the hint is missing or wrong
	fmt.Fprintf(lim, "%s token=%s ", f.Kind, f.Token)
	switch f.Kind {
	case Hello:
		fmt.Fprintf(lim, "services=%v", f.Services)
	case Command, Event:
		if f.SizeHint < frameSizeStringifyLimit {
			fmt.Fprintf(lim, "%s.%s args=%v", f.Service, f.Name, f.Args)
		} else {
			fmt.Fprintf(lim, "%s.%s args=(too big) %d", f.Service, f.Name, f.SizeHint)
		}
	default:
		if f.SizeHint < frameSizeStringifyLimit {
			fmt.Fprintf(lim, "result=%v error=%v", f.Result, f.Error)
		} else {
			fmt.Fprintf(lim, "result=(too big) error=%v %d", f.Error, f.SizeHint)
		}
	}
	if len(f.Blob) > 0 {
		fmt.Fprintf(lim, " blob=%d", len(f.Blob))
	}
	return buf.String()
}

func MarshalJSON(f *Frame) ([]byte, error) {
	w := bytes.NewBuffer(nil)
	e := json.NewEncoder(w)
	e.SetEscapeHTML(false)
	err := e.Encode(f)
	return w.Bytes(), errors.Trace(err)
}

// UnmarshalJSON parses one frame. Numbers are decoded as float64.
func UnmarshalJSON(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Annotatef(err, "invalid frame")
	}
	if f.Kind == "" {
		return nil, errors.NotValidf("frame without kind")
	}
	f.SizeHint = len(data)
	return &f, nil
}

type limitedWriter struct {
	w io.Writer
	n int
}

// NewLimitedWriter returns a writer that passes at most n bytes to w and
// fails with io.EOF once the limit is reached.
func NewLimitedWriter(w io.Writer, n int) io.Writer {
	return &limitedWriter{w: w, n: n}
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, io.EOF
	}
	var err error
	if len(p) > l.n {
		p = p[:l.n]
		err = io.EOF
	}
	n, werr := l.w.Write(p)
	l.n -= n
	if werr != nil {
		return n, werr
	}
	return n, err
}
