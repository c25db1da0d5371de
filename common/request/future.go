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
	"context"
	"sync"

	"github.com/juju/errors"
)

// Future is the outcome of one submission of a Request. It is resolved
// exactly once; every later read observes the same result or error.
type Future struct {
	r    *Request
	gen  int
	done chan struct{}

	once   sync.Once
	result interface{}
	err    error
}

func newFuture(r *Request, gen int) *Future {
	return &Future{r: r, gen: gen, done: make(chan struct{})}
}

func (f *Future) set(result interface{}, err error) bool {
	set := false
	f.once.Do(func() {
		f.result, f.err = result, err
		close(f.done)
		set = true
	})
	return set
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome, or a NotYetAvailable error if the future is
// still unresolved.
func (f *Future) Result() (interface{}, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		return nil, errors.NotYetAvailablef("result of %s", f.r)
	}
}

// Wait blocks until the future is resolved or ctx is done. Giving up the
// wait does not cancel the request.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

// Cancel stops the request locally: the future resolves with ErrCancelled,
// the queue group moves on and the node is released. An operation already
// sent to the remote peer is not recalled.
func (f *Future) Cancel() {
	f.r.e.cancel(f.r, f.gen)
}

func (f *Future) Request() *Request {
	return f.r
}
