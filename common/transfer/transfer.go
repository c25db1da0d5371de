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
// Package transfer moves large buffers to and from memory-like contexts as
// many fixed-size chunk operations with a bounded number in flight.
//
// A transfer is a single request on the target's queue group; the chunks it
// issues are pipelined inside that request, each tagged with its offset in
// the caller's buffer so completions may arrive in any order. Chunks go
// straight to the Chunker and do not take pending marks of their own; the
// transfer request holds the node's mark until the last chunk drains.
// Removing the target context stops a transfer with a NotFound error.
package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/graph"
	"github.com/Xilinx/chipscopy-sub000/common/request"
)

const (
	DefaultChunkSize = 0x8000
	DefaultWindow    = 8
)

// Chunker performs single chunk accesses on a node. done must be called
// exactly once, possibly from another goroutine; a returned error means done
// will not be called.
type Chunker interface {
	ReadChunk(n *graph.Node, address uint64, length int, done func(data []byte, err error)) error
	WriteChunk(n *graph.Node, address uint64, data []byte, done func(err error)) error
}

type Transfer struct {
	e         *request.Engine
	c         Chunker
	class     *graph.Class
	chunkSize int
	window    int
}

type Option func(t *Transfer)

func WithChunkSize(size int) Option {
	return func(t *Transfer) { t.chunkSize = size }
}

func WithWindow(depth int) Option {
	return func(t *Transfer) { t.window = depth }
}

// WithClass re-types the target to cls before the first chunk is issued.
func WithClass(cls *graph.Class) Option {
	return func(t *Transfer) { t.class = cls }
}

func New(e *request.Engine, c Chunker, opts ...Option) *Transfer {
	t := &Transfer{e: e, c: c, chunkSize: DefaultChunkSize, window: DefaultWindow}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transfer) ChunkSize() int {
	return t.chunkSize
}

func (t *Transfer) Window() int {
	return t.window
}

// ReadBytes fills buf[offset:offset+length] from target memory starting at
// address. The result is the number of bytes read. Progress is reported as
// a float64 fraction of length, ending with exactly 1.0.
func (t *Transfer) ReadBytes(target string, address uint64, buf []byte, offset, length int, done request.DoneFunc, progress request.ProgressFunc) *request.Future {
	return t.submit(false, target, address, buf, offset, length, done, progress)
}

// WriteBytes stores buf[offset:offset+length] to target memory starting at
// address. The result is the number of bytes written.
func (t *Transfer) WriteBytes(target string, address uint64, buf []byte, offset, length int, done request.DoneFunc, progress request.ProgressFunc) *request.Future {
	return t.submit(true, target, address, buf, offset, length, done, progress)
}

// Read reads length bytes at address and waits for the outcome.
func (t *Transfer) Read(ctx context.Context, target string, address uint64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if err := t.wait(ctx, t.ReadBytes(target, address, buf, 0, length, nil, nil)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write writes data at address and waits for the outcome.
func (t *Transfer) Write(ctx context.Context, target string, address uint64, data []byte) error {
	return t.wait(ctx, t.WriteBytes(target, address, data, 0, len(data), nil, nil))
}

func (t *Transfer) wait(ctx context.Context, f *request.Future) error {
	r := f.Request()
	select {
	case <-f.Done():
	case <-ctx.Done():
		f.Cancel()
		return &request.CallError{Target: r.Target(), Op: r.String(), Err: errors.Timeoutf("%s: %s", r, ctx.Err())}
	}
	if _, err := f.Result(); err != nil {
		return &request.CallError{Target: r.Target(), Op: r.String(), Err: err}
	}
	return nil
}

func (t *Transfer) submit(write bool, target string, address uint64, buf []byte, offset, length int, done request.DoneFunc, progress request.ProgressFunc) *request.Future {
	name := "read"
	if write {
		name = "write"
	}
	name = fmt.Sprintf("%s %d@%#x", name, length, address)
	var r *request.Request
	op := func(n *graph.Node, _ []interface{}, opDone request.DoneFunc, opProgress request.ProgressFunc) error {
		if err := t.validate(buf, offset, length); err != nil {
			return err
		}
		w := &window{
			t:        t,
			n:        n,
			write:    write,
			address:  address,
			buf:      buf[offset : offset+length],
			done:     opDone,
			progress: opProgress,
			stopped: func() bool {
				f := r.Future()
				return f != nil && f.Resolved()
			},
		}
		w.unwatch = n.Watch(func(ev graph.Event) {
			if ev.Type == graph.NodeRemoved {
				w.abort(errors.NotFoundf("context %q (removed during %s)", n.Ctx(), w.dir()))
			}
		})
		if !n.Valid() {
			w.abort(errors.NotFoundf("context %q (removed)", n.Ctx()))
		}
		w.pump()
		return nil
	}
	r = t.e.NewRequest(target, t.class, name, op).OnDone(done).OnProgress(progress)
	return r.Submit()
}

func (t *Transfer) validate(buf []byte, offset, length int) error {
	switch {
	case t.chunkSize <= 0:
		return errors.NotValidf("chunk size %d", t.chunkSize)
	case t.window <= 0:
		return errors.NotValidf("window depth %d", t.window)
	case offset < 0 || length < 0:
		return errors.NotValidf("range %d+%d", offset, length)
	case offset+length > len(buf):
		return errors.NotValidf("range %d+%d of a %d byte buffer", offset, length, len(buf))
	}
	return nil
}

// window is the state of one running transfer. Offsets are relative to buf.
type window struct {
	t        *Transfer
	n        *graph.Node
	write    bool
	address  uint64
	buf      []byte
	done     request.DoneFunc
	progress request.ProgressFunc
	stopped  func() bool
	unwatch  func()

	lock     sync.Mutex
	pumping  bool
	next     int
	inFlight int
	copied   int
	err      error
	finished bool
}

// pump issues chunks until the window is full or nothing is left, and
// completes the transfer once the last chunk in flight has drained. Only
// one goroutine pumps at a time; completions arriving meanwhile are picked
// up by its loop.
func (w *window) pump() {
	w.lock.Lock()
	if w.pumping {
		w.lock.Unlock()
		return
	}
	w.pumping = true
	for {
		if w.err == nil && w.next < len(w.buf) && w.stopped() {
			w.err = request.ErrCancelled
		}
		if w.err != nil || w.next >= len(w.buf) || w.inFlight >= w.t.window {
			w.pumping = false
			finish := !w.finished && w.inFlight == 0 && (w.err != nil || w.next >= len(w.buf))
			if finish {
				w.finished = true
				if w.err == nil && len(w.buf) == 0 {
					w.progress(1.0)
				}
			}
			err := w.err
			w.lock.Unlock()
			if finish {
				w.complete(err)
			}
			return
		}
		off := w.next
		size := w.t.chunkSize
		if rest := len(w.buf) - off; rest < size {
			size = rest
		}
		w.next += size
		w.inFlight++
		w.lock.Unlock()

		if err := w.issue(off, size); err != nil {
			w.lock.Lock()
			w.chunkDoneLocked(off, size, err)
		} else {
			w.lock.Lock()
		}
	}
}

func (w *window) issue(off, size int) error {
	addr := w.address + uint64(off)
	glog.V(3).Infof("%s: chunk %d@%#x (offset %d)", w.n, size, addr, off)
	if w.write {
		return w.t.c.WriteChunk(w.n, addr, w.buf[off:off+size], func(err error) {
			w.chunkDone(off, size, nil, err)
		})
	}
	return w.t.c.ReadChunk(w.n, addr, size, func(data []byte, err error) {
		w.chunkDone(off, size, data, err)
	})
}

func (w *window) chunkDone(off, size int, data []byte, err error) {
	w.lock.Lock()
	if err == nil && !w.write && w.err == nil {
		if len(data) != size {
			err = errors.NotValidf("chunk at offset %d: got %d bytes, want %d", off, len(data), size)
		} else {
			copy(w.buf[off:off+size], data)
		}
	}
	w.chunkDoneLocked(off, size, err)
	w.lock.Unlock()
	w.pump()
}

// chunkDoneLocked accounts for a finished chunk. The first error is kept and
// later results are dropped.
func (w *window) chunkDoneLocked(off, size int, err error) {
	w.inFlight--
	if w.err != nil {
		return
	}
	if err != nil {
		glog.V(1).Infof("%s: chunk at offset %d failed: %s", w.n, off, err)
		w.err = errors.Annotatef(err, "%s at offset %d", w.dir(), off)
		return
	}
	w.copied += size
	w.progress(float64(w.copied) / float64(len(w.buf)))
}

// abort stops issuing chunks. The transfer fails with err once the chunks
// in flight have drained, unless another error came first.
func (w *window) abort(err error) {
	w.lock.Lock()
	if w.err == nil {
		w.err = err
	}
	w.lock.Unlock()
	w.pump()
}

func (w *window) dir() string {
	if w.write {
		return "write"
	}
	return "read"
}

func (w *window) complete(err error) {
	w.unwatch()
	if err != nil {
		w.done(nil, err)
		return
	}
	glog.V(2).Infof("%s: %s of %d bytes done", w.n, w.dir(), len(w.buf))
	w.done(len(w.buf), nil)
}
