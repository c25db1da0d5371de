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
// Package request runs operations against nodes of a session graph.
//
// Requests sharing a queue group (by default the target context) run one at
// a time in submission order; requests in different groups run
// concurrently. A request starts only once the graph has settled and its
// node has no other operation in flight. All state transitions happen on
// the session dispatcher.
package request

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/dispatch"
	"github.com/Xilinx/chipscopy-sub000/common/graph"
)

type State int

const (
	Created State = iota
	Queued
	WaitingReady
	Running
	Done
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Queued:
		return "queued"
	case WaitingReady:
		return "waiting_ready"
	case Running:
		return "running"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type DoneFunc func(result interface{}, err error)

type ProgressFunc func(progress interface{})

// Operation starts the work of a request on node n. It must eventually call
// done exactly once, from any goroutine; returning an error instead counts
// as completion with that error.
type Operation func(n *graph.Node, args []interface{}, done DoneFunc, progress ProgressFunc) error

type Options struct {
	// PollInterval is the delay between readiness checks.
	PollInterval time.Duration
	// ReadyTimeout bounds the wait for readiness; 0 waits forever.
	ReadyTimeout time.Duration
	// CallTimeout bounds blocking calls; 0 means only the caller's context.
	CallTimeout time.Duration
}

const DefaultPollInterval = 10 * time.Millisecond

type Engine struct {
	m    *graph.Manager
	d    *dispatch.Dispatcher
	opts Options
	seq  uint64

	// groups is only touched on the dispatcher. The head of each FIFO is the
	// request that is waiting for readiness or running.
	groups map[string][]*Request
}

func NewEngine(m *graph.Manager, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	e := &Engine{
		m:      m,
		d:      m.Dispatcher(),
		opts:   opts,
		groups: map[string][]*Request{},
	}
	e.d.OnClose(e.shutdown)
	return e
}

// shutdown fails every queued, waiting and running request. It runs on
// the dispatcher after Close, when follow-up work can no longer be posted.
func (e *Engine) shutdown() {
	var pending []*Request
	for _, q := range e.groups {
		pending = append(pending, q...)
	}
	for _, r := range pending {
		if st := r.State(); st == Done || st == Created {
			continue
		}
		e.finish(r, nil, errors.Annotatef(ErrSessionClosed, "%s", r))
	}
}

func (e *Engine) Manager() *graph.Manager {
	return e.m
}

// Request is one operation against one context. It can be submitted again
// once its previous submission is done.
type Request struct {
	e        *Engine
	target   string
	class    *graph.Class
	name     string
	op       Operation
	args     []interface{}
	group    string
	done     DoneFunc
	progress ProgressFunc

	lock       sync.Mutex
	state      State
	gen        int
	future     *Future
	node       *graph.Node
	token      string
	readySince time.Time
}

// NewRequest prepares op on target. If cls is not nil the node is re-typed
// to cls before op runs. name is used in logs and errors.
func (e *Engine) NewRequest(target string, cls *graph.Class, name string, op Operation, args ...interface{}) *Request {
	return &Request{
		e:      e,
		target: target,
		class:  cls,
		name:   name,
		op:     op,
		args:   args,
		group:  target,
	}
}

// InGroup serializes the request with others of the same key instead of
// the target context.
func (r *Request) InGroup(key string) *Request {
	r.group = key
	return r
}

func (r *Request) OnDone(f DoneFunc) *Request {
	r.done = f
	return r
}

func (r *Request) OnProgress(f ProgressFunc) *Request {
	r.progress = f
	return r
}

func (r *Request) String() string {
	return fmt.Sprintf("[%s on %q]", r.name, r.target)
}

func (r *Request) Target() string {
	return r.target
}

func (r *Request) State() State {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

// Node returns the node the current submission runs against, nil before it
// started running.
func (r *Request) Node() *graph.Node {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.node
}

func (r *Request) Future() *Future {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.future
}

func (r *Request) clone() *Request {
	return &Request{
		e: r.e, target: r.target, class: r.class, name: r.name, op: r.op,
		args: r.args, group: r.group, done: r.done, progress: r.progress,
	}
}

// Submit queues the request and returns the future of this submission. A
// request still in flight is not disturbed: a copy is submitted instead.
func (r *Request) Submit() *Future {
	r.lock.Lock()
	inFlight := r.state == Queued || r.state == WaitingReady || r.state == Running ||
		(r.state == Created && r.future != nil && !r.future.Resolved())
	if inFlight {
		r.lock.Unlock()
		glog.V(2).Infof("%s is in flight, submitting a copy", r)
		return r.clone().Submit()
	}
	r.gen++
	gen := r.gen
	r.state = Created
	r.node = nil
	r.future = newFuture(r, gen)
	r.token = fmt.Sprintf("%s#%d", r.name, atomic.AddUint64(&r.e.seq, 1))
	f := r.future
	r.lock.Unlock()

	if !r.e.d.Post(func() { r.e.enqueue(r, gen) }) {
		err := errors.Annotatef(ErrSessionClosed, "%s", r)
		r.lock.Lock()
		r.state = Done
		r.lock.Unlock()
		f.set(nil, err)
		if r.done != nil {
			r.done(nil, err)
		}
	}
	return f
}

// Call submits the request and waits for its outcome. If a done callback is
// attached the request is submitted and Call returns at once. Every error
// returned is a *CallError. When ctx is done first the request is cancelled.
func (r *Request) Call(ctx context.Context) (interface{}, error) {
	f := r.Submit()
	if r.done != nil {
		return nil, nil
	}
	if r.e.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.e.opts.CallTimeout)
		defer cancel()
	}
	select {
	case <-f.Done():
	case <-ctx.Done():
		f.Cancel()
		return nil, &CallError{Target: r.target, Op: r.name, Err: errors.Timeoutf("%s: %s", r, ctx.Err())}
	}
	res, err := f.Result()
	if err != nil {
		return res, &CallError{Target: r.target, Op: r.name, Err: err}
	}
	return res, nil
}

// CallAsync submits op on target with optional callbacks.
func (e *Engine) CallAsync(target string, cls *graph.Class, name string, op Operation, args []interface{}, done DoneFunc, progress ProgressFunc) *Future {
	return e.NewRequest(target, cls, name, op, args...).OnDone(done).OnProgress(progress).Submit()
}

// Call runs op on target and waits for the outcome.
func (e *Engine) Call(ctx context.Context, target string, cls *graph.Class, name string, op Operation, args []interface{}, progress ProgressFunc) (interface{}, error) {
	return e.NewRequest(target, cls, name, op, args...).OnProgress(progress).Call(ctx)
}

// current reports whether gen is still the live submission of r and
// returns its state.
func (r *Request) current(gen int) (State, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state, r.gen == gen
}

func (r *Request) setState(s State) {
	r.lock.Lock()
	r.state = s
	r.lock.Unlock()
}

func (e *Engine) enqueue(r *Request, gen int) {
	if st, ok := r.current(gen); !ok || st != Created {
		return
	}
	r.setState(Queued)
	q := append(e.groups[r.group], r)
	e.groups[r.group] = q
	glog.V(2).Infof("%s queued in group %q at %d", r, r.group, len(q)-1)
	if len(q) == 1 {
		e.startWaiting(r, gen)
	}
}

func (e *Engine) startWaiting(r *Request, gen int) {
	if st, ok := r.current(gen); !ok || st != Queued {
		return
	}
	if q := e.groups[r.group]; len(q) == 0 || q[0] != r {
		return
	}
	r.lock.Lock()
	r.state = WaitingReady
	r.readySince = time.Now()
	r.lock.Unlock()
	e.checkReady(r, gen)
}

func (e *Engine) checkReady(r *Request, gen int) {
	if st, ok := r.current(gen); !ok || st != WaitingReady {
		return
	}
	n, reason, err := e.readiness(r)
	if err != nil {
		e.finish(r, nil, err)
		return
	}
	if n != nil {
		e.run(r, gen, n)
		return
	}
	r.lock.Lock()
	waited := time.Since(r.readySince)
	r.lock.Unlock()
	if e.opts.ReadyTimeout > 0 && waited >= e.opts.ReadyTimeout {
		e.finish(r, nil, &NotReadyError{Target: r.target, Waited: waited, Reason: reason})
		return
	}
	glog.V(4).Infof("%s not ready: %s", r, reason)
	e.d.PostDelayed(e.opts.PollInterval, func() { e.checkReady(r, gen) })
}

// readiness returns the node to run on, or the reason for waiting, or an
// error which ends the request.
func (e *Engine) readiness(r *Request) (*graph.Node, string, error) {
	if !e.m.Settled() {
		return nil, "graph is being updated", nil
	}
	n := e.m.Node(r.target)
	if n == nil {
		// The graph is settled, so the context will not show up on its own.
		return nil, "", errors.NotFoundf("context %q", r.target)
	}
	if !n.Valid() {
		return nil, "", errors.NotFoundf("context %q (removed)", r.target)
	}
	if c := n.PendingCount(); c > 0 {
		return nil, fmt.Sprintf("%d operation(s) in flight on the node", c), nil
	}
	if r.class != nil {
		tn := e.m.GetNode(r.target, r.class)
		if tn == nil {
			return nil, "", errors.NotValidf("context %q as %s", r.target, r.class)
		}
		n = tn
	}
	return n, "", nil
}

func (e *Engine) run(r *Request, gen int, n *graph.Node) {
	r.lock.Lock()
	r.state = Running
	r.node = n
	token := r.token
	r.lock.Unlock()
	n.AddPending(token)
	glog.V(2).Infof("%s running", r)

	done := func(result interface{}, err error) {
		e.d.Post(func() { e.complete(r, gen, result, err) })
	}
	progress := func(p interface{}) {
		e.d.Post(func() {
			if st, ok := r.current(gen); ok && st == Running && r.progress != nil {
				r.progress(p)
			}
		})
	}
	if err := r.op(n, r.args, done, progress); err != nil {
		e.complete(r, gen, nil, err)
	}
}

func (e *Engine) complete(r *Request, gen int, result interface{}, err error) {
	if st, ok := r.current(gen); !ok || st != Running {
		// Cancelled, or a second completion.
		return
	}
	e.finish(r, result, err)
}

func (e *Engine) cancel(r *Request, gen int) {
	e.d.Post(func() {
		if st, ok := r.current(gen); !ok || st == Done {
			return
		}
		glog.V(1).Infof("%s cancelled", r)
		e.finish(r, nil, ErrCancelled)
	})
}

// finish resolves the current submission of r. The pending mark is cleared
// and the group released on every path; the next request of the group
// starts only after r's done callback has returned.
func (e *Engine) finish(r *Request, result interface{}, err error) {
	r.lock.Lock()
	prev := r.state
	r.state = Done
	node, token, f := r.node, r.token, r.future
	r.lock.Unlock()

	if node != nil {
		node.RemovePending(token)
		// The node may have been re-typed while running, taking the mark along.
		if cur := e.m.Node(r.target); cur != nil && cur != node {
			cur.RemovePending(token)
		}
	}
	if prev != Created {
		q := e.groups[r.group]
		for i, rr := range q {
			if rr != r {
				continue
			}
			q = append(q[:i:i], q[i+1:]...)
			if len(q) == 0 {
				delete(e.groups, r.group)
			} else {
				e.groups[r.group] = q
				if i == 0 {
					next := q[0]
					next.lock.Lock()
					nextGen := next.gen
					next.lock.Unlock()
					e.d.Post(func() { e.startWaiting(next, nextGen) })
				}
			}
			break
		}
	}
	if err != nil {
		glog.V(1).Infof("%s failed: %s", r, err)
	} else {
		glog.V(2).Infof("%s done", r)
	}
	f.set(result, err)
	if r.done != nil {
		r.done(result, err)
	}
}
