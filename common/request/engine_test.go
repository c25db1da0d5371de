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
	stderrors "errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/dispatch"
	"github.com/Xilinx/chipscopy-sub000/common/graph"
)

const waitLimit = 5 * time.Second

type invocation struct {
	node     *graph.Node
	args     []interface{}
	pending  int
	done     DoneFunc
	progress ProgressFunc
}

// fakeOp records invocations and leaves completion to the test.
type fakeOp struct {
	calls chan *invocation
	log   *eventLog
}

func newFakeOp(log *eventLog) *fakeOp {
	return &fakeOp{calls: make(chan *invocation, 100), log: log}
}

func (f *fakeOp) op(n *graph.Node, args []interface{}, done DoneFunc, progress ProgressFunc) error {
	if f.log != nil {
		f.log.add(fmt.Sprintf("start %v", args[0]))
	}
	f.calls <- &invocation{node: n, args: args, pending: n.PendingCount(), done: done, progress: progress}
	return nil
}

func (f *fakeOp) next(t *testing.T) *invocation {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(waitLimit):
		t.Fatal("operation was not invoked")
	}
	return nil
}

func (f *fakeOp) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected invocation with %v", c.args)
	case <-time.After(50 * time.Millisecond):
	}
}

type eventLog struct {
	lock   sync.Mutex
	events []string
}

func (l *eventLog) add(s string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.events = append(l.events, s)
}

func (l *eventLog) get() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]string(nil), l.events...)
}

func newTestEngine(t *testing.T, opts Options, ctxs ...string) (*Engine, *graph.Manager, *dispatch.Dispatcher) {
	d := dispatch.New(t.Name())
	t.Cleanup(d.Close)
	m := graph.NewManager(d)
	for _, c := range ctxs {
		if _, err := m.AddNode(c, ""); err != nil {
			t.Fatal(err)
		}
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Millisecond
	}
	return NewEngine(m, opts), m, d
}

func wait(t *testing.T, f *Future) (interface{}, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitLimit)
	defer cancel()
	res, err := f.Wait(ctx)
	if errors.Cause(err) == context.DeadlineExceeded {
		t.Fatal("future not resolved")
	}
	return res, err
}

func TestSameGroupRunsAfterDone(t *testing.T) {
	log := &eventLog{}
	e, _, d := newTestEngine(t, Options{}, "m0")
	fo := newFakeOp(log)

	f1 := e.NewRequest("m0", nil, "op", fo.op, 1).OnDone(func(interface{}, error) { log.add("done 1") }).Submit()
	f2 := e.NewRequest("m0", nil, "op", fo.op, 2).OnDone(func(interface{}, error) { log.add("done 2") }).Submit()

	c1 := fo.next(t)
	fo.none(t)
	c1.done("r1", nil)
	c2 := fo.next(t)
	if got, want := c2.pending, 1; got != want {
		t.Errorf("second request saw %d pending marks, want: %d", got, want)
	}
	c2.done("r2", nil)

	if res, err := wait(t, f1); err != nil || res != "r1" {
		t.Errorf("got: %v %v, want: r1", res, err)
	}
	if res, err := wait(t, f2); err != nil || res != "r2" {
		t.Errorf("got: %v %v, want: r2", res, err)
	}
	// Futures resolve just before done callbacks run.
	d.Sync(context.Background())
	want := []string{"start 1", "done 1", "start 2", "done 2"}
	if got := log.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("got: %v, want: %v", got, want)
	}
	if got, want := c2.node.PendingCount(), 0; got != want {
		t.Errorf("got: %d pending, want: %d", got, want)
	}
}

func TestFIFOOrder(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{}, "m0")
	fo := newFakeOp(nil)
	var futures []*Future
	for i := 0; i < 10; i++ {
		futures = append(futures, e.NewRequest("m0", nil, "op", fo.op, i).Submit())
	}
	for i := 0; i < 10; i++ {
		c := fo.next(t)
		if got, want := c.args[0], i; got != want {
			t.Fatalf("got: %v, want: %v", got, want)
		}
		c.done(i, nil)
	}
	for i, f := range futures {
		if res, _ := wait(t, f); res != i {
			t.Errorf("got: %v, want: %v", res, i)
		}
	}
}

func TestGroupsRunConcurrently(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{}, "a", "b", "c")
	fo := newFakeOp(nil)
	e.NewRequest("a", nil, "op", fo.op, "a").Submit()
	e.NewRequest("b", nil, "op", fo.op, "b").Submit()
	ca, cb := fo.next(t), fo.next(t)

	// c shares a group with a, so it waits although its node is idle.
	e.NewRequest("c", nil, "op", fo.op, "c").InGroup("a").Submit()
	fo.none(t)
	ca.done(nil, nil)
	if got, want := fo.next(t).args[0], "c"; got != want {
		t.Errorf("got: %v, want: %v", got, want)
	}
	cb.done(nil, nil)
}

func TestCancelQueued(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{}, "m0")
	fo := newFakeOp(nil)
	e.NewRequest("m0", nil, "op", fo.op, 1).Submit()
	f2 := e.NewRequest("m0", nil, "op", fo.op, 2).Submit()
	e.NewRequest("m0", nil, "op", fo.op, 3).Submit()
	c1 := fo.next(t)

	f2.Cancel()
	if _, err := wait(t, f2); !IsCancelled(err) {
		t.Errorf("got: %v, want: cancelled", err)
	}
	c1.done(nil, nil)
	if got, want := fo.next(t).args[0], 3; got != want {
		t.Errorf("got: %v, want: %v", got, want)
	}
	fo.none(t)
}

func TestCancelRunning(t *testing.T) {
	e, m, d := newTestEngine(t, Options{}, "m0")
	fo := newFakeOp(nil)
	f1 := e.NewRequest("m0", nil, "op", fo.op, 1).Submit()
	e.NewRequest("m0", nil, "op", fo.op, 2).Submit()
	c1 := fo.next(t)
	f1.Cancel()
	if _, err := wait(t, f1); !IsCancelled(err) {
		t.Errorf("got: %v, want: cancelled", err)
	}
	c2 := fo.next(t)
	// The late reply of the cancelled operation changes nothing.
	c1.done("late", nil)
	d.Sync(context.Background())
	if _, err := f1.Result(); !IsCancelled(err) {
		t.Errorf("got: %v, want: cancelled", err)
	}
	c2.done(nil, nil)
	d.Sync(context.Background())
	if got := m.Node("m0").PendingCount(); got != 0 {
		t.Errorf("got: %d pending, want: 0", got)
	}
}

func TestWaitsForNode(t *testing.T) {
	e, m, _ := newTestEngine(t, Options{})
	fo := newFakeOp(nil)
	m.BeginMutation()
	f := e.NewRequest("late", nil, "op", fo.op, 1).Submit()
	fo.none(t)
	m.AddNode("late", "")
	m.EndMutation()
	c := fo.next(t)
	if got, want := c.node.Ctx(), "late"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	c.done(nil, nil)
	wait(t, f)
}

func TestUnknownContext(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{}, "m0")
	fo := newFakeOp(nil)
	_, err := wait(t, e.NewRequest("nosuch", nil, "op", fo.op).Submit())
	if !errors.IsNotFound(err) {
		t.Errorf("got: %v, want a not found error", err)
	}
	fo.none(t)
}

func TestWaitsForSettledGraph(t *testing.T) {
	e, m, _ := newTestEngine(t, Options{}, "m0")
	fo := newFakeOp(nil)
	m.BeginMutation()
	e.NewRequest("m0", nil, "op", fo.op, 1).Submit()
	fo.none(t)
	m.EndMutation()
	fo.next(t).done(nil, nil)
}

func TestWaitsForForeignPendingMark(t *testing.T) {
	e, m, _ := newTestEngine(t, Options{}, "m0", "m1")
	fo := newFakeOp(nil)
	m.Node("m0").AddPending("elsewhere")
	e.NewRequest("m0", nil, "op", fo.op, 1).InGroup("other").Submit()
	fo.none(t)
	m.Node("m0").RemovePending("elsewhere")
	fo.next(t).done(nil, nil)
}

func TestReadyTimeout(t *testing.T) {
	e, m, _ := newTestEngine(t, Options{ReadyTimeout: 30 * time.Millisecond})
	fo := newFakeOp(nil)
	m.BeginMutation()
	defer m.EndMutation()
	_, err := wait(t, e.NewRequest("never", nil, "op", fo.op, 1).Submit())
	if !IsNotReady(err) {
		t.Errorf("got: %v, want a not ready error", err)
	}
	var re *RemoteError
	if stderrors.As(err, &re) {
		t.Errorf("readiness timeout looks like a remote error")
	}
}

func TestRemovedNode(t *testing.T) {
	e, m, _ := newTestEngine(t, Options{}, "m0")
	m.RemoveNode("m0")
	fo := newFakeOp(nil)
	_, err := wait(t, e.NewRequest("m0", nil, "op", fo.op, 1).Submit())
	if !errors.IsNotFound(err) {
		t.Errorf("got: %v, want a not found error", err)
	}
}

func TestClass(t *testing.T) {
	e, m, _ := newTestEngine(t, Options{}, "m0")
	m.Node("m0").Update(map[string]interface{}{"Memory": true})
	memClass := &graph.Class{Name: "Memory", Accept: func(n *graph.Node) bool {
		_, ok := n.Get("Memory")
		return ok
	}}
	ilaClass := &graph.Class{Name: "ILA", Accept: func(n *graph.Node) bool { return false }}
	fo := newFakeOp(nil)

	f := e.NewRequest("m0", memClass, "op", fo.op, 1).Submit()
	c := fo.next(t)
	if got, want := c.node.Class(), memClass; got != want {
		t.Errorf("got: %v, want: %v", got, want)
	}
	c.done(nil, nil)
	wait(t, f)

	_, err := wait(t, e.NewRequest("m0", ilaClass, "op", fo.op, 2).Submit())
	if !errors.IsNotValid(err) {
		t.Errorf("got: %v, want a not valid error", err)
	}
	fo.none(t)
}

func TestSynchronousOpError(t *testing.T) {
	e, m, d := newTestEngine(t, Options{}, "m0")
	op := func(n *graph.Node, args []interface{}, done DoneFunc, progress ProgressFunc) error {
		return errors.Errorf("no such service")
	}
	_, err := wait(t, e.NewRequest("m0", nil, "op", op).Submit())
	if err == nil {
		t.Errorf("error swallowed")
	}
	d.Sync(context.Background())
	if got := m.Node("m0").PendingCount(); got != 0 {
		t.Errorf("got: %d pending, want: 0", got)
	}
}

func TestProgress(t *testing.T) {
	e, _, d := newTestEngine(t, Options{}, "m0")
	log := &eventLog{}
	op := func(n *graph.Node, args []interface{}, done DoneFunc, progress ProgressFunc) error {
		go func() {
			progress(0.5)
			progress(1.0)
			done("ok", nil)
		}()
		return nil
	}
	f := e.NewRequest("m0", nil, "op", op).
		OnProgress(func(p interface{}) { log.add(fmt.Sprint(p)) }).
		OnDone(func(res interface{}, err error) { log.add(fmt.Sprint(res)) }).
		Submit()
	wait(t, f)
	d.Sync(context.Background())
	if got, want := log.get(), []string{"0.5", "1", "ok"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got: %v, want: %v", got, want)
	}
}

func TestCall(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{}, "m0")
	ok := func(n *graph.Node, args []interface{}, done DoneFunc, progress ProgressFunc) error {
		done(args[0], nil)
		return nil
	}
	res, err := e.Call(context.Background(), "m0", nil, "echo", ok, []interface{}{"hi"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res, "hi"; got != want {
		t.Errorf("got: %v, want: %v", got, want)
	}

	fail := func(n *graph.Node, args []interface{}, done DoneFunc, progress ProgressFunc) error {
		done(nil, AsError(map[string]interface{}{"Code": 3.0, "Format": "bad address"}))
		return nil
	}
	_, err = e.Call(context.Background(), "m0", nil, "Memory.get", fail, nil, nil)
	ce, isCallError := err.(*CallError)
	if !isCallError {
		t.Fatalf("got: %T, want: *CallError", err)
	}
	var re *RemoteError
	if !stderrors.As(ce, &re) {
		t.Fatalf("got: %v, want a remote error inside", ce)
	}
	if got, want := re.Code, 3; got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
}

func TestCallTimeout(t *testing.T) {
	e, m, d := newTestEngine(t, Options{}, "m0")
	fo := newFakeOp(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := e.Call(ctx, "m0", nil, "op", fo.op, []interface{}{1}, nil)
	if _, ok := err.(*CallError); !ok {
		t.Fatalf("got: %T %v, want: *CallError", err, err)
	}
	if !errors.IsTimeout(err) {
		t.Errorf("got: %v, want a timeout", err)
	}
	fo.next(t)
	d.Sync(context.Background())
	if got := m.Node("m0").PendingCount(); got != 0 {
		t.Errorf("got: %d pending, want: 0", got)
	}
	// The slot is free again.
	f := e.NewRequest("m0", nil, "op", fo.op, 2).Submit()
	fo.next(t).done(nil, nil)
	wait(t, f)
}

func TestCallWithCallbackDoesNotBlock(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{}, "m0")
	fo := newFakeOp(nil)
	got := make(chan interface{}, 1)
	res, err := e.NewRequest("m0", nil, "op", fo.op, 1).
		OnDone(func(res interface{}, err error) { got <- res }).
		Call(context.Background())
	if res != nil || err != nil {
		t.Errorf("got: %v %v, want: nil nil", res, err)
	}
	fo.next(t).done("later", nil)
	select {
	case v := <-got:
		if v != "later" {
			t.Errorf("got: %v, want: later", v)
		}
	case <-time.After(waitLimit):
		t.Fatal("done callback not called")
	}
}

func TestResubmit(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{}, "m0")
	fo := newFakeOp(nil)
	r := e.NewRequest("m0", nil, "op", fo.op, 1)

	f1 := r.Submit()
	// In flight: a copy is submitted.
	f2 := r.Submit()
	if f2.Request() == r {
		t.Errorf("in flight request reused")
	}
	fo.next(t).done("first", nil)
	fo.next(t).done("copy", nil)
	wait(t, f1)
	wait(t, f2)
	if got, want := r.State(), Done; got != want {
		t.Errorf("got: %v, want: %v", got, want)
	}

	f3 := r.Submit()
	if f3 == f1 {
		t.Errorf("future reused")
	}
	if f3.Resolved() {
		t.Errorf("new submission already resolved")
	}
	fo.next(t).done("second", nil)
	if res, _ := wait(t, f3); res != "second" {
		t.Errorf("got: %v, want: second", res)
	}
	if res, _ := f1.Result(); res != "first" {
		t.Errorf("old future changed: %v", res)
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil || AsError("") != nil {
		t.Errorf("empty payloads are errors")
	}
	err := AsError(map[string]interface{}{
		"Code":     1.0,
		"Format":   "outer",
		"CausedBy": map[string]interface{}{"Code": 2.0, "Format": "inner"},
	})
	if got, want := err.Error(), "remote error 1: outer (caused by: remote error 2: inner)"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	if got, want := AsError("plain").Error(), "remote error: plain"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}
