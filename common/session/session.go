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
// Package session ties a channel to a context graph. It mirrors the remote
// ContextGraph service into a graph.Manager and runs requests against it.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/dispatch"
	"github.com/Xilinx/chipscopy-sub000/common/graph"
	"github.com/Xilinx/chipscopy-sub000/common/multierror"
	"github.com/Xilinx/chipscopy-sub000/common/request"
	"github.com/Xilinx/chipscopy-sub000/common/tcf/channel"
	"github.com/Xilinx/chipscopy-sub000/common/tcf/codec"
	"github.com/Xilinx/chipscopy-sub000/common/view"
)

const (
	GraphService = "ContextGraph"

	// Keys of a context object; every other key is a property.
	idKey     = "ID"
	parentKey = "ParentID"
)

type Options struct {
	// Name of the session in logs.
	Name    string
	Request request.Options
	// HelloTimeout bounds the wait for the server's service list in Dial.
	HelloTimeout time.Duration
	Dial         *codec.DialOptions
}

type Session struct {
	name string
	d    *dispatch.Dispatcher
	ch   *channel.Channel
	m    *graph.Manager
	e    *request.Engine

	ctx          context.Context
	cancel       context.CancelFunc
	cancelEvents func()
	closeOnce    sync.Once
}

// New starts a session over an established channel. The graph is empty
// until Refresh is called; ContextGraph events are applied as they arrive.
func New(ch *channel.Channel, opts *Options) *Session {
	if opts == nil {
		opts = &Options{}
	}
	name := opts.Name
	if name == "" {
		name = ch.String()
	}
	d := dispatch.New(name)
	m := graph.NewManager(d)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		name:   name,
		d:      d,
		ch:     ch,
		m:      m,
		e:      request.NewEngine(m, opts.Request),
		ctx:    ctx,
		cancel: cancel,
	}
	s.cancelEvents = ch.OnEvent(GraphService, s.onGraphEvent)
	go s.watchChannel()
	return s
}

// Dial connects to addr, waits for the server's hello and loads the
// context graph.
func Dial(ctx context.Context, addr string, opts *Options) (*Session, error) {
	if opts == nil {
		opts = &Options{}
	}
	c, err := codec.Dial(ctx, addr, opts.Dial)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ch := channel.New(c, nil)
	hctx := ctx
	if opts.HelloTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, opts.HelloTimeout)
		defer cancel()
	}
	if err := ch.WaitHello(hctx); err != nil {
		ch.Close()
		return nil, errors.Annotatef(err, "%s", addr)
	}
	if opts.Name == "" {
		o := *opts
		o.Name = addr
		opts = &o
	}
	s := New(ch, opts)
	if err := s.Refresh(ctx); err != nil {
		s.Close()
		return nil, errors.Trace(err)
	}
	return s, nil
}

func (s *Session) String() string {
	return fmt.Sprintf("[session %s]", s.name)
}

func (s *Session) Manager() *graph.Manager {
	return s.m
}

func (s *Session) Engine() *request.Engine {
	return s.e
}

func (s *Session) Channel() *channel.Channel {
	return s.ch
}

func (s *Session) Dispatcher() *dispatch.Dispatcher {
	return s.d
}

// Context is cancelled when the session is closed.
func (s *Session) Context() context.Context {
	return s.ctx
}

// NewView returns a view of the session graph. The caller closes it.
func (s *Session) NewView(name string) *view.ViewInfo {
	return view.New(s.m, name)
}

// Close closes the channel, invalidates the graph and stops the dispatcher
// once queued work has run.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		glog.V(1).Infof("%s closing", s)
		s.cancelEvents()
		s.ch.Close()
		s.m.InvalidateAll()
		s.cancel()
		s.d.Close()
	})
}

func (s *Session) watchChannel() {
	select {
	case <-s.ch.CloseNotify():
		glog.V(1).Infof("%s: channel closed, invalidating all contexts", s)
		s.m.InvalidateAll()
	case <-s.ctx.Done():
	}
}

// Command returns an operation running service.command on the node. The
// node's context id is passed as the first argument; the result is the
// decoded reply, a []interface{}.
func (s *Session) Command(service, command string) request.Operation {
	return func(n *graph.Node, args []interface{}, done request.DoneFunc, progress request.ProgressFunc) error {
		full := append([]interface{}{n.Ctx()}, args...)
		_, err := s.ch.Send(s.ctx, service, command, full, func(res []interface{}, err error) {
			if err != nil {
				done(nil, err)
				return
			}
			done(res, nil)
		}, func(partial []interface{}) {
			progress(partial)
		})
		return err
	}
}

// Call runs service.command on target and waits for the reply.
func (s *Session) Call(ctx context.Context, target string, cls *graph.Class, service, command string, args ...interface{}) ([]interface{}, error) {
	res, err := s.e.Call(ctx, target, cls, service+"."+command, s.Command(service, command), args, nil)
	if err != nil {
		return nil, err
	}
	out, _ := res.([]interface{})
	return out, nil
}

// refresh tracks one Refresh; it is only touched on the dispatcher.
type refresh struct {
	outstanding int
	err         error
	done        chan error
}

func (r *refresh) finishOne(err error) {
	r.err = multierror.Append(r.err, err)
	r.outstanding--
	if r.outstanding == 0 {
		r.done <- r.err
	}
}

// Refresh loads the context tree from the server, walking it breadth
// first with ContextGraph.getChildren. Contexts gone from the server are
// removed. Requests wait until the walk is complete. Failures of separate
// subtrees are reported together.
func (s *Session) Refresh(ctx context.Context) error {
	if !s.ch.HasService(GraphService) {
		return errors.NotSupportedf("service %s on %s", GraphService, s.ch)
	}
	r := &refresh{done: make(chan error, 1)}
	if !s.d.Post(func() { s.populate("", r) }) {
		return errors.Errorf("%s is closed", s)
	}
	select {
	case err := <-r.done:
		return errors.Trace(err)
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "loading contexts")
	}
}

func (s *Session) populate(parent string, r *refresh) {
	r.outstanding++
	s.m.BeginMutation()
	glog.V(2).Infof("%s: getChildren(%q)", s, parent)
	_, err := s.ch.Send(s.ctx, GraphService, "getChildren", []interface{}{parent}, func(res []interface{}, err error) {
		if !s.d.Post(func() { s.applyChildren(parent, res, err, r) }) {
			s.m.EndMutation()
		}
	}, nil)
	if err != nil {
		s.m.EndMutation()
		r.finishOne(errors.Annotatef(err, "children of %q", parent))
	}
}

func (s *Session) applyChildren(parent string, res []interface{}, err error, r *refresh) {
	defer s.m.EndMutation()
	if err != nil {
		r.finishOne(errors.Annotatef(err, "children of %q", parent))
		return
	}
	var objs []interface{}
	if len(res) > 0 {
		objs, _ = res[0].([]interface{})
	}
	var ids []string
	var props []map[string]interface{}
	for _, o := range objs {
		id, _, p, err := parseContext(o)
		if err != nil {
			glog.Errorf("%s: child of %q: %s", s, parent, err)
			continue
		}
		ids = append(ids, id)
		props = append(props, p)
	}
	if err := s.m.SetChildren(parent, ids); err != nil {
		// The parent went away while the query was in flight.
		glog.V(1).Infof("%s: %s", s, err)
		r.finishOne(nil)
		return
	}
	for i, id := range ids {
		if n := s.m.Node(id); n != nil && n.Valid() {
			n.Update(props[i])
		}
		s.populate(id, r)
	}
	r.finishOne(nil)
}

func parseContext(o interface{}) (id, parent string, props map[string]interface{}, err error) {
	obj, ok := o.(map[string]interface{})
	if !ok {
		return "", "", nil, errors.NotValidf("context object %v", o)
	}
	id, _ = obj[idKey].(string)
	if id == "" {
		return "", "", nil, errors.NotValidf("context object without %s", idKey)
	}
	parent, _ = obj[parentKey].(string)
	return id, parent, obj, nil
}

// onGraphEvent runs on the channel's receiving goroutine; the graph is
// changed on the dispatcher.
func (s *Session) onGraphEvent(name string, args []interface{}) {
	var list []interface{}
	if len(args) > 0 {
		list, _ = args[0].([]interface{})
	}
	glog.V(3).Infof("%s: %s %v", s, name, list)
	switch name {
	case "contextAdded":
		s.d.Post(func() { s.contextsAdded(list) })
	case "contextChanged":
		s.d.Post(func() { s.contextsChanged(list) })
	case "contextRemoved":
		s.d.Post(func() {
			for _, id := range list {
				if ctx, ok := id.(string); ok {
					s.m.RemoveNode(ctx)
				}
			}
		})
	default:
		glog.V(1).Infof("%s: ignoring event %s", s, name)
	}
}

func (s *Session) contextsAdded(list []interface{}) {
	for _, o := range list {
		id, parent, props, err := parseContext(o)
		if err != nil {
			glog.Errorf("%s: contextAdded: %s", s, err)
			continue
		}
		n, err := s.m.AddNode(id, parent)
		if err != nil {
			glog.Errorf("%s: contextAdded: %s", s, err)
			continue
		}
		n.Update(props)
	}
}

func (s *Session) contextsChanged(list []interface{}) {
	for _, o := range list {
		id, _, props, err := parseContext(o)
		if err != nil {
			glog.Errorf("%s: contextChanged: %s", s, err)
			continue
		}
		if n := s.m.Node(id); n != nil && n.Valid() {
			n.Update(props)
		}
	}
}
