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
// Package view provides per-consumer mirrors of a session graph. Events from
// the graph are queued and replayed in order before any query returns, so a
// consumer on any goroutine sees a consistent snapshot that is never older
// than the last event delivered to it.
package view

import (
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/graph"
)

type ViewInfo struct {
	m    *graph.Manager
	name string

	lock    sync.Mutex
	cond    *sync.Cond
	queue   []func()
	running bool

	// mirrorLock guards everything below as well as the fields of Node.
	mirrorLock sync.RWMutex
	nodes      map[string]*Node
	ids        map[string]int
	byID       map[int]string
	nextID     int
}

// New creates a view of m and subscribes it to m's events. Nodes already in
// m are replayed as if they had just been added.
func New(m *graph.Manager, name string) *ViewInfo {
	v := &ViewInfo{
		m:     m,
		name:  name,
		nodes: map[string]*Node{},
		ids:   map[string]int{},
		byID:  map[int]string{},
	}
	v.cond = sync.NewCond(&v.lock)
	v.nodes[""] = &Node{view: v, targetID: -1, props: map[string]interface{}{}, changed: map[string]struct{}{}}
	m.AddListener(v)
	for _, n := range m.All() {
		v.NodeAdded(n)
	}
	return v
}

func (v *ViewInfo) String() string {
	return fmt.Sprintf("[view %s]", v.name)
}

// Close stops following the graph. The mirror keeps its last state.
func (v *ViewInfo) Close() {
	v.m.RemoveListener(v)
}

func (v *ViewInfo) Manager() *graph.Manager {
	return v.m
}

func (v *ViewInfo) enqueue(f func()) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.queue = append(v.queue, f)
}

// NodeAdded implements graph.Listener.
func (v *ViewInfo) NodeAdded(n *graph.Node) {
	ctx, parentCtx, props := n.Ctx(), n.ParentCtx(), n.Props()
	v.enqueue(func() { v.replayAdd(ctx, parentCtx, props) })
}

// NodeChanged implements graph.Listener.
func (v *ViewInfo) NodeChanged(n *graph.Node, keys []string) {
	ctx := n.Ctx()
	v.enqueue(func() { v.replayChange(ctx, keys) })
}

// NodeRemoved implements graph.Listener.
func (v *ViewInfo) NodeRemoved(n *graph.Node) {
	ctx := n.Ctx()
	v.enqueue(func() { v.replayRemove(ctx) })
}

// RunPending replays queued events in arrival order until the queue is
// empty. If another goroutine is replaying, RunPending waits for it and then
// replays whatever it left. Replay closures never call back into RunPending.
func (v *ViewInfo) RunPending() {
	v.lock.Lock()
	defer v.lock.Unlock()
	for v.running {
		v.cond.Wait()
	}
	if len(v.queue) == 0 {
		return
	}
	v.running = true
	for len(v.queue) > 0 {
		f := v.queue[0]
		v.queue[0] = nil
		v.queue = v.queue[1:]
		v.lock.Unlock()
		f()
		v.lock.Lock()
	}
	v.running = false
	v.cond.Broadcast()
}

func (v *ViewInfo) replayAdd(ctx, parentCtx string, props map[string]interface{}) {
	v.mirrorLock.Lock()
	defer v.mirrorLock.Unlock()
	id, ok := v.ids[ctx]
	if !ok {
		id = v.nextID
		v.nextID++
		v.ids[ctx] = id
		v.byID[id] = ctx
		glog.V(3).Infof("%s target %d is %q", v, id, ctx)
	}
	if old := v.nodes[ctx]; old != nil {
		v.detachLocked(old)
	}
	v.nodes[ctx] = &Node{
		view:      v,
		ctx:       ctx,
		parentCtx: parentCtx,
		targetID:  id,
		props:     props,
		changed:   map[string]struct{}{},
	}
	if p := v.nodes[parentCtx]; p != nil {
		p.children = append(p.children, ctx)
	}
}

func (v *ViewInfo) replayChange(ctx string, keys []string) {
	v.mirrorLock.Lock()
	defer v.mirrorLock.Unlock()
	n := v.nodes[ctx]
	if n == nil {
		return
	}
	for _, k := range keys {
		n.changed[k] = struct{}{}
	}
}

func (v *ViewInfo) replayRemove(ctx string) {
	v.mirrorLock.Lock()
	defer v.mirrorLock.Unlock()
	n := v.nodes[ctx]
	if n == nil {
		return
	}
	v.detachLocked(n)
	delete(v.nodes, ctx)
}

func (v *ViewInfo) detachLocked(n *Node) {
	p := v.nodes[n.parentCtx]
	if p == nil {
		return
	}
	for i, c := range p.children {
		if c == n.ctx {
			p.children = append(p.children[:i:i], p.children[i+1:]...)
			return
		}
	}
}

// GetNode returns the mirror of ctx.
func (v *ViewInfo) GetNode(ctx string) (*Node, error) {
	v.RunPending()
	v.mirrorLock.RLock()
	defer v.mirrorLock.RUnlock()
	n := v.nodes[ctx]
	if n == nil || ctx == "" {
		return nil, errors.NotFoundf("context %q in %s", ctx, v)
	}
	return n, nil
}

// NodeByID returns the node with the given target id.
func (v *ViewInfo) NodeByID(id int) (*Node, error) {
	v.RunPending()
	v.mirrorLock.RLock()
	defer v.mirrorLock.RUnlock()
	ctx, ok := v.byID[id]
	if !ok {
		return nil, errors.NotFoundf("target %d", id)
	}
	n := v.nodes[ctx]
	if n == nil {
		return nil, errors.NotFoundf("target %d (context %q is gone)", id, ctx)
	}
	return n, nil
}

// TargetID returns the id assigned to ctx when it was first seen. Ids stay
// assigned after the context is removed.
func (v *ViewInfo) TargetID(ctx string) (int, bool) {
	v.RunPending()
	v.mirrorLock.RLock()
	defer v.mirrorLock.RUnlock()
	id, ok := v.ids[ctx]
	return id, ok
}

// GetChildren returns the children of ctx ("" for top level contexts).
func (v *ViewInfo) GetChildren(ctx string) ([]*Node, error) {
	v.RunPending()
	v.mirrorLock.RLock()
	defer v.mirrorLock.RUnlock()
	p := v.nodes[ctx]
	if p == nil {
		return nil, errors.NotFoundf("context %q in %s", ctx, v)
	}
	res := make([]*Node, 0, len(p.children))
	for _, c := range p.children {
		if n := v.nodes[c]; n != nil {
			res = append(res, n)
		}
	}
	return res, nil
}

// All returns every mirrored node ordered by target id.
func (v *ViewInfo) All() []*Node {
	v.RunPending()
	v.mirrorLock.RLock()
	defer v.mirrorLock.RUnlock()
	return v.sortedLocked()
}

func (v *ViewInfo) sortedLocked() []*Node {
	res := make([]*Node, 0, len(v.nodes))
	for ctx, n := range v.nodes {
		if ctx != "" {
			res = append(res, n)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].targetID < res[j].targetID })
	return res
}
