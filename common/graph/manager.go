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
// Package graph keeps the client side tree of remote contexts for one
// session. Mutations may come from any goroutine; listener notifications
// are queued and delivered later on the session dispatcher.
package graph

import (
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/dispatch"
)

type EventType int

const (
	NodeAdded EventType = iota
	NodeChanged
	NodeRemoved
)

func (t EventType) String() string {
	switch t {
	case NodeAdded:
		return "added"
	case NodeChanged:
		return "changed"
	case NodeRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is one queued notification. Keys lists the properties touched by
// the coalesced updates of a NodeChanged event.
type Event struct {
	Type EventType
	Node *Node
	Keys []string
}

type Listener interface {
	NodeAdded(n *Node)
	NodeChanged(n *Node, keys []string)
	NodeRemoved(n *Node)
}

// ListenerFuncs adapts a set of optional functions to Listener.
type ListenerFuncs struct {
	Added   func(n *Node)
	Changed func(n *Node, keys []string)
	Removed func(n *Node)
}

func (lf *ListenerFuncs) NodeAdded(n *Node) {
	if lf.Added != nil {
		lf.Added(n)
	}
}

func (lf *ListenerFuncs) NodeChanged(n *Node, keys []string) {
	if lf.Changed != nil {
		lf.Changed(n, keys)
	}
}

func (lf *ListenerFuncs) NodeRemoved(n *Node) {
	if lf.Removed != nil {
		lf.Removed(n)
	}
}

// Manager owns every node of one session and is itself the root node
// (ctx == "").
type Manager struct {
	d *dispatch.Dispatcher

	lock      sync.RWMutex
	nodes     map[string]*Node
	seq       uint64
	listeners []Listener
	events    []Event
	flushing  bool
	mutations int
}

func NewManager(d *dispatch.Dispatcher) *Manager {
	m := &Manager{
		d:     d,
		nodes: map[string]*Node{},
	}
	m.nodes[""] = m.newNodeLocked("", "", Generic, nil)
	return m
}

func (m *Manager) Dispatcher() *dispatch.Dispatcher {
	return m.d
}

func (m *Manager) newNodeLocked(ctx, parentCtx string, cls *Class, props map[string]interface{}) *Node {
	m.seq++
	if props == nil {
		props = map[string]interface{}{}
	}
	return &Node{
		m:         m,
		seq:       m.seq,
		ctx:       ctx,
		parentCtx: parentCtx,
		class:     cls,
		props:     props,
		pending:   map[string]struct{}{},
		changed:   map[string]struct{}{},
		valid:     true,
	}
}

// Root returns the node standing for the Manager itself.
func (m *Manager) Root() *Node {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.nodes[""]
}

func (m *Manager) AddListener(l Listener) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) RemoveListener(l Listener) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, ll := range m.listeners {
		if ll == l {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

// AddNode creates the node for ctx under parentCtx. If a valid node with the
// same parent exists it is returned unchanged; if the parent differs the
// old node and its subtree are invalidated and a fresh node is created.
func (m *Manager) AddNode(ctx, parentCtx string) (*Node, error) {
	if ctx == "" {
		return nil, errors.NotValidf("empty context id")
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	parent := m.nodes[parentCtx]
	if parent == nil || !parent.valid {
		return nil, errors.NotFoundf("parent context %q of %q", parentCtx, ctx)
	}
	for p := parent; p != nil && p.ctx != ""; p = m.nodes[p.parentCtx] {
		if p.ctx == ctx {
			return nil, errors.NotValidf("context %q as a descendant of itself", ctx)
		}
	}
	if old := m.nodes[ctx]; old != nil && old.valid {
		if old.parentCtx == parentCtx {
			return old, nil
		}
		glog.V(2).Infof("context %q moved from %q to %q", ctx, old.parentCtx, parentCtx)
		m.removeLocked(old)
	}
	n := m.newNodeLocked(ctx, parentCtx, Generic, nil)
	m.nodes[ctx] = n
	parent.children = append(parent.children, ctx)
	m.queueLocked(Event{Type: NodeAdded, Node: n})
	glog.V(3).Infof("added %s", n)
	return n, nil
}

// RemoveNode invalidates the node and all its descendants. Removing an
// unknown context is a no-op.
func (m *Manager) RemoveNode(ctx string) {
	if ctx == "" {
		return
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	n := m.nodes[ctx]
	if n == nil || !n.valid {
		return
	}
	m.removeLocked(n)
}

func (m *Manager) removeLocked(n *Node) {
	if parent := m.nodes[n.parentCtx]; parent != nil {
		for i, c := range parent.children {
			if c == n.ctx {
				parent.children = append(parent.children[:i:i], parent.children[i+1:]...)
				break
			}
		}
	}
	m.invalidateLocked(n)
}

func (m *Manager) invalidateLocked(n *Node) {
	n.valid = false
	m.queueLocked(Event{Type: NodeRemoved, Node: n})
	glog.V(3).Infof("removed %s", n.ctx)
	children := n.children
	n.children = nil
	for _, c := range children {
		if cn := m.nodes[c]; cn != nil && cn.valid {
			m.invalidateLocked(cn)
		}
	}
}

// InvalidateAll invalidates every node of the session, e.g. once the
// channel has been closed.
func (m *Manager) InvalidateAll() {
	m.lock.Lock()
	defer m.lock.Unlock()
	root := m.nodes[""]
	children := root.children
	root.children = nil
	for _, c := range children {
		if cn := m.nodes[c]; cn != nil && cn.valid {
			m.invalidateLocked(cn)
		}
	}
}

// Node returns the current handle for ctx, valid or not, or nil.
func (m *Manager) Node(ctx string) *Node {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.nodes[ctx]
}

// GetNode returns the node for ctx as a cls. A node whose class already is
// (or derives from) cls is returned as is. Otherwise the node is re-typed
// if cls accepts it: the returned handle is new and the previous one
// becomes invalid. nil is returned for unknown or invalid contexts and when
// cls rejects the node.
func (m *Manager) GetNode(ctx string, cls *Class) *Node {
	n := m.Node(ctx)
	if n == nil || !n.Valid() {
		return nil
	}
	if cls == nil || n.Class().Is(cls) {
		return n
	}
	// Predicates read the node, so they run without the lock held.
	if !cls.accepts(n) {
		glog.V(2).Infof("%s cannot be a %s", n, cls)
		return nil
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.nodes[ctx] != n || !n.valid {
		// Changed under us; whoever did it wins.
		cur := m.nodes[ctx]
		if cur != nil && cur.valid && cur.class.Is(cls) {
			return cur
		}
		return nil
	}
	nn := m.newNodeLocked(n.ctx, n.parentCtx, cls, n.props)
	nn.seq = n.seq
	nn.children = n.children
	nn.pending = n.pending
	nn.watchers = n.watchers
	nn.dirty = n.dirty
	nn.changed = n.changed
	n.valid = false
	n.pending = map[string]struct{}{}
	n.watchers = nil
	m.nodes[ctx] = nn
	for i := range m.events {
		if m.events[i].Node == n {
			m.events[i].Node = nn
		}
	}
	glog.V(2).Infof("re-typed %q from %s to %s", ctx, n.class, cls)
	return nn
}

// CanBe reports whether GetNode(ctx, cls) would return a node.
func (m *Manager) CanBe(ctx string, cls *Class) bool {
	n := m.Node(ctx)
	if n == nil || !n.Valid() {
		return false
	}
	return cls == nil || n.Class().Is(cls) || cls.accepts(n)
}

// SetChildren makes ctxs the children of parentCtx: existing children not
// in the list are removed, the others are kept, missing ones are added.
func (m *Manager) SetChildren(parentCtx string, ctxs []string) error {
	keep := make(map[string]bool, len(ctxs))
	for _, c := range ctxs {
		keep[c] = true
	}
	parent := m.Node(parentCtx)
	if parent == nil || !parent.Valid() {
		return errors.NotFoundf("context %q", parentCtx)
	}
	for _, c := range parent.Children() {
		if !keep[c] {
			m.RemoveNode(c)
		}
	}
	for _, c := range ctxs {
		if _, err := m.AddNode(c, parentCtx); err != nil {
			return errors.Trace(err)
		}
	}
	// Keep the order given by the caller.
	m.lock.Lock()
	defer m.lock.Unlock()
	if p := m.nodes[parentCtx]; p != nil && p.valid {
		order := make(map[string]int, len(ctxs))
		for i, c := range ctxs {
			order[c] = i
		}
		sort.SliceStable(p.children, func(i, j int) bool {
			return order[p.children[i]] < order[p.children[j]]
		})
	}
	return nil
}

// ChildrenOf returns the valid children of ctx in order.
func (m *Manager) ChildrenOf(ctx string) []*Node {
	m.lock.RLock()
	defer m.lock.RUnlock()
	p := m.nodes[ctx]
	if p == nil {
		return nil
	}
	var res []*Node
	for _, c := range p.children {
		if n := m.nodes[c]; n != nil && n.valid {
			res = append(res, n)
		}
	}
	return res
}

// All returns every valid node except the root, in creation order.
func (m *Manager) All() []*Node {
	m.lock.RLock()
	res := make([]*Node, 0, len(m.nodes))
	for ctx, n := range m.nodes {
		if ctx != "" && n.valid {
			res = append(res, n)
		}
	}
	m.lock.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].seq < res[j].seq })
	return res
}

// BeginMutation records a structural change in progress (e.g. a children
// query sent but not answered yet). Requests are not started while any is
// outstanding.
func (m *Manager) BeginMutation() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.mutations++
}

func (m *Manager) EndMutation() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.mutations > 0 {
		m.mutations--
	}
}

// Settled is true when no structural change is outstanding and every
// notification has been delivered.
func (m *Manager) Settled() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.mutations == 0 && len(m.events) == 0 && !m.flushing
}

func (m *Manager) queueLocked(ev Event) {
	m.events = append(m.events, ev)
	if !m.flushing {
		m.flushing = true
		if !m.d.Post(m.flush) {
			// Nobody is left to deliver them.
			m.events = nil
			m.flushing = false
		}
	}
}

// flush runs on the dispatcher and delivers queued events in order.
func (m *Manager) flush() {
	m.lock.Lock()
	events := m.events
	m.events = nil
	m.flushing = false
	listeners := append([]Listener(nil), m.listeners...)
	watchers := make([][]*watcher, len(events))
	for i := range events {
		ev := &events[i]
		if ev.Type == NodeChanged {
			ev.Keys = ev.Node.takeChangedLocked()
		}
		watchers[i] = append([]*watcher(nil), ev.Node.watchers...)
	}
	m.lock.Unlock()

	for i, ev := range events {
		glog.V(4).Infof("event %s %q %v", ev.Type, ev.Node.ctx, ev.Keys)
		for _, l := range listeners {
			switch ev.Type {
			case NodeAdded:
				l.NodeAdded(ev.Node)
			case NodeChanged:
				l.NodeChanged(ev.Node, ev.Keys)
			case NodeRemoved:
				l.NodeRemoved(ev.Node)
			}
		}
		for _, w := range watchers[i] {
			w.f(ev)
		}
	}
}
