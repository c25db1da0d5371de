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
package graph

import (
	"fmt"
	"sort"
)

// Node is the client side representative of one remote context. A *Node
// is a typed handle: re-typing replaces it with a fresh handle for the same
// ctx and invalidates the old one.
type Node struct {
	m   *Manager
	seq uint64

	ctx       string
	parentCtx string
	class     *Class

	props    map[string]interface{}
	children []string
	pending  map[string]struct{}
	watchers []*watcher
	valid    bool

	// dirty is set by the first Update after a flush; changed collects the
	// keys touched since then.
	dirty   bool
	changed map[string]struct{}
}

type watcher struct {
	f func(ev Event)
}

func (n *Node) String() string {
	return fmt.Sprintf("[%s %q]", n.Class(), n.ctx)
}

func (n *Node) Ctx() string {
	return n.ctx
}

func (n *Node) ParentCtx() string {
	return n.parentCtx
}

func (n *Node) Manager() *Manager {
	return n.m
}

func (n *Node) Class() *Class {
	n.m.lock.RLock()
	defer n.m.lock.RUnlock()
	return n.class
}

// Valid is false once the node has been removed, superseded or re-typed.
func (n *Node) Valid() bool {
	n.m.lock.RLock()
	defer n.m.lock.RUnlock()
	return n.valid
}

// Parent returns the parent node, the Manager root for top level contexts.
func (n *Node) Parent() *Node {
	n.m.lock.RLock()
	defer n.m.lock.RUnlock()
	if n.ctx == "" {
		return nil
	}
	return n.m.nodes[n.parentCtx]
}

// Children returns the ctx values of the node's children, in order.
func (n *Node) Children() []string {
	n.m.lock.RLock()
	defer n.m.lock.RUnlock()
	return append([]string(nil), n.children...)
}

func (n *Node) Get(key string) (interface{}, bool) {
	n.m.lock.RLock()
	defer n.m.lock.RUnlock()
	v, ok := n.props[key]
	return v, ok
}

// Props returns a copy of the property map.
func (n *Node) Props() map[string]interface{} {
	n.m.lock.RLock()
	defer n.m.lock.RUnlock()
	res := make(map[string]interface{}, len(n.props))
	for k, v := range n.props {
		res[k] = v
	}
	return res
}

// Update merges props into the node. Updates made before the next listener
// flush are reported as a single changed event.
func (n *Node) Update(props map[string]interface{}) {
	if len(props) == 0 {
		return
	}
	m := n.m
	m.lock.Lock()
	defer m.lock.Unlock()
	if !n.valid {
		return
	}
	for k, v := range props {
		n.props[k] = v
		n.changed[k] = struct{}{}
	}
	if !n.dirty {
		n.dirty = true
		m.queueLocked(Event{Type: NodeChanged, Node: n})
	}
}

// AddPending marks an operation identified by token as in flight on the node.
func (n *Node) AddPending(token string) {
	n.m.lock.Lock()
	defer n.m.lock.Unlock()
	n.pending[token] = struct{}{}
}

func (n *Node) RemovePending(token string) {
	n.m.lock.Lock()
	defer n.m.lock.Unlock()
	delete(n.pending, token)
}

func (n *Node) PendingCount() int {
	n.m.lock.RLock()
	defer n.m.lock.RUnlock()
	return len(n.pending)
}

// Watch registers f to be called for every event concerning this node's
// ctx. The registration follows the node across re-typing.
func (n *Node) Watch(f func(ev Event)) (cancel func()) {
	w := &watcher{f: f}
	m := n.m
	m.lock.Lock()
	n.watchers = append(n.watchers, w)
	ctx := n.ctx
	m.lock.Unlock()
	return func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		cur := m.nodes[ctx]
		if cur == nil {
			return
		}
		for i, ww := range cur.watchers {
			if ww == w {
				cur.watchers = append(cur.watchers[:i:i], cur.watchers[i+1:]...)
				return
			}
		}
	}
}

func (n *Node) takeChangedLocked() []string {
	keys := make([]string, 0, len(n.changed))
	for k := range n.changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	n.changed = map[string]struct{}{}
	n.dirty = false
	return keys
}
