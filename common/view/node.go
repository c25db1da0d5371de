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
package view

import "fmt"

// Node is a consumer side mirror of a graph node. Property reads are pull on
// demand: a key the graph reported as changed is fetched from the Manager
// on its next read.
type Node struct {
	view      *ViewInfo
	ctx       string
	parentCtx string
	targetID  int
	props     map[string]interface{}
	changed   map[string]struct{}
	children  []string
}

func (n *Node) String() string {
	return fmt.Sprintf("[%d %q]", n.targetID, n.ctx)
}

func (n *Node) Ctx() string {
	return n.ctx
}

func (n *Node) ParentCtx() string {
	return n.parentCtx
}

func (n *Node) TargetID() int {
	return n.targetID
}

// ChangedProps returns the keys changed in the graph and not read since.
func (n *Node) ChangedProps() []string {
	n.view.RunPending()
	n.view.mirrorLock.RLock()
	defer n.view.mirrorLock.RUnlock()
	res := make([]string, 0, len(n.changed))
	for k := range n.changed {
		res = append(res, k)
	}
	return res
}

func (n *Node) Get(key string) (interface{}, bool) {
	n.view.RunPending()
	n.view.mirrorLock.Lock()
	defer n.view.mirrorLock.Unlock()
	if _, ok := n.changed[key]; ok {
		n.pullLocked(key)
	}
	v, ok := n.props[key]
	return v, ok
}

// GetString returns the property as a string, or "" if it is missing or of
// another type.
func (n *Node) GetString(key string) string {
	v, _ := n.Get(key)
	s, _ := v.(string)
	return s
}

// Props returns a copy of all properties, pulling changed ones first.
func (n *Node) Props() map[string]interface{} {
	n.view.RunPending()
	n.view.mirrorLock.Lock()
	defer n.view.mirrorLock.Unlock()
	for k := range n.changed {
		n.pullLocked(k)
	}
	res := make(map[string]interface{}, len(n.props))
	for k, v := range n.props {
		res[k] = v
	}
	return res
}

func (n *Node) pullLocked(key string) {
	delete(n.changed, key)
	src := n.view.m.Node(n.ctx)
	if src == nil {
		return
	}
	if v, ok := src.Get(key); ok {
		n.props[key] = v
	} else {
		delete(n.props, key)
	}
}

// Children returns the mirrored children of the node.
func (n *Node) Children() []*Node {
	res, _ := n.view.GetChildren(n.ctx)
	return res
}
