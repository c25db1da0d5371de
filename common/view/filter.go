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

import (
	"fmt"
	"iter"
	"reflect"
	"regexp"

	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/graph"
)

type predicate struct {
	key   string
	value interface{}
	re    *regexp.Regexp
}

func (p predicate) match(n *Node) bool {
	v, ok := n.Get(p.key)
	if !ok {
		return false
	}
	if p.re != nil {
		return p.re.MatchString(fmt.Sprint(v))
	}
	return reflect.DeepEqual(v, p.value)
}

// TargetFilter selects nodes of a view. Filters are built with the chained
// methods and evaluated lazily, every evaluation against the current state.
type TargetFilter struct {
	view   *ViewInfo
	parent string
	scoped bool
	class  *graph.Class
	preds  []predicate
}

func (v *ViewInfo) Filter() *TargetFilter {
	return &TargetFilter{view: v}
}

// Under restricts matches to descendants of ctx.
func (f *TargetFilter) Under(ctx string) *TargetFilter {
	f.parent, f.scoped = ctx, true
	return f
}

// OfClass restricts matches to nodes which are, or can be re-typed to, cls.
func (f *TargetFilter) OfClass(cls *graph.Class) *TargetFilter {
	f.class = cls
	return f
}

// Where requires property key to equal value.
func (f *TargetFilter) Where(key string, value interface{}) *TargetFilter {
	f.preds = append(f.preds, predicate{key: key, value: value})
	return f
}

// Matching requires the printed value of property key to match re.
func (f *TargetFilter) Matching(key string, re *regexp.Regexp) *TargetFilter {
	f.preds = append(f.preds, predicate{key: key, re: re})
	return f
}

func (f *TargetFilter) String() string {
	s := "{"
	if f.scoped {
		s += fmt.Sprintf(" under=%q", f.parent)
	}
	if f.class != nil {
		s += fmt.Sprintf(" class=%s", f.class)
	}
	for _, p := range f.preds {
		if p.re != nil {
			s += fmt.Sprintf(" %s~%s", p.key, p.re)
		} else {
			s += fmt.Sprintf(" %s=%v", p.key, p.value)
		}
	}
	return s + " }"
}

func (f *TargetFilter) under(n *Node) bool {
	if !f.scoped || f.parent == "" {
		return true
	}
	v := f.view
	v.mirrorLock.RLock()
	defer v.mirrorLock.RUnlock()
	for p := v.nodes[n.parentCtx]; p != nil && p.ctx != ""; p = v.nodes[p.parentCtx] {
		if p.ctx == f.parent {
			return true
		}
	}
	return false
}

func (f *TargetFilter) matches(n *Node) bool {
	if !f.under(n) {
		return false
	}
	if f.class != nil && !f.view.m.CanBe(n.ctx, f.class) {
		return false
	}
	for _, p := range f.preds {
		if !p.match(n) {
			return false
		}
	}
	return true
}

// All yields matching nodes in target id order. Each iteration starts over
// from the current state of the view.
func (f *TargetFilter) All() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		for _, n := range f.view.All() {
			if f.matches(n) && !yield(n) {
				return
			}
		}
	}
}

func (f *TargetFilter) Count() int {
	c := 0
	for range f.All() {
		c++
	}
	return c
}

// Get returns the index-th match.
func (f *TargetFilter) Get(index int) (*Node, error) {
	if index < 0 {
		return nil, errors.NotValidf("index %d", index)
	}
	i := 0
	for n := range f.All() {
		if i == index {
			return n, nil
		}
		i++
	}
	return nil, errors.NotFoundf("match %d of %s (%d matches)", index, f, i)
}

// First returns the first match.
func (f *TargetFilter) First() (*Node, error) {
	return f.Get(0)
}

// One returns the only match, failing if there is none or more than one.
func (f *TargetFilter) One() (*Node, error) {
	var res []*Node
	for n := range f.All() {
		res = append(res, n)
		if len(res) > 1 {
			return nil, errors.Errorf("more than one match for %s: %s, %s", f, res[0], res[1])
		}
	}
	if len(res) == 0 {
		return nil, errors.NotFoundf("match for %s", f)
	}
	return res[0], nil
}
