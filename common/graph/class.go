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

// Class describes a capability set a node can take on. Classes form a
// single-inheritance chain through Base; a node of class C can be used
// wherever C or any of its bases is asked for.
type Class struct {
	Name string
	Base *Class
	// Accept reports whether a node may be re-typed to this class.
	// nil accepts every node.
	Accept func(n *Node) bool
}

// Generic is the class every node starts with.
var Generic = &Class{Name: "Node"}

func (c *Class) String() string {
	if c == nil {
		return "<nil>"
	}
	return c.Name
}

// Is returns true if c is other or derives from it.
func (c *Class) Is(other *Class) bool {
	for cc := c; cc != nil; cc = cc.Base {
		if cc == other {
			return true
		}
	}
	return other == Generic
}

// accepts runs the predicates of c and all its bases.
func (c *Class) accepts(n *Node) bool {
	for cc := c; cc != nil; cc = cc.Base {
		if cc.Accept != nil && !cc.Accept(n) {
			return false
		}
	}
	return true
}
