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
package main

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/cli/flags"
	"github.com/Xilinx/chipscopy-sub000/cli/ourutil"
	"github.com/Xilinx/chipscopy-sub000/common/graph"
	"github.com/Xilinx/chipscopy-sub000/common/memory"
	"github.com/Xilinx/chipscopy-sub000/common/ourio"
	"github.com/Xilinx/chipscopy-sub000/common/session"
	"github.com/Xilinx/chipscopy-sub000/common/view"
)

var (
	classes = map[string]*graph.Class{
		"memory": memory.Class,
	}

	idColor   = color.New(color.FgCyan)
	nameColor = color.New(color.FgGreen)
)

// resolveTarget accepts a context id or "#N" for target id N.
func resolveTarget(v *view.ViewInfo, target string) (*view.Node, error) {
	if strings.HasPrefix(target, "#") {
		id, err := strconv.Atoi(target[1:])
		if err != nil {
			return nil, errors.NotValidf("target id %q", target)
		}
		return v.NodeByID(id)
	}
	return v.GetNode(target)
}

func printNode(w io.Writer, n *view.Node, indent string) {
	fmt.Fprintf(w, "%s%s %s", indent, idColor.Sprintf("[%d]", n.TargetID()), n.Ctx())
	if name := n.GetString("Name"); name != "" {
		fmt.Fprintf(w, " %s", nameColor.Sprint(name))
	}
	fmt.Fprintln(w)
	if !*flags.Props {
		return
	}
	props := n.Props()
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s    %s: %v\n", indent, k, props[k])
	}
}

func printTree(w io.Writer, v *view.ViewInfo, ctx, indent string) error {
	children, err := v.GetChildren(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, c := range children {
		printNode(w, c, indent)
		if err := printTree(w, v, c.Ctx(), indent+"  "); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

type treeEntry struct {
	TargetID int                    `yaml:"target_id"`
	Ctx      string                 `yaml:"ctx"`
	Props    map[string]interface{} `yaml:"props,omitempty"`
	Children []*treeEntry           `yaml:"children,omitempty"`
}

func dumpTree(v *view.ViewInfo, n *view.Node) (*treeEntry, error) {
	e := &treeEntry{TargetID: n.TargetID(), Ctx: n.Ctx(), Props: n.Props()}
	children, err := v.GetChildren(n.Ctx())
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, c := range children {
		ce, err := dumpTree(v, c)
		if err != nil {
			return nil, errors.Trace(err)
		}
		e.Children = append(e.Children, ce)
	}
	return e, nil
}

// writeTree saves the contexts below the given nodes as YAML.
func writeTree(v *view.ViewInfo, roots []*view.Node, filename string) error {
	var entries []*treeEntry
	for _, n := range roots {
		e, err := dumpTree(v, n)
		if err != nil {
			return errors.Trace(err)
		}
		entries = append(entries, e)
	}
	if _, err := ourio.WriteYAMLFileIfDifferent(filename, entries, 0644); err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Wrote the context tree to %s", filename)
	return nil
}

func ls(ctx context.Context, s *session.Session, args []string) error {
	v := s.NewView("ls")
	defer v.Close()
	var roots []*view.Node
	if *flags.Under == "" {
		var err error
		if roots, err = v.GetChildren(""); err != nil {
			return errors.Trace(err)
		}
	} else {
		n, err := resolveTarget(v, *flags.Under)
		if err != nil {
			return errors.Trace(err)
		}
		roots = []*view.Node{n}
	}
	if *flags.Output != "" {
		return writeTree(v, roots, *flags.Output)
	}
	for _, n := range roots {
		printNode(stdout, n, "")
		if err := printTree(stdout, v, n.Ctx(), "  "); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// parseFilter builds a filter from key=value and key~regexp terms. Values
// are compared in their printed form.
func parseFilter(v *view.ViewInfo, terms []string) (*view.TargetFilter, error) {
	f := v.Filter()
	if *flags.Under != "" {
		n, err := resolveTarget(v, *flags.Under)
		if err != nil {
			return nil, errors.Trace(err)
		}
		f.Under(n.Ctx())
	}
	if *flags.Class != "" {
		cls := classes[strings.ToLower(*flags.Class)]
		if cls == nil {
			return nil, errors.NotFoundf("class %q", *flags.Class)
		}
		f.OfClass(cls)
	}
	for _, t := range terms {
		if i := strings.IndexAny(t, "=~"); i > 0 {
			key, value := t[:i], t[i+1:]
			expr := value
			if t[i] == '=' {
				expr = "^" + regexp.QuoteMeta(value) + "$"
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, errors.NotValidf("pattern %q", value)
			}
			f.Matching(key, re)
			continue
		}
		return nil, errors.NotValidf("term %q, want key=value or key~regexp", t)
	}
	return f, nil
}

func find(ctx context.Context, s *session.Session, args []string) error {
	v := s.NewView("find")
	defer v.Close()
	f, err := parseFilter(v, args)
	if err != nil {
		return errors.Trace(err)
	}
	found := 0
	for n := range f.All() {
		printNode(stdout, n, "")
		found++
	}
	if found == 0 {
		return errors.NotFoundf("contexts matching %s", f)
	}
	return nil
}
