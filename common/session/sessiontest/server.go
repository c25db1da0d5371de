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
// Package sessiontest provides an in-process hardware server for tests. It
// serves the ContextGraph and Memory services over a net.Pipe.
package sessiontest

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/request"
	"github.com/Xilinx/chipscopy-sub000/common/tcf/channel"
	"github.com/Xilinx/chipscopy-sub000/common/tcf/codec"
)

const (
	graphService  = "ContextGraph"
	memoryService = "Memory"
)

type Context struct {
	ID       string
	ParentID string
	Props    map[string]interface{}
}

func (c *Context) object() map[string]interface{} {
	obj := map[string]interface{}{"ID": c.ID, "ParentID": c.ParentID}
	for k, v := range c.Props {
		obj[k] = v
	}
	return obj
}

type memory struct {
	base   uint64
	data   []byte
	faults map[uint64]bool
}

// Server is a fake hardware server. Contexts and memories may be changed
// at any time; once connected, changes are announced as events.
type Server struct {
	lock     sync.Mutex
	contexts map[string]*Context
	order    []string
	memories map[string]*memory
	handlers map[string]channel.CommandHandler
	ch       *channel.Channel
	calls    map[string]int
}

func NewServer() *Server {
	s := &Server{
		contexts: map[string]*Context{},
		memories: map[string]*memory{},
		calls:    map[string]int{},
	}
	s.handlers = map[string]channel.CommandHandler{
		graphService:  s.serveGraph,
		memoryService: s.serveMemory,
	}
	return s
}

// Handle adds or replaces a service. It must be called before Connect.
func (s *Server) Handle(service string, h channel.CommandHandler) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if h == nil {
		delete(s.handlers, service)
		return
	}
	s.handlers[service] = h
}

// Connect starts serving and returns the client end.
func (s *Server) Connect() codec.Codec {
	c1, c2 := net.Pipe()
	s.ServeConn(c2)
	return codec.TCP(c1)
}

// ServeConn serves a client connected through conn. Only the last
// connection receives events.
func (s *Server) ServeConn(conn net.Conn) {
	s.lock.Lock()
	defer s.lock.Unlock()
	handlers := make(map[string]channel.CommandHandler, len(s.handlers))
	for k, v := range s.handlers {
		handlers[k] = v
	}
	s.ch = channel.New(codec.TCP(conn), handlers)
}

func (s *Server) Close() {
	s.lock.Lock()
	ch := s.ch
	s.lock.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// Calls returns how many times service.command has been served.
func (s *Server) Calls(service, command string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.calls[service+"."+command]
}

func (s *Server) event(name string, arg interface{}) {
	s.lock.Lock()
	ch := s.ch
	s.lock.Unlock()
	if ch != nil {
		ch.SendEvent(context.Background(), graphService, name, arg)
	}
}

func (s *Server) Add(c Context) {
	s.lock.Lock()
	if _, ok := s.contexts[c.ID]; !ok {
		s.order = append(s.order, c.ID)
	}
	cc := c
	s.contexts[c.ID] = &cc
	obj := cc.object()
	s.lock.Unlock()
	s.event("contextAdded", []interface{}{obj})
}

func (s *Server) Change(id string, props map[string]interface{}) {
	s.lock.Lock()
	c := s.contexts[id]
	if c == nil {
		s.lock.Unlock()
		return
	}
	if c.Props == nil {
		c.Props = map[string]interface{}{}
	}
	for k, v := range props {
		c.Props[k] = v
	}
	obj := c.object()
	s.lock.Unlock()
	s.event("contextChanged", []interface{}{obj})
}

// Remove drops id and its descendants.
func (s *Server) Remove(id string) {
	s.lock.Lock()
	removed := map[string]bool{id: true}
	for changed := true; changed; {
		changed = false
		for _, c := range s.contexts {
			if !removed[c.ID] && removed[c.ParentID] {
				removed[c.ID] = true
				changed = true
			}
		}
	}
	var order []string
	for _, c := range s.order {
		if removed[c] {
			delete(s.contexts, c)
			delete(s.memories, c)
		} else {
			order = append(order, c)
		}
	}
	s.order = order
	s.lock.Unlock()
	s.event("contextRemoved", []interface{}{id})
}

// SetMemory backs Memory commands on ctx with data mapped at base.
func (s *Server) SetMemory(ctx string, base uint64, data []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.memories[ctx] = &memory{base: base, data: data, faults: map[uint64]bool{}}
}

// Memory returns the current memory contents of ctx.
func (s *Server) Memory(ctx string) []byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	if m := s.memories[ctx]; m != nil {
		return append([]byte(nil), m.data...)
	}
	return nil
}

// Fault makes accesses to ctx covering addr fail.
func (s *Server) Fault(ctx string, addr uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if m := s.memories[ctx]; m != nil {
		m.faults[addr] = true
	}
}

func (s *Server) count(service, name string) {
	s.lock.Lock()
	s.calls[service+"."+name]++
	s.lock.Unlock()
}

func (s *Server) serveGraph(ctx context.Context, name string, args []interface{}, progress func([]interface{})) ([]interface{}, error) {
	s.count(graphService, name)
	if name != "getChildren" {
		return nil, errors.NotSupportedf("command %q", name)
	}
	parent, _ := arg(args, 0).(string)
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.contexts[parent]; parent != "" && !ok {
		return nil, &request.RemoteError{Code: 2, Message: fmt.Sprintf("invalid context %q", parent)}
	}
	children := []interface{}{}
	for _, id := range s.order {
		if c := s.contexts[id]; c.ParentID == parent {
			children = append(children, c.object())
		}
	}
	return []interface{}{children}, nil
}

func (s *Server) serveMemory(ctx context.Context, name string, args []interface{}, progress func([]interface{})) ([]interface{}, error) {
	s.count(memoryService, name)
	id, _ := arg(args, 0).(string)
	addr := toUint(arg(args, 1))
	s.lock.Lock()
	defer s.lock.Unlock()
	m := s.memories[id]
	if m == nil {
		return nil, &request.RemoteError{Code: 2, Message: fmt.Sprintf("no memory on %q", id)}
	}
	var size uint64
	var data []byte
	switch name {
	case "get":
		size = toUint(arg(args, 2))
	case "set":
		data, _ = arg(args, 2).([]byte)
		size = uint64(len(data))
	default:
		return nil, errors.NotSupportedf("command %q", name)
	}
	if addr < m.base || addr+size > m.base+uint64(len(m.data)) {
		return nil, &request.RemoteError{Code: 3, Message: fmt.Sprintf("address %#x+%d out of range", addr, size)}
	}
	faults := make([]uint64, 0, len(m.faults))
	for f := range m.faults {
		faults = append(faults, f)
	}
	sort.Slice(faults, func(i, j int) bool { return faults[i] < faults[j] })
	for _, f := range faults {
		if f >= addr && f < addr+size {
			return nil, &request.RemoteError{Code: 4, Message: fmt.Sprintf("bus error at %#x", f)}
		}
	}
	off := addr - m.base
	if name == "get" {
		return []interface{}{append([]byte(nil), m.data[off:off+size]...)}, nil
	}
	copy(m.data[off:], data)
	return []interface{}{}, nil
}

func arg(args []interface{}, i int) interface{} {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func toUint(v interface{}) uint64 {
	switch vv := v.(type) {
	case float64:
		return uint64(vv)
	case int:
		return uint64(vv)
	case uint64:
		return vv
	}
	return 0
}
