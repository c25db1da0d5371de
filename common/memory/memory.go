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
// Package memory accesses memory-like contexts through the Memory service.
package memory

import (
	"context"
	"encoding/binary"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/graph"
	"github.com/Xilinx/chipscopy-sub000/common/request"
	"github.com/Xilinx/chipscopy-sub000/common/session"
	"github.com/Xilinx/chipscopy-sub000/common/transfer"
)

const Service = "Memory"

// Class accepts contexts whose Services property lists the Memory service.
var Class = &graph.Class{
	Name:   "Memory",
	Accept: func(n *graph.Node) bool { return HasService(n, Service) },
}

// HasService reports whether the Services property of n lists service.
func HasService(n *graph.Node, service string) bool {
	v, _ := n.Get("Services")
	switch s := v.(type) {
	case []interface{}:
		for _, e := range s {
			if e == service {
				return true
			}
		}
	case []string:
		for _, e := range s {
			if e == service {
				return true
			}
		}
	}
	return false
}

type Memory struct {
	s *session.Session
	t *transfer.Transfer
}

// New returns memory access for the contexts of s. Options tune the chunk
// size and window of bulk transfers.
func New(s *session.Session, opts ...transfer.Option) *Memory {
	m := &Memory{s: s}
	m.t = transfer.New(s.Engine(), m, append([]transfer.Option{transfer.WithClass(Class)}, opts...)...)
	return m
}

// ReadChunk issues a single Memory.get.
func (m *Memory) ReadChunk(n *graph.Node, address uint64, length int, done func(data []byte, err error)) error {
	_, err := m.s.Channel().Send(m.s.Context(), Service, "get", []interface{}{n.Ctx(), address, length}, func(res []interface{}, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		if len(res) == 0 {
			done(nil, errors.NotValidf("empty %s.get reply", Service))
			return
		}
		data, ok := res[0].([]byte)
		if !ok {
			done(nil, errors.NotValidf("%s.get reply %T", Service, res[0]))
			return
		}
		done(data, nil)
	}, nil)
	return err
}

// WriteChunk issues a single Memory.set.
func (m *Memory) WriteChunk(n *graph.Node, address uint64, data []byte, done func(err error)) error {
	_, err := m.s.Channel().Send(m.s.Context(), Service, "set", []interface{}{n.Ctx(), address, data}, func(res []interface{}, err error) {
		done(err)
	}, nil)
	return err
}

func (m *Memory) ReadBytes(target string, address uint64, buf []byte, offset, length int, done request.DoneFunc, progress request.ProgressFunc) *request.Future {
	return m.t.ReadBytes(target, address, buf, offset, length, done, progress)
}

func (m *Memory) WriteBytes(target string, address uint64, buf []byte, offset, length int, done request.DoneFunc, progress request.ProgressFunc) *request.Future {
	return m.t.WriteBytes(target, address, buf, offset, length, done, progress)
}

func (m *Memory) Read(ctx context.Context, target string, address uint64, length int) ([]byte, error) {
	glog.V(1).Infof("reading %d bytes at %#x of %s", length, address, target)
	return m.t.Read(ctx, target, address, length)
}

func (m *Memory) Write(ctx context.Context, target string, address uint64, data []byte) error {
	glog.V(1).Infof("writing %d bytes at %#x of %s", len(data), address, target)
	return m.t.Write(ctx, target, address, data)
}

// Read32 reads a little endian word.
func (m *Memory) Read32(ctx context.Context, target string, address uint64) (uint32, error) {
	b, err := m.t.Read(ctx, target, address, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Write32 writes a little endian word.
func (m *Memory) Write32(ctx context.Context, target string, address uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.t.Write(ctx, target, address, b[:])
}
