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
	"encoding/hex"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/cli/flags"
	"github.com/Xilinx/chipscopy-sub000/cli/ourutil"
	"github.com/Xilinx/chipscopy-sub000/common/memory"
	"github.com/Xilinx/chipscopy-sub000/common/ourio"
	"github.com/Xilinx/chipscopy-sub000/common/session"
	"github.com/Xilinx/chipscopy-sub000/common/transfer"
	"github.com/Xilinx/chipscopy-sub000/common/view"
)

func newMemory(s *session.Session) *memory.Memory {
	return memory.New(s, transfer.WithChunkSize(*flags.ChunkSize), transfer.WithWindow(*flags.Window))
}

// memoryArgs resolves the context and address arguments of read and write.
func memoryArgs(s *session.Session, args []string) (*view.Node, uint64, error) {
	v := s.NewView("memory")
	defer v.Close()
	n, err := resolveTarget(v, args[0])
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	addr, err := ourutil.ParseUint(args[1])
	if err != nil {
		return nil, 0, errors.Annotatef(err, "address")
	}
	return n, addr, nil
}

func progressLogger(what string) func(interface{}) {
	last := -10
	return func(p interface{}) {
		f, _ := p.(float64)
		if pct := int(f * 100); pct/10 != last/10 {
			last = pct
			glog.V(1).Infof("%s: %d%%", what, pct)
		}
	}
}

func read(ctx context.Context, s *session.Session, args []string) error {
	if len(args) != 3 {
		return errors.Errorf("usage: read <ctx> <address> <length>")
	}
	n, addr, err := memoryArgs(s, args)
	if err != nil {
		return errors.Trace(err)
	}
	length, err := ourutil.ParseUint(args[2])
	if err != nil {
		return errors.Annotatef(err, "length")
	}

	buf := make([]byte, length)
	f := newMemory(s).ReadBytes(n.Ctx(), addr, buf, 0, len(buf), nil, progressLogger("read "+n.Ctx()))
	if _, err := f.Wait(ctx); err != nil {
		return err
	}

	if *flags.Output != "" {
		if err := ourio.WriteFileAtomic(*flags.Output, buf, 0644); err != nil {
			return errors.Trace(err)
		}
		ourutil.Reportf("Read %d bytes from %s at %#x to %s", len(buf), n.Ctx(), addr, *flags.Output)
		return nil
	}
	d := hex.Dumper(stdout)
	d.Write(buf)
	return errors.Trace(d.Close())
}

func write(ctx context.Context, s *session.Session, args []string) error {
	if len(args) != 3 {
		return errors.Errorf("usage: write <ctx> <address> <file>")
	}
	n, addr, err := memoryArgs(s, args)
	if err != nil {
		return errors.Trace(err)
	}
	data, err := os.ReadFile(args[2])
	if err != nil {
		return errors.Trace(err)
	}

	f := newMemory(s).WriteBytes(n.Ctx(), addr, data, 0, len(data), nil, progressLogger("write "+n.Ctx()))
	if _, err := f.Wait(ctx); err != nil {
		return err
	}
	ourutil.Reportf("Wrote %d bytes to %s at %#x", len(data), n.Ctx(), addr)
	return nil
}
