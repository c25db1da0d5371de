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
package codec

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/tcf/frame"
)

const maxStreamFrameSize = 64 << 20

// streamCodec carries one JSON frame per line over a byte stream.
type streamCodec struct {
	conn        net.Conn
	r           *bufio.Reader
	sendLock    sync.Mutex
	closeOnce   sync.Once
	closeNotify chan struct{}
}

// TCP returns a codec which exchanges newline delimited JSON frames over
// conn. Any stream connection will do, net.Pipe included.
func TCP(conn net.Conn) Codec {
	return &streamCodec{
		conn:        conn,
		r:           bufio.NewReaderSize(conn, 64*1024),
		closeNotify: make(chan struct{}),
	}
}

func (c *streamCodec) String() string {
	return fmt.Sprintf("[tcpCodec %s]", c.remoteAddr())
}

func (c *streamCodec) remoteAddr() string {
	if ra := c.conn.RemoteAddr(); ra != nil {
		return ra.String()
	}
	return "unknown address"
}

func (c *streamCodec) Recv(ctx context.Context) (*frame.Frame, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			glog.V(2).Infof("%s Recv(): %s", c, err)
			c.Close()
			return nil, errors.Trace(err)
		}
		if len(line) == 0 {
			continue
		}
		f, err := frame.UnmarshalJSON(line)
		if err != nil {
			glog.Errorf("%s: dropping invalid frame %q: %s", c, line, err)
			continue
		}
		return f, nil
	}
}

func (c *streamCodec) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxStreamFrameSize {
			return nil, errors.Errorf("frame exceeds %d bytes", maxStreamFrameSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (c *streamCodec) Send(ctx context.Context, f *frame.Frame) error {
	// MarshalJSON terminates the frame with a newline.
	b, err := frame.MarshalJSON(f)
	if err != nil {
		return errors.Trace(err)
	}
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err = c.conn.Write(b)
	return errors.Trace(err)
}

func (c *streamCodec) Close() {
	c.closeOnce.Do(func() {
		glog.V(1).Infof("Closing %s", c)
		close(c.closeNotify)
		c.conn.Close()
	})
}

func (c *streamCodec) CloseNotify() <-chan struct{} {
	return c.closeNotify
}

func (c *streamCodec) Info() ConnectionInfo {
	return ConnectionInfo{IsConnected: true, RemoteAddr: c.remoteAddr()}
}
