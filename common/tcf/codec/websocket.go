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
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"golang.org/x/net/websocket"

	"github.com/Xilinx/chipscopy-sub000/common/tcf/frame"
)

const (
	WSProtocol = "tcf.hw-server"
)

func jsonMarshal(v interface{}) ([]byte, byte, error) {
	f, ok := v.(*frame.Frame)
	if !ok {
		return nil, websocket.TextFrame, errors.Errorf("only channel frames are supported, got %T", v)
	}
	b, err := frame.MarshalJSON(f)
	return b, websocket.TextFrame, err
}

func jsonUnmarshal(data []byte, payloadType byte, v interface{}) error {
	fp, ok := v.(**frame.Frame)
	if !ok {
		return errors.Errorf("only channel frames are supported, got %T", v)
	}
	if payloadType != websocket.TextFrame && payloadType != websocket.BinaryFrame {
		return errors.Errorf("unknown frame type: %d", payloadType)
	}
	f, err := frame.UnmarshalJSON(data)
	if err != nil {
		return errors.Trace(err)
	}
	*fp = f
	return nil
}

func WebSocket(conn *websocket.Conn) Codec {
	return &wsCodec{
		closeNotify: make(chan struct{}),
		conn:        conn,
		codec:       websocket.Codec{Marshal: jsonMarshal, Unmarshal: jsonUnmarshal},
	}
}

type wsCodec struct {
	closeNotify chan struct{}
	conn        *websocket.Conn
	closeOnce   sync.Once
	sendLock    sync.Mutex
	codec       websocket.Codec
}

func (c *wsCodec) String() string {
	addr := "unknown address"
	if c.conn.Request() != nil && c.conn.Request().RemoteAddr != "" {
		addr = c.conn.Request().RemoteAddr
	} else if ra := c.conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return fmt.Sprintf("[wsCodec %s]", addr)
}

func (c *wsCodec) Recv(ctx context.Context) (*frame.Frame, error) {
	var f *frame.Frame
	if err := c.codec.Receive(c.conn, &f); err != nil {
		glog.V(2).Infof("%s Recv(): %s", c, err)
		c.Close()
		return nil, errors.Trace(err)
	}
	return f, nil
}

func (c *wsCodec) Send(ctx context.Context, f *frame.Frame) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return errors.Trace(c.codec.Send(c.conn, f))
}

func (c *wsCodec) Close() {
	c.closeOnce.Do(func() {
		glog.V(1).Infof("Closing %s", c)
		close(c.closeNotify)
		c.conn.Close()
	})
}

func (c *wsCodec) CloseNotify() <-chan struct{} {
	return c.closeNotify
}

func (c *wsCodec) Info() ConnectionInfo {
	req := c.conn.Request()

	// Server connections carry the upgrade request, client ones do not.
	if req != nil {
		r := ConnectionInfo{
			IsConnected: true,
			TLS:         req.TLS != nil,
			RemoteAddr:  req.RemoteAddr,
		}
		if r.TLS {
			r.PeerCertificates = req.TLS.PeerCertificates
		}
		return r
	}
	return ConnectionInfo{
		IsConnected: true,
		TLS:         c.conn.Config().TlsConfig != nil,
		RemoteAddr:  c.conn.RemoteAddr().String(),
	}
}
