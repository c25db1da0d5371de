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
	"crypto/tls"
	"net"
	"net/url"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"golang.org/x/net/websocket"
)

type DialOptions struct {
	// TLSConfig is used for wss:// addresses.
	TLSConfig *tls.Config
	// Origin of the websocket handshake, http://localhost/ if empty.
	Origin string
}

// Dial connects to addr and returns a codec for it. Supported schemes are
// ws://, wss:// and tcp://; an address without a scheme is a TCP address.
func Dial(ctx context.Context, addr string, opts *DialOptions) (Codec, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	if !strings.Contains(addr, "://") {
		addr = "tcp://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid address %q", addr)
	}
	glog.V(1).Infof("Connecting to %s", u)
	switch u.Scheme {
	case "ws", "wss":
		origin := opts.Origin
		if origin == "" {
			origin = "http://localhost/"
		}
		cfg, err := websocket.NewConfig(u.String(), origin)
		if err != nil {
			return nil, errors.Trace(err)
		}
		cfg.Protocol = []string{WSProtocol}
		if u.Scheme == "wss" {
			cfg.TlsConfig = opts.TLSConfig
			if cfg.TlsConfig == nil {
				cfg.TlsConfig = &tls.Config{}
			}
		}
		conn, err := cfg.DialContext(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "%s", u)
		}
		return WebSocket(conn), nil
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "%s", u)
		}
		return TCP(conn), nil
	}
	return nil, errors.NotSupportedf("scheme %q", u.Scheme)
}
