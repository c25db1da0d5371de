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
	"crypto/x509"
	"io"
	"net"

	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/tcf/frame"
)

// Codec represents a transport for channel frames.
type Codec interface {
	// Recv returns the next incoming frame.
	Recv(context.Context) (*frame.Frame, error)
	// Send sends the frame to the remote peer.
	Send(context.Context, *frame.Frame) error
	// Close closes the channel.
	Close()
	// CloseNotify() returns a channel that will be closed once the underlying channel has been closed.
	CloseNotify() <-chan struct{}
	// Info() returns information about underlying connection.
	Info() ConnectionInfo
}

// ConnectionInfo provides information about the connection.
type ConnectionInfo struct {
	IsConnected bool
	// TLS indicates if the connection uses TLS or not.
	TLS bool
	// RemoteAddr is the address of the remote peer.
	RemoteAddr string
	// PeerCertificates is the certificate chain presented by the peer.
	PeerCertificates []*x509.Certificate
}

// IsEOF returns true when err means "end of file".
func IsEOF(err error) bool {
	cause := errors.Cause(err)
	return cause == io.EOF || cause == io.ErrUnexpectedEOF || errors.Is(cause, net.ErrClosed)
}
