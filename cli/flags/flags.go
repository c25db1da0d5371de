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
package flags

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/Xilinx/chipscopy-sub000/common/transfer"
)

var (
	URL = flag.StringP("url", "u", "tcp://localhost:3121", "Hardware server address: tcp://host:port, ws://host:port/path or wss://host:port/path")

	Timeout      = flag.Duration("timeout", 20*time.Second, "Timeout for the server connection and each command")
	ReadyTimeout = flag.Duration("ready-timeout", 0, "How long a command waits for its context to become ready, 0 waits forever")
	PollInterval = flag.Duration("poll-interval", 10*time.Millisecond, "Delay between readiness checks of a waiting command")

	ChunkSize = flag.Int("chunk-size", transfer.DefaultChunkSize, "Chunk size for memory transfers")
	Window    = flag.Int("window", transfer.DefaultWindow, "Number of memory transfer chunks in flight")
	Output    = flag.StringP("output", "o", "", "Output file: raw data for read, a YAML context tree for ls")

	Under = flag.String("under", "", "Only list or find contexts below this one")
	Class = flag.String("class", "", "Only find contexts of this capability class (memory)")
	Props = flag.Bool("props", false, "Print context properties")

	NoColor = flag.Bool("no-color", false, "Disable colored output")
	Config  = flag.String("config", "~/.hwsctl.yaml", "Configuration file, keys are flag names")

	CertFile = flag.String("cert-file", "", "Client certificate file name for wss://")
	KeyFile  = flag.String("key-file", "", "Client key file name for wss://")
	CAFile   = flag.String("ca-cert-file", "", "CA certificate file name for wss://")
)

func TLSConfigFromFlags() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: *CAFile == "",
	}

	// Load client cert / key if specified
	if *CertFile != "" && *KeyFile == "" {
		return nil, errors.Errorf("Please specify --key-file")
	}
	if *CertFile != "" {
		cert, err := tls.LoadX509KeyPair(*CertFile, *KeyFile)
		if err != nil {
			return nil, errors.Trace(err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	// Load CA cert if specified
	if *CAFile != "" {
		caCert, err := os.ReadFile(*CAFile)
		if err != nil {
			return nil, errors.Trace(err)
		}
		tlsConfig.RootCAs = x509.NewCertPool()
		tlsConfig.RootCAs.AppendCertsFromPEM(caCert)
	}

	return tlsConfig, nil
}
