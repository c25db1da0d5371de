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
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/Xilinx/chipscopy-sub000/cli/config"
	"github.com/Xilinx/chipscopy-sub000/cli/flags"
	"github.com/Xilinx/chipscopy-sub000/cli/ourutil"
	"github.com/Xilinx/chipscopy-sub000/common/pflagenv"
	"github.com/Xilinx/chipscopy-sub000/common/request"
	"github.com/Xilinx/chipscopy-sub000/common/session"
	"github.com/Xilinx/chipscopy-sub000/common/tcf/codec"
	"github.com/Xilinx/chipscopy-sub000/version"
)

const (
	envPrefix = "HWS_"
)

var (
	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")

	stdout io.Writer = os.Stdout
)

var (
	// put all commands here
	commands = []command{
		{"ls", ls, `List debug contexts of the hardware server as a tree`, nil, []string{"under", "props", "output"}, true},
		{"find", find, `Find contexts by property, e.g. "find Name~^arm --class memory"`, nil, []string{"under", "class"}, true},
		{"call", call, `Run a service command on a context: call <ctx> <service> <command> [json args]`, nil, []string{"timeout", "ready-timeout"}, true},
		{"read", read, `Read target memory: read <ctx> <address> <length>`, nil, []string{"output", "chunk-size", "window"}, true},
		{"write", write, `Write a file to target memory: write <ctx> <address> <file>`, nil, []string{"chunk-size", "window"}, true},
		{"version", showVersion, `Show version`, nil, nil, false},
	}
)

type command struct {
	name     string
	handler  handler
	short    string
	required []string
	optional []string
	connect  bool
}

// s is nil for commands which do not connect.
type handler func(ctx context.Context, s *session.Session, args []string) error

func showVersion(ctx context.Context, s *session.Session, args []string) error {
	fmt.Fprintf(stdout, "%s\nVersion: %s\nBuild ID: %s\n", "The hardware server command line tool", version.GetVersion(), version.BuildId)
	return nil
}

func connect(ctx context.Context) (*session.Session, error) {
	opts := &session.Options{
		Request: request.Options{
			PollInterval: *flags.PollInterval,
			ReadyTimeout: *flags.ReadyTimeout,
			CallTimeout:  *flags.Timeout,
		},
		HelloTimeout: *flags.Timeout,
		Dial:         &codec.DialOptions{},
	}
	if strings.HasPrefix(*flags.URL, "wss://") {
		tlsConfig, err := flags.TLSConfigFromFlags()
		if err != nil {
			return nil, errors.Trace(err)
		}
		opts.Dial.TLSConfig = tlsConfig
	}
	if *flags.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *flags.Timeout)
		defer cancel()
	}
	glog.V(1).Infof("%s: connecting to %s", version.GetUserAgent(), *flags.URL)
	s, err := session.Dial(ctx, *flags.URL, opts)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to %s", *flags.URL)
	}
	return s, nil
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		usage()
		return nil
	}
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		if err := checkFlags(c.required); err != nil {
			return errors.Trace(err)
		}
		var s *session.Session
		if c.connect {
			var err error
			if s, err = connect(ctx); err != nil {
				return errors.Trace(err)
			}
			defer s.Close()
		}
		return errors.Trace(c.handler(ctx, s, args[1:]))
	}
	usage()
	return errors.Errorf("unknown command %q", args[0])
}

// loadConfig fills in flags from the environment, then from the config file.
func loadConfig() error {
	if err := pflagenv.Parse(envPrefix); err != nil {
		return errors.Trace(err)
	}
	values, err := config.Load(*flags.Config)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(config.Apply(flag.CommandLine, values))
}

func main() {
	initFlags()
	flag.Parse()

	if err := loadConfig(); err != nil {
		ourutil.Reportf("Error: %s", err)
		os.Exit(1)
	}
	if *flags.NoColor {
		color.NoColor = true
	}

	if *helpFull {
		unhideFlags()
		usage()
		return
	} else if *versionFlag {
		showVersion(context.Background(), nil, nil)
		return
	}

	if err := run(context.Background(), flag.Args()); err != nil {
		glog.Infof("Error: %s", errors.ErrorStack(err))
		ourutil.Reportf("Error: %s", err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}
