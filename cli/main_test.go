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
	"bytes"
	"context"
	stderrors "errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/Xilinx/chipscopy-sub000/common/request"
	"github.com/Xilinx/chipscopy-sub000/common/session/sessiontest"
)

func init() {
	color.NoColor = true
}

// setup starts a fake server on a TCP port, points --url at it and
// captures stdout.
func setup(t *testing.T, fl map[string]string) (*sessiontest.Server, *bytes.Buffer) {
	srv := sessiontest.NewServer()
	srv.Add(sessiontest.Context{ID: "jtag0", Props: map[string]interface{}{"Name": "jtag cable"}})
	srv.Add(sessiontest.Context{ID: "xcvc1902", ParentID: "jtag0", Props: map[string]interface{}{
		"Name": "xcvc1902", "Services": []interface{}{"Memory"},
	}})
	srv.Add(sessiontest.Context{ID: "arm", ParentID: "jtag0", Props: map[string]interface{}{"Name": "arm_dap"}})
	srv.Add(sessiontest.Context{ID: "dpc", ParentID: "xcvc1902", Props: map[string]interface{}{"Name": "dpc"}})
	srv.SetMemory("xcvc1902", 0x1000, make([]byte, 0x100))
	srv.Handle("Echo", func(ctx context.Context, name string, args []interface{}, progress func([]interface{})) ([]interface{}, error) {
		if name == "fail" {
			return nil, &request.RemoteError{Code: 7, Message: "no such core"}
		}
		return args, nil
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			srv.ServeConn(conn)
		}
	}()
	t.Cleanup(func() {
		l.Close()
		srv.Close()
	})

	set := map[string]string{
		"url":           "tcp://" + l.Addr().String(),
		"timeout":       "5s",
		"poll-interval": "1ms",
		"chunk-size":    "64",
		"under":         "",
		"class":         "",
		"props":         "false",
		"output":        "",
	}
	for k, v := range fl {
		set[k] = v
	}
	for k, v := range set {
		if err := flag.Set(k, v); err != nil {
			t.Fatal(err)
		}
	}

	out := &bytes.Buffer{}
	stdout = out
	t.Cleanup(func() { stdout = os.Stdout })
	return srv, out
}

func runArgs(t *testing.T, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return run(ctx, args)
}

func TestLs(t *testing.T) {
	_, out := setup(t, nil)
	if err := runArgs(t, "ls"); err != nil {
		t.Fatal(err)
	}
	want := "[0] jtag0 jtag cable\n" +
		"  [1] xcvc1902 xcvc1902\n" +
		"    [3] dpc dpc\n" +
		"  [2] arm arm_dap\n"
	if got := out.String(); got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestLsUnder(t *testing.T) {
	_, out := setup(t, map[string]string{"under": "#1", "props": "true"})
	if err := runArgs(t, "ls"); err != nil {
		t.Fatal(err)
	}
	want := "[1] xcvc1902 xcvc1902\n" +
		"    Name: xcvc1902\n" +
		"    Services: [Memory]\n" +
		"  [3] dpc dpc\n" +
		"      Name: dpc\n"
	if got := out.String(); got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestLsToFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "tree.yaml")
	setup(t, map[string]string{"output": fn, "under": "xcvc1902"})
	if err := runArgs(t, "ls"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	want := `- target_id: 1
  ctx: xcvc1902
  props:
    Name: xcvc1902
    Services:
    - Memory
  children:
  - target_id: 3
    ctx: dpc
    props:
      Name: dpc
`
	if got := string(data); got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestFind(t *testing.T) {
	_, out := setup(t, nil)
	if err := runArgs(t, "find", "Name~^(arm|dpc)"); err != nil {
		t.Fatal(err)
	}
	if got, want := out.String(), "[2] arm arm_dap\n[3] dpc dpc\n"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}

	_, out = setup(t, map[string]string{"class": "memory"})
	if err := runArgs(t, "find"); err != nil {
		t.Fatal(err)
	}
	if got, want := out.String(), "[1] xcvc1902 xcvc1902\n"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}

	_, out = setup(t, map[string]string{"under": "jtag0"})
	if err := runArgs(t, "find", "Name=dpc"); err != nil {
		t.Fatal(err)
	}
	if got, want := out.String(), "[3] dpc dpc\n"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}

func TestFindErrors(t *testing.T) {
	setup(t, nil)
	if err := runArgs(t, "find", "Name=d.c"); !errors.IsNotFound(errors.Cause(err)) {
		t.Errorf("got: %v, want a not found error", err)
	}
	if err := runArgs(t, "find", "Name"); !errors.IsNotValid(errors.Cause(err)) {
		t.Errorf("got: %v, want a not valid error", err)
	}
	setup(t, map[string]string{"class": "fpga"})
	if err := runArgs(t, "find"); !errors.IsNotFound(errors.Cause(err)) {
		t.Errorf("got: %v, want a not found error", err)
	}
}

func TestCall(t *testing.T) {
	srv, out := setup(t, nil)
	if err := runArgs(t, "call", "arm", "Echo", "ping", `[1, "two"]`); err != nil {
		t.Fatal(err)
	}
	want := "[\n  \"arm\",\n  1,\n  \"two\"\n]\n"
	if got := out.String(); got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	if got, want := srv.Calls("Echo", "ping"), 1; got != want {
		t.Errorf("got: %v, want: %v", got, want)
	}

	err := runArgs(t, "call", "#2", "Echo", "fail")
	if err == nil || !strings.Contains(err.Error(), "no such core") {
		t.Errorf("got: %v, want the remote error", err)
	}
	var ce *request.CallError
	if !stderrors.As(err, &ce) {
		t.Errorf("got: %T, want a call error", err)
	}
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs(`{"a": 1}`)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(args), 1; got != want {
		t.Errorf("got: %v, want: %v", got, want)
	}
	if args, _ := parseArgs(""); args != nil {
		t.Errorf("got: %v, want: nil", args)
	}
	if _, err := parseArgs("{"); !errors.IsNotValid(err) {
		t.Errorf("got: %v, want a not valid error", err)
	}
}

func TestWriteRead(t *testing.T) {
	srv, out := setup(t, nil)
	in := filepath.Join(t.TempDir(), "in.bin")
	data := []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789")
	if err := os.WriteFile(in, data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := runArgs(t, "write", "xcvc1902", "0x1010", in); err != nil {
		t.Fatal(err)
	}
	if got, want := string(srv.Memory("xcvc1902")[0x10:0x10+len(data)]), string(data); got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	// two chunks of 64 bytes
	if got, want := srv.Calls("Memory", "set"), 2; got != want {
		t.Errorf("got: %v, want: %v", got, want)
	}

	if err := runArgs(t, "read", "xcvc1902", "0x1010", "16"); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); !strings.HasPrefix(got, "00000000  30 31 32 33") {
		t.Errorf("got: %q", got)
	}
}

func TestReadToFile(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "out.bin")
	srv, _ := setup(t, map[string]string{"output": outFile})
	srv.SetMemory("xcvc1902", 0x1000, bytes.Repeat([]byte{0xa5}, 0x100))
	if err := runArgs(t, "read", "#1", "4096", "0x100"); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0xa5}, 0x100)) {
		t.Errorf("got: % x", got)
	}
	if got, want := srv.Calls("Memory", "get"), 4; got != want {
		t.Errorf("got: %v, want: %v", got, want)
	}
}

func TestReadErrors(t *testing.T) {
	setup(t, nil)
	if err := runArgs(t, "read", "arm", "0x1000", "4"); !errors.IsNotValid(errors.Cause(err)) {
		t.Errorf("got: %v, want a not valid error", err)
	}
	if err := runArgs(t, "read", "xcvc1902", "zero", "4"); !errors.IsNotValid(errors.Cause(err)) {
		t.Errorf("got: %v, want a not valid error", err)
	}
	if err := runArgs(t, "read", "xcvc1902", "0x2000", "4"); err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Errorf("got: %v, want an out of range error", err)
	}
	if err := runArgs(t, "read", "nosuch", "0", "4"); !errors.IsNotFound(errors.Cause(err)) {
		t.Errorf("got: %v, want a not found error", err)
	}
}

func TestVersion(t *testing.T) {
	_, out := setup(t, map[string]string{"url": "tcp://127.0.0.1:1"})
	if err := runArgs(t, "version"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Version: ") {
		t.Errorf("got: %q", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	setup(t, nil)
	if err := runArgs(t, "frobnicate"); err == nil {
		t.Errorf("want an error")
	}
}

func TestConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	setup(t, map[string]string{"url": "tcp://" + addr})
	if err := runArgs(t, "ls"); err == nil || !strings.Contains(err.Error(), "connecting to") {
		t.Errorf("got: %v, want a connection error", err)
	}
}
