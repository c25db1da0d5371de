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
	"encoding/json"
	"fmt"

	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/session"
)

// parseArgs turns the JSON argument of call into command arguments. An
// array is spread, any other value is a single argument.
func parseArgs(s string) ([]interface{}, error) {
	if s == "" {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, errors.NotValidf("arguments %q (%s)", s, err)
	}
	if list, ok := v.([]interface{}); ok {
		return list, nil
	}
	return []interface{}{v}, nil
}

func call(ctx context.Context, s *session.Session, args []string) error {
	if len(args) < 3 {
		return errors.Errorf("usage: call <ctx> <service> <command> [json args]")
	}
	params := ""
	if len(args) > 3 {
		params = args[3]
	}
	cargs, err := parseArgs(params)
	if err != nil {
		return errors.Trace(err)
	}
	v := s.NewView("call")
	defer v.Close()
	n, err := resolveTarget(v, args[0])
	if err != nil {
		return errors.Trace(err)
	}

	result, err := s.Call(ctx, n.Ctx(), nil, args[1], args[2], cargs...)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintln(stdout, string(out))
	return nil
}
