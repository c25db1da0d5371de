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
// Package config loads the hwsctl configuration file. The file is a YAML
// map from flag names to values; values fill in flags which were given
// neither on the command line nor in the environment.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"
	yaml "gopkg.in/yaml.v2"

	"github.com/Xilinx/chipscopy-sub000/cli/ourutil"
	"github.com/Xilinx/chipscopy-sub000/common/multierror"
	"github.com/Xilinx/chipscopy-sub000/common/pflagenv"
)

// Load reads the file at path. A missing file is an empty configuration.
func Load(path string) (map[string]string, error) {
	path = ourutil.ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			glog.V(1).Infof("no config file at %s", path)
			return map[string]string{}, nil
		}
		return nil, errors.Trace(err)
	}
	values, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", path)
	}
	return values, nil
}

// Parse decodes the configuration. Scalars are kept in their text form,
// lists are joined with commas as slice flags expect.
func Parse(data []byte) (map[string]string, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Trace(err)
	}
	values := make(map[string]string, len(raw))
	var errs error
	for _, k := range sortedKeys(raw) {
		switch v := raw[k].(type) {
		case nil:
		case map[interface{}]interface{}:
			errs = multierror.Append(errs, errors.NotValidf("nested value for %q", k))
		case []interface{}:
			parts := make([]string, len(v))
			for i, p := range v {
				parts[i] = fmt.Sprint(p)
			}
			values[k] = strings.Join(parts, ",")
		default:
			values[k] = fmt.Sprint(v)
		}
	}
	if errs != nil {
		return nil, errs
	}
	return values, nil
}

// Apply sets the flags of fs which are still unset from values. Keys which
// are not flags of fs are reported together.
func Apply(fs *flag.FlagSet, values map[string]string) error {
	var errs error
	for _, k := range sortedKeys(values) {
		if fs.Lookup(k) == nil {
			errs = multierror.Append(errs, errors.NotFoundf("flag %q", k))
		}
	}
	if errs != nil {
		return errs
	}
	return errors.Trace(pflagenv.ParseFlagSetFrom(fs, func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
