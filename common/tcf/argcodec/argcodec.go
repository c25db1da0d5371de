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
// Package argcodec converts command argument lists to and from the form
// carried on the wire. Binary values travel out of band in a single blob and
// are referenced from the structured form by "(N)" length markers.
package argcodec

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/juju/errors"
)

var markerRE = regexp.MustCompile(`^\((\d+)\)$`)

// Marker returns the inline placeholder for a binary value of n bytes.
func Marker(n int) string {
	return fmt.Sprintf("(%d)", n)
}

// Encode replaces every []byte found in args (at any depth of maps and
// slices) with a marker and returns the concatenated binary data. slots
// lists which string values of the structured form are markers, counted in
// walk order; it is nil when args hold no binary values.
func Encode(args []interface{}) (structured []interface{}, blob []byte, slots []int) {
	e := &encoder{}
	structured = make([]interface{}, len(args))
	for i, a := range args {
		structured[i] = e.encodeValue(a)
	}
	return structured, e.blob, e.slots
}

type encoder struct {
	blob    []byte
	slots   []int
	strings int
}

func (e *encoder) encodeValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case []byte:
		e.blob = append(e.blob, vv...)
		e.slots = append(e.slots, e.strings)
		e.strings++
		return Marker(len(vv))
	case string:
		e.strings++
		return vv
	case []interface{}:
		res := make([]interface{}, len(vv))
		for i, el := range vv {
			res[i] = e.encodeValue(el)
		}
		return res
	case map[string]interface{}:
		res := make(map[string]interface{}, len(vv))
		for _, k := range sortedKeys(vv) {
			res[k] = e.encodeValue(vv[k])
		}
		return res
	}
	return v
}

type decoder struct {
	blob []byte
	pos  int

	// slots holds the ordinals of the marker strings. nil means the peer
	// did not declare them, and every marker-shaped string is a marker.
	slots   map[int]bool
	strings int
}

// Decode reverses Encode. Without slots and without a blob nothing is
// treated as a marker, so marker-like strings in text-only replies are
// left alone; without slots but with a blob every marker-shaped string is
// decoded. A marker which refers past the end of the blob, or blob bytes
// left over after the walk, fail the whole decode.
func Decode(structured []interface{}, blob []byte, slots []int) ([]interface{}, error) {
	out := make([]interface{}, len(structured))
	if len(blob) == 0 && slots == nil {
		copy(out, structured)
		return out, nil
	}
	d := &decoder{blob: blob}
	if slots != nil {
		d.slots = make(map[int]bool, len(slots))
		for _, s := range slots {
			d.slots[s] = true
		}
	}
	for i, a := range structured {
		v, err := d.decodeValue(a)
		if err != nil {
			return nil, errors.Annotatef(err, "arg %d", i)
		}
		out[i] = v
	}
	if d.pos != len(d.blob) {
		return nil, errors.NotValidf("%d unreferenced binary bytes", len(d.blob)-d.pos)
	}
	return out, nil
}

func (d *decoder) decodeString(s string) (interface{}, error) {
	ordinal := d.strings
	d.strings++
	m := markerRE.FindStringSubmatch(s)
	if d.slots != nil {
		if !d.slots[ordinal] {
			return s, nil
		}
		if m == nil {
			return nil, errors.NotValidf("binary slot %d holding %q", ordinal, s)
		}
	} else if m == nil {
		return s, nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, errors.NotValidf("binary marker %q", s)
	}
	if n > len(d.blob)-d.pos {
		return nil, errors.NotValidf("binary marker %q with %d bytes left", s, len(d.blob)-d.pos)
	}
	b := make([]byte, n)
	copy(b, d.blob[d.pos:d.pos+n])
	d.pos += n
	return b, nil
}

func (d *decoder) decodeValue(v interface{}) (interface{}, error) {
	switch vv := v.(type) {
	case string:
		return d.decodeString(vv)
	case []interface{}:
		res := make([]interface{}, len(vv))
		for i, e := range vv {
			dv, err := d.decodeValue(e)
			if err != nil {
				return nil, errors.Trace(err)
			}
			res[i] = dv
		}
		return res, nil
	case map[string]interface{}:
		res := make(map[string]interface{}, len(vv))
		for _, k := range sortedKeys(vv) {
			dv, err := d.decodeValue(vv[k])
			if err != nil {
				return nil, errors.Annotatef(err, "key %q", k)
			}
			res[k] = dv
		}
		return res, nil
	}
	return v, nil
}

// Map values are visited in key order so that encoder and decoder agree on
// the position of each binary value in the blob.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
