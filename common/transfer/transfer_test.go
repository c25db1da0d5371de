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
package transfer

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/dispatch"
	"github.com/Xilinx/chipscopy-sub000/common/graph"
	"github.com/Xilinx/chipscopy-sub000/common/request"
)

const waitLimit = 5 * time.Second

func pattern(addr uint64) byte {
	return byte(addr*31 + addr>>8)
}

func expected(addr uint64, length int) []byte {
	b := make([]byte, length)
	for i := range b {
		b[i] = pattern(addr + uint64(i))
	}
	return b
}

// heldChunk is a chunk access waiting for the test to complete it.
type heldChunk struct {
	addr      uint64
	length    int
	data      []byte
	readDone  func([]byte, error)
	writeDone func(error)
}

type heldChunker struct {
	chunks chan *heldChunk
}

func newHeldChunker() *heldChunker {
	return &heldChunker{chunks: make(chan *heldChunk, 1000)}
}

func (h *heldChunker) ReadChunk(n *graph.Node, addr uint64, length int, done func([]byte, error)) error {
	h.chunks <- &heldChunk{addr: addr, length: length, readDone: done}
	return nil
}

func (h *heldChunker) WriteChunk(n *graph.Node, addr uint64, data []byte, done func(error)) error {
	h.chunks <- &heldChunk{addr: addr, length: len(data), data: data, writeDone: done}
	return nil
}

func (h *heldChunker) next(t *testing.T) *heldChunk {
	t.Helper()
	select {
	case c := <-h.chunks:
		return c
	case <-time.After(waitLimit):
		t.Fatal("no chunk issued")
	}
	return nil
}

func (h *heldChunker) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-h.chunks:
		t.Fatalf("unexpected chunk at %#x", c.addr)
	case <-time.After(50 * time.Millisecond):
	}
}

// memChunker completes every access after a short random delay and keeps
// track of the concurrency it saw.
type memChunker struct {
	base uint64
	lock sync.Mutex
	mem  []byte
	cur  int
	max  int
	n    int
}

func newMemChunker(base uint64, size int) *memChunker {
	return &memChunker{base: base, mem: expected(base, size)}
}

func (m *memChunker) start() {
	m.lock.Lock()
	m.cur++
	m.n++
	if m.cur > m.max {
		m.max = m.cur
	}
	m.lock.Unlock()
}

func (m *memChunker) later(f func()) {
	go func() {
		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		m.lock.Lock()
		m.cur--
		m.lock.Unlock()
		f()
	}()
}

func (m *memChunker) ReadChunk(n *graph.Node, addr uint64, length int, done func([]byte, error)) error {
	m.start()
	m.later(func() {
		m.lock.Lock()
		off := int(addr - m.base)
		data := append([]byte(nil), m.mem[off:off+length]...)
		m.lock.Unlock()
		done(data, nil)
	})
	return nil
}

func (m *memChunker) WriteChunk(n *graph.Node, addr uint64, data []byte, done func(error)) error {
	m.start()
	m.later(func() {
		m.lock.Lock()
		copy(m.mem[int(addr-m.base):], data)
		m.lock.Unlock()
		done(nil)
	})
	return nil
}

type progressLog struct {
	lock   sync.Mutex
	values []float64
}

func (p *progressLog) add(v interface{}) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.values = append(p.values, v.(float64))
}

func (p *progressLog) get() []float64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]float64(nil), p.values...)
}

func newTestEngine(t *testing.T) (*request.Engine, *dispatch.Dispatcher) {
	d := dispatch.New(t.Name())
	t.Cleanup(d.Close)
	m := graph.NewManager(d)
	if _, err := m.AddNode("mem", ""); err != nil {
		t.Fatal(err)
	}
	return request.NewEngine(m, request.Options{PollInterval: time.Millisecond}), d
}

func wait(t *testing.T, d *dispatch.Dispatcher, f *request.Future) (interface{}, error) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(waitLimit):
		t.Fatal("transfer did not finish")
	}
	// Let progress and done callbacks queued before the outcome run.
	d.Sync(context.Background())
	return f.Result()
}

func TestOutOfOrderRead(t *testing.T) {
	e, d := newTestEngine(t)
	h := newHeldChunker()
	tr := New(e, h)
	assert.Equal(t, tr.ChunkSize(), 0x8000)
	assert.Equal(t, tr.Window(), 8)

	const addr, length = 0x1000, 200000
	buf := make([]byte, length)
	var progress progressLog
	f := tr.ReadBytes("mem", addr, buf, 0, length, nil, progress.add)

	// 200000 bytes in 0x8000 chunks fit in a single window.
	chunks := map[int]*heldChunk{}
	for i := 0; i < 7; i++ {
		c := h.next(t)
		chunks[int(c.addr-addr)/0x8000] = c
	}
	h.none(t)
	assert.Equal(t, chunks[6].length, length-6*0x8000)

	for _, i := range []int{2, 0, 1, 4, 3, 6, 5} {
		c := chunks[i]
		c.readDone(expected(c.addr, c.length), nil)
	}
	res, err := wait(t, d, f)
	assert.Equal(t, err, nil)
	assert.Equal(t, res, length)
	assert.Equal(t, buf, expected(addr, length))

	p := progress.get()
	assert.Equal(t, len(p), 7)
	assert.Equal(t, p[len(p)-1], 1.0)
	for i := 1; i < len(p); i++ {
		if p[i] <= p[i-1] {
			t.Errorf("progress went backwards: %v", p)
		}
	}
}

func TestWindowBound(t *testing.T) {
	for _, tc := range []struct {
		chunk, window, offset, length int
	}{
		{1, 1, 0, 300},
		{7, 3, 5, 1000},
		{100, 2, 0, 1000},
		{4096, 16, 0, 100000},
		{0x8000, 8, 11, 200000},
	} {
		e, d := newTestEngine(t)
		mc := newMemChunker(0x2000, tc.length)
		tr := New(e, mc, WithChunkSize(tc.chunk), WithWindow(tc.window))
		buf := make([]byte, tc.offset+tc.length+3)
		res, err := wait(t, d, tr.ReadBytes("mem", 0x2000, buf, tc.offset, tc.length, nil, nil))
		assert.Equal(t, err, nil)
		assert.Equal(t, res, tc.length)
		assert.Equal(t, buf[tc.offset:tc.offset+tc.length], expected(0x2000, tc.length))
		for _, b := range append(buf[:tc.offset:tc.offset], buf[tc.offset+tc.length:]...) {
			if b != 0 {
				t.Errorf("chunk %d window %d: wrote outside the range", tc.chunk, tc.window)
				break
			}
		}
		if mc.max > tc.window {
			t.Errorf("chunk %d window %d: %d chunks in flight", tc.chunk, tc.window, mc.max)
		}
		assert.Equal(t, mc.n, (tc.length+tc.chunk-1)/tc.chunk)
	}
}

func TestFirstErrorWins(t *testing.T) {
	e, d := newTestEngine(t)
	h := newHeldChunker()
	tr := New(e, h, WithChunkSize(100), WithWindow(2))
	buf := make([]byte, 1000)
	f := tr.ReadBytes("mem", 0, buf, 0, len(buf), nil, nil)

	c0, c1 := h.next(t), h.next(t)
	h.none(t)
	c0.readDone(expected(c0.addr, c0.length), nil)
	c2 := h.next(t)

	injected := errors.New("bus error")
	c1.readDone(nil, injected)
	h.none(t)
	if f.Resolved() {
		t.Errorf("transfer finished with a chunk in flight")
	}
	c2.readDone(nil, errors.New("second failure"))

	_, err := wait(t, d, f)
	assert.Equal(t, errors.Cause(err), injected)
	h.none(t)
}

func TestShortChunk(t *testing.T) {
	e, d := newTestEngine(t)
	h := newHeldChunker()
	tr := New(e, h, WithChunkSize(100), WithWindow(1))
	f := tr.ReadBytes("mem", 0, make([]byte, 100), 0, 100, nil, nil)
	h.next(t).readDone(make([]byte, 10), nil)
	_, err := wait(t, d, f)
	assert.Equal(t, errors.IsNotValid(err), true)
}

func TestWrite(t *testing.T) {
	e, d := newTestEngine(t)
	mc := newMemChunker(0x100, 50000)
	tr := New(e, mc, WithChunkSize(1024), WithWindow(4))
	data := make([]byte, 40000)
	rand.New(rand.NewSource(1)).Read(data)
	var progress progressLog

	res, err := wait(t, d, tr.WriteBytes("mem", 0x180, data, 0, len(data), nil, progress.add))
	assert.Equal(t, err, nil)
	assert.Equal(t, res, len(data))
	assert.Equal(t, mc.mem[0x80:0x80+len(data)], data)
	assert.Equal(t, mc.mem[:0x80], expected(0x100, 0x80))
	p := progress.get()
	assert.Equal(t, p[len(p)-1], 1.0)
	if mc.max > 4 {
		t.Errorf("%d chunks in flight", mc.max)
	}
}

func TestBlocking(t *testing.T) {
	e, _ := newTestEngine(t)
	mc := newMemChunker(0, 10000)
	tr := New(e, mc, WithChunkSize(333))
	ctx, cancel := context.WithTimeout(context.Background(), waitLimit)
	defer cancel()

	assert.Equal(t, tr.Write(ctx, "mem", 10, []byte("hello")), nil)
	got, err := tr.Read(ctx, "mem", 8, 9)
	assert.Equal(t, err, nil)
	assert.Equal(t, got[2:7], []byte("hello"))

	e.Manager().Node("mem").AddPending("elsewhere")
	short, cancelShort := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelShort()
	_, err = tr.Read(short, "mem", 0, 10)
	if _, ok := err.(*request.CallError); !ok {
		t.Errorf("got: %T, want: *request.CallError", err)
	}
	assert.Equal(t, errors.IsTimeout(err), true)
}

func TestEmptyTransfer(t *testing.T) {
	e, d := newTestEngine(t)
	h := newHeldChunker()
	var progress progressLog
	res, err := wait(t, d, New(e, h).ReadBytes("mem", 0, nil, 0, 0, nil, progress.add))
	assert.Equal(t, err, nil)
	assert.Equal(t, res, 0)
	assert.Equal(t, progress.get(), []float64{1.0})
	h.none(t)
}

func TestInvalidRange(t *testing.T) {
	e, d := newTestEngine(t)
	h := newHeldChunker()
	tr := New(e, h)
	for _, tc := range []struct{ offset, length int }{{-1, 1}, {0, -1}, {5, 10}} {
		_, err := wait(t, d, tr.ReadBytes("mem", 0, make([]byte, 10), tc.offset, tc.length, nil, nil))
		if !errors.IsNotValid(err) {
			t.Errorf("%d+%d: got: %v, want a not valid error", tc.offset, tc.length, err)
		}
	}
	_, err := wait(t, d, New(e, h, WithWindow(0)).ReadBytes("mem", 0, make([]byte, 10), 0, 10, nil, nil))
	assert.Equal(t, errors.IsNotValid(err), true)
	h.none(t)
}

func TestTransfersOnOneTargetAreSerialized(t *testing.T) {
	e, d := newTestEngine(t)
	h := newHeldChunker()
	tr := New(e, h, WithChunkSize(10), WithWindow(4))
	f1 := tr.ReadBytes("mem", 0, make([]byte, 10), 0, 10, nil, nil)
	f2 := tr.ReadBytes("mem", 100, make([]byte, 10), 0, 10, nil, nil)

	c := h.next(t)
	assert.Equal(t, c.addr, uint64(0))
	h.none(t)
	c.readDone(make([]byte, 10), nil)
	c = h.next(t)
	assert.Equal(t, c.addr, uint64(100))
	c.readDone(make([]byte, 10), nil)
	_, err := wait(t, d, f1)
	assert.Equal(t, err, nil)
	_, err = wait(t, d, f2)
	assert.Equal(t, err, nil)
}

func TestCancelStopsDispatch(t *testing.T) {
	e, d := newTestEngine(t)
	h := newHeldChunker()
	tr := New(e, h, WithChunkSize(10), WithWindow(1))
	f := tr.ReadBytes("mem", 0, make([]byte, 100), 0, 100, nil, nil)
	c := h.next(t)
	f.Cancel()
	_, err := wait(t, d, f)
	assert.Equal(t, request.IsCancelled(err), true)
	c.readDone(make([]byte, 10), nil)
	h.none(t)
}

func TestRemovedTargetStopsTransfer(t *testing.T) {
	e, d := newTestEngine(t)
	h := newHeldChunker()
	tr := New(e, h, WithChunkSize(10), WithWindow(2))
	f := tr.ReadBytes("mem", 0, make([]byte, 100), 0, 100, nil, nil)
	c1, c2 := h.next(t), h.next(t)

	e.Manager().RemoveNode("mem")
	assert.Equal(t, d.Sync(context.Background()), nil)
	c2.readDone(make([]byte, 10), nil)
	h.none(t)
	assert.Equal(t, f.Resolved(), false)

	c1.readDone(make([]byte, 10), nil)
	_, err := wait(t, d, f)
	assert.Equal(t, errors.IsNotFound(err), true)
	h.none(t)
}
