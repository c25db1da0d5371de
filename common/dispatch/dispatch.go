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
// Package dispatch provides the per-session event loop. All graph mutation,
// listener delivery and request state transitions of a session run on the
// single goroutine owned by its Dispatcher; other goroutines only post work.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Dispatcher runs posted functions one at a time, in posting order.
type Dispatcher struct {
	name string

	lock   sync.Mutex
	queue  []func()
	wakeup chan struct{}
	closed bool
	hooks  []func()

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func New(name string) *Dispatcher {
	d := &Dispatcher{
		name:   name,
		wakeup: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) String() string {
	return "[dispatcher " + d.name + "]"
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.lock.Lock()
		var f func()
		if len(d.queue) > 0 {
			f = d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
		}
		d.lock.Unlock()
		if f != nil {
			f()
			continue
		}
		select {
		case <-d.wakeup:
		case <-d.stop:
			d.lock.Lock()
			hooks := d.hooks
			d.hooks = nil
			d.lock.Unlock()
			for _, h := range hooks {
				h()
			}
			glog.V(1).Infof("%s stopped", d)
			return
		}
	}
}

// Post queues f for execution on the dispatch goroutine. It returns false
// if the dispatcher has been closed, in which case f is dropped.
func (d *Dispatcher) Post(f func()) bool {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		glog.V(2).Infof("%s closed, dropping work", d)
		return false
	}
	d.queue = append(d.queue, f)
	d.lock.Unlock()
	select {
	case d.wakeup <- struct{}{}:
	default:
	}
	return true
}

// OnClose registers f to run on the dispatch goroutine after Close, once
// the queued work has drained. Work posted from f is dropped. It returns
// false if the dispatcher is already closed.
func (d *Dispatcher) OnClose(f func()) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return false
	}
	d.hooks = append(d.hooks, f)
	return true
}

// PostDelayed posts f after the given delay.
func (d *Dispatcher) PostDelayed(delay time.Duration, f func()) {
	time.AfterFunc(delay, func() { d.Post(f) })
}

// Invoke runs f on the dispatch goroutine and waits for it to return.
// It must not be called from the dispatch goroutine itself.
func (d *Dispatcher) Invoke(ctx context.Context, f func()) error {
	ran := make(chan struct{})
	if !d.Post(func() {
		defer close(ran)
		f()
	}) {
		return errors.Errorf("%s is closed", d)
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Sync waits until everything posted before the call has run.
func (d *Dispatcher) Sync(ctx context.Context) error {
	return d.Invoke(ctx, func() {})
}

// Close stops accepting work. Work already queued still runs before the
// dispatch goroutine exits.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.lock.Lock()
		d.closed = true
		d.lock.Unlock()
		// The loop only looks at stop once the queue is empty.
		close(d.stop)
	})
}

// Done is closed once the dispatch goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}
