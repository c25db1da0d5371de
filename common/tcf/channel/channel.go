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
// Package channel runs commands and events over a codec.
//
// Each side announces its services with a hello frame. Commands carry a
// token; results and progress reports for a command carry the same token.
// Binary arguments and results travel out of band through argcodec.
package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/Xilinx/chipscopy-sub000/common/request"
	"github.com/Xilinx/chipscopy-sub000/common/tcf/argcodec"
	"github.com/Xilinx/chipscopy-sub000/common/tcf/codec"
	"github.com/Xilinx/chipscopy-sub000/common/tcf/frame"
)

// ErrClosed fails commands sent on, or pending when, a closed channel.
var ErrClosed = errors.New("channel closed")

// DoneFunc receives the decoded result of a command. Remote failures are
// reported as *request.RemoteError.
type DoneFunc func(result []interface{}, err error)

type ProgressFunc func(partial []interface{})

type EventHandler func(name string, args []interface{})

// CommandHandler serves commands of a local service. It runs on its own
// goroutine; progress may be called any number of times before it returns.
type CommandHandler func(ctx context.Context, name string, args []interface{}, progress func(partial []interface{})) ([]interface{}, error)

type command struct {
	service, name string
	done          DoneFunc
	progress      ProgressFunc
}

type Channel struct {
	c        codec.Codec
	handlers map[string]CommandHandler

	lock     sync.Mutex
	pending  map[string]*command
	remote   map[string]bool
	hello    chan struct{}
	gotHello bool
	events   map[string][]*eventSub
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

type eventSub struct {
	f EventHandler
}

// New starts a channel over c serving the given local services, which may
// be nil for a pure client.
func New(c codec.Codec, handlers map[string]CommandHandler) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		c:        c,
		handlers: handlers,
		pending:  map[string]*command{},
		remote:   map[string]bool{},
		hello:    make(chan struct{}),
		events:   map[string][]*eventSub{},
		ctx:      ctx,
		cancel:   cancel,
	}
	var services []string
	for s := range handlers {
		services = append(services, s)
	}
	sort.Strings(services)
	go ch.recvLoop()
	go func() {
		if err := c.Send(ctx, frame.NewHelloFrame(services)); err != nil {
			glog.Errorf("%s: failed to send hello: %s", ch, err)
			ch.Close()
		}
	}()
	return ch
}

func (ch *Channel) String() string {
	return fmt.Sprintf("[channel %s]", ch.c.Info().RemoteAddr)
}

// WaitHello blocks until the peer has announced its services.
func (ch *Channel) WaitHello(ctx context.Context) error {
	select {
	case <-ch.hello:
		return nil
	case <-ch.c.CloseNotify():
		return errors.Trace(ErrClosed)
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "waiting for hello")
	}
}

// HasService reports whether the peer announced service. It is false until
// the hello has been received.
func (ch *Channel) HasService(service string) bool {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.remote[service]
}

func (ch *Channel) Services() []string {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	var res []string
	for s := range ch.remote {
		res = append(res, s)
	}
	sort.Strings(res)
	return res
}

// Send issues service.name with args and returns the command token. done is
// called exactly once unless an error is returned.
func (ch *Channel) Send(ctx context.Context, service, name string, args []interface{}, done DoneFunc, progress ProgressFunc) (string, error) {
	structured, blob, slots := argcodec.Encode(args)
	f := frame.NewCommandFrame(service, name, structured, blob, slots)

	ch.lock.Lock()
	if ch.closed {
		ch.lock.Unlock()
		return "", errors.Trace(ErrClosed)
	}
	if ch.gotHello && !ch.remote[service] {
		ch.lock.Unlock()
		return "", errors.NotSupportedf("service %q on %s", service, ch)
	}
	ch.pending[f.Token] = &command{service: service, name: name, done: done, progress: progress}
	ch.lock.Unlock()

	glog.V(2).Infof("%s >> %s", ch, f)
	if err := ch.c.Send(ctx, f); err != nil {
		ch.lock.Lock()
		_, stillPending := ch.pending[f.Token]
		delete(ch.pending, f.Token)
		ch.lock.Unlock()
		if !stillPending {
			// Failed by the close path already.
			return f.Token, nil
		}
		return "", errors.Annotatef(err, "%s.%s", service, name)
	}
	return f.Token, nil
}

// Call is the blocking form of Send.
func (ch *Channel) Call(ctx context.Context, service, name string, args ...interface{}) ([]interface{}, error) {
	type reply struct {
		res []interface{}
		err error
	}
	rc := make(chan reply, 1)
	if _, err := ch.Send(ctx, service, name, args, func(res []interface{}, err error) {
		rc <- reply{res, err}
	}, nil); err != nil {
		return nil, errors.Trace(err)
	}
	select {
	case r := <-rc:
		return r.res, r.err
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "%s.%s", service, name)
	}
}

// OnEvent subscribes f to events of service. f runs on the receiving
// goroutine and must not block.
func (ch *Channel) OnEvent(service string, f EventHandler) (cancel func()) {
	sub := &eventSub{f: f}
	ch.lock.Lock()
	ch.events[service] = append(ch.events[service], sub)
	ch.lock.Unlock()
	return func() {
		ch.lock.Lock()
		defer ch.lock.Unlock()
		subs := ch.events[service]
		for i, s := range subs {
			if s == sub {
				ch.events[service] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// SendEvent publishes an event of a local service.
func (ch *Channel) SendEvent(ctx context.Context, service, name string, args ...interface{}) error {
	f := frame.NewEventFrame(service, name, args)
	glog.V(3).Infof("%s >> %s", ch, f)
	return errors.Trace(ch.c.Send(ctx, f))
}

func (ch *Channel) CloseNotify() <-chan struct{} {
	return ch.c.CloseNotify()
}

// Close closes the codec and fails all pending commands with ErrClosed.
func (ch *Channel) Close() {
	ch.c.Close()
	ch.shutdown()
}

func (ch *Channel) shutdown() {
	ch.lock.Lock()
	if ch.closed {
		ch.lock.Unlock()
		return
	}
	ch.closed = true
	pending := ch.pending
	ch.pending = map[string]*command{}
	ch.lock.Unlock()
	ch.cancel()

	tokens := make([]string, 0, len(pending))
	for tok := range pending {
		tokens = append(tokens, tok)
	}
	// Tokens sort by creation time.
	sort.Strings(tokens)
	for _, tok := range tokens {
		cmd := pending[tok]
		glog.V(1).Infof("%s: failing %s.%s", ch, cmd.service, cmd.name)
		cmd.done(nil, errors.Annotatef(ErrClosed, "%s.%s", cmd.service, cmd.name))
	}
}

func (ch *Channel) recvLoop() {
	defer ch.shutdown()
	for {
		f, err := ch.c.Recv(ch.ctx)
		if err != nil {
			if !codec.IsEOF(err) {
				glog.Errorf("%s: %s", ch, err)
			}
			ch.c.Close()
			return
		}
		glog.V(3).Infof("%s << %s", ch, f)
		switch f.Kind {
		case frame.Hello:
			ch.handleHello(f)
		case frame.Result:
			ch.handleResult(f)
		case frame.Progress:
			ch.handleProgress(f)
		case frame.Event:
			ch.handleEvent(f)
		case frame.Command:
			ch.handleCommand(f)
		default:
			glog.Errorf("%s: unknown frame kind %q", ch, f.Kind)
		}
	}
}

func (ch *Channel) handleHello(f *frame.Frame) {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	if ch.gotHello {
		glog.Errorf("%s: duplicate hello", ch)
		return
	}
	for _, s := range f.Services {
		ch.remote[s] = true
	}
	ch.gotHello = true
	close(ch.hello)
	glog.V(1).Infof("%s: remote services %v", ch, f.Services)
}

func (ch *Channel) handleResult(f *frame.Frame) {
	ch.lock.Lock()
	cmd := ch.pending[f.Token]
	delete(ch.pending, f.Token)
	ch.lock.Unlock()
	if cmd == nil {
		glog.Errorf("%s: result for unknown token %s", ch, f.Token)
		return
	}
	if err := request.AsError(f.Error); err != nil {
		if re, ok := err.(*request.RemoteError); ok {
			re.Service, re.Command = cmd.service, cmd.name
		}
		cmd.done(nil, err)
		return
	}
	res, err := argcodec.Decode(f.Result, f.Blob, f.Slots)
	if err != nil {
		cmd.done(nil, errors.Annotatef(err, "%s.%s result", cmd.service, cmd.name))
		return
	}
	cmd.done(res, nil)
}

func (ch *Channel) handleProgress(f *frame.Frame) {
	ch.lock.Lock()
	cmd := ch.pending[f.Token]
	ch.lock.Unlock()
	if cmd == nil || cmd.progress == nil {
		return
	}
	cmd.progress(f.Result)
}

func (ch *Channel) handleEvent(f *frame.Frame) {
	ch.lock.Lock()
	subs := append([]*eventSub(nil), ch.events[f.Service]...)
	ch.lock.Unlock()
	for _, s := range subs {
		s.f(f.Name, f.Args)
	}
}

func (ch *Channel) handleCommand(f *frame.Frame) {
	h := ch.handlers[f.Service]
	if h == nil {
		ch.reply(frame.NewResultFrame(f.Token, nil, nil, nil, map[string]interface{}{
			"Code":   float64(1),
			"Format": fmt.Sprintf("unknown service %q", f.Service),
		}))
		return
	}
	go func() {
		args, err := argcodec.Decode(f.Args, f.Blob, f.Slots)
		var res []interface{}
		if err == nil {
			res, err = h(ch.ctx, f.Name, args, func(partial []interface{}) {
				ch.reply(frame.NewProgressFrame(f.Token, partial))
			})
		}
		if err != nil {
			ch.reply(frame.NewResultFrame(f.Token, nil, nil, nil, errorPayload(err)))
			return
		}
		structured, blob, slots := argcodec.Encode(res)
		ch.reply(frame.NewResultFrame(f.Token, structured, blob, slots, nil))
	}()
}

func errorPayload(err error) map[string]interface{} {
	if re, ok := errors.Cause(err).(*request.RemoteError); ok {
		return map[string]interface{}{"Code": float64(re.Code), "Format": re.Message}
	}
	return map[string]interface{}{"Code": float64(1), "Format": err.Error()}
}

func (ch *Channel) reply(f *frame.Frame) {
	glog.V(3).Infof("%s >> %s", ch, f)
	if err := ch.c.Send(ch.ctx, f); err != nil {
		glog.V(1).Infof("%s: reply dropped: %s", ch, err)
	}
}
