/*
Copyright 2024 NMP Labs

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/nmplabs/bnode/lib/defaults"
	"github.com/nmplabs/bnode/lib/wire"
)

// ErrRPCTimeout is returned when an agent does not answer within the
// RPC deadline. The request entry survives for the late-reply window
// so a tardy answer can still be dispatched.
var ErrRPCTimeout = &trace.ConnectionProblemError{Message: "timed out waiting for agent response"}

// SendRPC sends a command and waits for the matching response. On
// timeout the call returns immediately but the pending entry is kept;
// if the agent answers within the late-reply window the response is
// handed to the session's LateReply handler instead of being dropped.
func (s *Session) SendRPC(ctx context.Context, cmdType string, data interface{}) (*wire.Response, error) {
	return s.sendRPC(ctx, cmdType, data, defaults.RPCTimeout)
}

// SendRPCWithTimeout is SendRPC with a caller-chosen deadline, used by
// attestation rounds which run with a shorter timeout.
func (s *Session) SendRPCWithTimeout(ctx context.Context, cmdType string, data interface{}, timeout time.Duration) (*wire.Response, error) {
	return s.sendRPC(ctx, cmdType, data, timeout)
}

func (s *Session) sendRPC(ctx context.Context, cmdType string, data interface{}, timeout time.Duration) (*wire.Response, error) {
	return s.sendRequest(ctx, cmdType, func(requestID string) interface{} {
		return wire.Command{
			Type:      cmdType,
			RequestID: requestID,
			Data:      data,
		}
	}, timeout)
}

func (s *Session) sendRequest(ctx context.Context, cmdType string, build func(requestID string) interface{}, timeout time.Duration) (*wire.Response, error) {
	requestID := uuid.NewString()
	call := s.pending.add(requestID, cmdType)

	if err := s.Send(build(requestID)); err != nil {
		s.pending.remove(requestID)
		return nil, trace.Wrap(err)
	}

	timer := s.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-call.ch:
		return resp, nil
	case <-timer.Chan():
		s.pending.markTimedOut(requestID)
		s.log.WithFields(map[string]interface{}{
			"command": cmdType, "request_id": requestID,
		}).Warn("RPC timed out, keeping entry for late response.")
		return nil, trace.Wrap(ErrRPCTimeout)
	case <-ctx.Done():
		s.pending.remove(requestID)
		return nil, trace.Wrap(ctx.Err())
	case <-s.stop:
		s.pending.remove(requestID)
		return nil, trace.Wrap(ErrSessionClosed)
	}
}

type pendingCall struct {
	ch       chan *wire.Response
	cmdType  string
	timedOut bool
}

// pendingCalls tracks in-flight RPCs. Entries whose caller timed out
// stay registered for the late-reply window and are then swept.
type pendingCalls struct {
	mu     sync.Mutex
	calls  map[string]*pendingCall
	clock  clockwork.Clock
	late   func(cmdType string, resp *wire.Response)
	closed bool
}

func newPendingCalls(clock clockwork.Clock, late func(string, *wire.Response)) *pendingCalls {
	return &pendingCalls{
		calls: make(map[string]*pendingCall),
		clock: clock,
		late:  late,
	}
}

func (p *pendingCalls) add(requestID, cmdType string) *pendingCall {
	call := &pendingCall{
		ch:      make(chan *wire.Response, 1),
		cmdType: cmdType,
	}
	p.mu.Lock()
	p.calls[requestID] = call
	p.mu.Unlock()
	return call
}

func (p *pendingCalls) remove(requestID string) {
	p.mu.Lock()
	delete(p.calls, requestID)
	p.mu.Unlock()
}

func (p *pendingCalls) markTimedOut(requestID string) {
	p.mu.Lock()
	call, ok := p.calls[requestID]
	if ok {
		call.timedOut = true
	}
	closed := p.closed
	p.mu.Unlock()
	if !ok || closed {
		return
	}
	// sweep the entry once the late-reply window ends
	go func() {
		<-p.clock.After(defaults.RPCLateReplyWindow)
		p.remove(requestID)
	}()
}

// resolve routes a response to its waiting caller, or to the late
// handler when the caller already timed out.
func (p *pendingCalls) resolve(resp *wire.Response) {
	p.mu.Lock()
	call, ok := p.calls[resp.RequestID]
	if ok {
		delete(p.calls, resp.RequestID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if call.timedOut {
		if p.late != nil {
			p.late(call.cmdType, resp)
		}
		return
	}
	call.ch <- resp
}

func (p *pendingCalls) close() {
	p.mu.Lock()
	p.closed = true
	p.calls = make(map[string]*pendingCall)
	p.mu.Unlock()
}
