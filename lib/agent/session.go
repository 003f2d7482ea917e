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

// Package agent manages the websocket session of one connected agent:
// frame transport with keepalive, request/response RPC with bounded
// late-reply handling, and the validity predicate the rest of the
// coordinator keys off.
package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode"
	"github.com/nmplabs/bnode/lib/defaults"
	"github.com/nmplabs/bnode/lib/wire"
)

// ErrSessionClosed is returned when sending on a closed session.
var ErrSessionClosed = &trace.ConnectionProblemError{Message: "session is closed"}

// Identity is what the coordinator knows about the agent behind a
// session. UserID and Username change when a client rebinds to another
// account on the same node.
type Identity struct {
	ClientID      string
	UserID        string
	Username      string
	NodeID        string
	DomainID      string
	ClusterID     string
	ChannelID     string
	WebSocketPort int

	DomainMain  bool
	ClusterMain bool
	ChannelMain bool
}

// FrameHandler consumes inbound frames that are not RPC responses.
type FrameHandler func(s *Session, env *wire.Envelope)

// Config holds session parameters.
type Config struct {
	// Conn is the accepted websocket connection
	Conn *websocket.Conn
	// Identity is the registration identity
	Identity Identity
	// Handler receives non-RPC inbound frames
	Handler FrameHandler
	// OnClose runs once after the session fully stops
	OnClose func(s *Session)
	// LateReply receives RPC responses that arrive after their caller
	// timed out, within the late-reply window
	LateReply func(s *Session, cmdType string, resp *wire.Response)
	// Clock is used for deadlines and the validity cache
	Clock clockwork.Clock
	// SendQueueSize overrides the outbound queue depth
	SendQueueSize int
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("missing parameter Conn")
	}
	if c.Handler == nil {
		return trace.BadParameter("missing parameter Handler")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = defaults.SessionSendQueueSize
	}
	return nil
}

// Session is one agent connection.
type Session struct {
	cfg Config
	id  string
	log *log.Entry

	mu       sync.RWMutex
	identity Identity

	send chan []byte
	stop chan struct{}

	closeOnce sync.Once

	pending *pendingCalls

	// validity flags and memoization, see validity.go
	state sessionState
}

// New creates a session over an accepted connection. Serve must be
// called to start the transport loops.
func New(cfg Config) (*Session, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	id := uuid.NewString()
	s := &Session{
		cfg:  cfg,
		id:   id,
		send: make(chan []byte, cfg.SendQueueSize),
		stop: make(chan struct{}),
		log: log.WithFields(log.Fields{
			trace.Component: bnode.ComponentAgent,
			"session_id":    id,
			"client_id":     cfg.Identity.ClientID,
			"node_id":       cfg.Identity.NodeID,
		}),
		identity: cfg.Identity,
	}
	s.pending = newPendingCalls(cfg.Clock, s.dispatchLateReply)
	return s, nil
}

// ID returns the server-side session identifier.
func (s *Session) ID() string { return s.id }

// Identity returns a copy of the current identity.
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Rebind switches the session to another user account. The transport
// and node binding stay in place.
func (s *Session) Rebind(userID, username, domainID, clusterID, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.UserID = userID
	s.identity.Username = username
	s.identity.DomainID = domainID
	s.identity.ClusterID = clusterID
	s.identity.ChannelID = channelID
	s.log.WithFields(log.Fields{"user_id": userID}).Info("Session rebound to new user.")
}

// SetPlacement records the hierarchy position assigned to the agent.
func (s *Session) SetPlacement(domainID, clusterID, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if domainID != "" {
		s.identity.DomainID = domainID
	}
	if clusterID != "" {
		s.identity.ClusterID = clusterID
	}
	if channelID != "" {
		s.identity.ChannelID = channelID
	}
}

// SetMainFlags marks the agent as the main node of the given tiers.
func (s *Session) SetMainFlags(domain, cluster, channel bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.DomainMain = s.identity.DomainMain || domain
	s.identity.ClusterMain = s.identity.ClusterMain || cluster
	s.identity.ChannelMain = s.identity.ChannelMain || channel
}

// Serve runs the transport loops and blocks until the session stops.
func (s *Session) Serve() {
	go s.writeLoop()
	s.readLoop()
}

// Send marshals a frame and enqueues it. Blocks at most the queue
// timeout when the agent is not draining its socket.
func (s *Session) Send(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return trace.Wrap(err)
	}
	return s.queueOut(data)
}

func (s *Session) queueOut(data []byte) error {
	timeout := s.cfg.Clock.NewTimer(defaults.SendQueueTimeout)
	defer timeout.Stop()
	select {
	case s.send <- data:
		return nil
	case <-s.stop:
		return trace.Wrap(ErrSessionClosed)
	case <-timeout.Chan():
		s.log.Warn("Send queue is full, closing stalled session.")
		s.Close()
		return trace.ConnectionProblem(nil, "send queue timeout")
	}
}

// Close tears the session down. Safe to call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.cfg.Conn.Close()
		s.pending.close()
		if s.cfg.OnClose != nil {
			s.cfg.OnClose(s)
		}
		s.log.Debug("Session closed.")
	})
}

// CloseWithReason sends a close frame before tearing down.
func (s *Session) CloseWithReason(reason string) {
	deadline := time.Now().Add(time.Second)
	s.cfg.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	s.Close()
}

// Done is closed when the session stops.
func (s *Session) Done() <-chan struct{} { return s.stop }

func (s *Session) readLoop() {
	defer s.Close()

	conn := s.cfg.Conn
	conn.SetReadLimit(defaults.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(defaults.PingInterval + defaults.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(defaults.PingInterval + defaults.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("Connection closed unexpectedly.")
			}
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			s.log.WithError(err).Warn("Dropping malformed frame.")
			continue
		}
		if env.IsRPCResponse() {
			var resp wire.Response
			if err := env.DecodeInto(&resp); err != nil {
				s.log.WithError(err).Warn("Dropping malformed RPC response.")
				continue
			}
			s.pending.resolve(&resp)
			continue
		}
		s.cfg.Handler(s, env)
	}
}

func (s *Session) writeLoop() {
	conn := s.cfg.Conn
	ticker := s.cfg.Clock.NewTicker(defaults.PingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case data := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(defaults.SendQueueTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.WithError(err).Debug("Write failed.")
				return
			}
		case <-ticker.Chan():
			conn.SetWriteDeadline(time.Now().Add(defaults.PongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Session) dispatchLateReply(cmdType string, resp *wire.Response) {
	if s.cfg.LateReply != nil {
		s.cfg.LateReply(s, cmdType, resp)
	}
}
