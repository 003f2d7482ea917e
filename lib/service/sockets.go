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

package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode/lib/agent"
	"github.com/nmplabs/bnode/lib/defaults"
	"github.com/nmplabs/bnode/lib/registry"
	"github.com/nmplabs/bnode/lib/storage"
	"github.com/nmplabs/bnode/lib/wire"
)

// handleAgentSocket upgrades an agent connection and serves it until
// the socket closes.
func (c *Coordinator) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.WithError(err).Debug("Websocket upgrade failed.")
		return
	}
	c.serveAgent(conn)
}

// serveAgent reads the registration frame, applies the collision
// policy and runs the session transport until the agent disconnects.
func (c *Coordinator) serveAgent(conn *websocket.Conn) {
	conn.SetReadLimit(defaults.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(defaults.RegistrationTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		c.log.WithError(err).Debug("Agent disconnected before registering.")
		conn.Close()
		return
	}
	env, err := wire.Decode(data)
	if err != nil || env.Type != wire.TypeRegister {
		c.log.Warn("First frame is not a registration, dropping connection.")
		conn.Close()
		return
	}
	var req wire.RegisterRequest
	if err := env.DecodeInto(&req); err != nil {
		c.log.WithError(err).Warn("Malformed registration frame.")
		conn.Close()
		return
	}
	if err := req.Check(); err != nil {
		conn.WriteJSON(wire.RegistrationRejected{
			Type:     wire.TypeRegistrationRejected,
			Reason:   "invalid_registration",
			Message:  trace.UserMessage(err),
			ClientID: req.ClientID,
		})
		conn.Close()
		return
	}

	s, err := agent.New(agent.Config{
		Conn:      conn,
		Identity:  identityFromRequest(&req),
		Handler:   c.routeFrame,
		OnClose:   c.onSessionClose,
		LateReply: c.hier.HandleLateReply,
		Clock:     c.cfg.Clock,
	})
	if err != nil {
		c.log.WithError(err).Warn("Failed to build agent session.")
		conn.Close()
		return
	}

	// handshake replies go straight to the socket, the write loop is
	// not running yet
	if !c.admit(s, &req, func(frame interface{}) error {
		return trace.Wrap(conn.WriteJSON(frame))
	}) {
		return
	}
	s.Serve()
}

func identityFromRequest(req *wire.RegisterRequest) agent.Identity {
	return agent.Identity{
		ClientID:      req.ClientID,
		UserID:        req.UserID,
		Username:      req.Username,
		NodeID:        req.NodeID,
		DomainID:      req.DomainID,
		ClusterID:     req.ClusterID,
		ChannelID:     req.ChannelID,
		WebSocketPort: req.WebSocketPort,
	}
}

// admit runs the registration through the registry and answers the
// agent with the outcome. Returns false when the new socket must not
// be served.
func (c *Coordinator) admit(s *agent.Session, req *wire.RegisterRequest, reply func(interface{}) error) bool {
	prior := c.registry.ForUser(req.UserID)
	outcome, err := c.registry.Register(c.runCtx, s, req)
	if err != nil {
		reply(wire.RegistrationRejected{
			Type:     wire.TypeRegistrationRejected,
			Reason:   "invalid_registration",
			Message:  trace.UserMessage(err),
			ClientID: req.ClientID,
		})
		s.CloseWithReason("invalid registration")
		return false
	}

	switch outcome.Decision {
	case registry.DecisionDuplicate:
		reply(successFrame(s, nil))
		s.CloseWithReason("duplicate registration")
		return false

	case registry.DecisionRebound:
		if err := outcome.Existing.Send(successFrame(outcome.Existing, nil)); err != nil {
			c.log.WithError(err).Warn("Failed to confirm rebind on existing session.")
		}
		s.CloseWithReason("client re-registered on existing connection")
		return false

	case registry.DecisionRejected:
		reply(wire.RegistrationRejected{
			Type:           wire.TypeRegistrationRejected,
			Reason:         wire.ReasonClientBoundElsewhere,
			Message:        fmt.Sprintf("client %v is already bound to node %v", req.ClientID, outcome.ExistingNodeID),
			ClientID:       req.ClientID,
			UserID:         req.UserID,
			Username:       req.Username,
			NodeID:         req.NodeID,
			ExistingNodeID: outcome.ExistingNodeID,
		})
		s.CloseWithReason("client bound to another node")
		return false

	case registry.DecisionAccepted, registry.DecisionNewDevice:
		if err := reply(successFrame(s, outcome.Pairing)); err != nil {
			c.log.WithError(err).Debug("Agent went away before the registration reply.")
			s.Close()
			return false
		}
		c.hier.Track(s, req.DomainMainNodeID, req.ClusterMainNodeID, req.ChannelMainNodeID)
		c.wg.Add(1)
		go c.afterRegister(s, prior)
		return true
	}
	return false
}

func successFrame(s *agent.Session, rec *storage.PairingRecord) wire.RegistrationSuccess {
	ident := s.Identity()
	frame := wire.RegistrationSuccess{
		Type:     wire.TypeRegistrationSuccess,
		ClientID: ident.ClientID,
		UserID:   ident.UserID,
		Username: ident.Username,
		Message:  "Registration successful",
	}
	if rec != nil {
		frame.IsNewDeviceLogin = true
		frame.Message = "New device registered"
		frame.NodeID = ident.NodeID
		frame.DomainID = rec.DomainID
		frame.ClusterID = rec.ClusterID
		frame.ChannelID = rec.ChannelID
	}
	return frame
}

// afterRegister places the session in the hierarchy, advises the
// user's other sessions and attempts the automatic session push.
func (c *Coordinator) afterRegister(s *agent.Session, prior []*agent.Session) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.runCtx, 2*defaults.RPCTimeout)
	defer cancel()

	if err := c.hier.Place(ctx, s); err != nil {
		c.log.WithError(err).WithFields(log.Fields{
			"node_id": s.Identity().NodeID,
		}).Warn("Placement failed, evicting session.")
		s.Send(wire.RegistrationRejected{
			Type:     wire.TypeRegistrationRejected,
			Reason:   "placement_failed",
			Message:  trace.UserMessage(err),
			ClientID: s.Identity().ClientID,
			NodeID:   s.Identity().NodeID,
		})
		s.CloseWithReason("placement failed")
		return
	}

	c.notifyPeerLogin(ctx, s, prior)

	if err := c.broker.AutoLoginOnRegister(ctx, s); err != nil {
		if trace.IsAccessDenied(err) {
			c.log.WithError(err).Warn("Session push blocked by attestation.")
		} else {
			c.log.WithError(err).Debug("No session pushed on registration.")
		}
	}
}

// notifyPeerLogin sends a peer_login advisory to the user's previously
// registered sessions on other clients, unless the user is flagged
// logged out in the credential store.
func (c *Coordinator) notifyPeerLogin(ctx context.Context, s *agent.Session, prior []*agent.Session) {
	ident := s.Identity()
	if ident.UserID == "" || len(prior) == 0 {
		return
	}
	account, err := c.store.GetAccount(ctx, ident.UserID)
	if err != nil && !trace.IsNotFound(err) {
		c.log.WithError(err).Debug("Skipping peer login advisory, logout check failed.")
		return
	}
	if account != nil && account.LoggedOut {
		return
	}
	frame := wire.PeerLogin{
		Type:        wire.TypePeerLogin,
		UserID:      ident.UserID,
		Username:    ident.Username,
		NewClientID: ident.ClientID,
		NewNodeID:   ident.NodeID,
		Message:     fmt.Sprintf("User %v has logged in on another client: %v (node: %v)", ident.Username, ident.ClientID, ident.NodeID),
		Timestamp:   c.cfg.Clock.Now().UnixMilli(),
	}
	for _, peer := range prior {
		if peer == s || peer.Identity().ClientID == ident.ClientID {
			continue
		}
		if err := peer.Send(frame); err != nil {
			c.log.WithError(err).Debug("Failed to deliver peer login advisory.")
		}
	}
}

// reregister processes a registration frame arriving on an already
// served session: the session leaves its pools and goes through the
// same admission path with its new identity.
func (c *Coordinator) reregister(s *agent.Session, req *wire.RegisterRequest) {
	c.registry.Remove(s)
	c.hier.Forget(s)
	s.Rebind(req.UserID, req.Username, req.DomainID, req.ClusterID, req.ChannelID)

	prior := c.registry.ForUser(req.UserID)
	outcome, err := c.registry.Register(c.runCtx, s, req)
	if err != nil {
		s.Send(wire.RegistrationRejected{
			Type:     wire.TypeRegistrationRejected,
			Reason:   "invalid_registration",
			Message:  trace.UserMessage(err),
			ClientID: req.ClientID,
		})
		return
	}
	switch outcome.Decision {
	case registry.DecisionAccepted, registry.DecisionNewDevice:
		s.Send(successFrame(s, outcome.Pairing))
		c.hier.Track(s, req.DomainMainNodeID, req.ClusterMainNodeID, req.ChannelMainNodeID)
		c.wg.Add(1)
		go c.afterRegister(s, prior)
	case registry.DecisionRejected:
		s.Send(wire.RegistrationRejected{
			Type:           wire.TypeRegistrationRejected,
			Reason:         wire.ReasonClientBoundElsewhere,
			ClientID:       req.ClientID,
			ExistingNodeID: outcome.ExistingNodeID,
		})
		s.CloseWithReason("client bound to another node")
	case registry.DecisionDuplicate, registry.DecisionRebound:
		if outcome.Existing != nil && outcome.Existing != s {
			outcome.Existing.Send(successFrame(outcome.Existing, nil))
			s.CloseWithReason("duplicate registration")
		}
	}
}

// onSessionClose cascades a dead socket out of every pool.
func (c *Coordinator) onSessionClose(s *agent.Session) {
	c.registry.Remove(s)
	c.hier.Forget(s)
	c.log.WithFields(log.Fields{
		"client_id": s.Identity().ClientID,
		"node_id":   s.Identity().NodeID,
	}).Debug("Session removed from pools.")
}

// routeFrame dispatches one inbound agent frame. RPC responses never
// reach this point, the session resolves them internally.
func (c *Coordinator) routeFrame(s *agent.Session, env *wire.Envelope) {
	switch env.Type {
	case wire.TypeRegister:
		var req wire.RegisterRequest
		if err := env.DecodeInto(&req); err != nil {
			c.log.WithError(err).Warn("Malformed re-registration frame.")
			return
		}
		if err := req.Check(); err != nil {
			c.log.WithError(err).Warn("Invalid re-registration frame.")
			return
		}
		c.reregister(s, &req)

	case wire.TypeAssignConfirmed:
		var msg wire.AssignConfirmed
		if err := env.DecodeInto(&msg); err != nil {
			c.log.WithError(err).Warn("Malformed assignment confirmation.")
			return
		}
		s.SetPlacement(msg.DomainID, msg.ClusterID, msg.ChannelID)
		c.hier.Track(s, "", "", "")

	case wire.TypeCookieUpdateResponse:
		var msg wire.CookieUpdateResponse
		if err := env.DecodeInto(&msg); err == nil {
			c.log.WithFields(log.Fields{
				"user_id": msg.UserID, "success": msg.Success,
			}).Debug("Agent acknowledged cookie update.")
		}

	case wire.TypeLoginNotification:
		var msg wire.LoginNotification
		if err := env.DecodeInto(&msg); err == nil {
			c.log.WithFields(log.Fields{
				"user_id": msg.UserID, "client_id": msg.ClientID,
			}).Info("Agent reported a local login.")
		}

	case wire.TypeLogoutNotification:
		var msg wire.LogoutNotification
		if err := env.DecodeInto(&msg); err == nil {
			c.log.WithFields(log.Fields{
				"user_id": msg.UserID, "client_id": msg.ClientID,
			}).Info("Agent reported a local logout.")
		}

	case wire.TypeLogoutFeedback:
		var fb wire.LogoutFeedback
		if err := env.DecodeInto(&fb); err != nil {
			c.log.WithError(err).Warn("Malformed logout feedback.")
			return
		}
		c.broker.HandleLogoutFeedback(s, &fb)

	case wire.TypeSessionFeedback:
		var fb wire.SessionFeedback
		if err := env.DecodeInto(&fb); err != nil {
			c.log.WithError(err).Warn("Malformed session feedback.")
			return
		}
		c.broker.HandleSessionFeedback(s, &fb)

	case wire.TypeActivityBatch:
		var batch wire.ActivityBatch
		if err := env.DecodeInto(&batch); err != nil {
			c.log.WithError(err).Warn("Malformed activity batch.")
			return
		}
		if err := c.syncer.HandleBatch(s, &batch); err != nil {
			c.log.WithError(err).Warn("Activity batch fan-out failed.")
		}

	case wire.TypeActivityBatchFeedback:
		var fb wire.ActivityBatchFeedback
		if err := env.DecodeInto(&fb); err != nil {
			c.log.WithError(err).Warn("Malformed batch feedback.")
			return
		}
		c.syncer.HandleFeedback(s, &fb)

	case wire.TypePairingCodeRequest:
		var req wire.PairingCodeRequest
		if err := env.DecodeInto(&req); err != nil {
			c.log.WithError(err).Warn("Malformed pairing code request.")
			return
		}
		// store round trip, keep the read loop responsive
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.pairing.HandleRequest(c.runCtx, s, &req); err != nil {
				c.log.WithError(err).Warn("Pairing code request failed.")
			}
		}()

	case wire.TypeVerificationResponse:
		var resp wire.VerificationResponse
		if err := env.DecodeInto(&resp); err != nil {
			c.log.WithError(err).Warn("Malformed verification response.")
			return
		}
		if !c.broker.HandleVerificationResponse(s, &resp) {
			c.log.Debug("No attestation round is waiting on this agent.")
		}

	default:
		c.log.WithFields(log.Fields{"type": env.Type}).Warn("Unknown frame type from agent.")
	}
}
