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

// Package registry tracks connected agent sessions in per-user,
// per-client and per-node pools and applies the registration collision
// policy: one client binds to exactly one node.
package registry

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode"
	"github.com/nmplabs/bnode/lib/agent"
	"github.com/nmplabs/bnode/lib/storage"
	"github.com/nmplabs/bnode/lib/wire"
)

// PairingResolver redeems a pairing code presented in place of a
// username during registration.
type PairingResolver interface {
	// Redeem consumes a code and returns the account and placement it
	// was minted for. Returns NotFound for unknown or expired codes.
	Redeem(ctx context.Context, code string) (*storage.PairingRecord, error)
}

// Config holds registry parameters.
type Config struct {
	// Pairing resolves pairing codes, optional
	Pairing PairingResolver
}

// Registry is the session pool set.
type Registry struct {
	cfg Config
	log *log.Entry

	mu       sync.RWMutex
	byUser   map[string][]*agent.Session
	byClient map[string][]*agent.Session
	byNode   map[string][]*agent.Session
}

// New returns an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: bnode.ComponentRegistry,
		}),
		byUser:   make(map[string][]*agent.Session),
		byClient: make(map[string][]*agent.Session),
		byNode:   make(map[string][]*agent.Session),
	}
}

// Decision describes how a registration was resolved.
type Decision int

const (
	// DecisionAccepted admits a new session
	DecisionAccepted Decision = iota
	// DecisionDuplicate confirms to the existing session and drops the new one
	DecisionDuplicate
	// DecisionRebound rebinds the existing session to a new user
	DecisionRebound
	// DecisionRejected refuses the registration
	DecisionRejected
	// DecisionNewDevice admits a session registered through a pairing code
	DecisionNewDevice
)

// Outcome is the result of applying the collision policy.
type Outcome struct {
	Decision Decision
	// Existing is the surviving session for duplicate and rebind outcomes
	Existing *agent.Session
	// ExistingNodeID names the conflicting bind on rejection
	ExistingNodeID string
	// Pairing is the redeemed record for new-device registrations
	Pairing *storage.PairingRecord
}

// Register applies the collision policy to a registration request and
// updates the pools. The caller sends the wire responses and closes
// whichever connection the outcome discards.
//
/// Policy, in order: a username matching a pairing code admits the
// session as a new device after evicting that client's old sessions; an
// exact duplicate (same node, client and user) keeps the existing
// session; the same client on the same node with a different user
// rebinds the existing session; the same client on a different node is
// rejected; anything else is admitted.
func (r *Registry) Register(ctx context.Context, s *agent.Session, req *wire.RegisterRequest) (*Outcome, error) {
	if err := req.Check(); err != nil {
		return nil, trace.Wrap(err)
	}

	if r.cfg.Pairing != nil && req.Username != "" {
		record, err := r.cfg.Pairing.Redeem(ctx, req.Username)
		if err == nil {
			return r.registerNewDevice(s, req, record), nil
		}
		if !trace.IsNotFound(err) {
			r.log.WithError(err).Warn("Pairing lookup failed, treating as plain registration.")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.findByClientLocked(req.ClientID)
	if existing != nil && existing != s {
		ident := existing.Identity()
		switch {
		case ident.NodeID == req.NodeID && ident.UserID == req.UserID:
			if existing.Valid() {
				r.log.WithFields(log.Fields{
					"client_id": req.ClientID, "node_id": req.NodeID,
				}).Info("Duplicate registration, keeping existing session.")
				return &Outcome{Decision: DecisionDuplicate, Existing: existing}, nil
			}
			// the stale session is unusable, fall through and replace it
			r.removeLocked(existing)

		case ident.NodeID == req.NodeID:
			if !existing.Valid() {
				r.removeLocked(existing)
				break
			}
			r.log.WithFields(log.Fields{
				"client_id": req.ClientID, "user_id": req.UserID,
			}).Info("Client re-registering on same node, rebinding user.")
			r.rebindLocked(existing, req)
			return &Outcome{Decision: DecisionRebound, Existing: existing}, nil

		default:
			r.log.WithFields(log.Fields{
				"client_id": req.ClientID,
				"node_id":   req.NodeID, "existing_node_id": ident.NodeID,
			}).Warn("Client already bound to a different node, rejecting.")
			return &Outcome{Decision: DecisionRejected, ExistingNodeID: ident.NodeID}, nil
		}
	}

	r.addLocked(s)
	return &Outcome{Decision: DecisionAccepted}, nil
}

func (r *Registry) registerNewDevice(s *agent.Session, req *wire.RegisterRequest, record *storage.PairingRecord) *Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	// evict this client install's previous sessions before admitting
	// the new identity; the user's other devices stay connected
	previous := append([]*agent.Session(nil), r.byClient[req.ClientID]...)
	for _, old := range previous {
		if old != s {
			r.removeLocked(old)
			old.CloseWithReason("replaced by new device login")
		}
	}

	s.Rebind(record.UserID, record.Username, record.DomainID, record.ClusterID, record.ChannelID)
	r.addLocked(s)
	r.log.WithFields(log.Fields{
		"user_id": record.UserID, "client_id": req.ClientID,
	}).Info("New device registered through pairing code.")
	return &Outcome{Decision: DecisionNewDevice, Pairing: record}
}

func (r *Registry) rebindLocked(s *agent.Session, req *wire.RegisterRequest) {
	ident := s.Identity()
	r.byUser[ident.UserID] = removeSession(r.byUser[ident.UserID], s)
	if len(r.byUser[ident.UserID]) == 0 {
		delete(r.byUser, ident.UserID)
	}
	s.Rebind(req.UserID, req.Username, req.DomainID, req.ClusterID, req.ChannelID)
	if req.UserID != "" {
		r.byUser[req.UserID] = append(r.byUser[req.UserID], s)
	}
}

func (r *Registry) addLocked(s *agent.Session) {
	ident := s.Identity()
	if ident.UserID != "" {
		r.byUser[ident.UserID] = append(r.byUser[ident.UserID], s)
	}
	r.byClient[ident.ClientID] = append(r.byClient[ident.ClientID], s)
	r.byNode[ident.NodeID] = append(r.byNode[ident.NodeID], s)
	sessionsGauge.Inc()
	usersGauge.Set(float64(len(r.byUser)))
}

// Remove drops a session from all pools, typically on close.
func (r *Registry) Remove(s *agent.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(s)
}

func (r *Registry) removeLocked(s *agent.Session) {
	ident := s.Identity()
	before := len(r.byClient[ident.ClientID])

	r.byUser[ident.UserID] = removeSession(r.byUser[ident.UserID], s)
	if len(r.byUser[ident.UserID]) == 0 {
		delete(r.byUser, ident.UserID)
	}
	r.byClient[ident.ClientID] = removeSession(r.byClient[ident.ClientID], s)
	if len(r.byClient[ident.ClientID]) == 0 {
		delete(r.byClient, ident.ClientID)
	}
	r.byNode[ident.NodeID] = removeSession(r.byNode[ident.NodeID], s)
	if len(r.byNode[ident.NodeID]) == 0 {
		delete(r.byNode, ident.NodeID)
	}

	if len(r.byClient[ident.ClientID]) < before {
		sessionsGauge.Dec()
	}
	usersGauge.Set(float64(len(r.byUser)))
}

func (r *Registry) findByClientLocked(clientID string) *agent.Session {
	sessions := r.byClient[clientID]
	if len(sessions) == 0 {
		return nil
	}
	return sessions[0]
}

// ForUser returns the valid sessions of a user.
func (r *Registry) ForUser(userID string) []*agent.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return validSessions(r.byUser[userID])
}

// AllForUser returns every session of a user, valid or not. The
// logout barrier needs the full set.
func (r *Registry) AllForUser(userID string) []*agent.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agent.Session, len(r.byUser[userID]))
	copy(out, r.byUser[userID])
	return out
}

// ForNode returns the valid sessions bound to a node.
func (r *Registry) ForNode(nodeID string) []*agent.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return validSessions(r.byNode[nodeID])
}

// UserCount returns the number of distinct users online.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Users lists the user IDs with at least one session.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	return users
}

// Snapshot summarizes the registry pools for operator endpoints.
type Snapshot struct {
	Users    int            `json:"users"`
	Clients  int            `json:"clients"`
	Nodes    int            `json:"nodes"`
	Sessions int            `json:"sessions"`
	PerUser  map[string]int `json:"per_user"`
}

// TakeSnapshot counts the pools under a single read lock.
func (r *Registry) TakeSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		Users:   len(r.byUser),
		Clients: len(r.byClient),
		Nodes:   len(r.byNode),
		PerUser: make(map[string]int, len(r.byUser)),
	}
	for userID, sessions := range r.byUser {
		snap.PerUser[userID] = len(sessions)
		snap.Sessions += len(sessions)
	}
	return snap
}

// CleanupInvalid sweeps sessions the validity predicate rejects and
// returns how many were dropped.
func (r *Registry) CleanupInvalid() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*agent.Session
	for _, sessions := range r.byClient {
		for _, s := range sessions {
			if !s.Valid() {
				stale = append(stale, s)
			}
		}
	}
	for _, s := range stale {
		r.removeLocked(s)
	}
	if len(stale) > 0 {
		r.log.WithFields(log.Fields{"removed": len(stale)}).Info("Swept invalid sessions.")
	}
	return len(stale)
}

func removeSession(sessions []*agent.Session, target *agent.Session) []*agent.Session {
	out := sessions[:0]
	for _, s := range sessions {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func validSessions(sessions []*agent.Session) []*agent.Session {
	var out []*agent.Session
	for _, s := range sessions {
		if s.Valid() {
			out = append(out, s)
		}
	}
	return out
}
