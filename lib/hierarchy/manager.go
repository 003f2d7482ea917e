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

// Package hierarchy maintains the domain/cluster/channel tree of
// connected agents and places new arrivals into it. Tier topology
// lives on the agents; the coordinator drives construction over RPC
// and mirrors membership in connection pools.
package hierarchy

import (
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode"
	"github.com/nmplabs/bnode/lib/agent"
)

// Manager owns the tier pools.
type Manager struct {
	log *log.Entry

	mu sync.RWMutex
	// pools are keyed by tier ID, then node ID. One session per node
	// per pool; re-registration replaces the entry.
	domains  map[string]map[string]*agent.Session
	clusters map[string]map[string]*agent.Session
	channels map[string]map[string]*agent.Session
}

// NewManager returns an empty hierarchy manager.
func NewManager() *Manager {
	return &Manager{
		log: log.WithFields(log.Fields{
			trace.Component: bnode.ComponentHierarchy,
		}),
		domains:  make(map[string]map[string]*agent.Session),
		clusters: make(map[string]map[string]*agent.Session),
		channels: make(map[string]map[string]*agent.Session),
	}
}

// Track derives the agent's main-node roles from the registration
// hints and mirrors its current placement into the pools. Safe to call
// again on re-registration.
func (m *Manager) Track(s *agent.Session, domainMainID, clusterMainID, channelMainID string) {
	ident := s.Identity()
	s.SetMainFlags(
		domainMainID != "" && ident.NodeID == domainMainID,
		clusterMainID != "" && ident.NodeID == clusterMainID,
		channelMainID != "" && ident.NodeID == channelMainID,
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if ident.DomainID != "" {
		addToPool(m.domains, ident.DomainID, s)
	}
	if ident.ClusterID != "" {
		addToPool(m.clusters, ident.ClusterID, s)
	}
	if ident.ChannelID != "" {
		addToPool(m.channels, ident.ChannelID, s)
	}
}

// Forget removes a session from every pool, typically on disconnect.
func (m *Manager) Forget(s *agent.Session) {
	ident := s.Identity()
	m.mu.Lock()
	defer m.mu.Unlock()
	removeFromPool(m.domains, ident.DomainID, s)
	removeFromPool(m.clusters, ident.ClusterID, s)
	removeFromPool(m.channels, ident.ChannelID, s)
}

// ChannelPeers returns the valid sessions in a channel.
func (m *Manager) ChannelPeers(channelID string) []*agent.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return validPool(m.channels[channelID])
}

// ClusterPeers returns the valid sessions in a cluster.
func (m *Manager) ClusterPeers(clusterID string) []*agent.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return validPool(m.clusters[clusterID])
}

// DomainPeers returns the valid sessions in a domain.
func (m *Manager) DomainPeers(domainID string) []*agent.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return validPool(m.domains[domainID])
}

// MainNodeIDs returns the node IDs of the main nodes of the given
// tiers, empty strings where no main node is connected.
func (m *Manager) MainNodeIDs(domainID, clusterID, channelID string) (domainMain, clusterMain, channelMain string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.domains[domainID] {
		if s.Identity().DomainMain {
			domainMain = s.Identity().NodeID
			break
		}
	}
	for _, s := range m.clusters[clusterID] {
		if s.Identity().ClusterMain {
			clusterMain = s.Identity().NodeID
			break
		}
	}
	for _, s := range m.channels[channelID] {
		if s.Identity().ChannelMain {
			channelMain = s.Identity().NodeID
			break
		}
	}
	return domainMain, clusterMain, channelMain
}

// Stats summarizes pool sizes for the operator snapshot.
type Stats struct {
	Domains          int `json:"domains"`
	Clusters         int `json:"clusters"`
	Channels         int `json:"channels"`
	TotalConnections int `json:"total_connections"`
}

// Stats returns current pool sizes.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, pool := range m.channels {
		total += len(pool)
	}
	return Stats{
		Domains:          len(m.domains),
		Clusters:         len(m.clusters),
		Channels:         len(m.channels),
		TotalConnections: total,
	}
}

func addToPool(pools map[string]map[string]*agent.Session, id string, s *agent.Session) {
	pool, ok := pools[id]
	if !ok {
		pool = make(map[string]*agent.Session)
		pools[id] = pool
	}
	pool[s.Identity().NodeID] = s
}

func removeFromPool(pools map[string]map[string]*agent.Session, id string, s *agent.Session) {
	if id == "" {
		return
	}
	pool := pools[id]
	nodeID := s.Identity().NodeID
	if pool[nodeID] == s {
		delete(pool, nodeID)
	}
	if len(pool) == 0 {
		delete(pools, id)
	}
}

func validPool(pool map[string]*agent.Session) []*agent.Session {
	var out []*agent.Session
	for _, s := range pool {
		if s.Valid() {
			out = append(out, s)
		}
	}
	return out
}

// poolSnapshot copies a pool's sessions for iteration outside the lock.
func (m *Manager) poolSnapshot(pools map[string]map[string]*agent.Session, id string) []*agent.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*agent.Session, 0, len(pools[id]))
	for _, s := range pools[id] {
		out = append(out, s)
	}
	return out
}

func (m *Manager) domainIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.domains))
	for id := range m.domains {
		ids = append(ids, id)
	}
	return ids
}
