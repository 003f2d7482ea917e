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

package hierarchy

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode/lib/agent"
	"github.com/nmplabs/bnode/lib/defaults"
	"github.com/nmplabs/bnode/lib/wire"
)

// Place slots an agent into the tree. Agents arriving with a complete
// placement only get their pools mirrored; anything missing is built
// top down: domain, cluster, channel. Tiers at capacity overflow into
// siblings, and a fresh tier is created when every sibling is full.
func (m *Manager) Place(ctx context.Context, s *agent.Session) error {
	ident := s.Identity()
	switch {
	case ident.DomainID == "":
		return trace.Wrap(m.placeInAnyDomain(ctx, s))
	case ident.ClusterID == "":
		return trace.Wrap(m.newClusterNode(ctx, s, ident.DomainID))
	case ident.ChannelID == "":
		return trace.Wrap(m.newChannelNode(ctx, s, ident.DomainID, ident.ClusterID))
	default:
		m.log.WithFields(log.Fields{"node_id": ident.NodeID}).Debug("Agent already fully placed.")
		return nil
	}
}

func (m *Manager) placeInAnyDomain(ctx context.Context, s *agent.Session) error {
	domainIDs := m.domainIDs()
	if len(domainIDs) == 0 {
		return trace.Wrap(m.newDomainNode(ctx, s))
	}
	for _, domainID := range domainIDs {
		ok, err := m.assignToDomain(ctx, s, domainID)
		if err != nil {
			m.log.WithError(err).WithFields(log.Fields{"domain_id": domainID}).Warn("Domain assignment errored, trying next.")
			continue
		}
		if ok {
			return nil
		}
	}
	// every domain full or unreachable
	return trace.Wrap(m.newDomainNode(ctx, s))
}

// newDomainNode asks the agent to create a domain, then walks down
// creating the cluster and channel beneath it.
func (m *Manager) newDomainNode(ctx context.Context, s *agent.Session) error {
	resp, err := s.SendRPC(ctx, wire.CmdNewDomainNode, struct{}{})
	if err != nil {
		return trace.Wrap(err)
	}
	result, err := placementResult(resp)
	if err != nil {
		return trace.Wrap(err)
	}
	if result.DomainID == "" {
		return trace.BadParameter("agent returned no domain_id")
	}

	s.SetPlacement(result.DomainID, "", "")
	s.SetMainFlags(true, false, false)
	m.mu.Lock()
	addToPool(m.domains, result.DomainID, s)
	m.mu.Unlock()
	m.log.WithFields(log.Fields{"domain_id": result.DomainID}).Info("Created domain node.")

	m.notifyDomainPeers(result.DomainID, s.Identity().NodeID)
	return trace.Wrap(m.newClusterNode(ctx, s, result.DomainID))
}

// newClusterNode creates a cluster under a domain, then the channel
// beneath it.
func (m *Manager) newClusterNode(ctx context.Context, s *agent.Session, domainID string) error {
	resp, err := s.SendRPC(ctx, wire.CmdNewClusterNode, wire.PlacementParams{DomainID: domainID})
	if err != nil {
		return trace.Wrap(err)
	}
	result, err := placementResult(resp)
	if err != nil {
		return trace.Wrap(err)
	}
	if result.ClusterID == "" {
		return trace.BadParameter("agent returned no cluster_id")
	}

	s.SetPlacement("", result.ClusterID, "")
	s.SetMainFlags(false, true, false)
	m.mu.Lock()
	addToPool(m.clusters, result.ClusterID, s)
	m.mu.Unlock()
	m.log.WithFields(log.Fields{"cluster_id": result.ClusterID}).Info("Created cluster node.")

	m.notifyClusterPeers(domainID, result.ClusterID, s.Identity().NodeID)
	return trace.Wrap(m.newChannelNode(ctx, s, domainID, result.ClusterID))
}

// newChannelNode creates the final tier under a cluster.
func (m *Manager) newChannelNode(ctx context.Context, s *agent.Session, domainID, clusterID string) error {
	resp, err := s.SendRPC(ctx, wire.CmdNewChannelNode, wire.PlacementParams{
		DomainID:  domainID,
		ClusterID: clusterID,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	result, err := placementResult(resp)
	if err != nil {
		return trace.Wrap(err)
	}
	if result.ChannelID == "" {
		return trace.BadParameter("agent returned no channel_id")
	}

	s.SetPlacement("", "", result.ChannelID)
	s.SetMainFlags(false, false, true)
	m.mu.Lock()
	addToPool(m.channels, result.ChannelID, s)
	m.mu.Unlock()
	m.log.WithFields(log.Fields{"channel_id": result.ChannelID}).Info("Created channel node, hierarchy complete.")

	m.notifyChannelCreated(domainID, clusterID, result.ChannelID, s.Identity().NodeID)
	return nil
}

// assignToDomain admits an agent into an existing domain if it has
// capacity, then finds it a cluster and channel below.
func (m *Manager) assignToDomain(ctx context.Context, s *agent.Session, domainID string) (bool, error) {
	if !m.tierHasCapacity(ctx, m.poolSnapshot(m.domains, domainID), wire.CountPeersParams{DomainID: &domainID}) {
		return false, nil
	}

	resp, err := s.SendRPC(ctx, wire.CmdAssignToDomain, wire.PlacementParams{
		DomainID: domainID,
		NodeID:   s.Identity().NodeID,
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	if !resp.Success {
		return false, nil
	}

	s.SetPlacement(domainID, "", "")
	m.mu.Lock()
	addToPool(m.domains, domainID, s)
	m.mu.Unlock()

	// descend: try every cluster already present in the domain
	for _, peer := range m.poolSnapshot(m.domains, domainID) {
		clusterID := peer.Identity().ClusterID
		if clusterID == "" {
			continue
		}
		ok, err := m.assignToCluster(ctx, s, domainID, clusterID)
		if err != nil {
			m.log.WithError(err).WithFields(log.Fields{"cluster_id": clusterID}).Warn("Cluster assignment errored, trying next.")
			continue
		}
		if ok {
			return true, nil
		}
	}
	// no cluster had room, grow one
	if err := m.newClusterNode(ctx, s, domainID); err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}

// assignToCluster admits an agent into an existing cluster, then finds
// or creates its channel.
func (m *Manager) assignToCluster(ctx context.Context, s *agent.Session, domainID, clusterID string) (bool, error) {
	if !m.tierHasCapacity(ctx, m.poolSnapshot(m.clusters, clusterID), wire.CountPeersParams{ClusterID: &clusterID}) {
		return false, nil
	}

	resp, err := s.SendRPC(ctx, wire.CmdAssignToCluster, wire.PlacementParams{
		DomainID:  domainID,
		ClusterID: clusterID,
		NodeID:    s.Identity().NodeID,
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	if !resp.Success {
		return false, nil
	}

	s.SetPlacement("", clusterID, "")
	m.mu.Lock()
	addToPool(m.clusters, clusterID, s)
	m.mu.Unlock()

	for _, peer := range m.poolSnapshot(m.clusters, clusterID) {
		channelID := peer.Identity().ChannelID
		if channelID == "" {
			continue
		}
		ok, err := m.assignToChannel(ctx, s, domainID, clusterID, channelID)
		if err != nil {
			m.log.WithError(err).WithFields(log.Fields{"channel_id": channelID}).Warn("Channel assignment errored, trying next.")
			continue
		}
		if ok {
			return true, nil
		}
	}
	if err := m.newChannelNode(ctx, s, domainID, clusterID); err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}

// assignToChannel admits an agent into an existing channel and tells
// the channel peers about it.
func (m *Manager) assignToChannel(ctx context.Context, s *agent.Session, domainID, clusterID, channelID string) (bool, error) {
	if !m.tierHasCapacity(ctx, m.poolSnapshot(m.channels, channelID), wire.CountPeersParams{ChannelID: &channelID}) {
		return false, nil
	}

	resp, err := s.SendRPC(ctx, wire.CmdAssignToChannel, wire.PlacementParams{
		DomainID:  domainID,
		ClusterID: clusterID,
		ChannelID: channelID,
		NodeID:    s.Identity().NodeID,
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	if !resp.Success {
		return false, nil
	}

	s.SetPlacement("", "", channelID)
	m.mu.Lock()
	addToPool(m.channels, channelID, s)
	m.mu.Unlock()
	m.log.WithFields(log.Fields{
		"node_id": s.Identity().NodeID, "channel_id": channelID,
	}).Info("Agent assigned to channel.")

	m.notifyNodeJoined(domainID, clusterID, channelID, s.Identity().NodeID)
	return true, nil
}

// tierHasCapacity queries peer count through any reachable pool
// member. An empty pool, or a pool where nobody answers, is treated as
// having room.
func (m *Manager) tierHasCapacity(ctx context.Context, pool []*agent.Session, params wire.CountPeersParams) bool {
	for _, peer := range pool {
		if !peer.Valid() {
			continue
		}
		resp, err := peer.SendRPC(ctx, wire.CmdCountPeers, params)
		if err != nil || !resp.Success {
			continue
		}
		result, err := placementResult(resp)
		if err != nil {
			continue
		}
		return result.Count < defaults.TierCapacity
	}
	return true
}

// HandleLateReply continues hierarchy construction with an RPC
// response that arrived after its caller timed out. Creation responses
// resume the walk; anything else is only logged.
func (m *Manager) HandleLateReply(s *agent.Session, cmdType string, resp *wire.Response) {
	if !resp.Success {
		return
	}
	result, err := placementResult(resp)
	if err != nil {
		m.log.WithError(err).Warn("Discarding malformed late response.")
		return
	}
	ctx := context.Background()

	switch cmdType {
	case wire.CmdNewDomainNode:
		if result.DomainID == "" {
			return
		}
		m.log.WithFields(log.Fields{"domain_id": result.DomainID}).Info("Late domain creation, resuming placement.")
		s.SetPlacement(result.DomainID, "", "")
		s.SetMainFlags(true, false, false)
		m.mu.Lock()
		addToPool(m.domains, result.DomainID, s)
		m.mu.Unlock()
		if err := m.newClusterNode(ctx, s, result.DomainID); err != nil {
			m.log.WithError(err).Warn("Could not resume placement after late domain creation.")
		}

	case wire.CmdNewClusterNode:
		if result.ClusterID == "" {
			return
		}
		m.log.WithFields(log.Fields{"cluster_id": result.ClusterID}).Info("Late cluster creation, resuming placement.")
		s.SetPlacement("", result.ClusterID, "")
		s.SetMainFlags(false, true, false)
		m.mu.Lock()
		addToPool(m.clusters, result.ClusterID, s)
		m.mu.Unlock()
		if err := m.newChannelNode(ctx, s, s.Identity().DomainID, result.ClusterID); err != nil {
			m.log.WithError(err).Warn("Could not resume placement after late cluster creation.")
		}

	case wire.CmdNewChannelNode:
		if result.ChannelID == "" {
			return
		}
		m.log.WithFields(log.Fields{"channel_id": result.ChannelID}).Info("Late channel creation completed hierarchy.")
		s.SetPlacement("", "", result.ChannelID)
		s.SetMainFlags(false, false, true)
		m.mu.Lock()
		addToPool(m.channels, result.ChannelID, s)
		m.mu.Unlock()

	default:
		m.log.WithFields(log.Fields{"command": cmdType}).Debug("Ignoring late response.")
	}
}

// notifyNodeJoined tells every node in a channel about a new peer.
func (m *Manager) notifyNodeJoined(domainID, clusterID, channelID, nodeID string) {
	m.broadcast(m.poolSnapshot(m.channels, channelID), wire.CmdAddNodeToPeers, wire.PlacementParams{
		DomainID:  domainID,
		ClusterID: clusterID,
		ChannelID: channelID,
		NodeID:    nodeID,
	})
}

// notifyChannelCreated tells every node in a cluster about a new channel.
func (m *Manager) notifyChannelCreated(domainID, clusterID, channelID, nodeID string) {
	m.broadcast(m.poolSnapshot(m.clusters, clusterID), wire.CmdAddChannelToPeers, wire.PlacementParams{
		DomainID:  domainID,
		ClusterID: clusterID,
		ChannelID: channelID,
		NodeID:    nodeID,
	})
}

// notifyClusterPeers tells every node in a domain about a new cluster.
func (m *Manager) notifyClusterPeers(domainID, clusterID, nodeID string) {
	m.broadcast(m.poolSnapshot(m.domains, domainID), wire.CmdAddClusterToPeers, wire.PlacementParams{
		DomainID:  domainID,
		ClusterID: clusterID,
		NodeID:    nodeID,
	})
}

// notifyDomainPeers tells every tracked domain about a new domain.
func (m *Manager) notifyDomainPeers(domainID, nodeID string) {
	for _, id := range m.domainIDs() {
		if id == domainID {
			continue
		}
		m.broadcast(m.poolSnapshot(m.domains, id), wire.CmdAddDomainToPeers, wire.PlacementParams{
			DomainID: domainID,
			NodeID:   nodeID,
		})
	}
}

// broadcast fires a command at every session in a pool without
// waiting for the responses.
func (m *Manager) broadcast(pool []*agent.Session, cmdType string, params wire.PlacementParams) {
	for _, peer := range pool {
		if !peer.Valid() {
			continue
		}
		go func(p *agent.Session) {
			if _, err := p.SendRPC(context.Background(), cmdType, params); err != nil {
				m.log.WithError(err).WithFields(log.Fields{"command": cmdType}).Debug("Peer notification failed.")
			}
		}(peer)
	}
}

func placementResult(resp *wire.Response) (*wire.PlacementResult, error) {
	if !resp.Success {
		return nil, trace.BadParameter("agent reported failure: %v", resp.Error)
	}
	var result wire.PlacementResult
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &result); err != nil {
			return nil, trace.BadParameter("malformed placement response: %v", err)
		}
	}
	return &result, nil
}
