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

// Package wire defines the JSON frames exchanged with agents over the
// websocket fabric. Every frame carries a "type" discriminator; frames
// that answer an RPC additionally carry "request_id" and "command_type".
package wire

import (
	"encoding/json"

	"github.com/gravitational/trace"
)

// Frame type discriminators for inbound agent traffic
const (
	// TypeRegister is the first frame an agent sends after dialing
	TypeRegister = "c_client_register"
	// TypeAssignConfirmed acknowledges a completed placement
	TypeAssignConfirmed = "assignConfirmed"
	// TypeCookieUpdateResponse acknowledges a cookie_update push
	TypeCookieUpdateResponse = "cookie_update_response"
	// TypeLoginNotification reports a login observed on the agent side
	TypeLoginNotification = "user_login_notification"
	// TypeLogoutNotification reports a logout observed on the agent side
	TypeLogoutNotification = "user_logout_notification"
	// TypeLogoutFeedback acknowledges a user_logout command
	TypeLogoutFeedback = "logout_feedback"
	// TypeSessionFeedback acknowledges an auto_login session push
	TypeSessionFeedback = "session_feedback"
	// TypeActivityBatch carries a batch of activity records to fan out
	TypeActivityBatch = "user_activities_batch"
	// TypeActivityBatchFeedback acknowledges a forwarded batch
	TypeActivityBatchFeedback = "user_activities_batch_feedback"
	// TypeVerificationResponse answers an attestation round
	TypeVerificationResponse = "cluster_verification_response"
	// TypePairingCodeRequest asks the coordinator to mint a pairing code
	TypePairingCodeRequest = "request_security_code"
)

// Frame type discriminators for outbound coordinator traffic
const (
	// TypeRegistrationSuccess confirms an accepted registration
	TypeRegistrationSuccess = "registration_success"
	// TypeRegistrationRejected refuses a registration
	TypeRegistrationRejected = "registration_rejected"
	// TypeCookieUpdate delivers fresh session cookies
	TypeCookieUpdate = "cookie_update"
	// TypeUserLogin announces a brokered login to the agent
	TypeUserLogin = "user_login"
	// TypeUserLogout instructs the agent to tear down a session
	TypeUserLogout = "user_logout"
	// TypeSessionSync mirrors stored session state to the agent
	TypeSessionSync = "session_sync"
	// TypeAutoLogin pushes complete session data for silent sign-in
	TypeAutoLogin = "auto_login"
	// TypePeerLogin tells channel peers that a sibling signed in
	TypePeerLogin = "peer_login"
	// TypePairingCodeResponse answers a request_security_code frame
	TypePairingCodeResponse = "security_code_response"
	// TypeActivityBatchForward fans a batch out to sibling agents
	TypeActivityBatchForward = "user_activities_batch_forward"
	// TypeVerificationQuery asks a witness agent for a reference batch
	TypeVerificationQuery = "cluster_verification_query"
	// TypeVerificationRequest asks the joiner to produce its record
	TypeVerificationRequest = "cluster_verification_request"
)

// Hierarchy command types. Each is an RPC: the agent answers with a
// Response frame carrying the same request_id and command_type.
const (
	CmdNewDomainNode     = "new_domain_node"
	CmdNewClusterNode    = "new_cluster_node"
	CmdNewChannelNode    = "new_channel_node"
	CmdAssignToDomain    = "assign_to_domain"
	CmdAssignToCluster   = "assign_to_cluster"
	CmdAssignToChannel   = "assign_to_channel"
	CmdCountPeers        = "count_peers_amount"
	CmdAddNodeToPeers    = "add_new_node_to_peers"
	CmdAddChannelToPeers = "add_new_channel_to_peers"
	CmdAddClusterToPeers = "add_new_cluster_to_peers"
	CmdAddDomainToPeers  = "add_new_domain_to_peers"
)

// Envelope is the minimal decode of any inbound frame, enough to route
// it. The raw payload is retained so handlers decode exactly once into
// their concrete type.
type Envelope struct {
	// Type discriminates the frame
	Type string `json:"type"`
	// RequestID is set on frames answering an RPC
	RequestID string `json:"request_id,omitempty"`
	// CommandType echoes the RPC command being answered
	CommandType string `json:"command_type,omitempty"`
	// Raw is the complete frame for a second, concrete decode
	Raw json.RawMessage `json:"-"`
}

// IsRPCResponse reports whether the frame answers an outstanding RPC
// rather than initiating a new exchange.
func (e *Envelope) IsRPCResponse() bool {
	return e.RequestID != "" && e.CommandType != ""
}

// Decode parses the routing fields of a frame and keeps the raw bytes
// for the concrete decode performed by the dispatched handler.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, trace.BadParameter("malformed frame: %v", err)
	}
	if env.Type == "" && !env.IsRPCResponse() {
		return nil, trace.BadParameter("frame is missing type")
	}
	env.Raw = data
	return &env, nil
}

func errMissingField(name string) error {
	return trace.BadParameter("missing required field %q", name)
}

// DecodeInto re-parses the retained frame into the handler's concrete
// frame type.
func (e *Envelope) DecodeInto(out interface{}) error {
	if err := json.Unmarshal(e.Raw, out); err != nil {
		return trace.BadParameter("malformed %v frame: %v", e.Type, err)
	}
	return nil
}
