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

package wire

import "encoding/json"

// RegistrationSuccess confirms an accepted registration. The new
// device fields are populated only when the agent registered through a
// pairing code.
type RegistrationSuccess struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Message  string `json:"message,omitempty"`

	IsNewDeviceLogin bool   `json:"is_new_device_login,omitempty"`
	NodeID           string `json:"node_id,omitempty"`
	DomainID         string `json:"domain_id,omitempty"`
	ClusterID        string `json:"cluster_id,omitempty"`
	ChannelID        string `json:"channel_id,omitempty"`
}

// RegistrationRejected refuses a registration. ExistingNodeID names the
// node the client is already bound to when the reason is a conflicting
// bind.
type RegistrationRejected struct {
	Type           string `json:"type"`
	Reason         string `json:"reason"`
	Message        string `json:"message,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Username       string `json:"username,omitempty"`
	NodeID         string `json:"node_id,omitempty"`
	ExistingNodeID string `json:"existing_node_id,omitempty"`
}

// ReasonClientBoundElsewhere rejects a client already bound to a
// different node.
const ReasonClientBoundElsewhere = "client_already_connected_to_different_node"

// CookieUpdate delivers fresh session cookies to every connection of a
// user. AutoRefresh asks the agent to reload the page after applying.
type CookieUpdate struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Cookie      string `json:"cookie"`
	AutoRefresh bool   `json:"auto_refresh"`
}

// UserLogin announces a brokered login to the agent.
type UserLogin struct {
	Type        string          `json:"type"`
	UserID      string          `json:"user_id"`
	Username    string          `json:"username"`
	SessionData json.RawMessage `json:"session_data,omitempty"`
}

// WebsiteConfig identifies the upstream site a logout applies to.
type WebsiteConfig struct {
	RootPath string `json:"root_path"`
	Name     string `json:"name"`
}

// LogoutAPI tells the agent how to clear the server-side session.
type LogoutAPI struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

// UserLogout instructs the agent to tear down a user session. The
// agent answers with a logout_feedback frame.
type UserLogout struct {
	Type          string        `json:"type"`
	UserID        string        `json:"user_id"`
	Username      string        `json:"username"`
	WebsiteConfig WebsiteConfig `json:"website_config"`
	LogoutAPI     LogoutAPI     `json:"logout_api"`
}

// SessionSync mirrors stored session state to the agent.
type SessionSync struct {
	Type        string          `json:"type"`
	UserID      string          `json:"user_id"`
	SessionData json.RawMessage `json:"session_data"`
}

// SessionSite identifies the site a pushed session belongs to along
// with the storage partition the agent should keep it in.
type SessionSite struct {
	RootPath         string `json:"root_path"`
	Name             string `json:"name"`
	SessionPartition string `json:"session_partition,omitempty"`
	RootURL          string `json:"root_url,omitempty"`
}

// AutoLogin pushes complete session data for silent sign-in. Message
// is set to the validation advisory when more than one user is online;
// Verification carries the attestation verdict for the agent's local
// audit.
type AutoLogin struct {
	Type          string          `json:"type"`
	UserID        string          `json:"user_id"`
	SessionData   json.RawMessage `json:"session_data"`
	WebsiteConfig *SessionSite    `json:"website_config,omitempty"`
	Verification  interface{}     `json:"cluster_verification,omitempty"`
	NSNUserID     string          `json:"nsn_user_id,omitempty"`
	NSNUsername   string          `json:"nsn_username,omitempty"`
	ChannelID     string          `json:"channel_id,omitempty"`
	NodeID        string          `json:"node_id,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// ValidationAdvisory is attached to auto_login frames when multiple
// users share the fabric and the agent should confirm identity.
const ValidationAdvisory = "login success with validation"

// PeerLogin tells a user's existing sessions that the same user signed
// in from another client.
type PeerLogin struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	NewClientID string `json:"new_client_id"`
	NewNodeID   string `json:"new_node_id"`
	Message     string `json:"message,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// Command is an RPC frame sent to an agent. The agent answers with a
// Response carrying the same RequestID and the command Type echoed as
// CommandType.
type Command struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id"`
	Data      interface{} `json:"data,omitempty"`
}

// PlacementParams is the data payload of hierarchy commands. Fields
// not relevant to a given command are left empty and omitted.
type PlacementParams struct {
	DomainID  string `json:"domain_id,omitempty"`
	ClusterID string `json:"cluster_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
}

// CountPeersParams is the data payload of a count_peers_amount
// command. Nil-able strings keep the explicit null the agents expect
// for levels that are not being counted.
type CountPeersParams struct {
	DomainID  *string `json:"domain_id"`
	ClusterID *string `json:"cluster_id"`
	ChannelID *string `json:"channel_id"`
}

// ActivityBatchForward fans a batch out to one sibling agent.
type ActivityBatchForward struct {
	Type string                   `json:"type"`
	Data ActivityBatchForwardData `json:"data"`
}

// ActivityBatchForwardData keeps the source batch shape when
// forwarding.
type ActivityBatchForwardData struct {
	UserID   string            `json:"user_id"`
	BatchID  string            `json:"batch_id"`
	SyncData []json.RawMessage `json:"sync_data"`
}

// VerificationQuery asks a witness agent for a reference batch.
type VerificationQuery struct {
	Type      string                `json:"type"`
	RequestID string                `json:"request_id,omitempty"`
	Data      VerificationQueryData `json:"data"`
}

// VerificationQueryData carries the witness query parameters.
type VerificationQueryData struct {
	Action       string `json:"action"`
	UserID       string `json:"user_id"`
	ChannelID    string `json:"channel_id"`
	MinBatchSize int    `json:"min_batch_size"`
	Timestamp    int64  `json:"timestamp"`
}

// ActionGetValidBatch is the witness-side attestation action.
const ActionGetValidBatch = "get_valid_batch"

// VerificationRequest asks the joining agent to produce its copy of
// the reference record.
type VerificationRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Action    string `json:"action"`
	BatchID   string `json:"batch_id"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

// ActionVerifyBatch is the joiner-side attestation action.
const ActionVerifyBatch = "verify_batch"

// PairingCodeResponse answers a request_security_code frame.
type PairingCodeResponse struct {
	Type string             `json:"type"`
	Data PairingCodePayload `json:"data"`
}

// PairingCodePayload is the nested payload of a pairing code response.
type PairingCodePayload struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	SecurityCode string `json:"security_code,omitempty"`
	Username     string `json:"nmp_username,omitempty"`
	DomainID     string `json:"domain_id,omitempty"`
	ClusterID    string `json:"cluster_id,omitempty"`
	ChannelID    string `json:"channel_id,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}
