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

// RegisterRequest is the first frame an agent sends after dialing.
// DomainID, ClusterID and ChannelID are the agent's last known placement
// and may be empty on first contact.
type RegisterRequest struct {
	Type          string `json:"type"`
	ClientID      string `json:"client_id"`
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	NodeID        string `json:"node_id"`
	DomainID      string `json:"domain_id,omitempty"`
	ClusterID     string `json:"cluster_id,omitempty"`
	ChannelID     string `json:"channel_id,omitempty"`
	WebSocketPort int    `json:"websocket_port,omitempty"`

	// Main node hints carried over from the agent's previous placement
	DomainMainNodeID  string `json:"domain_main_node_id,omitempty"`
	ClusterMainNodeID string `json:"cluster_main_node_id,omitempty"`
	ChannelMainNodeID string `json:"channel_main_node_id,omitempty"`
}

// Check validates the registration fields an agent must always supply.
func (r *RegisterRequest) Check() error {
	if r.ClientID == "" {
		return errMissingField("client_id")
	}
	if r.NodeID == "" {
		return errMissingField("node_id")
	}
	return nil
}

// Response is the generic answer an agent returns for any RPC command.
type Response struct {
	RequestID   string          `json:"request_id"`
	CommandType string          `json:"command_type"`
	Success     bool            `json:"success"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// PlacementResult is the data payload of hierarchy creation and
// assignment responses.
type PlacementResult struct {
	DomainID  string `json:"domain_id,omitempty"`
	ClusterID string `json:"cluster_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	Count     int    `json:"count,omitempty"`
}

// AssignConfirmed acknowledges that the agent applied its placement.
type AssignConfirmed struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	DomainID  string `json:"domain_id,omitempty"`
	ClusterID string `json:"cluster_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// CookieUpdateResponse acknowledges a cookie_update push.
type CookieUpdateResponse struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// LoginNotification reports a login the agent observed locally.
type LoginNotification struct {
	Type        string          `json:"type"`
	UserID      string          `json:"user_id"`
	Username    string          `json:"username"`
	ClientID    string          `json:"client_id,omitempty"`
	NodeID      string          `json:"node_id,omitempty"`
	SessionData json.RawMessage `json:"session_data,omitempty"`
}

// LogoutNotification reports a logout the agent observed locally.
type LogoutNotification struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// LogoutFeedback acknowledges a user_logout command. The barrier
// matches acknowledgements by ClientID.
type LogoutFeedback struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

// SessionFeedback acknowledges an auto_login session push.
type SessionFeedback struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ActivityBatch carries activity records from a source agent for
// fan-out to its channel siblings.
type ActivityBatch struct {
	Type      string            `json:"type"`
	UserID    string            `json:"user_id"`
	BatchID   string            `json:"batch_id"`
	SyncData  []json.RawMessage `json:"sync_data"`
	ChannelID string            `json:"channel_id,omitempty"`
}

// ActivityBatchFeedback acknowledges a forwarded batch, in both
// directions: sibling to coordinator and coordinator to source.
type ActivityBatchFeedback struct {
	Type string                    `json:"type"`
	Data ActivityBatchFeedbackData `json:"data"`
}

// ActivityBatchFeedbackData is the payload of a batch acknowledgement.
type ActivityBatchFeedbackData struct {
	BatchID   string `json:"batch_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// VerificationResponse answers either side of an attestation round.
// A witness reply carries BatchData; a joiner reply carries Record.
type VerificationResponse struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"request_id,omitempty"`
	Success   bool                   `json:"success"`
	Message   string                 `json:"message,omitempty"`
	BatchData *VerificationBatchData `json:"batch_data,omitempty"`
	Record    map[string]interface{} `json:"record,omitempty"`
}

// VerificationBatchData describes the reference batch a witness offers.
type VerificationBatchData struct {
	BatchID     string                 `json:"batch_id"`
	RecordCount int                    `json:"record_count,omitempty"`
	FirstRecord map[string]interface{} `json:"first_record,omitempty"`
}

// PairingCodeRequest asks the coordinator to mint a pairing code for
// signing in the same account on another device.
type PairingCodeRequest struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	ClientID string `json:"client_id,omitempty"`
}
