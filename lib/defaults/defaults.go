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

// Package defaults contains default constants set in various parts of
// the coordinator codebase
package defaults

import "time"

// Default port numbers used by the coordinator listeners
const (
	// WebSocketListenPort is the port agents dial to reach the coordinator
	WebSocketListenPort = 8766

	// HTTPListenPort serves the bind API and operator endpoints
	HTTPListenPort = 8770

	// BindIP is the address both listeners bind to
	BindIP = "0.0.0.0"
)

// Timeouts and intervals
const (
	// RegistrationTimeout bounds the wait for the first frame after an
	// agent's websocket upgrade
	RegistrationTimeout = 30 * time.Second

	// RegistrySweepInterval is how often invalid sessions are swept out
	// of the registry pools
	RegistrySweepInterval = 30 * time.Second

	// ShutdownTimeout bounds the drain of both listeners on exit
	ShutdownTimeout = 10 * time.Second

	// RPCTimeout bounds every request/response round trip to an agent
	RPCTimeout = 30 * time.Second

	// RPCLateReplyWindow is how long a timed-out request entry is kept so
	// a late reply can still be consumed and dispatched
	RPCLateReplyWindow = 5 * time.Minute

	// AttestationRPCTimeout bounds each witness or joiner query during a
	// cluster attestation round
	AttestationRPCTimeout = 15 * time.Second

	// LogoutAckTimeout is the longest the logout barrier waits for every
	// targeted session to acknowledge
	LogoutAckTimeout = 10 * time.Second

	// LogoutAckPollInterval is how often the barrier re-checks the ack set
	LogoutAckPollInterval = 100 * time.Millisecond

	// SessionPushAckTimeout bounds one cookie delivery attempt
	SessionPushAckTimeout = 5 * time.Second

	// SessionPushAckPollInterval is how often a delivery attempt
	// re-checks the feedback set
	SessionPushAckPollInterval = 500 * time.Millisecond

	// SessionPushRetryDelay separates consecutive delivery attempts
	SessionPushRetryDelay = 2 * time.Second

	// IdPLoginTimeout bounds a credential-form login round trip
	IdPLoginTimeout = 30 * time.Second

	// IdPSignupTimeout bounds the fire-and-forget signup request
	IdPSignupTimeout = 5 * time.Second

	// IdPSessionDataTimeout bounds the live session data probe
	IdPSessionDataTimeout = 10 * time.Second

	// PingInterval is how often the coordinator pings each agent socket
	PingInterval = 20 * time.Second

	// PongTimeout is how long after a ping the pong must arrive
	PongTimeout = 10 * time.Second

	// ValidityCacheTTL memoizes the session validity predicate. The
	// logout barrier always bypasses this cache.
	ValidityCacheTTL = 5 * time.Second

	// PairingCodeTTL is how long an unused pairing code stays redeemable
	PairingCodeTTL = 15 * time.Minute

	// PairingSweepInterval schedules the expired-code sweep
	PairingSweepInterval = time.Minute

	// BatchMaxAge is the age at which the janitor evicts batches that
	// never collected all their acknowledgements
	BatchMaxAge = 24 * time.Hour

	// BatchSweepInterval schedules the stale-batch janitor
	BatchSweepInterval = time.Hour

	// SendQueueTimeout is how long an enqueue waits on a full send queue
	// before reporting the session as stalled
	SendQueueTimeout = 5 * time.Second
)

// Limits and sizes
const (
	// TierCapacity is the maximum number of children per hierarchy node:
	// clusters in a domain, channels in a cluster, agents in a channel
	TierCapacity = 1000

	// MaxMessageSize limits a single websocket frame from an agent
	MaxMessageSize = 1 << 20

	// SessionPushMaxAttempts caps cookie delivery retries in aggregate
	SessionPushMaxAttempts = 3

	// MinAttestationBatchSize is the smallest sync batch a witness may
	// offer as attestation reference material
	MinAttestationBatchSize = 3

	// ValidityCacheSize caps the number of memoized validity entries
	ValidityCacheSize = 16384

	// SessionSendQueueSize buffers outbound frames per agent session
	SessionSendQueueSize = 32

	// PairingCodeLength is the number of characters in a pairing code
	PairingCodeLength = 8

	// GeneratedPasswordLength satisfies the IdP strength rules: one
	// upper, one lower, one digit, one symbol, eight total
	GeneratedPasswordLength = 8
)

// Upstream site identity delivered to agents alongside session cookies
const (
	// SitePartition is the storage partition key the browser profile uses
	SitePartition = "persist:nsn"

	// SiteName is the display name of the upstream site
	SiteName = "NSN"
)
