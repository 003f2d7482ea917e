package bnode

// Version is reported by the CLI and the health endpoint.
const Version = "1.0.0"

const (
	// Component indicates a component of the coordinator, used for logging
	Component = "component"

	// ComponentFields stores component-specific fields
	ComponentFields = "fields"

	// ComponentService is the top-level coordinator assembly that accepts
	// agent sockets and routes frames between subsystems
	ComponentService = "coordinator"

	// ComponentAgent is a single agent session (one websocket to one C-Node)
	ComponentAgent = "agent"

	// ComponentRegistry is the three-index connection registry
	ComponentRegistry = "registry"

	// ComponentHierarchy is the Domain/Cluster/Channel overlay manager
	ComponentHierarchy = "hierarchy"

	// ComponentBroker is the session broker deciding credential pushes
	ComponentBroker = "broker"

	// ComponentAttestation is the cluster attestation protocol driver
	ComponentAttestation = "attestation"

	// ComponentSyncer is the activity batch fan-out
	ComponentSyncer = "syncer"

	// ComponentPairing is the one-time pairing code service
	ComponentPairing = "pairing"

	// ComponentIdP is the upstream identity provider bridge
	ComponentIdP = "idp"

	// ComponentWeb is the HTTP bind/snapshot API
	ComponentWeb = "web"

	// ComponentStorage is the durable credential store
	ComponentStorage = "storage"

	// EnvVarEnvironment overrides the config document's current_environment
	EnvVarEnvironment = "BNODE_ENV"

	// DebugOutputEnvVar tells tests to use verbose debug output
	DebugOutputEnvVar = "BNODE_DEBUG_TESTS"
)
