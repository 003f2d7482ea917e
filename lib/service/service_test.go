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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nmplabs/bnode/lib/config"
	"github.com/nmplabs/bnode/lib/idp"
	"github.com/nmplabs/bnode/lib/storage"
	"github.com/nmplabs/bnode/lib/wire"
)

type fakeStore struct {
	mu       sync.Mutex
	cookies  map[string]*storage.Cookie
	accounts map[string]*storage.Account
	pairing  map[string]*storage.PairingRecord
	closed   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cookies:  make(map[string]*storage.Cookie),
		accounts: make(map[string]*storage.Account),
		pairing:  make(map[string]*storage.PairingRecord),
	}
}

func (f *fakeStore) GetCookie(ctx context.Context, userID string) (*storage.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cookies[userID]
	if !ok {
		return nil, trace.NotFound("no cookie stored for user %q", userID)
	}
	copied := *c
	return &copied, nil
}

func (f *fakeStore) UpsertCookie(ctx context.Context, c storage.Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies[c.UserID] = &c
	return nil
}

func (f *fakeStore) DeleteCookies(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cookies, userID)
	return nil
}

func (f *fakeStore) GetAccount(ctx context.Context, userID string) (*storage.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[userID]
	if !ok {
		return nil, trace.NotFound("no account stored for user %q", userID)
	}
	copied := *a
	return &copied, nil
}

func (f *fakeStore) UpsertAccount(ctx context.Context, a storage.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[a.UserID] = &a
	return nil
}

func (f *fakeStore) SetLoggedOut(ctx context.Context, userID string, loggedOut bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[userID]; ok {
		a.LoggedOut = loggedOut
	}
	return nil
}

func (f *fakeStore) UpsertPairingRecord(ctx context.Context, r storage.PairingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairing[r.Code] = &r
	return nil
}

func (f *fakeStore) GetPairingRecordByCode(ctx context.Context, code string) (*storage.PairingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.pairing[code]
	if !ok {
		return nil, trace.NotFound("no pairing record for code %q", code)
	}
	copied := *r
	return &copied, nil
}

func (f *fakeStore) DeletePairingRecord(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pairing, code)
	return nil
}

func (f *fakeStore) DeleteExpiredPairingRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeIdP struct{}

func (f *fakeIdP) Login(ctx context.Context, username, password string, params idp.LoginParams) (*idp.LoginResult, error) {
	return nil, trace.AccessDenied("login rejected")
}

func (f *fakeIdP) SignupWithCredentials(ctx context.Context, username, password string, data idp.SignupData, params idp.LoginParams) (*idp.LoginResult, error) {
	return nil, trace.AccessDenied("signup rejected")
}

func (f *fakeIdP) SessionData(ctx context.Context) (*idp.NSNSession, error) {
	return nil, trace.NotFound("no upstream session")
}

type serviceEnv struct {
	coordinator *Coordinator
	store       *fakeStore
	server      *httptest.Server
	wsURL       string
}

func newServiceEnv(t *testing.T) *serviceEnv {
	fileConfig := &config.Config{
		CurrentEnvironment: "local",
		Environments: map[string]config.Environment{
			"local": {
				Name: "local",
				API:  config.API{BaseURL: "https://nsn.example.com"},
			},
		},
	}
	require.NoError(t, fileConfig.CheckAndSetDefaults())

	store := newFakeStore()
	c, err := New(context.Background(), Config{
		FileConfig: fileConfig,
		Store:      store,
		IdP:        &fakeIdP{},
		Clock:      clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	srv := httptest.NewServer(http.HandlerFunc(c.handleAgentSocket))
	t.Cleanup(srv.Close)

	return &serviceEnv{
		coordinator: c,
		store:       store,
		server:      srv,
		wsURL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// wsAgent is a test-side C-Node: it answers hierarchy RPCs
// automatically and queues everything else for assertions.
type wsAgent struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan map[string]interface{}
}

func dialAgent(t *testing.T, env *serviceEnv) *wsAgent {
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	require.NoError(t, err)
	a := &wsAgent{
		t:      t,
		conn:   conn,
		frames: make(chan map[string]interface{}, 32),
	}
	t.Cleanup(func() { conn.Close() })
	return a
}

func (a *wsAgent) register(reg map[string]interface{}) {
	require.NoError(a.t, a.conn.WriteJSON(reg))
	go a.readLoop()
}

func (a *wsAgent) readLoop() {
	for {
		var frame map[string]interface{}
		if err := a.conn.ReadJSON(&frame); err != nil {
			close(a.frames)
			return
		}
		if a.answerRPC(frame) {
			continue
		}
		a.frames <- frame
	}
}

// answerRPC replies to hierarchy commands the way a real agent would,
// minting fresh tier IDs on creation commands.
func (a *wsAgent) answerRPC(frame map[string]interface{}) bool {
	cmd, _ := frame["type"].(string)
	requestID, _ := frame["request_id"].(string)
	if requestID == "" {
		return false
	}
	var data map[string]interface{}
	switch cmd {
	case wire.CmdNewDomainNode:
		data = map[string]interface{}{"domain_id": uuid.NewString()}
	case wire.CmdNewClusterNode:
		data = map[string]interface{}{"cluster_id": uuid.NewString()}
	case wire.CmdNewChannelNode:
		data = map[string]interface{}{"channel_id": uuid.NewString()}
	case wire.CmdCountPeers:
		data = map[string]interface{}{"count": 0}
	case wire.CmdAssignToDomain, wire.CmdAssignToCluster, wire.CmdAssignToChannel:
		data = map[string]interface{}{}
	default:
		return false
	}
	a.conn.WriteJSON(map[string]interface{}{
		"request_id":   requestID,
		"command_type": cmd,
		"success":      true,
		"data":         data,
	})
	return true
}

func (a *wsAgent) nextFrame(timeout time.Duration) map[string]interface{} {
	select {
	case frame, ok := <-a.frames:
		if !ok {
			return nil
		}
		return frame
	case <-time.After(timeout):
		a.t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (a *wsAgent) expectFrameType(frameType string, timeout time.Duration) map[string]interface{} {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		frame := a.nextFrame(time.Until(deadline))
		if frame == nil {
			a.t.Fatalf("connection closed waiting for %q frame", frameType)
		}
		if frame["type"] == frameType {
			return frame
		}
	}
	a.t.Fatalf("no %q frame arrived", frameType)
	return nil
}

func registration(clientID, userID, username, nodeID string) map[string]interface{} {
	return map[string]interface{}{
		"type":      wire.TypeRegister,
		"client_id": clientID,
		"user_id":   userID,
		"username":  username,
		"node_id":   nodeID,
	}
}

func waitForUserSessions(t *testing.T, env *serviceEnv, userID string, want int) {
	require.Eventually(t, func() bool {
		return len(env.coordinator.registry.ForUser(userID)) == want
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSoloJoinBuildsHierarchy(t *testing.T) {
	env := newServiceEnv(t)
	agent := dialAgent(t, env)
	agent.register(registration("client-1", "user-1", "alice", "node-1"))

	success := agent.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	require.Equal(t, "client-1", success["client_id"])
	require.Equal(t, "user-1", success["user_id"])

	waitForUserSessions(t, env, "user-1", 1)

	require.Eventually(t, func() bool {
		stats := env.coordinator.hier.Stats()
		return stats.Domains == 1 && stats.Clusters == 1 && stats.Channels == 1
	}, 3*time.Second, 20*time.Millisecond)

	sessions := env.coordinator.registry.ForUser("user-1")
	require.Len(t, sessions, 1)
	ident := sessions[0].Identity()
	require.NotEmpty(t, ident.DomainID)
	require.NotEmpty(t, ident.ClusterID)
	require.NotEmpty(t, ident.ChannelID)
	require.True(t, ident.DomainMain)
}

func TestDuplicateRegistrationKeepsFirstSession(t *testing.T) {
	env := newServiceEnv(t)
	first := dialAgent(t, env)
	first.register(registration("client-1", "user-1", "alice", "node-1"))
	first.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	waitForUserSessions(t, env, "user-1", 1)

	second := dialAgent(t, env)
	second.register(registration("client-1", "user-1", "alice", "node-1"))
	// the duplicate is acknowledged and then closed with a normal code
	second.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	require.Eventually(t, func() bool {
		_, ok := <-second.frames
		return !ok
	}, 3*time.Second, 20*time.Millisecond)

	require.Len(t, env.coordinator.registry.ForUser("user-1"), 1)
}

func TestClientBoundToAnotherNodeIsRejected(t *testing.T) {
	env := newServiceEnv(t)
	first := dialAgent(t, env)
	first.register(registration("client-1", "user-1", "alice", "node-1"))
	first.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	waitForUserSessions(t, env, "user-1", 1)

	second := dialAgent(t, env)
	second.register(registration("client-1", "user-2", "bob", "node-2"))
	rejected := second.expectFrameType(wire.TypeRegistrationRejected, 3*time.Second)
	require.Equal(t, wire.ReasonClientBoundElsewhere, rejected["reason"])
	require.Equal(t, "node-1", rejected["existing_node_id"])
}

func TestNonRegistrationFirstFrameDropsConnection(t *testing.T) {
	env := newServiceEnv(t)
	agent := dialAgent(t, env)
	require.NoError(t, agent.conn.WriteJSON(map[string]interface{}{"type": "ping"}))
	go agent.readLoop()

	require.Eventually(t, func() bool {
		_, ok := <-agent.frames
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPeerLoginAdvisoryReachesExistingSessions(t *testing.T) {
	env := newServiceEnv(t)
	first := dialAgent(t, env)
	first.register(registration("client-1", "user-1", "alice", "node-1"))
	first.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	waitForUserSessions(t, env, "user-1", 1)

	second := dialAgent(t, env)
	reg := registration("client-2", "user-1", "alice", "node-2")
	second.register(reg)
	second.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	waitForUserSessions(t, env, "user-1", 2)

	advisory := first.expectFrameType(wire.TypePeerLogin, 3*time.Second)
	require.Equal(t, "user-1", advisory["user_id"])
	require.Equal(t, "client-2", advisory["new_client_id"])
	require.Equal(t, "node-2", advisory["new_node_id"])
}

func TestPeerLoginAdvisorySkipsLoggedOutUser(t *testing.T) {
	env := newServiceEnv(t)
	env.store.UpsertAccount(context.Background(), storage.Account{
		UserID: "user-1", Username: "alice", LoggedOut: true,
	})

	first := dialAgent(t, env)
	first.register(registration("client-1", "user-1", "alice", "node-1"))
	first.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	waitForUserSessions(t, env, "user-1", 1)

	second := dialAgent(t, env)
	second.register(registration("client-2", "user-1", "alice", "node-2"))
	second.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	waitForUserSessions(t, env, "user-1", 2)

	select {
	case frame := <-first.frames:
		require.NotEqual(t, wire.TypePeerLogin, frame["type"])
	case <-time.After(300 * time.Millisecond):
	}
}

func TestAssignConfirmedUpdatesPlacement(t *testing.T) {
	env := newServiceEnv(t)
	agent := dialAgent(t, env)
	agent.register(registration("client-1", "user-1", "alice", "node-1"))
	agent.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	waitForUserSessions(t, env, "user-1", 1)

	require.NoError(t, agent.conn.WriteJSON(map[string]interface{}{
		"type":       wire.TypeAssignConfirmed,
		"node_id":    "node-1",
		"domain_id":  "domain-x",
		"cluster_id": "cluster-x",
		"channel_id": "channel-x",
	}))

	require.Eventually(t, func() bool {
		sessions := env.coordinator.registry.ForUser("user-1")
		if len(sessions) != 1 {
			return false
		}
		ident := sessions[0].Identity()
		return ident.ChannelID == "channel-x" && ident.DomainID == "domain-x"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPairingCodeNewDeviceFlow(t *testing.T) {
	env := newServiceEnv(t)
	first := dialAgent(t, env)
	first.register(registration("client-1", "user-1", "alice", "node-1"))
	first.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	waitForUserSessions(t, env, "user-1", 1)

	require.NoError(t, first.conn.WriteJSON(map[string]interface{}{
		"type":     wire.TypePairingCodeRequest,
		"user_id":  "user-1",
		"username": "alice",
	}))
	resp := first.expectFrameType(wire.TypePairingCodeResponse, 3*time.Second)
	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, true, data["success"])
	code, _ := data["security_code"].(string)
	require.Len(t, code, 8)

	// a second host reuses the code as its registration username
	device := dialAgent(t, env)
	device.register(registration("client-2", "", code, "node-2"))
	success := device.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	require.Equal(t, true, success["is_new_device_login"])
	require.Equal(t, "user-1", success["user_id"])
	require.Equal(t, "alice", success["username"])

	// single use: the code is gone from the store
	require.Eventually(t, func() bool {
		_, err := env.store.GetPairingRecordByCode(context.Background(), code)
		return trace.IsNotFound(err)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestNodeOfflineCascade(t *testing.T) {
	env := newServiceEnv(t)
	agent := dialAgent(t, env)
	agent.register(registration("client-1", "user-1", "alice", "node-1"))
	agent.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	waitForUserSessions(t, env, "user-1", 1)

	agent.conn.Close()

	require.Eventually(t, func() bool {
		return env.coordinator.registry.UserCount() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestReregistrationRebindsUser(t *testing.T) {
	env := newServiceEnv(t)
	agent := dialAgent(t, env)
	agent.register(registration("client-1", "user-1", "alice", "node-1"))
	agent.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	waitForUserSessions(t, env, "user-1", 1)

	// the same socket re-registers as another user
	require.NoError(t, agent.conn.WriteJSON(registration("client-1", "user-2", "bob", "node-1")))
	success := agent.expectFrameType(wire.TypeRegistrationSuccess, 3*time.Second)
	require.Equal(t, "user-2", success["user_id"])

	waitForUserSessions(t, env, "user-2", 1)
	require.Empty(t, env.coordinator.registry.ForUser("user-1"))
}
