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

package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/nmplabs/bnode/lib/agent"
	"github.com/nmplabs/bnode/lib/config"
	"github.com/nmplabs/bnode/lib/hierarchy"
	"github.com/nmplabs/bnode/lib/idp"
	"github.com/nmplabs/bnode/lib/registry"
	"github.com/nmplabs/bnode/lib/storage"
	"github.com/nmplabs/bnode/lib/wire"
)

type fakeStore struct {
	mu        sync.Mutex
	cookies   map[string]*storage.Cookie
	accounts  map[string]*storage.Account
	loggedOut map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cookies:   make(map[string]*storage.Cookie),
		accounts:  make(map[string]*storage.Account),
		loggedOut: make(map[string]bool),
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
	f.loggedOut[userID] = loggedOut
	if a, ok := f.accounts[userID]; ok {
		a.LoggedOut = loggedOut
	}
	return nil
}

func (f *fakeStore) isLoggedOut(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut[userID]
}

func (f *fakeStore) storedCookie(userID string) *storage.Cookie {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookies[userID]
}

type fakeIdP struct {
	mu           sync.Mutex
	loginResult  *idp.LoginResult
	loginErr     error
	signupResult *idp.LoginResult
	signupErr    error
	session      *idp.NSNSession
	loginCalls   [][2]string
}

func (f *fakeIdP) Login(ctx context.Context, username, password string, params idp.LoginParams) (*idp.LoginResult, error) {
	f.mu.Lock()
	f.loginCalls = append(f.loginCalls, [2]string{username, password})
	f.mu.Unlock()
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.loginResult, nil
}

func (f *fakeIdP) SignupWithCredentials(ctx context.Context, username, password string, data idp.SignupData, params idp.LoginParams) (*idp.LoginResult, error) {
	if f.signupErr != nil {
		return nil, f.signupErr
	}
	return f.signupResult, nil
}

func (f *fakeIdP) SessionData(ctx context.Context) (*idp.NSNSession, error) {
	if f.session == nil {
		return nil, trace.NotFound("no session data available")
	}
	return f.session, nil
}

type brokerEnv struct {
	broker   *Broker
	registry *registry.Registry
	hier     *hierarchy.Manager
	store    *fakeStore
	idp      *fakeIdP
}

func newBrokerEnv(t *testing.T) *brokerEnv {
	t.Helper()
	e := &brokerEnv{
		store:    newFakeStore(),
		idp:      &fakeIdP{},
		registry: registry.New(registry.Config{}),
		hier:     hierarchy.NewManager(),
	}
	b, err := New(Config{
		Registry:  e.registry,
		Hierarchy: e.hier,
		Store:     e.store,
		IdP:       e.idp,
		API:       config.API{BaseURL: "https://nsn.example.com"},
	})
	require.NoError(t, err)
	e.broker = b
	return e
}

// testAgent pairs a served session with a scripted client end. The
// responder, when set, builds a reply frame for each inbound frame.
type testAgent struct {
	session *agent.Session
	conn    *websocket.Conn
	frames  chan map[string]interface{}

	mu      sync.Mutex
	respond func(frame map[string]interface{}) interface{}
}

func (a *testAgent) setResponder(fn func(frame map[string]interface{}) interface{}) {
	a.mu.Lock()
	a.respond = fn
	a.mu.Unlock()
}

func (a *testAgent) nextFrame(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case frame := <-a.frames:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// connect establishes a served session, applies the registration
// policy and mirrors the placement into the hierarchy pools.
func (e *brokerEnv) connect(t *testing.T, ident agent.Identity) *testAgent {
	t.Helper()

	upgrader := websocket.Upgrader{}
	sessions := make(chan *agent.Session, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		s, err := agent.New(agent.Config{
			Conn:     conn,
			Identity: ident,
			Handler: func(s *agent.Session, env *wire.Envelope) {
				switch env.Type {
				case wire.TypeSessionFeedback:
					var fb wire.SessionFeedback
					if env.DecodeInto(&fb) == nil {
						e.broker.HandleSessionFeedback(s, &fb)
					}
				case wire.TypeLogoutFeedback:
					var fb wire.LogoutFeedback
					if env.DecodeInto(&fb) == nil {
						e.broker.HandleLogoutFeedback(s, &fb)
					}
				case wire.TypeVerificationResponse:
					var resp wire.VerificationResponse
					if env.DecodeInto(&resp) == nil {
						e.broker.HandleVerificationResponse(s, &resp)
					}
				}
			},
		})
		require.NoError(t, err)
		sessions <- s
		s.Serve()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	a := &testAgent{conn: conn, frames: make(chan map[string]interface{}, 16)}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]interface{}
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			a.mu.Lock()
			respond := a.respond
			a.mu.Unlock()
			if respond != nil {
				if reply := respond(frame); reply != nil {
					conn.WriteJSON(reply)
				}
			}
			a.frames <- frame
		}
	}()

	select {
	case a.session = <-sessions:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out establishing test session")
	}
	t.Cleanup(a.session.Close)

	outcome, err := e.registry.Register(context.Background(), a.session, &wire.RegisterRequest{
		Type:      wire.TypeRegister,
		ClientID:  ident.ClientID,
		UserID:    ident.UserID,
		Username:  ident.Username,
		NodeID:    ident.NodeID,
		ChannelID: ident.ChannelID,
	})
	require.NoError(t, err)
	require.Equal(t, registry.DecisionAccepted, outcome.Decision)
	e.hier.Track(a.session, "", "", "")
	return a
}

// ackAutoLogin acknowledges auto_login pushes for a user.
func ackAutoLogin(userID string) func(map[string]interface{}) interface{} {
	return func(frame map[string]interface{}) interface{} {
		if frame["type"] != wire.TypeAutoLogin {
			return nil
		}
		return map[string]interface{}{
			"type":    wire.TypeSessionFeedback,
			"user_id": userID,
			"success": true,
		}
	}
}

// ackLogout acknowledges user_logout commands for a client.
func ackLogout(userID, clientID string) func(map[string]interface{}) interface{} {
	return func(frame map[string]interface{}) interface{} {
		if frame["type"] != wire.TypeUserLogout {
			return nil
		}
		return map[string]interface{}{
			"type":      wire.TypeLogoutFeedback,
			"user_id":   userID,
			"client_id": clientID,
			"success":   true,
		}
	}
}

func TestBindRejectsMissingIdentity(t *testing.T) {
	e := newBrokerEnv(t)
	resp := e.broker.HandleBind(context.Background(), &BindRequest{Username: "alice"})
	require.False(t, resp.Success)
	require.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestBindProvidedSessionIsSavedAndPushed(t *testing.T) {
	e := newBrokerEnv(t)
	a := e.connect(t, agent.Identity{
		ClientID: "client-1", UserID: "user-1", Username: "alice", NodeID: "node-1",
	})
	a.setResponder(ackAutoLogin("user-1"))

	resp := e.broker.HandleBind(context.Background(), &BindRequest{
		UserID:        "user-1",
		Username:      "alice",
		RequestType:   RequestTypeBind,
		NodeID:        "node-1",
		SessionCookie: "session=abc123",
		NSNUserID:     "42",
		NSNUsername:   "alice_nsn",
	})
	require.True(t, resp.Success)
	require.True(t, resp.LoginSuccess)
	require.Equal(t, "session=abc123", resp.CompleteSessionData)
	require.Equal(t, "NSN session saved and sent to C-Client", resp.Message)

	frame := a.nextFrame(t)
	require.Equal(t, wire.TypeAutoLogin, frame["type"])
	require.Equal(t, "user-1", frame["user_id"])
	site, ok := frame["website_config"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "persist:nsn", site["session_partition"])

	cookie := e.store.storedCookie("user-1")
	require.NotNil(t, cookie)
	require.Equal(t, "session=abc123", cookie.Cookie)
	require.Equal(t, "alice_nsn", cookie.Username)
	require.False(t, e.store.isLoggedOut("user-1"))
}

func TestBindExistingCookieIsPushedBack(t *testing.T) {
	e := newBrokerEnv(t)
	require.NoError(t, e.store.UpsertCookie(context.Background(), storage.Cookie{
		UserID: "user-1", Username: "alice_nsn", Cookie: "session=stored",
	}))

	a := e.connect(t, agent.Identity{
		ClientID: "client-1", UserID: "user-1", Username: "alice", NodeID: "node-1",
	})
	a.setResponder(ackAutoLogin("user-1"))

	resp := e.broker.HandleBind(context.Background(), &BindRequest{
		UserID: "user-1", Username: "alice", RequestType: RequestTypeBind,
	})
	require.True(t, resp.Success)
	require.Equal(t, "session=stored", resp.CompleteSessionData)
	require.Equal(t, "Existing session found and sent to C-Client", resp.Message)

	frame := a.nextFrame(t)
	require.Equal(t, wire.TypeAutoLogin, frame["type"])
	payload, ok := frame["session_data"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "session=stored", payload["session_cookie"])
	require.Equal(t, true, payload["loggedin"])
	require.Equal(t, "traveller", payload["role"])
}

func TestBindFormLogin(t *testing.T) {
	e := newBrokerEnv(t)
	e.idp.loginResult = &idp.LoginResult{
		SessionCookie: "session=fresh",
		UserInfo:      json.RawMessage(`{"user_id": 42, "username": "alice_nsn"}`),
	}
	a := e.connect(t, agent.Identity{
		ClientID: "client-1", UserID: "user-1", Username: "alice", NodeID: "node-1",
	})
	a.setResponder(ackAutoLogin("user-1"))

	resp := e.broker.HandleBind(context.Background(), &BindRequest{
		UserID: "user-1", Username: "alice", RequestType: RequestTypeBind,
		Account: "alice_nsn", Password: "hunter22",
	})
	require.True(t, resp.Success)
	require.Equal(t, "NSN form login successful and session sent to C-Client", resp.Message)
	require.Equal(t, [2]string{"alice_nsn", "hunter22"}, e.idp.loginCalls[0])

	cookie := e.store.storedCookie("user-1")
	require.NotNil(t, cookie)
	require.Equal(t, "alice_nsn", cookie.Username)
}

func TestBindFormLoginRejected(t *testing.T) {
	e := newBrokerEnv(t)
	e.idp.loginErr = trace.AccessDenied("login failed with HTTP 401")

	resp := e.broker.HandleBind(context.Background(), &BindRequest{
		UserID: "user-1", Username: "alice", RequestType: RequestTypeBind,
		Account: "alice_nsn", Password: "wrong",
	})
	require.False(t, resp.Success)
	require.Equal(t, "Wrong account or password, please try again or sign up with NMP", resp.Error)
}

func TestBindStoredAccountWithoutPassword(t *testing.T) {
	e := newBrokerEnv(t)
	require.NoError(t, e.store.UpsertAccount(context.Background(), storage.Account{
		UserID: "user-1", Username: "alice", Account: "alice_nsn",
	}))

	resp := e.broker.HandleBind(context.Background(), &BindRequest{
		UserID: "user-1", Username: "alice", RequestType: RequestTypeSignup,
	})
	require.False(t, resp.Success)
	require.Equal(t, "No valid NSN credentials found. Please sign up with NMP first.", resp.Error)
}

func TestBindUnknownUserFailsTheLadder(t *testing.T) {
	e := newBrokerEnv(t)
	resp := e.broker.HandleBind(context.Background(), &BindRequest{
		UserID: "user-9", Username: "nobody", RequestType: RequestTypeBind,
	})
	require.False(t, resp.Success)
	require.Equal(t, "Wrong account or password, please try again or sign up with NMP", resp.Error)
}

func TestBindSignupGeneratesAndPersistsCredentials(t *testing.T) {
	e := newBrokerEnv(t)
	e.idp.signupResult = &idp.LoginResult{SessionCookie: "session=signup"}
	a := e.connect(t, agent.Identity{
		ClientID: "client-1", UserID: "user-1", Username: "alice", NodeID: "node-1",
	})
	a.setResponder(ackAutoLogin("user-1"))

	resp := e.broker.HandleBind(context.Background(), &BindRequest{
		UserID: "user-1", Username: "alice", RequestType: RequestTypeSignup,
	})
	require.True(t, resp.Success)
	require.Equal(t, "User registered and logged in successfully", resp.Message)

	account, err := e.store.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, account.AutoGenerated)
	require.NotEmpty(t, account.Password)
	require.Equal(t, "auto_signup", account.RegistrationMethod)
}

func TestBindLogoutRunsTheBarrier(t *testing.T) {
	e := newBrokerEnv(t)
	require.NoError(t, e.store.UpsertCookie(context.Background(), storage.Cookie{
		UserID: "user-1", Username: "alice_nsn", Cookie: "session=stored",
	}))

	a1 := e.connect(t, agent.Identity{
		ClientID: "client-1", UserID: "user-1", Username: "alice", NodeID: "node-1",
	})
	a1.setResponder(ackLogout("user-1", "client-1"))
	a2 := e.connect(t, agent.Identity{
		ClientID: "client-2", UserID: "user-1", Username: "alice", NodeID: "node-2",
	})
	a2.setResponder(ackLogout("user-1", "client-2"))

	resp := e.broker.HandleBind(context.Background(), &BindRequest{
		UserID: "user-1", Username: "alice", RequestType: RequestTypeLogout,
	})
	require.True(t, resp.Success)
	require.Equal(t, "User logged out successfully", resp.Message)
	require.Equal(t, 2, resp.ClearedCount)
	require.Equal(t, "user-1", resp.UserID)

	frame := a1.nextFrame(t)
	require.Equal(t, wire.TypeUserLogout, frame["type"])
	api, ok := frame["logout_api"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "https://nsn.example.com/logout", api["url"])
	require.Equal(t, "GET", api["method"])

	require.Nil(t, e.store.storedCookie("user-1"))
	require.True(t, e.store.isLoggedOut("user-1"))
	require.True(t, a1.session.ClosedByLogout())
	require.True(t, a2.session.ClosedByLogout())
	require.Empty(t, e.registry.ForUser("user-1"))
}

func TestBindLogoutTargetsSingleClient(t *testing.T) {
	e := newBrokerEnv(t)
	a1 := e.connect(t, agent.Identity{
		ClientID: "client-1", UserID: "user-1", Username: "alice", NodeID: "node-1",
	})
	a1.setResponder(ackLogout("user-1", "client-1"))
	a2 := e.connect(t, agent.Identity{
		ClientID: "client-2", UserID: "user-1", Username: "alice", NodeID: "node-2",
	})

	resp := e.broker.HandleBind(context.Background(), &BindRequest{
		UserID: "user-1", Username: "alice", RequestType: RequestTypeLogout,
		ClientID: "client-1",
	})
	require.True(t, resp.Success)
	require.Equal(t, 1, resp.ClearedCount)
	require.True(t, a1.session.ClosedByLogout())
	require.False(t, a2.session.ClosedByLogout())
}

func TestConcurrentWaitsEachReceiveFeedback(t *testing.T) {
	e := newBrokerEnv(t)
	a := e.connect(t, agent.Identity{
		ClientID: "client-1", UserID: "user-1", Username: "alice", NodeID: "node-1",
	})
	b := e.broker

	// two deliveries to the same user in flight at once
	first := b.registerWait(b.pushWaits, "user-1")
	second := b.registerWait(b.pushWaits, "user-1")

	b.HandleSessionFeedback(a.session, &wire.SessionFeedback{UserID: "user-1", Success: true})
	require.True(t, first.hasAll([]string{a.session.ID()}))
	require.True(t, second.hasAll([]string{a.session.ID()}))

	// clearing one wait leaves the other registered
	b.clearWait(b.pushWaits, "user-1", first)
	b.mu.Lock()
	remaining := len(b.pushWaits["user-1"])
	b.mu.Unlock()
	require.Equal(t, 1, remaining)

	b.clearWait(b.pushWaits, "user-1", second)
	b.mu.Lock()
	_, present := b.pushWaits["user-1"]
	b.mu.Unlock()
	require.False(t, present)
}

func TestAutoLoginOnRegisterSkipsLoggedOutUser(t *testing.T) {
	e := newBrokerEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.UpsertCookie(ctx, storage.Cookie{
		UserID: "user-1", Username: "alice_nsn", Cookie: "session=stored",
	}))
	require.NoError(t, e.store.UpsertAccount(ctx, storage.Account{
		UserID: "user-1", Username: "alice", Account: "alice_nsn",
		Password: "pw", LoggedOut: true,
	}))

	a := e.connect(t, agent.Identity{
		ClientID: "client-1", UserID: "user-1", Username: "alice", NodeID: "node-1",
	})

	require.NoError(t, e.broker.AutoLoginOnRegister(ctx, a.session))
	select {
	case frame := <-a.frames:
		t.Fatalf("expected no push, got %v", frame["type"])
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAutoLoginOnRegisterPushesStoredCookie(t *testing.T) {
	e := newBrokerEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.UpsertCookie(ctx, storage.Cookie{
		UserID: "user-1", Username: "alice_nsn", Cookie: "session=stored",
	}))

	a := e.connect(t, agent.Identity{
		ClientID: "client-1", UserID: "user-1", Username: "alice", NodeID: "node-1",
	})
	a.setResponder(ackAutoLogin("user-1"))

	require.NoError(t, e.broker.AutoLoginOnRegister(ctx, a.session))
	frame := a.nextFrame(t)
	require.Equal(t, wire.TypeAutoLogin, frame["type"])
}
