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

package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/nmplabs/bnode/lib/agent"
	"github.com/nmplabs/bnode/lib/storage"
	"github.com/nmplabs/bnode/lib/wire"
)

// newSession dials a loopback websocket and wraps the server side in a
// served agent session.
func newSession(t *testing.T, ident agent.Identity) *agent.Session {
	t.Helper()

	upgrader := websocket.Upgrader{}
	sessions := make(chan *agent.Session, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		s, err := agent.New(agent.Config{
			Conn:     conn,
			Identity: ident,
			Handler:  func(*agent.Session, *wire.Envelope) {},
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

	select {
	case s := <-sessions:
		t.Cleanup(s.Close)
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out establishing test session")
		return nil
	}
}

type fakePairing struct {
	records map[string]*storage.PairingRecord
}

func (f *fakePairing) Redeem(ctx context.Context, code string) (*storage.PairingRecord, error) {
	if r, ok := f.records[code]; ok {
		delete(f.records, code)
		return r, nil
	}
	return nil, trace.NotFound("no pairing record for code")
}

func register(t *testing.T, r *Registry, s *agent.Session) *Outcome {
	t.Helper()
	ident := s.Identity()
	outcome, err := r.Register(context.Background(), s, &wire.RegisterRequest{
		Type:     wire.TypeRegister,
		ClientID: ident.ClientID,
		UserID:   ident.UserID,
		Username: ident.Username,
		NodeID:   ident.NodeID,
	})
	require.NoError(t, err)
	return outcome
}

func TestRegisterAccepted(t *testing.T) {
	r := New(Config{})
	s := newSession(t, agent.Identity{ClientID: "c-1", UserID: "u-1", Username: "alice", NodeID: "n-1"})

	outcome := register(t, r, s)
	require.Equal(t, DecisionAccepted, outcome.Decision)
	require.Len(t, r.ForUser("u-1"), 1)
	require.Equal(t, 1, r.UserCount())
}

func TestExactDuplicateKeepsExisting(t *testing.T) {
	r := New(Config{})
	first := newSession(t, agent.Identity{ClientID: "c-1", UserID: "u-1", Username: "alice", NodeID: "n-1"})
	second := newSession(t, agent.Identity{ClientID: "c-1", UserID: "u-1", Username: "alice", NodeID: "n-1"})

	require.Equal(t, DecisionAccepted, register(t, r, first).Decision)

	outcome := register(t, r, second)
	require.Equal(t, DecisionDuplicate, outcome.Decision)
	require.Equal(t, first, outcome.Existing)
	require.Len(t, r.ForUser("u-1"), 1)
}

func TestSameNodeDifferentUserRebinds(t *testing.T) {
	r := New(Config{})
	first := newSession(t, agent.Identity{ClientID: "c-1", UserID: "u-1", Username: "alice", NodeID: "n-1"})
	second := newSession(t, agent.Identity{ClientID: "c-1", UserID: "u-2", Username: "bob", NodeID: "n-1"})

	register(t, r, first)
	outcome := register(t, r, second)

	require.Equal(t, DecisionRebound, outcome.Decision)
	require.Equal(t, first, outcome.Existing)
	require.Equal(t, "u-2", first.Identity().UserID)
	require.Empty(t, r.ForUser("u-1"))
	require.Len(t, r.ForUser("u-2"), 1)
}

func TestDifferentNodeRejected(t *testing.T) {
	r := New(Config{})
	first := newSession(t, agent.Identity{ClientID: "c-1", UserID: "u-1", Username: "alice", NodeID: "n-1"})
	second := newSession(t, agent.Identity{ClientID: "c-1", UserID: "u-1", Username: "alice", NodeID: "n-2"})

	register(t, r, first)
	outcome := register(t, r, second)

	require.Equal(t, DecisionRejected, outcome.Decision)
	require.Equal(t, "n-1", outcome.ExistingNodeID)
}

func TestPairingCodeRegistersNewDevice(t *testing.T) {
	pairing := &fakePairing{records: map[string]*storage.PairingRecord{
		"AbCdEfGh": {
			UserID: "u-1", Username: "alice",
			DomainID: "d-1", ClusterID: "cl-1", ChannelID: "ch-1",
		},
	}}
	r := New(Config{Pairing: pairing})

	other := newSession(t, agent.Identity{ClientID: "c-1", UserID: "u-1", Username: "alice", NodeID: "n-1"})
	register(t, r, other)
	// a stale binding left behind by the same client install
	stale := newSession(t, agent.Identity{ClientID: "c-2", UserID: "u-9", Username: "mallory", NodeID: "n-9"})
	register(t, r, stale)

	// the new device presents the code in place of a username
	fresh := newSession(t, agent.Identity{ClientID: "c-2", UserID: "", Username: "AbCdEfGh", NodeID: "n-2"})
	outcome, err := r.Register(context.Background(), fresh, &wire.RegisterRequest{
		ClientID: "c-2", NodeID: "n-2", Username: "AbCdEfGh",
	})
	require.NoError(t, err)

	require.Equal(t, DecisionNewDevice, outcome.Decision)
	require.Equal(t, "u-1", outcome.Pairing.UserID)
	require.Equal(t, "u-1", fresh.Identity().UserID)
	require.Equal(t, "ch-1", fresh.Identity().ChannelID)

	// the client's stale binding was evicted
	require.Empty(t, r.ForUser("u-9"))
	// the user's other device stays connected
	sessions := r.ForUser("u-1")
	require.Len(t, sessions, 2)
	require.Contains(t, sessions, other)
	require.Contains(t, sessions, fresh)
}

func TestRemoveAndCleanup(t *testing.T) {
	r := New(Config{})
	s := newSession(t, agent.Identity{ClientID: "c-1", UserID: "u-1", Username: "alice", NodeID: "n-1"})
	register(t, r, s)

	s.Close()
	removed := r.CleanupInvalid()
	require.Equal(t, 1, removed)
	require.Zero(t, r.UserCount())
}
