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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nmplabs/bnode/lib/broker"
	"github.com/nmplabs/bnode/lib/hierarchy"
	"github.com/nmplabs/bnode/lib/registry"
)

type stubBinder struct {
	got  *broker.BindRequest
	resp *broker.BindResponse

	cookieUser string
	syncUser   string
	delivered  int
	deliverErr error
}

func (s *stubBinder) HandleBind(ctx context.Context, req *broker.BindRequest) *broker.BindResponse {
	s.got = req
	return s.resp
}

func (s *stubBinder) UpdateCookie(ctx context.Context, userID, username, cookie string, autoRefresh bool) (int, error) {
	s.cookieUser = userID
	return s.delivered, s.deliverErr
}

func (s *stubBinder) SyncSession(ctx context.Context, userID string, sessionData json.RawMessage) (int, error) {
	s.syncUser = userID
	return s.delivered, s.deliverErr
}

func newTestHandler(t *testing.T, binder Binder) *httptest.Server {
	reg := registry.New(registry.Config{})
	h, err := NewHandler(Config{
		Binder:    binder,
		Registry:  reg,
		Hierarchy: hierarchy.NewManager(),
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestBindRoutesToBroker(t *testing.T) {
	binder := &stubBinder{resp: &broker.BindResponse{
		Success:            true,
		LoginSuccess:       true,
		CompleteSessionData: `{"session_cookie":"abc"}`,
		Message:            "NSN session saved and sent to C-Client",
	}}
	srv := newTestHandler(t, binder)

	body, err := json.Marshal(map[string]interface{}{
		"user_id":        "user-1",
		"user_name":      "alice",
		"request_type":   broker.RequestTypeBind,
		"session_cookie": "abc",
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/bind", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotNil(t, binder.got)
	require.Equal(t, "user-1", binder.got.UserID)
	require.Equal(t, "alice", binder.got.Username)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, true, out["success"])
	require.Equal(t, true, out["login_success"])
	require.Equal(t, "NSN session saved and sent to C-Client", out["message"])
}

func TestBindPropagatesBrokerStatus(t *testing.T) {
	binder := &stubBinder{resp: &broker.BindResponse{
		Error:  "Cluster verification failed",
		Status: http.StatusForbidden,
	}}
	srv := newTestHandler(t, binder)

	resp, err := http.Post(srv.URL+"/bind", "application/json",
		strings.NewReader(`{"user_id":"user-1","user_name":"alice"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, false, out["success"])
	require.Equal(t, "Cluster verification failed", out["error"])
}

func TestBindRejectsMalformedBody(t *testing.T) {
	srv := newTestHandler(t, &stubBinder{resp: &broker.BindResponse{}})

	resp, err := http.Post(srv.URL+"/bind", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSnapshotReportsEmptyFleet(t *testing.T) {
	srv := newTestHandler(t, &stubBinder{resp: &broker.BindResponse{}})

	resp, err := http.Get(srv.URL + "/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out snapshotReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 0, out.Registry.Users)
	require.Equal(t, 0, out.Registry.Sessions)
	require.Equal(t, 0, out.Hierarchy.TotalConnections)
}

func TestCookieUpdateDelivers(t *testing.T) {
	binder := &stubBinder{delivered: 2}
	srv := newTestHandler(t, binder)

	resp, err := http.Post(srv.URL+"/cookie-update", "application/json",
		strings.NewReader(`{"user_id":"user-1","username":"alice","cookie":"session=abc"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "user-1", binder.cookieUser)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "Cookie update sent to C-Client", out["message"])
	require.Equal(t, float64(2), out["delivered"])
}

func TestCookieUpdateRequiresFields(t *testing.T) {
	srv := newTestHandler(t, &stubBinder{})

	resp, err := http.Post(srv.URL+"/cookie-update", "application/json",
		strings.NewReader(`{"user_id":"user-1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionSyncReportsOfflineUser(t *testing.T) {
	binder := &stubBinder{deliverErr: trace.NotFound("user %q has no live sessions", "user-1")}
	srv := newTestHandler(t, binder)

	resp, err := http.Post(srv.URL+"/session-sync", "application/json",
		strings.NewReader(`{"user_id":"user-1","session_data":{"k":"v"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "user-1", binder.syncUser)
}

func TestHealthz(t *testing.T) {
	srv := newTestHandler(t, &stubBinder{resp: &broker.BindResponse{}})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "ok", out["status"])
}

func TestMetricsExposed(t *testing.T) {
	srv := newTestHandler(t, &stubBinder{resp: &broker.BindResponse{}})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "# HELP")
}
