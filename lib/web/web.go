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

// Package web exposes the coordinator's HTTP surface: the bind
// endpoint the browser extension calls, an operator snapshot, health
// and metrics.
package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode"
	"github.com/nmplabs/bnode/lib/broker"
	"github.com/nmplabs/bnode/lib/hierarchy"
	"github.com/nmplabs/bnode/lib/httplib"
	"github.com/nmplabs/bnode/lib/registry"
)

// Binder answers bind requests and delivers session frames to an
// online user. Satisfied by broker.Broker.
type Binder interface {
	HandleBind(ctx context.Context, req *broker.BindRequest) *broker.BindResponse
	UpdateCookie(ctx context.Context, userID, username, cookie string, autoRefresh bool) (int, error)
	SyncSession(ctx context.Context, userID string, sessionData json.RawMessage) (int, error)
}

// Config holds the collaborators the API reads from.
type Config struct {
	// Binder handles POST /bind.
	Binder Binder
	// Registry feeds the snapshot endpoint.
	Registry *registry.Registry
	// Hierarchy feeds the snapshot endpoint.
	Hierarchy *hierarchy.Manager
	// Clock is used for timestamps in responses.
	Clock clockwork.Clock
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Binder == nil {
		return trace.BadParameter("missing parameter Binder")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Hierarchy == nil {
		return trace.BadParameter("missing parameter Hierarchy")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler routes the coordinator's HTTP API.
type Handler struct {
	httprouter.Router
	cfg Config
	log *log.Entry
}

// NewHandler builds the API router.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: bnode.ComponentWeb,
		}),
	}

	h.POST("/bind", h.bind)
	h.POST("/cookie-update", httplib.MakeHandler(h.cookieUpdate))
	h.POST("/session-sync", httplib.MakeHandler(h.sessionSync))
	h.GET("/snapshot", httplib.MakeHandler(h.snapshot))
	h.GET("/healthz", httplib.MakeHandler(h.health))
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return h, nil
}

// bind decodes a bind request and hands it to the broker. The broker
// decides the status code and the body shape, so this route bypasses
// MakeHandler.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req broker.BindRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		httplib.ReplyError(w, err)
		return
	}
	resp := h.cfg.Binder.HandleBind(r.Context(), &req)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	h.log.WithFields(log.Fields{
		"user_id": req.UserID,
		"type":    req.RequestType,
		"status":  status,
	}).Debug("Handled bind request.")
	httplib.ReplyJSON(w, status, resp)
}

// cookieUpdate fans a fresh cookie out to a user's live sessions.
func (h *Handler) cookieUpdate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req struct {
		UserID      string `json:"user_id"`
		Username    string `json:"username"`
		Cookie      string `json:"cookie"`
		AutoRefresh bool   `json:"auto_refresh"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.UserID == "" || req.Username == "" || req.Cookie == "" {
		return nil, trace.BadParameter("user_id, username, and cookie are required")
	}
	delivered, err := h.cfg.Binder.UpdateCookie(r.Context(), req.UserID, req.Username, req.Cookie, req.AutoRefresh)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"success":   true,
		"message":   "Cookie update sent to C-Client",
		"user_id":   req.UserID,
		"username":  req.Username,
		"delivered": delivered,
	}, nil
}

// sessionSync mirrors session state to a user's live sessions.
func (h *Handler) sessionSync(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req struct {
		UserID      string          `json:"user_id"`
		SessionData json.RawMessage `json:"session_data"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.UserID == "" {
		return nil, trace.BadParameter("user_id is required")
	}
	delivered, err := h.cfg.Binder.SyncSession(r.Context(), req.UserID, req.SessionData)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"success":   true,
		"message":   "Session sync sent to C-Client",
		"user_id":   req.UserID,
		"delivered": delivered,
	}, nil
}

// snapshotReply is the operator view of the fleet.
type snapshotReply struct {
	Timestamp int64             `json:"timestamp"`
	Registry  registry.Snapshot `json:"registry"`
	Hierarchy hierarchy.Stats   `json:"hierarchy"`
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return snapshotReply{
		Timestamp: h.cfg.Clock.Now().UnixMilli(),
		Registry:  h.cfg.Registry.TakeSnapshot(),
		Hierarchy: h.cfg.Hierarchy.Stats(),
	}, nil
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return map[string]interface{}{"status": "ok"}, nil
}
