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

// Package broker decides when stored upstream sessions are pushed to
// agents. It serves the bind API ladder: stored cookies, live IdP
// sessions, credential logins and automatic signup, gated by cluster
// attestation when the agent has a channel placement, and runs the
// logout barrier that evicts every session of a user.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode"
	"github.com/nmplabs/bnode/lib/agent"
	"github.com/nmplabs/bnode/lib/config"
	"github.com/nmplabs/bnode/lib/hierarchy"
	"github.com/nmplabs/bnode/lib/idp"
	"github.com/nmplabs/bnode/lib/registry"
	"github.com/nmplabs/bnode/lib/storage"
)

// Upstream site identity delivered to agents with pushed sessions.
const (
	siteName         = "NSN"
	sessionPartition = "persist:nsn"
)

// Bind request types.
const (
	// RequestTypeSignup creates an upstream account when none exists
	RequestTypeSignup = 0
	// RequestTypeBind is a manual login, it overrides the logout flag
	RequestTypeBind = 1
	// RequestTypeLogout evicts every session of the user
	RequestTypeLogout = 2
)

// Store is the slice of the storage layer the broker uses.
type Store interface {
	GetCookie(ctx context.Context, userID string) (*storage.Cookie, error)
	UpsertCookie(ctx context.Context, c storage.Cookie) error
	DeleteCookies(ctx context.Context, userID string) error
	GetAccount(ctx context.Context, userID string) (*storage.Account, error)
	UpsertAccount(ctx context.Context, a storage.Account) error
	SetLoggedOut(ctx context.Context, userID string, loggedOut bool) error
}

// IdentityProvider is the slice of the IdP bridge the broker uses.
type IdentityProvider interface {
	Login(ctx context.Context, username, password string, params idp.LoginParams) (*idp.LoginResult, error)
	SignupWithCredentials(ctx context.Context, username, password string, data idp.SignupData, params idp.LoginParams) (*idp.LoginResult, error)
	SessionData(ctx context.Context) (*idp.NSNSession, error)
}

// Config holds broker parameters.
type Config struct {
	// Registry locates the user's sessions
	Registry *registry.Registry
	// Hierarchy provides the channel pools for attestation
	Hierarchy *hierarchy.Manager
	// Store persists cookies and accounts
	Store Store
	// IdP bridges to the upstream identity provider
	IdP IdentityProvider
	// API locates the upstream site
	API config.API
	// Clock is used for push and barrier deadlines
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Hierarchy == nil {
		return trace.BadParameter("missing parameter Hierarchy")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.IdP == nil {
		return trace.BadParameter("missing parameter IdP")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Broker is the session broker.
type Broker struct {
	cfg      Config
	log      *log.Entry
	attestor *Attestor

	mu          sync.Mutex
	pushWaits   map[string][]*ackSet
	logoutWaits map[string][]*ackSet
}

// New returns a broker.
func New(cfg Config) (*Broker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Broker{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: bnode.ComponentBroker,
		}),
		attestor:    NewAttestor(cfg.Hierarchy, cfg.Clock),
		pushWaits:   make(map[string][]*ackSet),
		logoutWaits: make(map[string][]*ackSet),
	}, nil
}

// BindRequest is the body of a POST /bind call.
type BindRequest struct {
	UserID      string `json:"user_id"`
	Username    string `json:"user_name"`
	RequestType int    `json:"request_type"`

	DomainID    string `json:"domain_id,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	AutoRefresh bool   `json:"auto_refresh,omitempty"`

	Account  string `json:"account,omitempty"`
	Password string `json:"password,omitempty"`

	// Session state the caller already obtained upstream
	SessionCookie string `json:"session_cookie,omitempty"`
	NSNUserID     string `json:"nsn_user_id,omitempty"`
	NSNUsername   string `json:"nsn_username,omitempty"`
}

// BindResponse is the body of a bind reply. Status is the HTTP status
// the web layer writes and is not part of the body itself.
type BindResponse struct {
	Success             bool   `json:"success"`
	LoginSuccess        bool   `json:"login_success,omitempty"`
	CompleteSessionData string `json:"complete_session_data,omitempty"`
	Message             string `json:"message,omitempty"`
	Error               string `json:"error,omitempty"`

	ClearedCount int    `json:"cleared_count,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Username     string `json:"username,omitempty"`

	Status int `json:"-"`
}

func successResponse(cookie, message string) *BindResponse {
	return &BindResponse{
		Success:             true,
		LoginSuccess:        true,
		CompleteSessionData: cookie,
		Message:             message,
		Status:              http.StatusOK,
	}
}

func errorResponse(message string, status int) *BindResponse {
	return &BindResponse{Success: false, Error: message, Status: status}
}

// HandleBind resolves one bind call. The ladder is ordered: logout,
// caller-provided session, stored cookie, live IdP session, credential
// form login, stored account login, signup.
func (b *Broker) HandleBind(ctx context.Context, req *BindRequest) *BindResponse {
	if req.UserID == "" || req.Username == "" {
		return errorResponse("user_id and user_name are required", http.StatusBadRequest)
	}

	logger := b.log.WithFields(log.Fields{
		"user_id": req.UserID, "request_type": req.RequestType,
	})
	logger.Info("Bind request received.")

	if req.RequestType == RequestTypeLogout {
		return b.handleLogoutRequest(ctx, req)
	}

	if req.SessionCookie != "" && req.NSNUserID != "" && req.NSNUsername != "" {
		return b.handleProvidedSession(ctx, req)
	}

	if resp := b.handleExistingCookie(ctx, req); resp != nil {
		return resp
	}

	if req.Account == "" && req.Password == "" && req.RequestType == RequestTypeBind {
		if resp := b.handleUpstreamSessionCheck(ctx, req); resp != nil {
			return resp
		}
	}

	if req.Account != "" && req.Password != "" {
		return b.handleFormLogin(ctx, req)
	}

	if resp := b.handleStoredAccountLogin(ctx, req); resp != nil {
		return resp
	}

	if req.RequestType == RequestTypeSignup {
		return b.handleSignup(ctx, req)
	}

	logger.Warn("Bind request exhausted the ladder without a usable account.")
	return errorResponse("Wrong account or password, please try again or sign up with NMP", http.StatusBadRequest)
}

func (b *Broker) handleLogoutRequest(ctx context.Context, req *BindRequest) *BindResponse {
	cleared, err := b.Logout(ctx, req.UserID, req.Username, req.ClientID)
	if err != nil {
		b.log.WithError(err).Error("Logout failed.")
		return errorResponse(fmt.Sprintf("Logout failed: %v", err), http.StatusInternalServerError)
	}
	return &BindResponse{
		Success:      true,
		Message:      "User logged out successfully",
		ClearedCount: cleared,
		UserID:       req.UserID,
		Username:     req.Username,
		Status:       http.StatusOK,
	}
}

// handleProvidedSession accepts session state the caller obtained by
// signing in upstream directly.
func (b *Broker) handleProvidedSession(ctx context.Context, req *BindRequest) *BindResponse {
	err := b.saveAndPush(ctx, sessionParams{
		UserID:      req.UserID,
		NSNUserID:   req.NSNUserID,
		NSNUsername: req.NSNUsername,
		Cookie:      req.SessionCookie,
		NodeID:      req.NodeID,
		ChannelID:   req.ChannelID,
		AutoRefresh: req.AutoRefresh,
	})
	if err != nil {
		return errorResponse("Failed to save session to database", http.StatusInternalServerError)
	}
	return successResponse(req.SessionCookie, "NSN session saved and sent to C-Client")
}

// handleExistingCookie pushes a stored cookie back to the agent. With
// a channel placement the push is gated by attestation. Returns nil
// when no cookie is stored so the ladder continues.
func (b *Broker) handleExistingCookie(ctx context.Context, req *BindRequest) *BindResponse {
	cookie, err := b.cfg.Store.GetCookie(ctx, req.UserID)
	if err != nil {
		if !trace.IsNotFound(err) {
			b.log.WithError(err).Warn("Cookie lookup failed.")
		}
		return nil
	}

	channelID, nodeID := req.ChannelID, req.NodeID
	joiner := b.firstSession(req.UserID)
	if joiner != nil {
		ident := joiner.Identity()
		if channelID == "" {
			channelID = ident.ChannelID
		}
		if nodeID == "" {
			nodeID = ident.NodeID
		}
	}

	if err := b.cfg.Store.SetLoggedOut(ctx, req.UserID, false); err != nil {
		b.log.WithError(err).Warn("Could not reset logout flag.")
	}

	p := sessionParams{
		UserID:      req.UserID,
		NSNUsername: cookie.Username,
		Cookie:      cookie.Cookie,
		NodeID:      nodeID,
		ChannelID:   channelID,
		AutoRefresh: cookie.AutoRefresh,
	}

	if joiner != nil && channelID != "" && nodeID != "" {
		verdict := b.attestor.Verify(ctx, joiner, req.UserID, channelID)
		if !verdict.Passed {
			return errorResponse("Cluster verification failed", http.StatusForbidden)
		}
		p.Verdict = verdict
		if err := b.pushSession(ctx, p); err != nil {
			b.log.WithError(err).Warn("Verified push was not acknowledged.")
			return errorResponse("Cluster verification failed", http.StatusForbidden)
		}
		return successResponse(cookie.Cookie, "Existing session found and sent to C-Client after verification")
	}

	// no live placement, push without attestation; delivery failure is
	// tolerated because the cookie stays stored for the next register
	if err := b.pushSession(ctx, p); err != nil {
		b.log.WithError(err).Debug("Stored cookie push was not acknowledged.")
	}
	return successResponse(cookie.Cookie, "Existing session found and sent to C-Client")
}

// handleUpstreamSessionCheck asks the IdP for live session state when
// a bind arrives without credentials. Returns nil when the IdP has
// nothing so the ladder continues.
func (b *Broker) handleUpstreamSessionCheck(ctx context.Context, req *BindRequest) *BindResponse {
	sess, err := b.cfg.IdP.SessionData(ctx)
	if err != nil {
		if !trace.IsNotFound(err) {
			b.log.WithError(err).Debug("Session data probe failed.")
		}
		return nil
	}
	err = b.saveAndPush(ctx, sessionParams{
		UserID:      req.UserID,
		NSNUserID:   sess.UserID,
		NSNUsername: sess.Username,
		Cookie:      sess.SessionCookie,
		NodeID:      req.NodeID,
		ChannelID:   req.ChannelID,
		AutoRefresh: req.AutoRefresh,
	})
	if err != nil {
		return errorResponse("Failed to save NSN session to database", http.StatusInternalServerError)
	}
	return successResponse(sess.SessionCookie, "NSN session retrieved and sent to C-Client")
}

func (b *Broker) handleFormLogin(ctx context.Context, req *BindRequest) *BindResponse {
	result, err := b.cfg.IdP.Login(ctx, req.Account, req.Password, b.loginParams(req))
	if err != nil {
		b.log.WithError(err).Info("Form login rejected by IdP.")
		return errorResponse("Wrong account or password, please try again or sign up with NMP", http.StatusBadRequest)
	}
	nsnUserID, nsnUsername := upstreamIdentity(result, req)
	err = b.saveAndPush(ctx, sessionParams{
		UserID:      req.UserID,
		NSNUserID:   nsnUserID,
		NSNUsername: nsnUsername,
		Cookie:      result.SessionCookie,
		NodeID:      req.NodeID,
		ChannelID:   req.ChannelID,
		AutoRefresh: req.AutoRefresh,
	})
	if err != nil {
		return errorResponse("Failed to save session to database", http.StatusInternalServerError)
	}
	return successResponse(result.SessionCookie, "NSN form login successful and session sent to C-Client")
}

// handleStoredAccountLogin replays stored credentials against the IdP.
// Returns nil when no account is stored so the ladder continues.
func (b *Broker) handleStoredAccountLogin(ctx context.Context, req *BindRequest) *BindResponse {
	account, err := b.cfg.Store.GetAccount(ctx, req.UserID)
	if err != nil {
		if !trace.IsNotFound(err) {
			b.log.WithError(err).Warn("Account lookup failed.")
		}
		return nil
	}

	// auto-login honors the logout flag, a manual bind overrides it
	if req.RequestType != RequestTypeBind && account.LoggedOut {
		return nil
	}

	if account.Password == "" {
		return errorResponse("No valid NSN credentials found. Please sign up with NMP first.", http.StatusBadRequest)
	}

	result, err := b.cfg.IdP.Login(ctx, account.Account, account.Password, b.loginParams(req))
	if err != nil {
		b.log.WithError(err).Warn("Stored account login rejected by IdP.")
		return errorResponse("Login failed with existing account", http.StatusBadRequest)
	}

	nsnUserID, nsnUsername := upstreamIdentity(result, req)
	err = b.saveAndPush(ctx, sessionParams{
		UserID:      req.UserID,
		NSNUserID:   nsnUserID,
		NSNUsername: nsnUsername,
		Cookie:      result.SessionCookie,
		NodeID:      req.NodeID,
		ChannelID:   req.ChannelID,
		AutoRefresh: req.AutoRefresh,
	})
	if err != nil {
		return errorResponse("Failed to save session to database", http.StatusInternalServerError)
	}
	return successResponse(result.SessionCookie, "Logged in with existing account and session sent to C-Client")
}

// handleSignup creates an upstream account under generated
// credentials. The credentials are persisted before the signup attempt
// so a half-completed signup can be retried with the same account.
func (b *Broker) handleSignup(ctx context.Context, req *BindRequest) *BindResponse {
	var username, password string
	fresh := false

	account, err := b.cfg.Store.GetAccount(ctx, req.UserID)
	switch {
	case err == nil:
		username, password = account.Account, account.Password
	case trace.IsNotFound(err):
		if username, err = idp.UniqueUsername(req.Username); err != nil {
			return errorResponse("Failed to create account", http.StatusInternalServerError)
		}
		if password, err = idp.GeneratePassword(); err != nil {
			return errorResponse("Failed to create account", http.StatusInternalServerError)
		}
		err = b.cfg.Store.UpsertAccount(ctx, storage.Account{
			UserID:             req.UserID,
			Username:           req.Username,
			Account:            username,
			Password:           password,
			Email:              username + "@nomorepassword.local",
			RegistrationMethod: "auto_signup",
			AutoGenerated:      true,
		})
		if err != nil {
			b.log.WithError(err).Error("Could not persist generated credentials.")
			return errorResponse("Failed to create account", http.StatusInternalServerError)
		}
		fresh = true
	default:
		b.log.WithError(err).Error("Account lookup failed.")
		return errorResponse("Failed to create account", http.StatusInternalServerError)
	}

	params := b.loginParams(req)
	var result *idp.LoginResult
	if fresh {
		result, err = b.cfg.IdP.SignupWithCredentials(ctx, username, password, signupData(username, req.Username), params)
	} else {
		result, err = b.cfg.IdP.Login(ctx, username, password, params)
	}
	if err != nil {
		b.log.WithError(err).Warn("Signup login round failed.")
		return errorResponse("Signup to website failed: Login failed after registration", http.StatusBadRequest)
	}

	nsnUserID, nsnUsername := upstreamIdentity(result, req)
	if nsnUsername == req.Username {
		nsnUsername = username
	}
	err = b.saveAndPush(ctx, sessionParams{
		UserID:      req.UserID,
		NSNUserID:   nsnUserID,
		NSNUsername: nsnUsername,
		Cookie:      result.SessionCookie,
		NodeID:      req.NodeID,
		ChannelID:   req.ChannelID,
		AutoRefresh: req.AutoRefresh,
	})
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to save session: %v", err), http.StatusInternalServerError)
	}
	return successResponse(result.SessionCookie, "User registered and logged in successfully")
}

// AutoLoginOnRegister pushes the stored session to a freshly
// registered agent. A user who logged out on purpose is not silently
// signed back in, and an agent with a channel placement must pass
// attestation first.
func (b *Broker) AutoLoginOnRegister(ctx context.Context, s *agent.Session) error {
	ident := s.Identity()
	if ident.UserID == "" {
		return nil
	}
	cookie, err := b.cfg.Store.GetCookie(ctx, ident.UserID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	if account, err := b.cfg.Store.GetAccount(ctx, ident.UserID); err == nil && account.LoggedOut {
		b.log.WithFields(log.Fields{"user_id": ident.UserID}).Debug("User logged out, skipping auto login.")
		return nil
	}

	p := sessionParams{
		UserID:      ident.UserID,
		NSNUsername: cookie.Username,
		Cookie:      cookie.Cookie,
		NodeID:      ident.NodeID,
		ChannelID:   ident.ChannelID,
		AutoRefresh: cookie.AutoRefresh,
	}
	if ident.ChannelID != "" && ident.NodeID != "" {
		verdict := b.attestor.Verify(ctx, s, ident.UserID, ident.ChannelID)
		if !verdict.Passed {
			return trace.AccessDenied("cluster verification failed for user %q", ident.UserID)
		}
		p.Verdict = verdict
	}
	return trace.Wrap(b.pushSession(ctx, p))
}

func (b *Broker) loginParams(req *BindRequest) idp.LoginParams {
	return idp.LoginParams{
		AutoRefresh: req.AutoRefresh,
		Extra: map[string]string{
			"nmp_user_id":  req.UserID,
			"nmp_username": req.Username,
			"nmp_injected": "true",
		},
	}
}

// firstSession returns one valid session of the user, or nil.
func (b *Broker) firstSession(userID string) *agent.Session {
	sessions := b.cfg.Registry.ForUser(userID)
	if len(sessions) == 0 {
		return nil
	}
	return sessions[0]
}

func signupData(username, displayName string) idp.SignupData {
	first, _, _ := strings.Cut(displayName, "-")
	return idp.SignupData{
		Username:  username,
		Email:     username + "@nomorepassword.local",
		FirstName: first,
		LastName:  "NMP User",
		Location:  "Unknown",
	}
}

// upstreamIdentity extracts the IdP's view of the user from a login
// result, falling back to the bind identity.
func upstreamIdentity(result *idp.LoginResult, req *BindRequest) (userID, username string) {
	userID, username = req.UserID, req.Username
	if len(result.UserInfo) == 0 {
		return userID, username
	}
	var info struct {
		UserID   interface{} `json:"user_id"`
		Username string      `json:"username"`
	}
	if err := json.Unmarshal(result.UserInfo, &info); err != nil {
		return userID, username
	}
	if info.UserID != nil {
		userID = fmt.Sprint(info.UserID)
	}
	if info.Username != "" {
		username = info.Username
	}
	return userID, username
}
