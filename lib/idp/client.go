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

// Package idp bridges the coordinator to the upstream identity
// provider over its HTML form endpoints. Login success is signalled by
// a 302 redirect, or by a 200 that sets a session cookie.
package idp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode"
	"github.com/nmplabs/bnode/lib/config"
	"github.com/nmplabs/bnode/lib/defaults"
)

var sessionCookieRe = regexp.MustCompile(`session=([^;]+)`)

// Config holds IdP client parameters.
type Config struct {
	// API locates the identity provider endpoints
	API config.API
	// Client is the HTTP client, tests inject their own
	Client *http.Client
	// Clock stamps the nmp_timestamp form field
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and sets defaults. The
// client never follows redirects: the 302 itself is the success
// signal.
func (c *Config) CheckAndSetDefaults() error {
	if c.API.BaseURL == "" {
		return trace.BadParameter("missing parameter API.BaseURL")
	}
	if c.Client == nil {
		c.Client = &http.Client{
			Timeout: defaults.IdPLoginTimeout,
		}
	}
	c.Client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Client talks to the identity provider.
type Client struct {
	cfg Config
	log *log.Entry
}

// New returns an IdP client.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: bnode.ComponentIdP,
		}),
	}, nil
}

// LoginResult is the outcome of a credential-form login.
type LoginResult struct {
	// SessionCookie is the full "session=..." cookie pair
	SessionCookie string
	// RedirectURL is where the IdP sent the browser on success
	RedirectURL string
	// UserInfo is the IdP's view of the signed-in user
	UserInfo json.RawMessage
}

// LoginParams carry the NMP context fields attached to a brokered
// login form.
type LoginParams struct {
	BindType    string
	AutoRefresh bool
	ClientType  string
	Extra       map[string]string
}

// Login posts the credential form and extracts the session cookie.
func (c *Client) Login(ctx context.Context, username, password string, params LoginParams) (*LoginResult, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	c.applyNMPParams(form, params)

	resp, err := c.postForm(ctx, c.cfg.API.LoginURL(), form, defaults.IdPLoginTimeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cookie := extractSessionCookie(resp)
	success := resp.StatusCode == http.StatusFound ||
		(resp.StatusCode == http.StatusOK && cookie != "")
	if !success {
		return nil, trace.AccessDenied("login failed with HTTP %v", resp.StatusCode)
	}

	result := &LoginResult{
		SessionCookie: cookie,
		RedirectURL:   resp.Header.Get("Location"),
	}
	if info, err := c.CurrentUser(ctx, cookie); err == nil {
		result.UserInfo = info
	} else {
		c.log.WithError(err).Debug("Could not fetch user info after login.")
	}
	return result, nil
}

// Signup creates an account and signs it in. Returns the login result
// along with the credentials that were generated, so they can be
// stored for future binds.
func (c *Client) Signup(ctx context.Context, data SignupData, params LoginParams) (*LoginResult, string, string, error) {
	password, err := GeneratePassword()
	if err != nil {
		return nil, "", "", trace.Wrap(err)
	}
	username, err := UniqueUsername(data.Username)
	if err != nil {
		return nil, "", "", trace.Wrap(err)
	}
	result, err := c.SignupWithCredentials(ctx, username, password, data, params)
	if err != nil {
		return nil, "", "", trace.Wrap(err)
	}
	return result, username, password, nil
}

// SignupWithCredentials creates an account under caller-chosen
// credentials. The signup post is fire and forget on a short timeout;
// the follow-up login decides success. Callers persist the credentials
// before invoking so a half-completed signup can be retried.
func (c *Client) SignupWithCredentials(ctx context.Context, username, password string, data SignupData, params LoginParams) (*LoginResult, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("email", data.Email)
	form.Set("first_name", data.FirstName)
	form.Set("last_name", data.LastName)
	form.Set("location", data.Location)
	form.Set("password", password)
	form.Set("confirm_password", password)
	c.applyNMPParams(form, params)

	if _, err := c.postForm(ctx, c.cfg.API.SignupURL(), form, defaults.IdPSignupTimeout); err != nil {
		// The signup endpoint renders HTML and may be slow. Whether the
		// account exists is decided by the login below.
		c.log.WithError(err).Debug("Signup post did not complete cleanly.")
	}

	result, err := c.Login(ctx, username, password, params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

// SignupData is the profile a new account is created with.
type SignupData struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
	Location  string
}

// NSNSession is live browser session state reported by the IdP.
type NSNSession struct {
	SessionCookie string `json:"session_cookie"`
	UserID        string `json:"nsn_user_id"`
	Username      string `json:"nsn_username"`
}

// SessionData asks the IdP whether it holds live session state that
// can be bound without credentials. Returns NotFound when there is
// none.
func (c *Client) SessionData(ctx context.Context) (*NSNSession, error) {
	ctx, cancel := context.WithTimeout(ctx, defaults.IdPSessionDataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.API.SessionDataURL(), nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "session data request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, trace.NotFound("no session data available, HTTP %v", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var payload struct {
		Success bool `json:"success"`
		NSNSession
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, trace.BadParameter("malformed session data response: %v", err)
	}
	if !payload.Success || payload.SessionCookie == "" {
		return nil, trace.NotFound("no session data available")
	}
	return &payload.NSNSession, nil
}

// Logout clears the server-side session for a cookie.
func (c *Client) Logout(ctx context.Context, sessionCookie string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.API.LogoutURL(), nil)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Cookie", normalizeCookie(sessionCookie))
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "logout request failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// CurrentUser returns the IdP's view of the user a cookie belongs to.
func (c *Client) CurrentUser(ctx context.Context, sessionCookie string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.API.BaseURL+"/api/current-user", nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if sessionCookie != "" {
		req.Header.Set("Cookie", normalizeCookie(sessionCookie))
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "user info request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, trace.AccessDenied("user info request failed with HTTP %v", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return json.RawMessage(body), nil
}

func (c *Client) applyNMPParams(form url.Values, params LoginParams) {
	bindType := params.BindType
	if bindType == "" {
		bindType = "bind"
	}
	clientType := params.ClientType
	if clientType == "" {
		clientType = "c-client"
	}
	form.Set("nmp_bind", "true")
	form.Set("nmp_bind_type", bindType)
	form.Set("nmp_auto_refresh", strconv.FormatBool(params.AutoRefresh))
	form.Set("nmp_client_type", clientType)
	form.Set("nmp_timestamp", strconv.FormatInt(c.cfg.Clock.Now().UnixMilli(), 10))
	for k, v := range params.Extra {
		form.Set(k, v)
	}
}

// postForm submits a urlencoded form and drains the response body.
// Only the response status and headers matter to callers.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "request to %v failed", endpoint)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp, nil
}

// extractSessionCookie pulls the "session=..." pair out of any
// Set-Cookie header on the response.
func extractSessionCookie(resp *http.Response) string {
	for _, raw := range resp.Header.Values("Set-Cookie") {
		if m := sessionCookieRe.FindStringSubmatch(raw); m != nil {
			return "session=" + m[1]
		}
	}
	return ""
}

func normalizeCookie(cookie string) string {
	if cookie != "" && !strings.HasPrefix(cookie, "session=") {
		return "session=" + cookie
	}
	return cookie
}
