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

// Package config loads the coordinator configuration file. The file is
// JSON with comments, parsed through jsonco, and selects one of several
// named environments at startup.
package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/gravitational/trace"
	"github.com/tinode/jsonco"

	"github.com/nmplabs/bnode"
	"github.com/nmplabs/bnode/lib/defaults"
	"github.com/nmplabs/bnode/lib/urlfilter"
)

// Config is the parsed coordinator configuration.
type Config struct {
	// CurrentEnvironment selects an entry from Environments. The
	// BNODE_ENV environment variable overrides it.
	CurrentEnvironment string `json:"current_environment"`

	// Environments holds the per-environment upstream settings
	Environments map[string]Environment `json:"environments"`

	// Network controls which IP agents are told to dial back
	Network Network `json:"network"`

	// Database configures the MySQL session store
	Database Database `json:"database"`

	// URLFiltering restricts which activity URLs are fanned out
	URLFiltering urlfilter.Config `json:"url_filtering"`
}

// Environment is a named upstream configuration.
type Environment struct {
	// Name is a human readable label
	Name string `json:"name"`

	// API points at the upstream identity provider
	API API `json:"api"`

	// WebSocket configures the agent-facing listener
	WebSocket WebSocket `json:"websocket"`

	// HTTP configures the bind API listener
	HTTP HTTP `json:"http"`
}

// API locates the upstream identity provider.
type API struct {
	// BaseURL is the IdP origin, without a trailing slash
	BaseURL string `json:"nsn_url"`
	Host    string `json:"nsn_host"`
	Port    int    `json:"nsn_port"`
}

// LoginURL is the credential-form login endpoint.
func (a API) LoginURL() string { return a.BaseURL + "/login" }

// SignupURL is the account creation endpoint.
func (a API) SignupURL() string { return a.BaseURL + "/signup" }

// LogoutURL is the server-side session cleanup endpoint.
func (a API) LogoutURL() string { return a.BaseURL + "/logout" }

// SessionDataURL returns stored session state for a user.
func (a API) SessionDataURL() string { return a.BaseURL + "/api/nmp-session-data" }

// RootURL is the site root with a trailing slash, as delivered to
// agents in logout instructions.
func (a API) RootURL() string {
	if strings.HasSuffix(a.BaseURL, "/") {
		return a.BaseURL
	}
	return a.BaseURL + "/"
}

// WebSocket configures the agent-facing listener.
type WebSocket struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"server_host"`
	Port    int    `json:"server_port"`
}

// HTTP configures the bind API listener.
type HTTP struct {
	Host string `json:"server_host"`
	Port int    `json:"server_port"`
}

// Network controls the address agents are told to dial back on
// multi-homed hosts.
type Network struct {
	UsePublicIP bool   `json:"use_public_ip"`
	PublicIP    string `json:"public_ip"`
	LocalIP     string `json:"local_ip"`
}

// AdvertiseIP returns the address handed out to agents.
func (n Network) AdvertiseIP() string {
	if n.UsePublicIP && n.PublicIP != "" {
		return n.PublicIP
	}
	if n.LocalIP != "" {
		return n.LocalIP
	}
	return defaults.BindIP
}

// Database configures the MySQL session store.
type Database struct {
	// DSN is a go-sql-driver/mysql data source name
	DSN string `json:"dsn"`
	// MaxOpenConns caps the connection pool, 0 means driver default
	MaxOpenConns int `json:"max_open_conns"`
}

// ReadFromFile loads and validates a configuration file.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()

	var cfg Config
	jr := jsonco.New(f)
	if err := json.NewDecoder(jr).Decode(&cfg); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, trace.BadParameter("failed to parse config %v at %d:%d: %v", path, lnum, cnum, jerr)
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, trace.BadParameter("failed to parse config %v at %d:%d: %v", path, lnum, cnum, jerr)
		default:
			return nil, trace.BadParameter("failed to parse config %v: %v", path, err)
		}
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults for optional fields.
func (c *Config) CheckAndSetDefaults() error {
	if env := os.Getenv(bnode.EnvVarEnvironment); env != "" {
		c.CurrentEnvironment = env
	}
	if c.CurrentEnvironment == "" {
		c.CurrentEnvironment = "local"
	}
	if len(c.Environments) == 0 {
		return trace.BadParameter("config defines no environments")
	}
	env, ok := c.Environments[c.CurrentEnvironment]
	if !ok {
		return trace.BadParameter("environment %q is not defined", c.CurrentEnvironment)
	}
	if env.API.BaseURL == "" {
		return trace.BadParameter("environment %q has no nsn_url", c.CurrentEnvironment)
	}
	if env.WebSocket.Port == 0 {
		env.WebSocket.Port = defaults.WebSocketListenPort
	}
	if env.WebSocket.Host == "" {
		env.WebSocket.Host = defaults.BindIP
	}
	if env.HTTP.Port == 0 {
		env.HTTP.Port = defaults.HTTPListenPort
	}
	if env.HTTP.Host == "" {
		env.HTTP.Host = defaults.BindIP
	}
	c.Environments[c.CurrentEnvironment] = env
	return nil
}

// Current returns the selected environment. CheckAndSetDefaults must
// have validated the selection.
func (c *Config) Current() Environment {
	return c.Environments[c.CurrentEnvironment]
}
