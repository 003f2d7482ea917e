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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/nmplabs/bnode/lib/defaults"
)

const sampleConfig = `{
	// selected at startup, BNODE_ENV overrides
	"current_environment": "local",
	"environments": {
		"local": {
			"name": "Local Development Environment",
			"api": {
				"nsn_url": "http://localhost:5000",
				"nsn_host": "localhost",
				"nsn_port": 5000
			},
			"websocket": {
				"enabled": true,
				"server_host": "127.0.0.1",
				"server_port": 8766
			}
		},
		"production": {
			"name": "Production Environment",
			"api": {
				"nsn_url": "https://nsn.example.com"
			},
			"websocket": {"enabled": true}
		}
	},
	"network": {
		"use_public_ip": true,
		"public_ip": "198.51.100.7",
		"local_ip": "127.0.0.1"
	},
	"url_filtering": {
		"enabled": true,
		"allowed_domains": ["example.com"],
		"allowed_patterns": ["^https://docs\\."]
	}
}`

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))
	return path
}

func TestReadFromFile(t *testing.T) {
	cfg, err := ReadFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	env := cfg.Current()
	require.Equal(t, "http://localhost:5000", env.API.BaseURL)
	require.Equal(t, 8766, env.WebSocket.Port)
	require.Equal(t, defaults.HTTPListenPort, env.HTTP.Port)
	require.Equal(t, "198.51.100.7", cfg.Network.AdvertiseIP())
	require.True(t, cfg.URLFiltering.Enabled)
	require.Equal(t, []string{"example.com"}, cfg.URLFiltering.AllowedDomains)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("BNODE_ENV", "production")

	cfg, err := ReadFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "production", cfg.CurrentEnvironment)

	env := cfg.Current()
	require.Equal(t, "https://nsn.example.com", env.API.BaseURL)
	require.Equal(t, defaults.WebSocketListenPort, env.WebSocket.Port)
}

func TestUndefinedEnvironment(t *testing.T) {
	t.Setenv("BNODE_ENV", "staging")

	_, err := ReadFromFile(writeConfig(t, sampleConfig))
	require.True(t, trace.IsBadParameter(err))
}

func TestMalformedConfig(t *testing.T) {
	_, err := ReadFromFile(writeConfig(t, `{"current_environment": }`))
	require.True(t, trace.IsBadParameter(err))
}

func TestAPIEndpoints(t *testing.T) {
	api := API{BaseURL: "https://nsn.example.com"}
	require.Equal(t, "https://nsn.example.com/login", api.LoginURL())
	require.Equal(t, "https://nsn.example.com/signup", api.SignupURL())
	require.Equal(t, "https://nsn.example.com/logout", api.LogoutURL())
	require.Equal(t, "https://nsn.example.com/api/nmp-session-data", api.SessionDataURL())
	require.Equal(t, "https://nsn.example.com/", api.RootURL())
}
