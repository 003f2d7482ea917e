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

// Package service assembles the coordinator: it opens the credential
// store, builds the registry, hierarchy, broker, syncer and pairing
// services, runs the agent-facing websocket listener and the HTTP API,
// and routes every inbound agent frame to its handler.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode"
	"github.com/nmplabs/bnode/lib/broker"
	"github.com/nmplabs/bnode/lib/config"
	"github.com/nmplabs/bnode/lib/defaults"
	"github.com/nmplabs/bnode/lib/hierarchy"
	"github.com/nmplabs/bnode/lib/idp"
	"github.com/nmplabs/bnode/lib/pairing"
	"github.com/nmplabs/bnode/lib/registry"
	"github.com/nmplabs/bnode/lib/storage"
	"github.com/nmplabs/bnode/lib/syncer"
	"github.com/nmplabs/bnode/lib/urlfilter"
	"github.com/nmplabs/bnode/lib/web"
)

// Store is the slice of the credential store the coordinator hands to
// its components. Implemented by storage.Storage.
type Store interface {
	broker.Store
	pairing.Store
	Close() error
}

// Config holds coordinator parameters. FileConfig is required; Store
// and IdP may be injected by tests and are otherwise built from the
// selected environment.
type Config struct {
	// FileConfig is the parsed configuration document
	FileConfig *config.Config
	// Store overrides the MySQL credential store
	Store Store
	// IdP overrides the upstream identity provider bridge
	IdP broker.IdentityProvider
	// Clock is used by every component, swapped out in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.FileConfig == nil {
		return trace.BadParameter("missing parameter FileConfig")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Coordinator is the assembled B-Node process.
type Coordinator struct {
	cfg Config
	log *log.Entry
	env config.Environment

	store    Store
	registry *registry.Registry
	hier     *hierarchy.Manager
	broker   *broker.Broker
	syncer   *syncer.Syncer
	pairing  *pairing.Service
	webAPI   *web.Handler

	upgrader websocket.Upgrader

	runCtx    context.Context
	runCancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New assembles a coordinator from configuration. Run starts it.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	env := cfg.FileConfig.Current()

	c := &Coordinator{
		cfg: cfg,
		env: env,
		log: log.WithFields(log.Fields{
			trace.Component: bnode.ComponentService,
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// agents dial from extension contexts without an Origin header
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	c.runCtx, c.runCancel = context.WithCancel(ctx)

	store := cfg.Store
	switch {
	case store != nil:
	case cfg.FileConfig.Database.DSN == "":
		c.log.Warn("No database configured, credentials are held in memory only.")
		store = storage.NewMemory(cfg.Clock)
	default:
		sqlStore, err := storage.New(ctx, storage.Config{
			DSN:          cfg.FileConfig.Database.DSN,
			MaxOpenConns: cfg.FileConfig.Database.MaxOpenConns,
			Clock:        cfg.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		store = sqlStore
	}
	c.store = store

	idpClient := cfg.IdP
	if idpClient == nil {
		client, err := idp.New(idp.Config{
			API:   env.API,
			Clock: cfg.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		idpClient = client
	}

	filter, err := urlfilter.New(cfg.FileConfig.URLFiltering)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c.hier = hierarchy.NewManager()

	c.pairing, err = pairing.New(pairing.Config{
		Store: store,
		Clock: cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c.registry = registry.New(registry.Config{
		Pairing: c.pairing,
	})

	c.syncer, err = syncer.New(syncer.Config{
		Hierarchy: c.hier,
		Filter:    filter,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c.broker, err = broker.New(broker.Config{
		Registry:  c.registry,
		Hierarchy: c.hier,
		Store:     store,
		IdP:       idpClient,
		API:       env.API,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c.webAPI, err = web.NewHandler(web.Config{
		Binder:    c.broker,
		Registry:  c.registry,
		Hierarchy: c.hier,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return c, nil
}

// Run starts both listeners and the registry janitor, then blocks
// until the context is cancelled or a listener fails.
func (c *Coordinator) Run(ctx context.Context) error {
	wsAddr := fmt.Sprintf("%v:%v", c.env.WebSocket.Host, c.env.WebSocket.Port)
	httpAddr := fmt.Sprintf("%v:%v", c.env.HTTP.Host, c.env.HTTP.Port)

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", c.handleAgentSocket)
	wsServer := &http.Server{Addr: wsAddr, Handler: wsMux}
	httpServer := &http.Server{Addr: httpAddr, Handler: c.webAPI}

	errCh := make(chan error, 2)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.log.WithFields(log.Fields{"addr": wsAddr}).Info("Agent websocket listener starting.")
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- trace.Wrap(err)
		}
	}()
	go func() {
		defer c.wg.Done()
		c.log.WithFields(log.Fields{"addr": httpAddr}).Info("HTTP API listener starting.")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- trace.Wrap(err)
		}
	}()

	c.wg.Add(1)
	go c.registryJanitor()

	var runErr error
	select {
	case <-ctx.Done():
	case <-c.runCtx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	wsServer.Shutdown(shutdownCtx)
	httpServer.Shutdown(shutdownCtx)
	c.Close()
	c.wg.Wait()
	return trace.Wrap(runErr)
}

// Close releases every component. Safe to call multiple times.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.runCancel()
		c.syncer.Close()
		c.pairing.Close()
		if err := c.store.Close(); err != nil {
			c.log.WithError(err).Warn("Failed to close credential store.")
		}
		c.log.Info("Coordinator stopped.")
	})
}

// registryJanitor periodically sweeps invalid sessions out of the
// registry pools.
func (c *Coordinator) registryJanitor() {
	defer c.wg.Done()
	ticker := c.cfg.Clock.NewTicker(defaults.RegistrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.Chan():
			c.registry.CleanupInvalid()
		}
	}
}
