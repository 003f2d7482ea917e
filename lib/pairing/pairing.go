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

// Package pairing mints and redeems one-time pairing codes that let a
// user sign the same account in on a second device.
package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/nmplabs/bnode"
	"github.com/nmplabs/bnode/lib/agent"
	"github.com/nmplabs/bnode/lib/defaults"
	"github.com/nmplabs/bnode/lib/storage"
	"github.com/nmplabs/bnode/lib/utils"
	"github.com/nmplabs/bnode/lib/wire"

	"github.com/gravitational/trace"
	"github.com/gravitational/ttlmap"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// codeAlphabet drops characters that read ambiguously on a phone
// screen: I, l, 2, z, Z, 5, s, S, 0, o, O.
const codeAlphabet = "ABCDEFGHJKLMNPQRTUVWXY" + "abcdefghijkmnpqrtuvwxy" + "1346789"

// Store is the slice of the credential store the pairing service needs.
type Store interface {
	UpsertPairingRecord(ctx context.Context, r storage.PairingRecord) error
	GetPairingRecordByCode(ctx context.Context, code string) (*storage.PairingRecord, error)
	DeletePairingRecord(ctx context.Context, code string) error
	DeleteExpiredPairingRecords(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the pairing service dependencies.
type Config struct {
	// Store persists codes across restarts.
	Store Store
	// Clock drives code expiry, swapped out in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service mints pairing codes on request and redeems them during
// registration. Codes are single use and expire after
// defaults.PairingCodeTTL. The in-memory cache is authoritative while
// the process runs; the store lets codes survive a restart.
type Service struct {
	cfg Config
	log *log.Entry

	mu     sync.Mutex
	codes  *ttlmap.TTLMap
	byUser map[string]string

	stop      chan struct{}
	closeOnce sync.Once
}

// New returns a running pairing service. Close releases its janitor.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Service{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: bnode.ComponentPairing,
		}),
		byUser: make(map[string]string),
		stop:   make(chan struct{}),
	}
	codes, err := ttlmap.New(1024,
		ttlmap.CallOnExpire(s.onExpire), ttlmap.Clock(cfg.Clock))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.codes = codes
	go s.janitor()
	return s, nil
}

// Close stops the expired-code janitor.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
}

// HandleRequest answers a request_security_code frame. A user who
// already holds an unexpired code gets the same code back.
func (s *Service) HandleRequest(ctx context.Context, src *agent.Session, req *wire.PairingCodeRequest) error {
	ident := src.Identity()
	userID, username := req.UserID, req.Username
	if userID == "" {
		userID = ident.UserID
	}
	if username == "" {
		username = ident.Username
	}
	if userID == "" || username == "" {
		return s.respond(src, wire.PairingCodePayload{
			Success: false,
			Message: "Missing required fields",
		})
	}

	record, minted, err := s.mint(ctx, userID, username, ident)
	if err != nil {
		s.log.Warningf("Failed to mint pairing code for user %v: %v.", userID, err)
		return s.respond(src, wire.PairingCodePayload{
			Success: false,
			Message: "Failed to generate security code",
		})
	}

	message := "Security code retrieved"
	if minted {
		message = "Security code generated"
		s.log.Infof("Minted pairing code for user %v in channel %v.", userID, record.ChannelID)
	}
	return s.respond(src, wire.PairingCodePayload{
		Success:      true,
		Message:      message,
		SecurityCode: record.Code,
		Username:     record.Username,
		DomainID:     record.DomainID,
		ClusterID:    record.ClusterID,
		ChannelID:    record.ChannelID,
	})
}

// mint returns the user's live code, or generates, caches and persists
// a fresh one. The second return is true when a new code was minted.
func (s *Service) mint(ctx context.Context, userID, username string, ident agent.Identity) (*storage.PairingRecord, bool, error) {
	s.mu.Lock()
	if code, ok := s.byUser[userID]; ok {
		if el, live := s.codes.Get(code); live {
			record := el.(*storage.PairingRecord)
			s.mu.Unlock()
			return record, false, nil
		}
		delete(s.byUser, userID)
	}
	s.mu.Unlock()

	code, err := utils.CryptoRandomString(codeAlphabet, defaults.PairingCodeLength)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	record := &storage.PairingRecord{
		UserID:     userID,
		Username:   username,
		DomainID:   ident.DomainID,
		ClusterID:  ident.ClusterID,
		ChannelID:  ident.ChannelID,
		Code:       code,
		CreateTime: s.cfg.Clock.Now().UTC(),
	}
	if err := s.cfg.Store.UpsertPairingRecord(ctx, *record); err != nil {
		return nil, false, trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.codes.Set(code, record, defaults.PairingCodeTTL); err != nil {
		return nil, false, trace.Wrap(err)
	}
	s.byUser[userID] = code
	return record, true, nil
}

// Redeem consumes a pairing code and returns the record it was minted
// for. A code is valid exactly once; unknown and expired codes return
// NotFound. Satisfies the registry's pairing resolver.
func (s *Service) Redeem(ctx context.Context, code string) (*storage.PairingRecord, error) {
	s.mu.Lock()
	el, ok := s.codes.Remove(code)
	if ok {
		record := el.(*storage.PairingRecord)
		delete(s.byUser, record.UserID)
		s.mu.Unlock()
		if err := s.cfg.Store.DeletePairingRecord(ctx, code); err != nil {
			s.log.Warningf("Failed to delete redeemed pairing code: %v.", err)
		}
		s.log.Infof("Pairing code redeemed for user %v.", record.UserID)
		return record, nil
	}
	s.mu.Unlock()

	// Codes minted before a restart only exist in the store.
	record, err := s.cfg.Store.GetPairingRecordByCode(ctx, code)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if s.cfg.Clock.Now().After(record.CreateTime.Add(defaults.PairingCodeTTL)) {
		if err := s.cfg.Store.DeletePairingRecord(ctx, code); err != nil {
			s.log.Warningf("Failed to delete expired pairing code: %v.", err)
		}
		return nil, trace.NotFound("pairing code expired")
	}
	if err := s.cfg.Store.DeletePairingRecord(ctx, code); err != nil {
		s.log.Warningf("Failed to delete redeemed pairing code: %v.", err)
	}
	s.log.Infof("Pairing code redeemed from store for user %v.", record.UserID)
	return record, nil
}

func (s *Service) respond(src *agent.Session, payload wire.PairingCodePayload) error {
	payload.Timestamp = s.cfg.Clock.Now().UnixMilli()
	return trace.Wrap(src.Send(wire.PairingCodeResponse{
		Type: wire.TypePairingCodeResponse,
		Data: payload,
	}))
}

// onExpire runs under s.mu from RemoveExpired and Set.
func (s *Service) onExpire(code string, el interface{}) {
	record, ok := el.(*storage.PairingRecord)
	if !ok {
		return
	}
	if s.byUser[record.UserID] == code {
		delete(s.byUser, record.UserID)
	}
}

func (s *Service) janitor() {
	ticker := s.cfg.Clock.NewTicker(defaults.PairingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Service) sweep() {
	s.mu.Lock()
	expired := s.codes.RemoveExpired(100)
	s.mu.Unlock()
	if expired > 0 {
		s.log.Infof("Expired %v pairing codes.", expired)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaults.RPCTimeout)
	defer cancel()
	cutoff := s.cfg.Clock.Now().Add(-defaults.PairingCodeTTL)
	if _, err := s.cfg.Store.DeleteExpiredPairingRecords(ctx, cutoff); err != nil {
		s.log.Warningf("Failed to sweep expired pairing codes from store: %v.", err)
	}
}
