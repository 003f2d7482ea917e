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

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Memory is an in-process store with the same semantics as Storage.
// It backs the local environment when no DSN is configured, and tests.
type Memory struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	cookies  map[string]Cookie
	accounts map[string]Account
	codes    map[string]PairingRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:    clock,
		cookies:  make(map[string]Cookie),
		accounts: make(map[string]Account),
		codes:    make(map[string]PairingRecord),
	}
}

// Close implements the store interface, nothing to release.
func (m *Memory) Close() error { return nil }

func (m *Memory) UpsertCookie(ctx context.Context, c Cookie) error {
	if c.UserID == "" || c.Username == "" {
		return trace.BadParameter("cookie requires user_id and username")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now().UTC()
	if prev, ok := m.cookies[c.UserID]; ok {
		c.CreateTime = prev.CreateTime
	} else {
		c.CreateTime = now
	}
	if !c.RefreshTime.Valid {
		c.RefreshTime.Time, c.RefreshTime.Valid = now, true
	}
	m.cookies[c.UserID] = c
	return nil
}

func (m *Memory) GetCookie(ctx context.Context, userID string) (*Cookie, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cookies[userID]
	if !ok {
		return nil, trace.NotFound("no cookie stored for user %q", userID)
	}
	return &c, nil
}

func (m *Memory) DeleteCookies(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cookies, userID)
	return nil
}

func (m *Memory) UpsertAccount(ctx context.Context, a Account) error {
	if a.UserID == "" || a.Username == "" {
		return trace.BadParameter("account requires user_id and username")
	}
	if a.Website == "" {
		a.Website = "nsn"
	}
	if a.Account == "" {
		a.Account = a.Username
	}
	if a.RegistrationMethod == "" {
		a.RegistrationMethod = "manual"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.accounts[a.UserID]; ok {
		a.CreateTime = prev.CreateTime
	} else {
		a.CreateTime = m.clock.Now().UTC()
	}
	m.accounts[a.UserID] = a
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, trace.NotFound("no account stored for user %q", userID)
	}
	return &a, nil
}

func (m *Memory) SetLoggedOut(ctx context.Context, userID string, loggedOut bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil
	}
	a.LoggedOut = loggedOut
	m.accounts[userID] = a
	return nil
}

func (m *Memory) UpsertPairingRecord(ctx context.Context, r PairingRecord) error {
	if r.UserID == "" || r.Code == "" {
		return trace.BadParameter("pairing record requires nmp_user_id and security_code")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now().UTC()
	// one record per user, reissue replaces the earlier code
	for code, prev := range m.codes {
		if prev.UserID == r.UserID {
			r.CreateTime = prev.CreateTime
			delete(m.codes, code)
		}
	}
	if r.CreateTime.IsZero() {
		r.CreateTime = now
	}
	r.UpdateTime = now
	m.codes[r.Code] = r
	return nil
}

func (m *Memory) GetPairingRecordByCode(ctx context.Context, code string) (*PairingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.codes[code]
	if !ok {
		return nil, trace.NotFound("no pairing record for code")
	}
	return &r, nil
}

func (m *Memory) DeletePairingRecord(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, code)
	return nil
}

func (m *Memory) DeleteExpiredPairingRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for code, r := range m.codes {
		if r.CreateTime.Before(cutoff) {
			delete(m.codes, code)
			n++
		}
	}
	return n, nil
}
