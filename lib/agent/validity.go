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

package agent

import (
	"sync"
	"time"

	"github.com/nmplabs/bnode/lib/defaults"
)

// sessionState holds the validity flags and the memoized predicate
// result. The checks are ordered: logout tracking pins the session
// valid so the barrier can finish, closed-by-logout pins it invalid,
// and only then does transport state decide.
type sessionState struct {
	mu sync.Mutex

	logoutInProgress bool
	logoutTracking   bool
	closedByLogout   bool

	cachedValid bool
	cachedAt    time.Time
}

// MarkLogoutInProgress pins the session valid while a logout command
// is being delivered.
func (s *Session) MarkLogoutInProgress(on bool) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.logoutInProgress = on
	s.state.cachedAt = time.Time{}
}

// MarkLogoutTracking pins the session valid while the logout barrier
// waits for its acknowledgement.
func (s *Session) MarkLogoutTracking(on bool) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.logoutTracking = on
	s.state.cachedAt = time.Time{}
}

// MarkClosedByLogout permanently invalidates the session once the
// barrier evicts it.
func (s *Session) MarkClosedByLogout() {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.closedByLogout = true
	s.state.cachedAt = time.Time{}
}

// LogoutInProgress reports whether a logout command is currently being
// delivered to this session. Session pushes skip such sessions.
func (s *Session) LogoutInProgress() bool {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.logoutInProgress
}

// ClosedByLogout reports whether the barrier evicted this session.
func (s *Session) ClosedByLogout() bool {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.closedByLogout
}

// Valid reports whether the session may be used for delivery. The
// result is memoized briefly; logout flags always bypass the cache so
// the barrier observes flag changes immediately.
func (s *Session) Valid() bool {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if s.state.logoutInProgress || s.state.logoutTracking {
		return true
	}
	if s.state.closedByLogout {
		return false
	}

	now := s.cfg.Clock.Now()
	if !s.state.cachedAt.IsZero() && now.Sub(s.state.cachedAt) < defaults.ValidityCacheTTL {
		return s.state.cachedValid
	}

	valid := s.transportAlive()
	s.state.cachedValid = valid
	s.state.cachedAt = now
	return valid
}

// ValidUncached re-evaluates the predicate without consulting the
// memoized transport result. The logout barrier selects its targets
// with this so a socket that died moments ago is not messaged.
func (s *Session) ValidUncached() bool {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if s.state.logoutInProgress || s.state.logoutTracking {
		return true
	}
	if s.state.closedByLogout {
		return false
	}

	valid := s.transportAlive()
	s.state.cachedValid = valid
	s.state.cachedAt = s.cfg.Clock.Now()
	return valid
}

func (s *Session) transportAlive() bool {
	select {
	case <-s.stop:
		return false
	default:
		return true
	}
}
