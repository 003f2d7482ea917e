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

package broker

import (
	"context"
	"net/http"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode/lib/agent"
	"github.com/nmplabs/bnode/lib/defaults"
	"github.com/nmplabs/bnode/lib/wire"
)

// Logout evicts a user's sessions. Stored state is cleared first so a
// crash mid-barrier cannot leave a resurrectable session behind, then
// every targeted agent receives a user_logout command and the barrier
// waits for their acknowledgements. When clientID is set only that
// client's sessions are targeted. Returns the number of sessions
// evicted.
func (b *Broker) Logout(ctx context.Context, userID, username, clientID string) (int, error) {
	logger := b.log.WithFields(log.Fields{"user_id": userID})

	if err := b.cfg.Store.DeleteCookies(ctx, userID); err != nil {
		return 0, trace.Wrap(err)
	}
	if err := b.cfg.Store.SetLoggedOut(ctx, userID, true); err != nil {
		logger.WithError(err).Warn("Could not set logout flag.")
	}

	targets := b.logoutTargets(userID, clientID)
	if len(targets) == 0 {
		logger.Info("No connected sessions to log out, cleared stored state only.")
		return 0, nil
	}

	set := b.registerWait(b.logoutWaits, userID)
	defer b.clearWait(b.logoutWaits, userID, set)

	frame := wire.UserLogout{
		Type:     wire.TypeUserLogout,
		UserID:   userID,
		Username: username,
		WebsiteConfig: wire.WebsiteConfig{
			RootPath: b.cfg.API.RootURL(),
			Name:     siteName,
		},
		LogoutAPI: wire.LogoutAPI{
			URL:    b.cfg.API.LogoutURL(),
			Method: http.MethodGet,
		},
	}

	// The flag dance per target: pinned valid while the command goes
	// out, then permanently evicted, then pinned again only for the
	// barrier wait.
	var want []string
	for _, s := range targets {
		s.MarkLogoutInProgress(true)
		err := s.Send(frame)
		s.MarkClosedByLogout()
		s.MarkLogoutInProgress(false)
		s.MarkLogoutTracking(true)
		if err != nil {
			logger.WithError(err).Debug("Logout send failed, not waiting for this session.")
			continue
		}
		want = append(want, s.Identity().ClientID)
	}

	if len(want) > 0 {
		if !b.awaitAcks(ctx, set, want, defaults.LogoutAckTimeout, defaults.LogoutAckPollInterval) {
			logger.WithFields(log.Fields{
				"expected": len(want),
			}).Warn("Logout barrier timed out waiting for acknowledgements.")
		}
	}

	for _, s := range targets {
		s.MarkLogoutTracking(false)
		b.cfg.Registry.Remove(s)
		b.cfg.Hierarchy.Forget(s)
	}

	logger.WithFields(log.Fields{"sessions": len(targets)}).Info("User logged out.")
	logoutsCompleted.Inc()
	return len(targets), nil
}

// logoutTargets selects sessions with a fresh validity check so a
// socket that died moments ago is not messaged.
func (b *Broker) logoutTargets(userID, clientID string) []*agent.Session {
	var out []*agent.Session
	for _, s := range b.cfg.Registry.AllForUser(userID) {
		if clientID != "" && s.Identity().ClientID != clientID {
			continue
		}
		if s.ClosedByLogout() || !s.ValidUncached() {
			continue
		}
		out = append(out, s)
	}
	return out
}

// HandleLogoutFeedback records a user_logout acknowledgement.
func (b *Broker) HandleLogoutFeedback(src *agent.Session, fb *wire.LogoutFeedback) {
	clientID := fb.ClientID
	if clientID == "" {
		clientID = src.Identity().ClientID
	}
	b.mu.Lock()
	sets := append([]*ackSet(nil), b.logoutWaits[fb.UserID]...)
	b.mu.Unlock()
	if len(sets) == 0 {
		b.log.WithFields(log.Fields{"user_id": fb.UserID}).Debug("Unsolicited logout feedback.")
		return
	}
	for _, set := range sets {
		set.ack(clientID)
	}
}
