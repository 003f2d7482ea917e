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
	"encoding/json"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode/lib/agent"
	"github.com/nmplabs/bnode/lib/defaults"
	"github.com/nmplabs/bnode/lib/storage"
	"github.com/nmplabs/bnode/lib/wire"
)

// sessionParams describes one session delivery.
type sessionParams struct {
	UserID      string
	NSNUserID   string
	NSNUsername string
	Cookie      string
	NodeID      string
	ChannelID   string
	AutoRefresh bool
	Verdict     *Verdict
}

// sessionPayload is the session_data body of an auto_login frame.
type sessionPayload struct {
	SessionCookie string `json:"session_cookie"`
	NSNUserID     string `json:"nsn_user_id"`
	NSNUsername   string `json:"nsn_username"`
	LoggedIn      bool   `json:"loggedin"`
	Role          string `json:"role"`
}

// saveAndPush persists the cookie, clears the logout flag and attempts
// delivery. Persistence decides success: a push to an absent agent is
// tolerated because the cookie is delivered on its next register.
func (b *Broker) saveAndPush(ctx context.Context, p sessionParams) error {
	err := b.cfg.Store.UpsertCookie(ctx, storage.Cookie{
		UserID:      p.UserID,
		Username:    p.NSNUsername,
		NodeID:      p.NodeID,
		Cookie:      p.Cookie,
		AutoRefresh: p.AutoRefresh,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := b.cfg.Store.SetLoggedOut(ctx, p.UserID, false); err != nil {
		b.log.WithError(err).Warn("Could not reset logout flag.")
	}
	if err := b.pushSession(ctx, p); err != nil {
		b.log.WithError(err).WithFields(log.Fields{
			"user_id": p.UserID,
		}).Warn("Session stored but not delivered, will retry on next register.")
	}
	return nil
}

// pushSession delivers an auto_login frame to every valid session of
// the user and waits for acknowledgement, retrying a bounded number of
// times.
func (b *Broker) pushSession(ctx context.Context, p sessionParams) error {
	logger := b.log.WithFields(log.Fields{"user_id": p.UserID})

	for attempt := 1; attempt <= defaults.SessionPushMaxAttempts; attempt++ {
		if attempt > 1 {
			b.cfg.Clock.Sleep(defaults.SessionPushRetryDelay)
		}

		frame, err := b.autoLoginFrame(p)
		if err != nil {
			return trace.Wrap(err)
		}

		targets := b.pushTargets(p.UserID)
		if len(targets) == 0 {
			logger.WithFields(log.Fields{"attempt": attempt}).Debug("No valid sessions to push to.")
			continue
		}

		set := b.registerWait(b.pushWaits, p.UserID)
		var sent []string
		for _, s := range targets {
			if err := s.Send(frame); err != nil {
				logger.WithError(err).Debug("Push send failed.")
				continue
			}
			sent = append(sent, s.ID())
		}
		if len(sent) == 0 {
			b.clearWait(b.pushWaits, p.UserID, set)
			continue
		}

		acked := b.awaitAcks(ctx, set, sent, defaults.SessionPushAckTimeout, defaults.SessionPushAckPollInterval)
		b.clearWait(b.pushWaits, p.UserID, set)
		if acked {
			logger.WithFields(log.Fields{"sessions": len(sent), "attempt": attempt}).Info("Session push acknowledged.")
			pushesDelivered.Inc()
			return nil
		}
		logger.WithFields(log.Fields{"attempt": attempt}).Warn("Session push not acknowledged, retrying.")
	}

	pushesAbandoned.Inc()
	return trace.ConnectionProblem(nil, "no agent acknowledged the session push for user %q", p.UserID)
}

// pushTargets are the user's sessions that can accept a login right
// now. Sessions being logged out or already evicted are skipped, and
// transport state is checked fresh rather than through the memoized
// predicate.
func (b *Broker) pushTargets(userID string) []*agent.Session {
	var out []*agent.Session
	for _, s := range b.cfg.Registry.AllForUser(userID) {
		if s.ClosedByLogout() || s.LogoutInProgress() {
			continue
		}
		if !s.ValidUncached() {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (b *Broker) autoLoginFrame(p sessionParams) (*wire.AutoLogin, error) {
	payload, err := json.Marshal(sessionPayload{
		SessionCookie: p.Cookie,
		NSNUserID:     p.NSNUserID,
		NSNUsername:   p.NSNUsername,
		LoggedIn:      true,
		Role:          "traveller",
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	frame := &wire.AutoLogin{
		Type:        wire.TypeAutoLogin,
		UserID:      p.UserID,
		SessionData: payload,
		WebsiteConfig: &wire.SessionSite{
			RootPath:         b.cfg.API.RootURL(),
			Name:             siteName,
			SessionPartition: sessionPartition,
			RootURL:          b.cfg.API.RootURL(),
		},
		NSNUserID:   p.NSNUserID,
		NSNUsername: p.NSNUsername,
		ChannelID:   p.ChannelID,
		NodeID:      p.NodeID,
		Timestamp:   b.cfg.Clock.Now().UnixMilli(),
	}
	if p.Verdict != nil {
		frame.Verification = p.Verdict
	}
	if b.cfg.Registry.UserCount() > 1 {
		frame.Message = wire.ValidationAdvisory
	}
	return frame, nil
}

// HandleSessionFeedback records an auto_login acknowledgement from an
// agent. Failed applies are logged but still complete the wait so the
// retry loop decides what happens next.
func (b *Broker) HandleSessionFeedback(src *agent.Session, fb *wire.SessionFeedback) {
	if !fb.Success {
		b.log.WithFields(log.Fields{
			"user_id": fb.UserID, "message": fb.Message,
		}).Warn("Agent reported failed session apply.")
	}
	b.mu.Lock()
	sets := append([]*ackSet(nil), b.pushWaits[fb.UserID]...)
	b.mu.Unlock()
	if len(sets) == 0 {
		b.log.WithFields(log.Fields{"user_id": fb.UserID}).Debug("Unsolicited session feedback.")
		return
	}
	for _, set := range sets {
		set.ack(src.ID())
	}
}

// ackSet collects acknowledgements keyed by session or client ID.
type ackSet struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newAckSet() *ackSet {
	return &ackSet{seen: make(map[string]bool)}
}

func (a *ackSet) ack(key string) {
	a.mu.Lock()
	a.seen[key] = true
	a.mu.Unlock()
}

func (a *ackSet) hasAll(keys []string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range keys {
		if !a.seen[k] {
			return false
		}
	}
	return true
}

// registerWait adds a fresh ack set for the user. Concurrent pushes to
// the same user each get their own set; feedback fans out to all of
// them.
func (b *Broker) registerWait(waits map[string][]*ackSet, userID string) *ackSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := newAckSet()
	waits[userID] = append(waits[userID], set)
	return set
}

func (b *Broker) clearWait(waits map[string][]*ackSet, userID string, set *ackSet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sets := waits[userID]
	for i, s := range sets {
		if s == set {
			sets = append(sets[:i], sets[i+1:]...)
			break
		}
	}
	if len(sets) == 0 {
		delete(waits, userID)
	} else {
		waits[userID] = sets
	}
}

// awaitAcks polls the ack set until every key is present or the
// deadline passes.
func (b *Broker) awaitAcks(ctx context.Context, set *ackSet, want []string, timeout, poll time.Duration) bool {
	deadline := b.cfg.Clock.Now().Add(timeout)
	for {
		if set.hasAll(want) {
			return true
		}
		if !b.cfg.Clock.Now().Before(deadline) {
			return false
		}
		timer := b.cfg.Clock.NewTimer(poll)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return false
		}
		timer.Stop()
	}
}
