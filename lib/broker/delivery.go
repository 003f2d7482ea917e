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

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode/lib/wire"
)

// UpdateCookie fans a cookie_update frame out to every valid session
// of the user. Persistence is the caller's concern; this only delivers.
// Returns how many sessions the frame reached.
func (b *Broker) UpdateCookie(ctx context.Context, userID, username, cookie string, autoRefresh bool) (int, error) {
	sessions := b.cfg.Registry.ForUser(userID)
	if len(sessions) == 0 {
		return 0, trace.NotFound("user %q has no live sessions", userID)
	}
	frame := wire.CookieUpdate{
		Type:        wire.TypeCookieUpdate,
		UserID:      userID,
		Username:    username,
		Cookie:      cookie,
		AutoRefresh: autoRefresh,
	}
	sent := 0
	for _, s := range sessions {
		if err := s.Send(frame); err != nil {
			b.log.WithError(err).WithFields(log.Fields{
				"user_id": userID, "session_id": s.ID(),
			}).Warn("Failed to deliver cookie update.")
			continue
		}
		sent++
	}
	return sent, nil
}

// SyncSession mirrors session state to every valid session of the
// user. Returns how many sessions the frame reached.
func (b *Broker) SyncSession(ctx context.Context, userID string, sessionData json.RawMessage) (int, error) {
	sessions := b.cfg.Registry.ForUser(userID)
	if len(sessions) == 0 {
		return 0, trace.NotFound("user %q has no live sessions", userID)
	}
	frame := wire.SessionSync{
		Type:        wire.TypeSessionSync,
		UserID:      userID,
		SessionData: sessionData,
	}
	sent := 0
	for _, s := range sessions {
		if err := s.Send(frame); err != nil {
			b.log.WithError(err).WithFields(log.Fields{
				"user_id": userID, "session_id": s.ID(),
			}).Warn("Failed to deliver session sync.")
			continue
		}
		sent++
	}
	return sent, nil
}
