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
	"reflect"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode"
	"github.com/nmplabs/bnode/lib/agent"
	"github.com/nmplabs/bnode/lib/defaults"
	"github.com/nmplabs/bnode/lib/hierarchy"
	"github.com/nmplabs/bnode/lib/wire"
)

// Attestor runs the join-time cross-check: a channel sibling that
// already syncs activity for the user offers a reference batch, and
// the joining agent must produce an identical copy of its first
// record. A user with no sibling history passes vacuously.
//
// Agents answer both sides with cluster_verification_response frames
// that carry no request correlation, so each in-flight exchange waits
// on a key derived from the responder: a witness reply is routed by
// the witness's node id, a joiner reply by client_<user_id>.
type Attestor struct {
	hierarchy *hierarchy.Manager
	clock     clockwork.Clock
	log       *log.Entry

	mu    sync.Mutex
	waits map[string]chan *wire.VerificationResponse
}

// NewAttestor returns an attestor over the given channel pools.
func NewAttestor(h *hierarchy.Manager, clock clockwork.Clock) *Attestor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Attestor{
		hierarchy: h,
		clock:     clock,
		log: log.WithFields(log.Fields{
			trace.Component: bnode.ComponentAttestation,
		}),
		waits: make(map[string]chan *wire.VerificationResponse),
	}
}

func joinerWaitKey(userID string) string { return "client_" + userID }

// registerWait claims a response key for one exchange. A key already
// claimed by a concurrent round stays with its owner.
func (a *Attestor) registerWait(key string) (chan *wire.VerificationResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.waits[key]; ok {
		return nil, trace.AlreadyExists("an attestation round is already waiting on %q", key)
	}
	ch := make(chan *wire.VerificationResponse, 1)
	a.waits[key] = ch
	return ch, nil
}

func (a *Attestor) clearWait(key string) {
	a.mu.Lock()
	delete(a.waits, key)
	a.mu.Unlock()
}

// HandleResponse routes one cluster_verification_response frame to the
// round waiting on its sender. Each response resolves at most one
// exchange. Returns false when no round is waiting on the sender.
func (a *Attestor) HandleResponse(src *agent.Session, resp *wire.VerificationResponse) bool {
	ident := src.Identity()
	var keys []string
	if ident.NodeID != "" {
		keys = append(keys, ident.NodeID)
	}
	if ident.UserID != "" {
		keys = append(keys, joinerWaitKey(ident.UserID))
	}
	for _, key := range keys {
		a.mu.Lock()
		ch, ok := a.waits[key]
		if ok {
			delete(a.waits, key)
		}
		a.mu.Unlock()
		if ok {
			ch <- resp
			return true
		}
	}
	return false
}

// awaitResponse blocks until the claimed key resolves, the deadline
// passes, or the responder goes away.
func (a *Attestor) awaitResponse(ctx context.Context, key string, ch chan *wire.VerificationResponse, src *agent.Session) *wire.VerificationResponse {
	timer := a.clock.NewTimer(defaults.AttestationRPCTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp
	case <-timer.Chan():
	case <-ctx.Done():
	case <-src.Done():
	}
	a.clearWait(key)
	return nil
}

// Verdict is the outcome of one attestation round. It is attached to
// the auto_login frame so the agent can audit why it was admitted.
type Verdict struct {
	Success bool   `json:"success"`
	NewUser bool   `json:"is_new_user"`
	Passed  bool   `json:"verification_passed"`
	Message string `json:"message"`
	BatchID string `json:"batch_id,omitempty"`
}

func newUserVerdict() *Verdict {
	return &Verdict{
		Success: true,
		NewUser: true,
		Passed:  true,
		Message: "New user - no verification required",
	}
}

// Verify runs one attestation round for a user joining through the
// given session. Errors never pass: a round that cannot complete
// yields a failed verdict and the session push is blocked.
func (a *Attestor) Verify(ctx context.Context, joiner *agent.Session, userID, channelID string) *Verdict {
	logger := a.log.WithFields(log.Fields{
		"user_id": userID, "channel_id": channelID,
	})

	witnesses := a.witnesses(joiner, channelID)
	if len(witnesses) == 0 {
		logger.Info("No witnesses in channel, admitting as new user.")
		attestationNewUser.Inc()
		return newUserVerdict()
	}

	batch := a.referenceBatch(ctx, witnesses, userID, channelID)
	if batch == nil {
		logger.Info("No witness holds a batch for this user, admitting as new user.")
		attestationNewUser.Inc()
		return newUserVerdict()
	}

	record, err := a.joinerRecord(ctx, joiner, userID, batch.BatchID)
	if err != nil {
		logger.WithError(err).Warn("Joiner did not answer the verification request.")
		attestationFailed.Inc()
		return &Verdict{Message: "Cluster verification failed", BatchID: batch.BatchID}
	}

	if !recordsEqual(batch.FirstRecord, record) {
		logger.WithFields(log.Fields{"batch_id": batch.BatchID}).Warn("Record mismatch, blocking session push.")
		attestationFailed.Inc()
		return &Verdict{
			Success: true,
			Message: "Cluster verification failed",
			BatchID: batch.BatchID,
		}
	}

	logger.WithFields(log.Fields{"batch_id": batch.BatchID}).Info("Cluster verification passed.")
	attestationPassed.Inc()
	return &Verdict{
		Success: true,
		Passed:  true,
		Message: "Cluster verification passed",
		BatchID: batch.BatchID,
	}
}

// witnesses are the valid channel siblings on other nodes. The joiner
// cannot vouch for itself.
func (a *Attestor) witnesses(joiner *agent.Session, channelID string) []*agent.Session {
	nodeID := joiner.Identity().NodeID
	var out []*agent.Session
	for _, peer := range a.hierarchy.ChannelPeers(channelID) {
		if peer == joiner || peer.Identity().NodeID == nodeID {
			continue
		}
		out = append(out, peer)
	}
	return out
}

func (a *Attestor) referenceBatch(ctx context.Context, witnesses []*agent.Session, userID, channelID string) *wire.VerificationBatchData {
	for _, w := range witnesses {
		key := w.Identity().NodeID
		ch, err := a.registerWait(key)
		if err != nil {
			a.log.WithFields(log.Fields{
				"witness_node": key,
			}).Debug("Witness busy with another round, trying next witness.")
			continue
		}
		err = w.Send(wire.VerificationQuery{
			Type: wire.TypeVerificationQuery,
			Data: wire.VerificationQueryData{
				Action:       wire.ActionGetValidBatch,
				UserID:       userID,
				ChannelID:    channelID,
				MinBatchSize: defaults.MinAttestationBatchSize,
				Timestamp:    a.clock.Now().UnixMilli(),
			},
		})
		if err != nil {
			a.clearWait(key)
			a.log.WithError(err).WithFields(log.Fields{
				"witness_node": key,
			}).Debug("Witness query failed, trying next witness.")
			continue
		}
		resp := a.awaitResponse(ctx, key, ch, w)
		if resp == nil {
			a.log.WithFields(log.Fields{
				"witness_node": key,
			}).Debug("Witness did not answer, trying next witness.")
			continue
		}
		if resp.Success && resp.BatchData != nil &&
			resp.BatchData.BatchID != "" && resp.BatchData.FirstRecord != nil {
			return resp.BatchData
		}
	}
	return nil
}

func (a *Attestor) joinerRecord(ctx context.Context, joiner *agent.Session, userID, batchID string) (map[string]interface{}, error) {
	key := joinerWaitKey(userID)
	ch, err := a.registerWait(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	err = joiner.Send(wire.VerificationRequest{
		Type:      wire.TypeVerificationRequest,
		Action:    wire.ActionVerifyBatch,
		BatchID:   batchID,
		UserID:    userID,
		Timestamp: a.clock.Now().UnixMilli(),
	})
	if err != nil {
		a.clearWait(key)
		return nil, trace.Wrap(err)
	}
	resp := a.awaitResponse(ctx, key, ch, joiner)
	if resp == nil {
		return nil, trace.ConnectionProblem(nil, "timed out waiting for the joiner verification response")
	}
	if !resp.Success {
		return nil, trace.AccessDenied("joiner refused the verification request: %v", resp.Message)
	}
	if resp.Record == nil {
		return nil, trace.NotFound("joiner has no copy of batch %q", batchID)
	}
	return resp.Record, nil
}

// HandleVerificationResponse routes an attestation reply from an agent
// to the round waiting on it. Returns false when no round is waiting.
func (b *Broker) HandleVerificationResponse(src *agent.Session, resp *wire.VerificationResponse) bool {
	return b.attestor.HandleResponse(src, resp)
}

// recordsEqual compares two activity records field by field. The
// length check makes the comparison symmetric: a key present on only
// one side fails the match.
func recordsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !reflect.DeepEqual(v, w) {
			return false
		}
	}
	return true
}
