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

// Package syncer fans activity batches out to the sending agent's
// channel siblings and tracks per-batch acknowledgements.
package syncer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nmplabs/bnode"
	"github.com/nmplabs/bnode/lib/agent"
	"github.com/nmplabs/bnode/lib/defaults"
	"github.com/nmplabs/bnode/lib/hierarchy"
	"github.com/nmplabs/bnode/lib/urlfilter"
	"github.com/nmplabs/bnode/lib/wire"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Config holds the syncer dependencies.
type Config struct {
	// Hierarchy resolves channel siblings for fan-out.
	Hierarchy *hierarchy.Manager
	// Filter decides which activity records may leave the node.
	Filter *urlfilter.Filter
	// Clock is used for batch ageing, swapped out in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Hierarchy == nil {
		return trace.BadParameter("missing parameter Hierarchy")
	}
	if c.Filter == nil {
		return trace.BadParameter("missing parameter Filter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Syncer forwards activity batches to channel siblings. Each batch is
// acknowledged to the source immediately and tracked until every
// forwarded copy has been acknowledged by its recipient.
type Syncer struct {
	cfg Config
	log *log.Entry

	mu      sync.Mutex
	pending map[string]*pendingBatch

	stop      chan struct{}
	closeOnce sync.Once
}

// pendingBatch tracks acknowledgement progress for one forwarded batch.
type pendingBatch struct {
	userID    string
	forwarded int
	acked     int
	created   time.Time
}

// New returns a running Syncer. Close releases its janitor.
func New(cfg Config) (*Syncer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Syncer{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: bnode.ComponentSyncer,
		}),
		pending: make(map[string]*pendingBatch),
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s, nil
}

// Close stops the batch janitor.
func (s *Syncer) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
}

// HandleBatch filters the batch's records, forwards the survivors to
// every valid sibling in the source's channel and acknowledges the
// source without waiting for sibling feedback.
func (s *Syncer) HandleBatch(src *agent.Session, batch *wire.ActivityBatch) error {
	if batch.BatchID == "" {
		return trace.BadParameter("activity batch missing batch_id")
	}
	if batch.UserID == "" {
		return trace.BadParameter("activity batch missing user_id")
	}

	kept := s.filterRecords(batch.SyncData)
	if len(kept) == 0 && len(batch.SyncData) > 0 {
		s.log.Infof("Batch %v: all %v records filtered out, not forwarding.", batch.BatchID, len(batch.SyncData))
		return s.ack(src, batch.BatchID, true,
			fmt.Sprintf("Batch received but %v activities filtered out by URL filter", len(batch.SyncData)))
	}

	channelID := src.Identity().ChannelID
	if channelID == "" {
		s.log.Warningf("Batch %v: source %v has no channel assigned, not forwarding.", batch.BatchID, src.ID())
		return s.ack(src, batch.BatchID, true, "Batch received and forwarded")
	}

	forward := wire.ActivityBatchForward{
		Type: wire.TypeActivityBatchForward,
		Data: wire.ActivityBatchForwardData{
			UserID:   batch.UserID,
			BatchID:  batch.BatchID,
			SyncData: kept,
		},
	}

	forwarded := 0
	for _, peer := range s.cfg.Hierarchy.ChannelPeers(channelID) {
		if peer.Identity().UserID == batch.UserID {
			continue
		}
		if err := peer.Send(forward); err != nil {
			s.log.Warningf("Batch %v: forward to %v failed: %v.", batch.BatchID, peer.ID(), err)
			continue
		}
		forwarded++
	}

	// nothing went out, so there is no feedback to wait for
	pendingCount := 0
	if forwarded > 0 {
		s.mu.Lock()
		s.pending[batch.BatchID] = &pendingBatch{
			userID:    batch.UserID,
			forwarded: forwarded,
			created:   s.cfg.Clock.Now(),
		}
		pendingCount = len(s.pending)
		s.mu.Unlock()
	}

	batchesForwarded.Inc()
	recordsForwarded.Add(float64(len(kept) * forwarded))

	s.log.Infof("Batch %v from user %v: %v/%v records forwarded to %v siblings (%v batches pending).",
		batch.BatchID, batch.UserID, len(kept), len(batch.SyncData), forwarded, pendingCount)

	return s.ack(src, batch.BatchID, true, "Batch received and forwarded")
}

// HandleFeedback records one sibling acknowledgement. The batch entry
// is dropped once every forwarded copy has been acknowledged.
func (s *Syncer) HandleFeedback(from *agent.Session, fb *wire.ActivityBatchFeedback) {
	batchID := fb.Data.BatchID

	s.mu.Lock()
	entry, ok := s.pending[batchID]
	if !ok {
		s.mu.Unlock()
		s.log.Warningf("Feedback for unknown batch %v from %v.", batchID, from.ID())
		return
	}
	entry.acked++
	done := entry.acked >= entry.forwarded
	if done {
		delete(s.pending, batchID)
	}
	acked, forwarded := entry.acked, entry.forwarded
	s.mu.Unlock()

	if !fb.Data.Success {
		s.log.Warningf("Batch %v: sibling %v reported failure: %v.", batchID, from.ID(), fb.Data.Message)
	}
	if done {
		s.log.Infof("Batch %v fully acknowledged (%v/%v).", batchID, acked, forwarded)
	} else {
		s.log.Debugf("Batch %v: %v/%v acknowledgements.", batchID, acked, forwarded)
	}
}

// PendingBatches returns the number of batches still awaiting sibling
// acknowledgements.
func (s *Syncer) PendingBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// activityURL is the only record field the filter inspects; everything
// else is forwarded opaque.
type activityURL struct {
	URL string `json:"url"`
}

func (s *Syncer) filterRecords(records []json.RawMessage) []json.RawMessage {
	kept := make([]json.RawMessage, 0, len(records))
	for _, raw := range records {
		var rec activityURL
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.log.Debugf("Dropping unparseable activity record: %v.", err)
			continue
		}
		if !s.cfg.Filter.Allowed(rec.URL) {
			continue
		}
		kept = append(kept, raw)
	}
	return kept
}

func (s *Syncer) ack(src *agent.Session, batchID string, success bool, message string) error {
	fb := wire.ActivityBatchFeedback{
		Type: wire.TypeActivityBatchFeedback,
		Data: wire.ActivityBatchFeedbackData{
			BatchID:   batchID,
			Success:   success,
			Message:   message,
			Timestamp: s.cfg.Clock.Now().UTC().Format(time.RFC3339),
		},
	}
	return trace.Wrap(src.Send(fb))
}

// janitor drops batches whose siblings never acknowledged. A batch
// older than defaults.BatchMaxAge will not complete.
func (s *Syncer) janitor() {
	ticker := s.cfg.Clock.NewTicker(defaults.BatchSweepInterval)
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

func (s *Syncer) sweep() {
	cutoff := s.cfg.Clock.Now().Add(-defaults.BatchMaxAge)

	s.mu.Lock()
	var expired []string
	for id, entry := range s.pending {
		if entry.created.Before(cutoff) {
			expired = append(expired, id)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.log.Infof("Dropped stale batch %v.", id)
	}
	if len(expired) > 0 {
		batchesExpired.Add(float64(len(expired)))
	}
}
