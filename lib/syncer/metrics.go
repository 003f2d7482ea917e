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

package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bnode_activity_batches_forwarded_total",
		Help: "Number of activity batches fanned out to channel siblings",
	})
	recordsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bnode_activity_records_forwarded_total",
		Help: "Number of activity records forwarded, counted once per recipient",
	})
	batchesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bnode_activity_batches_expired_total",
		Help: "Number of batches dropped without full sibling acknowledgement",
	})
)
