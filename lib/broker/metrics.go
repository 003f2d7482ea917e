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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attestationPassed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bnode_attestation_passed_total",
		Help: "Attestation rounds where the joiner matched the witness record",
	})
	attestationFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bnode_attestation_failed_total",
		Help: "Attestation rounds that blocked a session push",
	})
	attestationNewUser = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bnode_attestation_new_user_total",
		Help: "Attestation rounds passed vacuously for users with no sibling history",
	})
	pushesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bnode_session_pushes_delivered_total",
		Help: "Session pushes acknowledged by at least one agent",
	})
	pushesAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bnode_session_pushes_abandoned_total",
		Help: "Session pushes abandoned after exhausting every attempt",
	})
	logoutsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bnode_logouts_total",
		Help: "Logout barriers run to completion",
	})
)
