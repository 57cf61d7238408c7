// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the Prometheus instruments the connection and channel
// packages report against. NewNoop returns a Metrics whose instruments
// are registered nowhere, so its observations are discarded and
// instrumentation call sites never need a nil check.
type Metrics struct {
	HandshakeAttempts prometheus.Counter
	HandshakeFailures prometheus.Counter
	FramesSent        prometheus.Counter
	FramesRetried     prometheus.Counter
	FramesAcked       prometheus.Counter
	ReplayRejected    prometheus.Counter
	Reconnects        prometheus.Counter
	ReassemblyChunks  prometheus.Histogram
}

// NewMetrics registers the transport's instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HandshakeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_handshake_attempts_total",
			Help: "Handshake attempts initiated by a Connection.",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_handshake_failures_total",
			Help: "Handshake attempts that failed (dial, timeout, malformed reply or bad broker signature).",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_frames_sent_total",
			Help: "Frames transmitted, including retries.",
		}),
		FramesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_frames_retried_total",
			Help: "Frames re-sent after a resend timeout.",
		}),
		FramesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_frames_acked_total",
			Help: "Frames acknowledged by their destination.",
		}),
		ReplayRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_replay_rejected_total",
			Help: "Frames dropped by the replay cache.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_reconnects_total",
			Help: "Supervisor-initiated reconnect attempts.",
		}),
		ReassemblyChunks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaymesh_channel_reassembly_chunks",
			Help:    "Chunk count of channel messages, observed once per bundle a channel sends and once per multi-frame message it reassembles.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.HandshakeAttempts, m.HandshakeFailures, m.FramesSent,
			m.FramesRetried, m.FramesAcked, m.ReplayRejected, m.Reconnects, m.ReassemblyChunks)
	}
	return m
}

// NewNoop returns a Metrics backed by unregistered instruments, for
// tests and callers that don't want a Prometheus registry.
func NewNoop() *Metrics {
	return NewMetrics(nil)
}
