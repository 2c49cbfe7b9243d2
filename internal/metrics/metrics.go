// Package metrics exposes a prometheus.Collector that scrapes live
// session stats at request time, grounded on the teacher's
// metrics.Collector pattern of wrapping provider interfaces rather than
// pushing metrics eagerly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionStats is the subset of session.Stats the collector needs. It is
// declared here (not imported from package session) so metrics has no
// dependency on session's internals, matching the teacher's provider-
// interface style.
type SessionStats struct {
	ID           string
	DeviceID     string
	BufferFill   int
	Synced       bool
	PlaybackRate float64
	Muted        bool
}

// SessionProvider exposes the live set of sessions for scraping.
type SessionProvider interface {
	ListSessionStats() []SessionStats
}

// IngestorStatsProvider exposes aggregate packet counters across all
// active sessions' ingestors.
type IngestorStatsProvider interface {
	AggregateResendsRequested() uint64
	AggregatePacketsDropped() uint64
}

// Collector is a prometheus.Collector that gathers raopd metrics at
// scrape time rather than on every packet, keeping the hot path free of
// metrics bookkeeping.
type Collector struct {
	sessions  SessionProvider
	ingestors IngestorStatsProvider
	startTime time.Time

	sessionsActiveDesc   *prometheus.Desc
	bufferFillDesc       *prometheus.Desc
	playbackRateDesc     *prometheus.Desc
	mutedDesc            *prometheus.Desc
	resendsRequestedDesc *prometheus.Desc
	packetsDroppedDesc   *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a metrics collector. ingestors may be nil if
// aggregate packet counters are unavailable.
func NewCollector(sessions SessionProvider, ingestors IngestorStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		ingestors: ingestors,
		startTime: startTime,

		sessionsActiveDesc: prometheus.NewDesc(
			"raopd_sessions_active",
			"Number of currently active RAOP sessions",
			nil, nil,
		),
		bufferFillDesc: prometheus.NewDesc(
			"raopd_session_buffer_fill",
			"Ring buffer occupancy for a session (ab_write - ab_read)",
			[]string{"session_id", "device_id"}, nil,
		),
		playbackRateDesc: prometheus.NewDesc(
			"raopd_session_playback_rate",
			"Current rate-controller playback rate for a session",
			[]string{"session_id", "device_id"}, nil,
		),
		mutedDesc: prometheus.NewDesc(
			"raopd_session_muted",
			"Whether a session is currently muted (1=muted, 0=unmuted)",
			[]string{"session_id", "device_id"}, nil,
		),
		resendsRequestedDesc: prometheus.NewDesc(
			"raopd_resends_requested_total",
			"Total resend requests emitted across all sessions",
			nil, nil,
		),
		packetsDroppedDesc: prometheus.NewDesc(
			"raopd_packets_dropped_total",
			"Total inbound packets dropped (late or decode failure) across all sessions",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"raopd_uptime_seconds",
			"Seconds since the raopd process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsActiveDesc
	ch <- c.bufferFillDesc
	ch <- c.playbackRateDesc
	ch <- c.mutedDesc
	ch <- c.resendsRequestedDesc
	ch <- c.packetsDroppedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		stats := c.sessions.ListSessionStats()
		ch <- prometheus.MustNewConstMetric(c.sessionsActiveDesc, prometheus.GaugeValue, float64(len(stats)))

		for _, s := range stats {
			ch <- prometheus.MustNewConstMetric(
				c.bufferFillDesc, prometheus.GaugeValue,
				float64(s.BufferFill), s.ID, s.DeviceID,
			)
			ch <- prometheus.MustNewConstMetric(
				c.playbackRateDesc, prometheus.GaugeValue,
				s.PlaybackRate, s.ID, s.DeviceID,
			)
			muted := 0.0
			if s.Muted {
				muted = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.mutedDesc, prometheus.GaugeValue,
				muted, s.ID, s.DeviceID,
			)
		}
	}

	if c.ingestors != nil {
		ch <- prometheus.MustNewConstMetric(
			c.resendsRequestedDesc, prometheus.CounterValue,
			float64(c.ingestors.AggregateResendsRequested()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.packetsDroppedDesc, prometheus.CounterValue,
			float64(c.ingestors.AggregatePacketsDropped()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
