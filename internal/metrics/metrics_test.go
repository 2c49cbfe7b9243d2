package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSessions struct{ stats []SessionStats }

func (f fakeSessions) ListSessionStats() []SessionStats { return f.stats }

type fakeIngestors struct{ resends, dropped uint64 }

func (f fakeIngestors) AggregateResendsRequested() uint64 { return f.resends }
func (f fakeIngestors) AggregatePacketsDropped() uint64   { return f.dropped }

func TestCollectorReportsActiveSessionCount(t *testing.T) {
	sessions := fakeSessions{stats: []SessionStats{
		{ID: "a", DeviceID: "dev-a", BufferFill: 200, PlaybackRate: 1.0},
		{ID: "b", DeviceID: "dev-b", BufferFill: 150, PlaybackRate: 0.999},
	}}
	c := NewCollector(sessions, fakeIngestors{resends: 3, dropped: 1}, time.Now())

	want := `
		# HELP raopd_sessions_active Number of currently active RAOP sessions
		# TYPE raopd_sessions_active gauge
		raopd_sessions_active 2
	`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want), "raopd_sessions_active"); err != nil {
		t.Errorf("unexpected collected metrics: %v", err)
	}
}

func TestCollectorReportsPerSessionGauges(t *testing.T) {
	sessions := fakeSessions{stats: []SessionStats{
		{ID: "a", DeviceID: "dev-a", BufferFill: 200, PlaybackRate: 1.0, Muted: false},
	}}
	c := NewCollector(sessions, fakeIngestors{}, time.Now())

	want := `
		# HELP raopd_session_buffer_fill Ring buffer occupancy for a session (ab_write - ab_read)
		# TYPE raopd_session_buffer_fill gauge
		raopd_session_buffer_fill{device_id="dev-a",session_id="a"} 200
	`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want), "raopd_session_buffer_fill"); err != nil {
		t.Errorf("unexpected collected metrics: %v", err)
	}

	wantMuted := `
		# HELP raopd_session_muted Whether a session is currently muted (1=muted, 0=unmuted)
		# TYPE raopd_session_muted gauge
		raopd_session_muted{device_id="dev-a",session_id="a"} 0
	`
	if err := testutil.CollectAndCompare(c, strings.NewReader(wantMuted), "raopd_session_muted"); err != nil {
		t.Errorf("unexpected collected metrics: %v", err)
	}
}

func TestCollectorReportsAggregateCounters(t *testing.T) {
	c := NewCollector(fakeSessions{}, fakeIngestors{resends: 7, dropped: 4}, time.Now())

	want := `
		# HELP raopd_resends_requested_total Total resend requests emitted across all sessions
		# TYPE raopd_resends_requested_total counter
		raopd_resends_requested_total 7
		# HELP raopd_packets_dropped_total Total inbound packets dropped (late or decode failure) across all sessions
		# TYPE raopd_packets_dropped_total counter
		raopd_packets_dropped_total 4
	`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want),
		"raopd_resends_requested_total", "raopd_packets_dropped_total"); err != nil {
		t.Errorf("unexpected collected metrics: %v", err)
	}
}

func TestCollectorDescribeMatchesCollect(t *testing.T) {
	c := NewCollector(fakeSessions{}, fakeIngestors{}, time.Now())
	if problems := testutil.CollectAndLint(c); len(problems) != 0 {
		t.Errorf("metric lint problems: %+v", problems)
	}
}
