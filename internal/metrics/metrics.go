// Package metrics exposes the agent daemon's state to Prometheus. Values
// are read from their owners at scrape time.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/agentphone/internal/call"
	"github.com/flowpbx/agentphone/internal/dialer"
	"github.com/flowpbx/agentphone/internal/disposition"
	"github.com/flowpbx/agentphone/internal/sip"
)

// RegistrationProvider exposes the registration snapshot.
type RegistrationProvider interface {
	Status() sip.RegistrationStatus
}

// CallProvider exposes the current call session.
type CallProvider interface {
	Snapshot() call.Snapshot
}

// DispositionCounter returns archived session counts grouped by
// disposition label.
type DispositionCounter interface {
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// DialerProvider exposes the auto-dial queue.
type DialerProvider interface {
	Status() dialer.Status
}

var (
	registrationStates = []sip.RegistrationState{
		sip.StateUnregistered, sip.StateRegistering, sip.StateRegistered, sip.StateFailed,
	}
	dispositionLabels = []disposition.Label{
		disposition.Answered, disposition.Busy, disposition.NoAnswer, disposition.Failed,
	}
)

// Collector is a prometheus.Collector for one agent daemon.
type Collector struct {
	registration RegistrationProvider
	calls        CallProvider
	history      DispositionCounter
	dialer       DialerProvider
	startTime    time.Time

	registrationDesc *prometheus.Desc
	callStateDesc    *prometheus.Desc
	talkTimeDesc     *prometheus.Desc
	callsTotalDesc   *prometheus.Desc
	dialerDesc       *prometheus.Desc
	pendingDesc      *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a collector. Any provider may be nil.
func NewCollector(
	registration RegistrationProvider,
	calls CallProvider,
	history DispositionCounter,
	dial DialerProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		registration: registration,
		calls:        calls,
		history:      history,
		dialer:       dial,
		startTime:    startTime,

		registrationDesc: prometheus.NewDesc(
			"agentphone_registration_state",
			"SIP registration state (1 for the current state)",
			[]string{"state"}, nil,
		),
		callStateDesc: prometheus.NewDesc(
			"agentphone_call_state",
			"Current call session state (1 for the current state)",
			[]string{"state"}, nil,
		),
		talkTimeDesc: prometheus.NewDesc(
			"agentphone_call_talk_seconds",
			"Talk time of the current call",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"agentphone_calls_total",
			"Archived sessions by disposition",
			[]string{"disposition"}, nil,
		),
		dialerDesc: prometheus.NewDesc(
			"agentphone_dialer_running",
			"Whether the auto-dialer is running",
			nil, nil,
		),
		pendingDesc: prometheus.NewDesc(
			"agentphone_dialer_pending_prospects",
			"Prospects waiting to be dialed",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"agentphone_uptime_seconds",
			"Seconds since the daemon started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registrationDesc
	ch <- c.callStateDesc
	ch <- c.talkTimeDesc
	ch <- c.callsTotalDesc
	ch <- c.dialerDesc
	ch <- c.pendingDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.registration != nil {
		current := c.registration.Status().State
		for _, st := range registrationStates {
			ch <- prometheus.MustNewConstMetric(
				c.registrationDesc, prometheus.GaugeValue, boolValue(st == current), string(st),
			)
		}
	}

	if c.calls != nil {
		snap := c.calls.Snapshot()
		ch <- prometheus.MustNewConstMetric(
			c.callStateDesc, prometheus.GaugeValue, 1, string(snap.State),
		)
		ch <- prometheus.MustNewConstMetric(
			c.talkTimeDesc, prometheus.GaugeValue, snap.Session.Elapsed(time.Now()).Seconds(),
		)
	}

	if c.history != nil {
		counts, err := c.history.CountByDisposition(ctx)
		if err != nil {
			slog.Error("metrics: failed to count sessions by disposition", "error", err)
		} else {
			for _, label := range dispositionLabels {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[string(label)]), string(label),
				)
			}
		}
	}

	if c.dialer != nil {
		st := c.dialer.Status()
		ch <- prometheus.MustNewConstMetric(
			c.dialerDesc, prometheus.GaugeValue, boolValue(st.State == dialer.Running),
		)
		ch <- prometheus.MustNewConstMetric(
			c.pendingDesc, prometheus.GaugeValue, float64(st.Pending),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds(),
	)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
