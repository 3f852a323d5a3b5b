package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionStatsProvider exposes group chat session counters.
type SessionStatsProvider interface {
	ActiveCount() int
	InvitesSent() int64
	InviteFailures() int64
}

// ConversationCounter returns the number of bound CPM conversations.
type ConversationCounter interface {
	Count(ctx context.Context) (int64, error)
}

// MSRPPortProvider exposes MSRP port pool usage.
type MSRPPortProvider interface {
	AllocatedCount() int
	Capacity() int
}

// Collector is a prometheus.Collector that gathers rcschat metrics at scrape time.
type Collector struct {
	sessions      SessionStatsProvider
	conversations ConversationCounter
	msrp          MSRPPortProvider
	startTime     time.Time
	logger        *slog.Logger

	// Metric descriptors.
	activeSessionsDesc     *prometheus.Desc
	invitesSentDesc        *prometheus.Desc
	inviteFailuresDesc     *prometheus.Desc
	conversationsDesc      *prometheus.Desc
	msrpPortsAllocatedDesc *prometheus.Desc
	msrpPortsCapacityDesc  *prometheus.Desc
	uptimeDesc             *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	sessions SessionStatsProvider,
	conversations ConversationCounter,
	msrp MSRPPortProvider,
	startTime time.Time,
	logger *slog.Logger,
) *Collector {
	return &Collector{
		sessions:      sessions,
		conversations: conversations,
		msrp:          msrp,
		startTime:     startTime,
		logger:        logger.With("subsystem", "metrics"),

		activeSessionsDesc: prometheus.NewDesc(
			"rcschat_group_chat_sessions",
			"Number of group chat sessions tracked by this process",
			nil, nil,
		),
		invitesSentDesc: prometheus.NewDesc(
			"rcschat_invites_sent_total",
			"Total group chat INVITEs handed to the SIP transport",
			nil, nil,
		),
		inviteFailuresDesc: prometheus.NewDesc(
			"rcschat_invite_failures_total",
			"Total group chat attempts that failed before transmission",
			nil, nil,
		),
		conversationsDesc: prometheus.NewDesc(
			"rcschat_conversations_bound",
			"Number of contribution ids bound to a CPM conversation id",
			nil, nil,
		),
		msrpPortsAllocatedDesc: prometheus.NewDesc(
			"rcschat_msrp_ports_allocated",
			"Number of MSRP listening ports currently bound",
			nil, nil,
		),
		msrpPortsCapacityDesc: prometheus.NewDesc(
			"rcschat_msrp_ports_capacity",
			"Size of the configured MSRP port range",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"rcschat_uptime_seconds",
			"Seconds since the rcschat process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.invitesSentDesc
	ch <- c.inviteFailuresDesc
	ch <- c.conversationsDesc
	ch <- c.msrpPortsAllocatedDesc
	ch <- c.msrpPortsCapacityDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.invitesSentDesc, prometheus.CounterValue,
			float64(c.sessions.InvitesSent()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.inviteFailuresDesc, prometheus.CounterValue,
			float64(c.sessions.InviteFailures()),
		)
	}

	if c.conversations != nil {
		count, err := c.conversations.Count(ctx)
		if err != nil {
			c.logger.Error("failed to count conversations", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.conversationsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	if c.msrp != nil {
		ch <- prometheus.MustNewConstMetric(
			c.msrpPortsAllocatedDesc, prometheus.GaugeValue,
			float64(c.msrp.AllocatedCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.msrpPortsCapacityDesc, prometheus.GaugeValue,
			float64(c.msrp.Capacity()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
