package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the publisher's instruments. Gauge-style values
// (proposal counts, scan timestamps) are kept in local state and read
// by observable callbacks; counters and histograms record directly.
// A nil *Metrics is valid and records nothing, which keeps tests free
// of exporter setup.
type Metrics struct {
	mu               sync.Mutex
	proposalByStatus map[string]int64
	openByMaintainer map[string]int64
	lastScan         time.Time
	lastSuccessScan  time.Time

	rateLimited    metric.Int64Counter
	publishLatency metric.Float64Histogram
}

// NewMetrics registers the publisher's instruments on a meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{
		proposalByStatus: map[string]int64{},
		openByMaintainer: map[string]int64{},
	}

	var err error
	m.rateLimited, err = meter.Int64Counter("publisher.rate_limited_total",
		metric.WithDescription("Proposal creations denied by the rate limiter"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: rate limited counter: %w", err)
	}

	m.publishLatency, err = meter.Float64Histogram("publisher.publish_latency_seconds",
		metric.WithDescription("Delay between run completion and successful publish"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: publish latency histogram: %w", err)
	}

	proposalCount, err := meter.Int64ObservableGauge("publisher.merge_proposal_count",
		metric.WithDescription("Known merge proposals by status"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: proposal count gauge: %w", err)
	}

	openProposals, err := meter.Int64ObservableGauge("publisher.open_proposal_count",
		metric.WithDescription("Open merge proposals per maintainer"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: open proposal gauge: %w", err)
	}

	lastScan, err := meter.Float64ObservableGauge("publisher.last_scan_timestamp",
		metric.WithDescription("Unix time of the most recent reconciliation scan"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: last scan gauge: %w", err)
	}

	lastSuccessScan, err := meter.Float64ObservableGauge("publisher.last_successful_scan_timestamp",
		metric.WithDescription("Unix time of the most recent scan that completed without error"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: last successful scan gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for status, count := range m.proposalByStatus {
			o.ObserveInt64(proposalCount, count,
				metric.WithAttributes(attribute.String("status", status)))
		}
		for email, count := range m.openByMaintainer {
			o.ObserveInt64(openProposals, count,
				metric.WithAttributes(attribute.String("maintainer", email)))
		}
		if !m.lastScan.IsZero() {
			o.ObserveFloat64(lastScan, float64(m.lastScan.UnixNano())/1e9)
		}
		if !m.lastSuccessScan.IsZero() {
			o.ObserveFloat64(lastSuccessScan, float64(m.lastSuccessScan.UnixNano())/1e9)
		}
		return nil
	}, proposalCount, openProposals, lastScan, lastSuccessScan)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register callback: %w", err)
	}

	return m, nil
}

// SetProposalCounts replaces the per-status and per-maintainer gauge
// state with a fresh reconciliation snapshot.
func (m *Metrics) SetProposalCounts(byStatus map[string]int, openByMaintainer map[string]int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposalByStatus = map[string]int64{}
	for status, count := range byStatus {
		m.proposalByStatus[status] = int64(count)
	}
	m.openByMaintainer = map[string]int64{}
	for email, count := range openByMaintainer {
		m.openByMaintainer[email] = int64(count)
	}
}

// IncOpenProposals bumps one maintainer's open-proposal gauge after a
// new proposal is created mid-cycle.
func (m *Metrics) IncOpenProposals(email string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openByMaintainer[email]++
	m.proposalByStatus["open"]++
}

// RecordRateLimited counts one proposal creation denied by the rate
// limiter.
func (m *Metrics) RecordRateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1)
}

// RecordPublishLatency records the delay between a run finishing and
// its result being published.
func (m *Metrics) RecordPublishLatency(ctx context.Context, seconds float64, mode string) {
	if m == nil {
		return
	}
	m.publishLatency.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("mode", mode)))
}

// ScanFinished records the end of a reconciliation scan.
func (m *Metrics) ScanFinished(at time.Time, ok bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastScan = at
	if ok {
		m.lastSuccessScan = at
	}
}
