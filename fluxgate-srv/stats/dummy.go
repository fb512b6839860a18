package stats

import "context"

// DummyCollector is a no-op implementation of Collector, used when
// statistics are disabled.
type DummyCollector struct{}

// NewDummyCollector creates a new no-op collector.
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) RecordRequest(ctx context.Context, rec *RequestRecord) error { return nil }

func (d *DummyCollector) RecordBlockedRequest(ctx context.Context, rec *BlockedRecord) error {
	return nil
}

func (d *DummyCollector) RecordRateLimitViolation(ctx context.Context, rec *ViolationRecord) error {
	return nil
}

func (d *DummyCollector) TotalRequests(ctx context.Context) (int64, error) { return 0, nil }

func (d *DummyCollector) BlockedCount(ctx context.Context) (int64, error) { return 0, nil }

func (d *DummyCollector) RateLimitViolationCount(ctx context.Context) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	return nil, nil
}

func (d *DummyCollector) GetBandwidthStats(ctx context.Context, days int) (*BandwidthStats, error) {
	return &BandwidthStats{}, nil
}

func (d *DummyCollector) HealthCheck(ctx context.Context) error { return nil }

func (d *DummyCollector) Close() error { return nil }
