package stats

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCollector keeps all records in memory. It backs the "memory"
// statistics backend and doubles as a capturing collector in tests.
type MemoryCollector struct {
	mu         sync.Mutex
	requests   []RequestRecord
	blocked    []BlockedRecord
	violations []ViolationRecord
}

// NewMemoryCollector creates a new in-memory collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{}
}

func (m *MemoryCollector) RecordRequest(ctx context.Context, rec *RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, *rec)
	return nil
}

func (m *MemoryCollector) RecordBlockedRequest(ctx context.Context, rec *BlockedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = append(m.blocked, *rec)
	return nil
}

func (m *MemoryCollector) RecordRateLimitViolation(ctx context.Context, rec *ViolationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, *rec)
	return nil
}

func (m *MemoryCollector) TotalRequests(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.requests)), nil
}

func (m *MemoryCollector) BlockedCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.blocked)), nil
}

func (m *MemoryCollector) RateLimitViolationCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.violations)), nil
}

func (m *MemoryCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byDomain := make(map[string]*DomainStats)
	for i := range m.requests {
		rec := &m.requests[i]
		d, ok := byDomain[rec.Host]
		if !ok {
			d = &DomainStats{Domain: rec.Host}
			byDomain[rec.Host] = d
		}
		d.RequestCount++
		d.TotalBytes += rec.BytesSent + rec.BytesReceived
		if rec.Timestamp.After(d.LastAccess) {
			d.LastAccess = rec.Timestamp
		}
	}

	domains := make([]DomainStats, 0, len(byDomain))
	for _, d := range byDomain {
		domains = append(domains, *d)
	}
	sort.Slice(domains, func(i, j int) bool {
		if domains[i].RequestCount != domains[j].RequestCount {
			return domains[i].RequestCount > domains[j].RequestCount
		}
		return domains[i].Domain < domains[j].Domain
	})
	if limit > 0 && len(domains) > limit {
		domains = domains[:limit]
	}
	return domains, nil
}

func (m *MemoryCollector) GetBandwidthStats(ctx context.Context, days int) (*BandwidthStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	since := time.Now().AddDate(0, 0, -days)
	byDay := make(map[string]*DailyBandwidth)
	result := &BandwidthStats{}
	for i := range m.requests {
		rec := &m.requests[i]
		if rec.Timestamp.Before(since) {
			continue
		}
		day := rec.Timestamp.Format("2006-01-02")
		d, ok := byDay[day]
		if !ok {
			d = &DailyBandwidth{Date: day}
			byDay[day] = d
		}
		d.BytesIn += rec.BytesReceived
		d.BytesOut += rec.BytesSent
		d.RequestCount++
		result.Total += rec.BytesSent + rec.BytesReceived
	}
	for _, d := range byDay {
		result.Daily = append(result.Daily, *d)
	}
	sort.Slice(result.Daily, func(i, j int) bool {
		return result.Daily[i].Date > result.Daily[j].Date
	})
	return result, nil
}

func (m *MemoryCollector) HealthCheck(ctx context.Context) error { return nil }

func (m *MemoryCollector) Close() error { return nil }

// Requests returns a copy of all recorded requests.
func (m *MemoryCollector) Requests() []RequestRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RequestRecord, len(m.requests))
	copy(out, m.requests)
	return out
}

// Blocked returns a copy of all recorded policy denials.
func (m *MemoryCollector) Blocked() []BlockedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BlockedRecord, len(m.blocked))
	copy(out, m.blocked)
	return out
}

// Violations returns a copy of all recorded rate limit rejections.
func (m *MemoryCollector) Violations() []ViolationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ViolationRecord, len(m.violations))
	copy(out, m.violations)
	return out
}
