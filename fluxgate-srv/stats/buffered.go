package stats

import (
	"context"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/fluxgate-srv/logger"
)

// BufferedCollector wraps another Collector and batches event writes,
// flushing them on a fixed interval. Queries pass through unbuffered, so
// a query immediately after an event may miss data still in the buffer.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	buffer struct {
		requests   []RequestRecord
		blocked    []BlockedRecord
		violations []ViolationRecord
		mu         sync.Mutex
	}

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBufferedCollector creates a buffered collector with the given flush
// interval.
func NewBufferedCollector(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
	bc.buffer.requests = make([]RequestRecord, 0, 1000)
	bc.buffer.blocked = make([]BlockedRecord, 0, 100)
	bc.buffer.violations = make([]ViolationRecord, 0, 100)

	bc.wg.Add(1)
	go bc.flusher()

	return bc
}

func (b *BufferedCollector) flusher() {
	defer b.wg.Done()

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

func (b *BufferedCollector) RecordRequest(ctx context.Context, rec *RequestRecord) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	b.buffer.requests = append(b.buffer.requests, *rec)
	return nil
}

func (b *BufferedCollector) RecordBlockedRequest(ctx context.Context, rec *BlockedRecord) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	b.buffer.blocked = append(b.buffer.blocked, *rec)
	return nil
}

func (b *BufferedCollector) RecordRateLimitViolation(ctx context.Context, rec *ViolationRecord) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()
	b.buffer.violations = append(b.buffer.violations, *rec)
	return nil
}

// flush writes all buffered events to the underlying collector.
func (b *BufferedCollector) flush() {
	b.buffer.mu.Lock()
	requests := b.buffer.requests
	blocked := b.buffer.blocked
	violations := b.buffer.violations
	b.buffer.requests = make([]RequestRecord, 0, cap(requests))
	b.buffer.blocked = make([]BlockedRecord, 0, cap(blocked))
	b.buffer.violations = make([]ViolationRecord, 0, cap(violations))
	b.buffer.mu.Unlock()

	total := len(requests) + len(blocked) + len(violations)
	if total == 0 {
		return
	}

	logger.Debug("Flushing %d buffered stats events", total)

	ctx := context.Background()
	for i := range requests {
		if err := b.underlying.RecordRequest(ctx, &requests[i]); err != nil {
			logger.Error("Failed to flush request record: %v", err)
		}
	}
	for i := range blocked {
		if err := b.underlying.RecordBlockedRequest(ctx, &blocked[i]); err != nil {
			logger.Error("Failed to flush blocked record: %v", err)
		}
	}
	for i := range violations {
		if err := b.underlying.RecordRateLimitViolation(ctx, &violations[i]); err != nil {
			logger.Error("Failed to flush violation record: %v", err)
		}
	}
}

// ForceFlush immediately flushes all buffered events.
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

func (b *BufferedCollector) TotalRequests(ctx context.Context) (int64, error) {
	return b.underlying.TotalRequests(ctx)
}

func (b *BufferedCollector) BlockedCount(ctx context.Context) (int64, error) {
	return b.underlying.BlockedCount(ctx)
}

func (b *BufferedCollector) RateLimitViolationCount(ctx context.Context) (int64, error) {
	return b.underlying.RateLimitViolationCount(ctx)
}

func (b *BufferedCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	return b.underlying.GetTopDomains(ctx, limit)
}

func (b *BufferedCollector) GetBandwidthStats(ctx context.Context, days int) (*BandwidthStats, error) {
	return b.underlying.GetBandwidthStats(ctx, days)
}

func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close stops the flusher, writes any remaining events, and closes the
// underlying collector.
func (b *BufferedCollector) Close() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
	return b.underlying.Close()
}
