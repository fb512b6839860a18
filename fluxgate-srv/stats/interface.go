package stats

import (
	"context"
	"time"
)

// Request outcomes as stored with each record.
const (
	OutcomeForwarded   = "forwarded"
	OutcomeTunneled    = "tunneled"
	OutcomeBlocked     = "blocked"
	OutcomeRateLimited = "rate_limited"
	OutcomeParseError  = "parse_error"
	OutcomeDialError   = "dial_error"
	OutcomeRelayError  = "relay_error"
)

// Collector defines the interface for recording proxy traffic events and
// querying aggregate statistics.
type Collector interface {
	// Event recording. Exactly one of these is called per proxied
	// connection, matching its terminal state.
	RecordRequest(ctx context.Context, rec *RequestRecord) error
	RecordBlockedRequest(ctx context.Context, rec *BlockedRecord) error
	RecordRateLimitViolation(ctx context.Context, rec *ViolationRecord) error

	// Aggregate queries
	TotalRequests(ctx context.Context) (int64, error)
	BlockedCount(ctx context.Context) (int64, error)
	RateLimitViolationCount(ctx context.Context) (int64, error)
	GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error)
	GetBandwidthStats(ctx context.Context, days int) (*BandwidthStats, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// RequestRecord describes one completed (or failed) proxied request.
type RequestRecord struct {
	SessionID     string
	Timestamp     time.Time
	ClientIP      string
	Host          string
	Port          int
	Method        string
	Protocol      string // "http" or "connect"
	RawHeader     string
	Outcome       string
	StatusLine    string // status line delivered to the client
	ErrorCode     string
	BytesSent     int64 // client to upstream
	BytesReceived int64 // upstream to client
	Duration      time.Duration
	TTFB          time.Duration
}

// BlockedRecord describes a request denied by the access policy.
type BlockedRecord struct {
	SessionID string
	Timestamp time.Time
	ClientIP  string
	Host      string
	Method    string
	Pattern   string
}

// ViolationRecord describes a request rejected by the rate limiter.
type ViolationRecord struct {
	SessionID    string
	Timestamp    time.Time
	ClientIP     string
	Host         string
	Method       string
	RequestCount int
}

// DomainStats represents aggregate statistics for one target domain.
type DomainStats struct {
	Domain       string    `json:"domain"`
	RequestCount int64     `json:"request_count"`
	TotalBytes   int64     `json:"total_bytes"`
	LastAccess   time.Time `json:"last_access"`
}

// BandwidthStats provides bandwidth usage data.
type BandwidthStats struct {
	Daily []DailyBandwidth `json:"daily"`
	Total int64            `json:"total"`
}

// DailyBandwidth represents daily bandwidth usage.
type DailyBandwidth struct {
	Date         string `json:"date"`
	BytesIn      int64  `json:"bytes_in"`
	BytesOut     int64  `json:"bytes_out"`
	RequestCount int64  `json:"request_count"`
}
