package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/fluxgate/fluxgate/fluxgate-srv/logger"
)

// PostgreSQLCollector implements Collector using PostgreSQL as the backend.
type PostgreSQLCollector struct {
	db *sql.DB
}

// NewPostgreSQLCollector creates a new PostgreSQL-based statistics collector.
func NewPostgreSQLCollector(dsn string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	collector := &PostgreSQLCollector{db: db}
	if err := collector.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized postgres stats collector")

	return collector, nil
}

func (p *PostgreSQLCollector) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id SERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			client_ip TEXT NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			method TEXT NOT NULL,
			protocol TEXT NOT NULL,
			raw_header TEXT,
			outcome TEXT NOT NULL,
			status_line TEXT,
			error_code TEXT,
			bytes_sent BIGINT NOT NULL DEFAULT 0,
			bytes_received BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			ttfb_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_host ON requests(host)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp)`,
		`CREATE TABLE IF NOT EXISTS blocked_requests (
			id SERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			client_ip TEXT NOT NULL,
			host TEXT NOT NULL,
			method TEXT NOT NULL,
			pattern TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_violations (
			id SERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			client_ip TEXT NOT NULL,
			host TEXT NOT NULL,
			method TEXT NOT NULL,
			request_count INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// RecordRequest stores one proxied request.
func (p *PostgreSQLCollector) RecordRequest(ctx context.Context, rec *RequestRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO requests (session_id, timestamp, client_ip, host, port, method, protocol,
			raw_header, outcome, status_line, error_code, bytes_sent, bytes_received, duration_ms, ttfb_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.SessionID, rec.Timestamp, rec.ClientIP, rec.Host, rec.Port, rec.Method, rec.Protocol,
		rec.RawHeader, rec.Outcome, rec.StatusLine, rec.ErrorCode, rec.BytesSent, rec.BytesReceived,
		rec.Duration.Milliseconds(), rec.TTFB.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// RecordBlockedRequest stores a policy denial.
func (p *PostgreSQLCollector) RecordBlockedRequest(ctx context.Context, rec *BlockedRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO blocked_requests (session_id, timestamp, client_ip, host, method, pattern)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.SessionID, rec.Timestamp, rec.ClientIP, rec.Host, rec.Method, rec.Pattern)
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

// RecordRateLimitViolation stores a rate limiter rejection.
func (p *PostgreSQLCollector) RecordRateLimitViolation(ctx context.Context, rec *ViolationRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rate_limit_violations (session_id, timestamp, client_ip, host, method, request_count)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.SessionID, rec.Timestamp, rec.ClientIP, rec.Host, rec.Method, rec.RequestCount)
	if err != nil {
		return fmt.Errorf("failed to record rate limit violation: %w", err)
	}
	return nil
}

// TotalRequests returns the number of stored request records.
func (p *PostgreSQLCollector) TotalRequests(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return count, nil
}

// BlockedCount returns the number of stored policy denials.
func (p *PostgreSQLCollector) BlockedCount(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocked_requests`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count blocked requests: %w", err)
	}
	return count, nil
}

// RateLimitViolationCount returns the number of stored rate limit rejections.
func (p *PostgreSQLCollector) RateLimitViolationCount(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rate_limit_violations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rate limit violations: %w", err)
	}
	return count, nil
}

// GetTopDomains returns the most requested target hosts.
func (p *PostgreSQLCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT host, COUNT(*) as request_count,
			SUM(bytes_sent + bytes_received) as total_bytes,
			MAX(timestamp) as last_access
		 FROM requests
		 GROUP BY host
		 ORDER BY request_count DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top domains: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.Error("Error closing rows: %v", closeErr)
		}
	}()

	var domains []DomainStats
	for rows.Next() {
		var d DomainStats
		if err := rows.Scan(&d.Domain, &d.RequestCount, &d.TotalBytes, &d.LastAccess); err != nil {
			return nil, fmt.Errorf("failed to scan domain stats: %w", err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// GetBandwidthStats returns per-day bandwidth usage for the last days days.
func (p *PostgreSQLCollector) GetBandwidthStats(ctx context.Context, days int) (*BandwidthStats, error) {
	since := time.Now().AddDate(0, 0, -days)
	rows, err := p.db.QueryContext(ctx,
		`SELECT DATE(timestamp) as day,
			SUM(bytes_received) as bytes_in,
			SUM(bytes_sent) as bytes_out,
			COUNT(*) as request_count
		 FROM requests
		 WHERE timestamp >= $1
		 GROUP BY day
		 ORDER BY day DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query bandwidth stats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.Error("Error closing rows: %v", closeErr)
		}
	}()

	result := &BandwidthStats{}
	for rows.Next() {
		var d DailyBandwidth
		var day time.Time
		if err := rows.Scan(&day, &d.BytesIn, &d.BytesOut, &d.RequestCount); err != nil {
			return nil, fmt.Errorf("failed to scan bandwidth stats: %w", err)
		}
		d.Date = day.Format("2006-01-02")
		result.Daily = append(result.Daily, d)
		result.Total += d.BytesIn + d.BytesOut
	}
	return result, rows.Err()
}

// HealthCheck verifies the database connection is alive.
func (p *PostgreSQLCollector) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection.
func (p *PostgreSQLCollector) Close() error {
	return p.db.Close()
}
