package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxgate/fluxgate/fluxgate-srv/logger"
)

// SQLiteCollector implements Collector using SQLite as the backend.
type SQLiteCollector struct {
	db *sql.DB
}

// NewSQLiteCollector creates a new SQLite-based statistics collector.
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	collector := &SQLiteCollector{db: db}
	if err := collector.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized sqlite stats collector at %s", dbPath)

	return collector, nil
}

func (s *SQLiteCollector) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			client_ip TEXT NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			method TEXT NOT NULL,
			protocol TEXT NOT NULL,
			raw_header TEXT,
			outcome TEXT NOT NULL,
			status_line TEXT,
			error_code TEXT,
			bytes_sent INTEGER NOT NULL DEFAULT 0,
			bytes_received INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			ttfb_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_host ON requests(host)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp)`,
		`CREATE TABLE IF NOT EXISTS blocked_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			client_ip TEXT NOT NULL,
			host TEXT NOT NULL,
			method TEXT NOT NULL,
			pattern TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_violations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			client_ip TEXT NOT NULL,
			host TEXT NOT NULL,
			method TEXT NOT NULL,
			request_count INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// RecordRequest stores one proxied request.
func (s *SQLiteCollector) RecordRequest(ctx context.Context, rec *RequestRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (session_id, timestamp, client_ip, host, port, method, protocol,
			raw_header, outcome, status_line, error_code, bytes_sent, bytes_received, duration_ms, ttfb_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Timestamp, rec.ClientIP, rec.Host, rec.Port, rec.Method, rec.Protocol,
		rec.RawHeader, rec.Outcome, rec.StatusLine, rec.ErrorCode, rec.BytesSent, rec.BytesReceived,
		rec.Duration.Milliseconds(), rec.TTFB.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// RecordBlockedRequest stores a policy denial.
func (s *SQLiteCollector) RecordBlockedRequest(ctx context.Context, rec *BlockedRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blocked_requests (session_id, timestamp, client_ip, host, method, pattern)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Timestamp, rec.ClientIP, rec.Host, rec.Method, rec.Pattern)
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

// RecordRateLimitViolation stores a rate limiter rejection.
func (s *SQLiteCollector) RecordRateLimitViolation(ctx context.Context, rec *ViolationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_violations (session_id, timestamp, client_ip, host, method, request_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Timestamp, rec.ClientIP, rec.Host, rec.Method, rec.RequestCount)
	if err != nil {
		return fmt.Errorf("failed to record rate limit violation: %w", err)
	}
	return nil
}

// TotalRequests returns the number of stored request records.
func (s *SQLiteCollector) TotalRequests(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return count, nil
}

// BlockedCount returns the number of stored policy denials.
func (s *SQLiteCollector) BlockedCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocked_requests`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count blocked requests: %w", err)
	}
	return count, nil
}

// RateLimitViolationCount returns the number of stored rate limit rejections.
func (s *SQLiteCollector) RateLimitViolationCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rate_limit_violations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rate limit violations: %w", err)
	}
	return count, nil
}

// GetTopDomains returns the most requested target hosts.
func (s *SQLiteCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host, COUNT(*) as request_count,
			SUM(bytes_sent + bytes_received) as total_bytes,
			MAX(timestamp) as last_access
		 FROM requests
		 GROUP BY host
		 ORDER BY request_count DESC
		 LIMIT ?`, limit)
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
		// MAX() strips the column's declared type, so the timestamp
		// comes back as its stored string form.
		var lastAccess string
		if err := rows.Scan(&d.Domain, &d.RequestCount, &d.TotalBytes, &lastAccess); err != nil {
			return nil, fmt.Errorf("failed to scan domain stats: %w", err)
		}
		d.LastAccess = parseSQLiteTime(lastAccess)
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// GetBandwidthStats returns per-day bandwidth usage for the last days days.
func (s *SQLiteCollector) GetBandwidthStats(ctx context.Context, days int) (*BandwidthStats, error) {
	since := time.Now().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DATE(timestamp) as day,
			SUM(bytes_received) as bytes_in,
			SUM(bytes_sent) as bytes_out,
			COUNT(*) as request_count
		 FROM requests
		 WHERE timestamp >= ?
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
		if err := rows.Scan(&d.Date, &d.BytesIn, &d.BytesOut, &d.RequestCount); err != nil {
			return nil, fmt.Errorf("failed to scan bandwidth stats: %w", err)
		}
		result.Daily = append(result.Daily, d)
		result.Total += d.BytesIn + d.BytesOut
	}
	return result, rows.Err()
}

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	time.RFC3339Nano,
}

func parseSQLiteTime(s string) time.Time {
	for _, layout := range sqliteTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteCollector) Close() error {
	return s.db.Close()
}
