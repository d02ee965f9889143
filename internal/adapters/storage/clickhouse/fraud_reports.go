package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"payment-orchestration-engine/internal/core/ports"
)

const createFraudReports = `
CREATE TABLE IF NOT EXISTS fraud_reports (
    payment_id     String,
    correlation_id String,
    customer_id    String,
    merchant_id    String,
    amount         Decimal(18, 4),
    currency       LowCardinality(String),
    risk_level     LowCardinality(String),
    score          Float64,
    factors        Array(String),
    fallback       UInt8,
    checked_at     DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (checked_at, payment_id)`

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Open connects to ClickHouse and verifies the connection.
func Open(ctx context.Context, opts Options) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	return conn, nil
}

// FraudReportSink writes scored payments to the fraud_reports table.
type FraudReportSink struct {
	conn driver.Conn
}

func NewFraudReportSink(conn driver.Conn) *FraudReportSink {
	return &FraudReportSink{conn: conn}
}

// EnsureSchema creates the fraud_reports table if it is missing.
func (s *FraudReportSink) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, createFraudReports); err != nil {
		return fmt.Errorf("failed to create fraud_reports: %w", err)
	}
	return nil
}

type reportRow struct {
	PaymentID     string
	CorrelationID string
	CustomerID    string
	MerchantID    string
	Amount        string
	Currency      string
	RiskLevel     string
	Score         float64
	Factors       []string
	Fallback      uint8
	CheckedAt     time.Time
}

func toRow(r ports.FraudReport) reportRow {
	row := reportRow{
		PaymentID:     r.PaymentID.String(),
		CorrelationID: r.CorrelationID.String(),
		CustomerID:    r.CustomerID,
		MerchantID:    r.MerchantID,
		Amount:        r.Amount.Amount().String(),
		Currency:      r.Amount.Currency().Code(),
		RiskLevel:     r.RiskLevel.String(),
		Score:         r.Score,
		Factors:       r.Factors,
		CheckedAt:     r.CheckedAt.UTC(),
	}
	if row.Factors == nil {
		row.Factors = []string{}
	}
	if r.Fallback {
		row.Fallback = 1
	}
	return row
}

func (s *FraudReportSink) Record(ctx context.Context, report ports.FraudReport) error {
	row := toRow(report)
	err := s.conn.Exec(ctx, `
		INSERT INTO fraud_reports
		    (payment_id, correlation_id, customer_id, merchant_id, amount, currency, risk_level, score, factors, fallback, checked_at)
		VALUES (?, ?, ?, ?, toDecimal64(?, 4), ?, ?, ?, ?, ?, ?)`,
		row.PaymentID, row.CorrelationID, row.CustomerID, row.MerchantID, row.Amount, row.Currency,
		row.RiskLevel, row.Score, row.Factors, row.Fallback, row.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fraud report for %s: %w", row.PaymentID, err)
	}
	return nil
}

// ReportSummary is one line of the fraud report listing.
type ReportSummary struct {
	PaymentID string
	RiskLevel string
	Score     float64
	Factors   []string
	Fallback  bool
	CheckedAt time.Time
}

// Recent returns the latest reports, optionally restricted to the given risk levels.
func (s *FraudReportSink) Recent(ctx context.Context, limit int, levels ...string) ([]ReportSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	query := "SELECT payment_id, risk_level, score, factors, fallback, checked_at FROM fraud_reports"
	args := []any{}
	if len(levels) > 0 {
		query += " WHERE risk_level IN (?" + strings.Repeat(", ?", len(levels)-1) + ")"
		for _, l := range levels {
			args = append(args, l)
		}
	}
	query += " ORDER BY checked_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fraud reports: %w", err)
	}
	defer rows.Close()

	var out []ReportSummary
	for rows.Next() {
		var (
			r        ReportSummary
			fallback uint8
		)
		if err := rows.Scan(&r.PaymentID, &r.RiskLevel, &r.Score, &r.Factors, &fallback, &r.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fraud report: %w", err)
		}
		r.Fallback = fallback == 1
		out = append(out, r)
	}
	return out, rows.Err()
}
