package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"deopenchat/core/settlement"
)

// AuditStore persists settlement outcomes, watcher cursors and idempotent
// admin responses.
type AuditStore struct {
	db *gorm.DB
}

type settlementRow struct {
	ID         uint   `gorm:"primaryKey"`
	BatchID    string `gorm:"index"`
	Result     string `gorm:"index"`
	Accepted   bool
	Claims     int
	Tokens     int64
	TxHash     string
	Block      int64
	Payout     string
	Reason     string
	DurationMS int64
	CreatedAt  time.Time
}

func (settlementRow) TableName() string { return "settlements" }

type cursorRow struct {
	Name  string `gorm:"primaryKey"`
	Block int64
}

func (cursorRow) TableName() string { return "cursors" }

type idempotencyRow struct {
	Key         string `gorm:"column:idempotency_key;primaryKey"`
	Method      string
	Path        string
	Fingerprint string
	Status      int
	Response    string
	CreatedAt   time.Time
}

func (idempotencyRow) TableName() string { return "idempotency_keys" }

// OpenAuditStore opens the database named by dsn and migrates it. Postgres
// URLs select the postgres driver; anything else is a SQLite file path.
func OpenAuditStore(dsn string) (*AuditStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("audit: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := db.AutoMigrate(&settlementRow{}, &cursorRow{}, &idempotencyRow{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// DB exposes the underlying handle for middleware sharing the database.
func (s *AuditStore) DB() *gorm.DB {
	return s.db
}

// Close releases the database.
func (s *AuditStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SettlementRecord is one row of the audit log.
type SettlementRecord struct {
	BatchID    string    `json:"batch_id"`
	Result     string    `json:"result"`
	Accepted   bool      `json:"accepted"`
	Claims     int       `json:"claims"`
	Tokens     uint64    `json:"tokens"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Block      uint64    `json:"block,omitempty"`
	Payout     string    `json:"payout"`
	Reason     string    `json:"reason,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordOutcome appends a settlement outcome. err is the submission error,
// if any, and is stored as the reason.
func (s *AuditStore) RecordOutcome(ctx context.Context, out settlement.Outcome, err error) error {
	row := settlementRow{
		BatchID:    out.BatchID.String(),
		Result:     string(out.Result),
		Accepted:   out.Accepted,
		Claims:     len(out.Claims),
		Tokens:     int64(out.Tokens),
		Block:      int64(out.Block),
		Payout:     "0",
		DurationMS: out.Duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	switch {
	case out.Reason != nil:
		row.Reason = out.Reason.Error()
	case err != nil:
		row.Reason = err.Error()
	}
	if out.TxHash != ([32]byte{}) {
		row.TxHash = out.TxHash.Hex()
	}
	if out.Payout != nil {
		row.Payout = out.Payout.String()
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Settlements returns the most recent outcomes, newest first.
func (s *AuditStore) Settlements(ctx context.Context, limit int) ([]SettlementRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []settlementRow
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]SettlementRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, SettlementRecord{
			BatchID:    row.BatchID,
			Result:     row.Result,
			Accepted:   row.Accepted,
			Claims:     row.Claims,
			Tokens:     uint64(row.Tokens),
			TxHash:     row.TxHash,
			Block:      uint64(row.Block),
			Payout:     row.Payout,
			Reason:     row.Reason,
			DurationMS: row.DurationMS,
			CreatedAt:  row.CreatedAt,
		})
	}
	return out, nil
}

// Cursor returns the last block processed by the named watcher.
func (s *AuditStore) Cursor(ctx context.Context, name string) (uint64, error) {
	var row cursorRow
	err := s.db.WithContext(ctx).First(&row, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(row.Block), nil
}

// SetCursor stores the last processed block of the named watcher.
func (s *AuditStore) SetCursor(ctx context.Context, name string, block uint64) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"block"}),
	}).Create(&cursorRow{Name: name, Block: int64(block)}).Error
}
