package bridge

import (
	"context"
	"database/sql"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"deopenchat/core/wire"
)

// History records completed rounds for local usage reports.
type History struct {
	db *sql.DB
}

// RoundRecord is one completed round.
type RoundRecord struct {
	Provider     string    `json:"provider"`
	Seq          uint32    `json:"seq"`
	InputTokens  uint32    `json:"input_tokens"`
	OutputTokens uint32    `json:"output_tokens"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Usage totals the rounds served by one provider.
type Usage struct {
	Rounds       int64  `json:"rounds"`
	InputTokens  uint64 `json:"input_tokens"`
	OutputTokens uint64 `json:"output_tokens"`
}

// OpenHistory opens (and migrates) the SQLite database at path.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	h := &History{db: db}
	if err := h.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rounds (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            provider TEXT NOT NULL,
            client TEXT NOT NULL,
            seq INTEGER NOT NULL,
            input_tokens INTEGER NOT NULL,
            output_tokens INTEGER NOT NULL,
            completed_at INTEGER NOT NULL,
            UNIQUE(provider, client, seq)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_provider ON rounds(provider, client);`,
	}
	for _, stmt := range stmts {
		if _, err := h.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database.
func (h *History) Close() error {
	return h.db.Close()
}

// Record stores a completed round. Recording the same seq twice keeps the
// first row.
func (h *History) Record(ctx context.Context, provider common.Address, resp wire.Response, at time.Time) error {
	const stmt = `INSERT OR IGNORE INTO rounds(provider, client, seq, input_tokens, output_tokens, completed_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err := h.db.ExecContext(ctx, stmt, provider.Hex(), resp.ClientPK.String(), int64(resp.Seq),
		int64(resp.InputTokens), int64(resp.OutputTokens), at.UTC().UnixMilli())
	return err
}

// Recent returns the latest rounds of client, newest first.
func (h *History) Recent(ctx context.Context, client wire.PublicKey, limit int) ([]RoundRecord, error) {
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}
	const query = `SELECT provider, seq, input_tokens, output_tokens, completed_at FROM rounds
        WHERE client = ? ORDER BY completed_at DESC, id DESC LIMIT ?`
	rows, err := h.db.QueryContext(ctx, query, client.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []RoundRecord{}
	for rows.Next() {
		var rec RoundRecord
		var seq, in, outTokens, at int64
		if err := rows.Scan(&rec.Provider, &seq, &in, &outTokens, &at); err != nil {
			return nil, err
		}
		rec.Seq = uint32(seq)
		rec.InputTokens = uint32(in)
		rec.OutputTokens = uint32(outTokens)
		rec.CompletedAt = time.UnixMilli(at).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Usage totals the rounds client ran against provider.
func (h *History) Usage(ctx context.Context, provider common.Address, client wire.PublicKey) (Usage, error) {
	const query = `SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
        FROM rounds WHERE provider = ? AND client = ?`
	var u Usage
	var in, out int64
	if err := h.db.QueryRowContext(ctx, query, provider.Hex(), client.String()).Scan(&u.Rounds, &in, &out); err != nil {
		return Usage{}, err
	}
	u.InputTokens = uint64(in)
	u.OutputTokens = uint64(out)
	return u, nil
}
