package gateway

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type settlementParquetRow struct {
	BatchID    string `parquet:"name=batch_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Result     string `parquet:"name=result, type=BYTE_ARRAY, convertedtype=UTF8"`
	Accepted   bool   `parquet:"name=accepted, type=BOOLEAN"`
	Claims     int32  `parquet:"name=claims, type=INT32"`
	Tokens     int64  `parquet:"name=tokens, type=INT64"`
	TxHash     string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Block      int64  `parquet:"name=block, type=INT64"`
	PayoutWei  string `parquet:"name=payout_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason     string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	DurationMS int64  `parquet:"name=duration_ms, type=INT64"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every settlement outcome created at or after since
// to a parquet file at path, oldest first, and returns the row count.
func (s *AuditStore) ExportParquet(ctx context.Context, path string, since time.Time) (int, error) {
	var rows []settlementRow
	if err := s.db.WithContext(ctx).Where("created_at >= ?", since.UTC()).Order("id ASC").Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("audit: load settlements: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(settlementParquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &settlementParquetRow{
			BatchID:    row.BatchID,
			Result:     row.Result,
			Accepted:   row.Accepted,
			Claims:     int32(row.Claims),
			Tokens:     row.Tokens,
			TxHash:     row.TxHash,
			Block:      row.Block,
			PayoutWei:  row.Payout,
			Reason:     row.Reason,
			DurationMS: row.DurationMS,
			CreatedAt:  row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("audit: close parquet file: %w", err)
	}
	return len(rows), nil
}
