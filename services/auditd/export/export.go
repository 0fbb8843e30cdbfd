package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"nusd/services/auditd/store"
)

// debtDecimals is the fixed-point scale of the synthetic debt token, whose
// wei amounts are USD values.
const debtDecimals = 18

// Exporter writes Parquet liquidation reports into the configured directory.
type Exporter struct {
	store *store.Store
	dir   string
}

// New builds an exporter over the audit store.
func New(st *store.Store, dir string) *Exporter {
	return &Exporter{store: st, dir: dir}
}

// Result summarises a written report.
type Result struct {
	Path         string `json:"path"`
	Rows         int    `json:"rows"`
	TotalDebtUSD string `json:"totalDebtUsd"`
}

type liquidationRow struct {
	Sequence       int64   `parquet:"name=sequence, type=INT64"`
	Account        string  `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Liquidator     string  `parquet:"name=liquidator, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset          string  `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	DebtCoveredWei string  `parquet:"name=debt_covered_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	DebtCoveredUSD float64 `parquet:"name=debt_covered_usd, type=DOUBLE"`
	SeizedWei      string  `parquet:"name=seized_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	BonusWei       string  `parquet:"name=bonus_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	ObservedAt     string  `parquet:"name=observed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// LiquidationHistory exports liquidations observed in [start, end) as a
// Snappy-compressed Parquet file and returns the report totals.
func (e *Exporter) LiquidationHistory(ctx context.Context, start, end time.Time) (Result, error) {
	if e == nil || e.store == nil {
		return Result{}, fmt.Errorf("export: store not configured")
	}
	records, err := e.store.LiquidationsBetween(ctx, start, end)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("export: create output dir: %w", err)
	}

	total := decimal.Zero
	rows := make([]*liquidationRow, 0, len(records))
	for _, record := range records {
		usd := usdFromWei(record.DebtCovered)
		total = total.Add(usd)
		rows = append(rows, &liquidationRow{
			Sequence:       int64(record.Sequence),
			Account:        record.Account,
			Liquidator:     record.Liquidator,
			Asset:          record.Asset,
			DebtCoveredWei: record.DebtCovered,
			DebtCoveredUSD: usd.InexactFloat64(),
			SeizedWei:      record.Seized,
			BonusWei:       record.Bonus,
			ObservedAt:     record.ObservedAt.UTC().Format(time.RFC3339),
		})
	}

	name := fmt.Sprintf("liquidations_%s_%s.parquet",
		start.UTC().Format("20060102T150405"), end.UTC().Format("20060102T150405"))
	path := filepath.Join(e.dir, name)
	if err := writeParquet(path, rows); err != nil {
		return Result{}, err
	}
	return Result{Path: path, Rows: len(rows), TotalDebtUSD: total.StringFixed(2)}, nil
}

func writeParquet(path string, rows []*liquidationRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(liquidationRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: finalize parquet: %w", err)
	}
	return file.Close()
}

// usdFromWei converts a decimal wei string into whole USD. Debt amounts are
// 18-decimal fixed point by construction; malformed rows count as zero.
func usdFromWei(amount string) decimal.Decimal {
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero
	}
	return value.Shift(-debtDecimals)
}
