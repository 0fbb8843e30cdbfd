package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"nusd/core/events"
)

const defaultQueryLimit = 100

// Store wraps the auditd persistence layer.
type Store struct {
	db *gorm.DB
}

// Open initialises the backing store from a prefixed DSN: sqlite: paths use
// the embedded driver, postgres:// URLs the network one.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(trimmed, "sqlite:"):
		dialector = sqlite.Open(strings.TrimPrefix(trimmed, "sqlite:"))
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		dialector = postgres.Open(trimmed)
	default:
		return nil, fmt.Errorf("unsupported database DSN %q", dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ingest persists a stream event into its typed table. The return value
// reports whether a new row was written; replayed events dedup against the
// event hash and return false.
func (s *Store) Ingest(ctx context.Context, entry events.StreamEvent) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("store not configured")
	}
	if entry.Event == nil {
		return false, nil
	}
	attrs := entry.Event.Attributes
	hash := eventHash(entry)
	observed := time.Unix(entry.Timestamp, 0).UTC()

	switch entry.Event.Type {
	case events.TypeCollateralDeposited:
		return s.insert(ctx, &Deposit{
			ID:         uuid.New(),
			EventHash:  hash,
			Sequence:   entry.Sequence,
			Account:    attrs["user"],
			Asset:      attrs["asset"],
			Amount:     attrs["amount"],
			ObservedAt: observed,
		})
	case events.TypeCollateralRedeemed:
		return s.insert(ctx, &Redemption{
			ID:         uuid.New(),
			EventHash:  hash,
			Sequence:   entry.Sequence,
			Account:    attrs["from"],
			Recipient:  attrs["to"],
			Asset:      attrs["asset"],
			Amount:     attrs["amount"],
			ObservedAt: observed,
		})
	case events.TypeDebtMinted:
		return s.insert(ctx, &DebtChange{
			ID:         uuid.New(),
			EventHash:  hash,
			Sequence:   entry.Sequence,
			Account:    attrs["user"],
			Direction:  DirectionMint,
			Amount:     attrs["amount"],
			ObservedAt: observed,
		})
	case events.TypeDebtBurned:
		return s.insert(ctx, &DebtChange{
			ID:         uuid.New(),
			EventHash:  hash,
			Sequence:   entry.Sequence,
			Account:    attrs["user"],
			Payer:      attrs["payer"],
			Direction:  DirectionBurn,
			Amount:     attrs["amount"],
			ObservedAt: observed,
		})
	case events.TypePositionLiquidated:
		return s.insert(ctx, &Liquidation{
			ID:          uuid.New(),
			EventHash:   hash,
			Sequence:    entry.Sequence,
			Account:     attrs["user"],
			Liquidator:  attrs["liquidator"],
			Asset:       attrs["asset"],
			DebtCovered: attrs["debtCovered"],
			Seized:      attrs["seized"],
			Bonus:       attrs["bonus"],
			ObservedAt:  observed,
		})
	default:
		return false, nil
	}
}

func (s *Store) insert(ctx context.Context, record interface{}) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_hash"}}, DoNothing: true}).
		Create(record)
	if res.Error != nil {
		return false, fmt.Errorf("insert record: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// eventHash derives a stable identity for a stream event so replays after a
// reconnect do not double count.
func eventHash(entry events.StreamEvent) string {
	var scratch [8]byte
	buf := bytes.NewBuffer(nil)
	writeField := func(value string) {
		binary.BigEndian.PutUint32(scratch[:4], uint32(len(value)))
		buf.Write(scratch[:4])
		buf.WriteString(value)
	}
	writeField(entry.Event.Type)
	binary.BigEndian.PutUint64(scratch[:], entry.Sequence)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(entry.Timestamp))
	buf.Write(scratch[:])
	keys := make([]string, 0, len(entry.Event.Attributes))
	for key := range entry.Event.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		writeField(key)
		writeField(entry.Event.Attributes[key])
	}
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	return limit
}

// DepositsByAccount lists deposits recorded for the account, newest first.
func (s *Store) DepositsByAccount(ctx context.Context, account string, limit int) ([]Deposit, error) {
	var out []Deposit
	err := s.db.WithContext(ctx).
		Where("account = ?", account).
		Order("sequence DESC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query deposits: %w", err)
	}
	return out, nil
}

// RedemptionsByAccount lists redemptions the account sent or received,
// newest first.
func (s *Store) RedemptionsByAccount(ctx context.Context, account string, limit int) ([]Redemption, error) {
	var out []Redemption
	err := s.db.WithContext(ctx).
		Where("account = ? OR recipient = ?", account, account).
		Order("sequence DESC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query redemptions: %w", err)
	}
	return out, nil
}

// DebtChangesByAccount lists mints and burns recorded against the account,
// newest first.
func (s *Store) DebtChangesByAccount(ctx context.Context, account string, limit int) ([]DebtChange, error) {
	var out []DebtChange
	err := s.db.WithContext(ctx).
		Where("account = ?", account).
		Order("sequence DESC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query debt changes: %w", err)
	}
	return out, nil
}

// LiquidationsByAccount lists liquidations where the account was target or
// liquidator, newest first.
func (s *Store) LiquidationsByAccount(ctx context.Context, account string, limit int) ([]Liquidation, error) {
	var out []Liquidation
	err := s.db.WithContext(ctx).
		Where("account = ? OR liquidator = ?", account, account).
		Order("sequence DESC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query liquidations: %w", err)
	}
	return out, nil
}

// LiquidationsBetween lists liquidations observed in [start, end), oldest
// first. Used by the Parquet exporter.
func (s *Store) LiquidationsBetween(ctx context.Context, start, end time.Time) ([]Liquidation, error) {
	var out []Liquidation
	err := s.db.WithContext(ctx).
		Where("observed_at >= ? AND observed_at < ?", start.UTC(), end.UTC()).
		Order("sequence ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query liquidation window: %w", err)
	}
	return out, nil
}

// Summary aggregates row counts per record type plus the stream resume
// position.
type Summary struct {
	Deposits     int64  `json:"deposits"`
	Redemptions  int64  `json:"redemptions"`
	DebtChanges  int64  `json:"debtChanges"`
	Liquidations int64  `json:"liquidations"`
	Cursor       string `json:"cursor,omitempty"`
}

// Summarize counts the indexed records.
func (s *Store) Summarize(ctx context.Context, stream string) (Summary, error) {
	summary := Summary{}
	counts := []struct {
		model interface{}
		dest  *int64
	}{
		{&Deposit{}, &summary.Deposits},
		{&Redemption{}, &summary.Redemptions},
		{&DebtChange{}, &summary.DebtChanges},
		{&Liquidation{}, &summary.Liquidations},
	}
	for _, c := range counts {
		if err := s.db.WithContext(ctx).Model(c.model).Count(c.dest).Error; err != nil {
			return Summary{}, fmt.Errorf("count records: %w", err)
		}
	}
	cursor, err := s.LoadCursor(ctx, stream)
	if err != nil {
		return Summary{}, err
	}
	summary.Cursor = cursor
	return summary, nil
}

// LoadCursor returns the persisted resume position for the stream, or empty
// when the stream has never been followed.
func (s *Store) LoadCursor(ctx context.Context, stream string) (string, error) {
	var cursor Cursor
	err := s.db.WithContext(ctx).First(&cursor, "stream = ?", stream).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	return cursor.Position, nil
}

// SaveCursor upserts the resume position for the stream.
func (s *Store) SaveCursor(ctx context.Context, stream, position string) error {
	record := Cursor{Stream: stream, Position: position, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "stream"}}, UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
