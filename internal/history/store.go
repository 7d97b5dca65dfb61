// Package history persists indicator results so queries can reach back
// past the in-memory windows. Writes are buffered on a channel; the
// aggregator hot path never waits on the database.
package history

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cryptopulse/marketpipe/internal/config"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

const (
	insertBatchSize = 128
	flushInterval   = 500 * time.Millisecond
	defaultLimit    = 100
	maxLimit        = 1000
)

// IndicatorRow is the persisted form of one indicator publication.
type IndicatorRow struct {
	ID               uint      `gorm:"primaryKey"`
	InstrumentID     string    `gorm:"column:instrument_id;size:32;not null;index:idx_history_lookup,priority:1"`
	Kind             string    `gorm:"column:kind;size:16;not null;index:idx_history_lookup,priority:2"`
	Period           int       `gorm:"column:period;not null;index:idx_history_lookup,priority:3"`
	PairInstrumentID string    `gorm:"column:pair_instrument_id;size:32"`
	Value            float64   `gorm:"column:value;not null"`
	Extra            string    `gorm:"column:extra"`
	ComputedAt       time.Time `gorm:"column:computed_at;not null;index:idx_history_lookup,priority:4"`
	CreatedAt        time.Time
}

func (IndicatorRow) TableName() string { return "indicator_history" }

func rowFrom(result models.IndicatorResult) IndicatorRow {
	row := IndicatorRow{
		InstrumentID:     result.InstrumentID,
		Kind:             string(result.Kind),
		Period:           result.Period,
		PairInstrumentID: result.PairInstrumentID,
		Value:            result.Value,
		ComputedAt:       result.ComputedAt,
	}
	if len(result.Extra) > 0 {
		if raw, err := json.Marshal(result.Extra); err == nil {
			row.Extra = string(raw)
		}
	}
	return row
}

func (r IndicatorRow) result() models.IndicatorResult {
	result := models.IndicatorResult{
		InstrumentID:     r.InstrumentID,
		Kind:             models.IndicatorKind(r.Kind),
		Period:           r.Period,
		PairInstrumentID: r.PairInstrumentID,
		Value:            r.Value,
		ComputedAt:       r.ComputedAt,
	}
	if r.Extra != "" {
		var extra map[string]float64
		if err := json.Unmarshal([]byte(r.Extra), &extra); err == nil {
			result.Extra = extra
		}
	}
	return result
}

// Store owns the history table and its write-behind queue.
type Store struct {
	cfg    config.HistoryConfig
	logger *zap.Logger
	db     *gorm.DB

	queue chan models.IndicatorResult
	wg    sync.WaitGroup
}

// Open connects per the configured DSN and migrates the schema. Postgres
// URLs get the postgres driver; anything else is treated as a sqlite path.
func Open(cfg config.HistoryConfig, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		dialector = postgres.Open(cfg.DSN)
	} else {
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return New(db, cfg, logger)
}

// New wraps an already opened gorm handle. Tests use this with sqlite.
func New(db *gorm.DB, cfg config.HistoryConfig, logger *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&IndicatorRow{}); err != nil {
		return nil, err
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	return &Store{
		cfg:    cfg,
		logger: logger.Named("history"),
		db:     db,
		queue:  make(chan models.IndicatorResult, cfg.BufferSize),
	}, nil
}

// Start launches the write-behind loop.
func (s *Store) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.writeLoop(ctx)
}

// Stop waits for the writer to flush what it holds.
func (s *Store) Stop() {
	s.wg.Wait()
}

// Insert queues one result for persistence. A full queue sheds the row
// rather than stalling the caller.
func (s *Store) Insert(ctx context.Context, result models.IndicatorResult) {
	if ctx.Err() != nil {
		return
	}
	select {
	case s.queue <- result:
	default:
		s.logger.Warn("history queue full, row dropped",
			zap.String("instrument", result.InstrumentID),
			zap.String("kind", string(result.Kind)))
	}
}

// Recent returns up to limit rows for the key, newest first.
func (s *Store) Recent(ctx context.Context, instrument string, kind models.IndicatorKind, period, limit int) ([]models.IndicatorResult, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var rows []IndicatorRow
	err := s.db.WithContext(ctx).
		Where("instrument_id = ? AND kind = ? AND period = ?", instrument, string(kind), period).
		Order("computed_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	results := make([]models.IndicatorResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, row.result())
	}
	return results, nil
}

func (s *Store) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]IndicatorRow, 0, insertBatchSize)
	for {
		select {
		case <-ctx.Done():
			batch = s.drain(batch)
			s.flush(batch)
			return
		case result := <-s.queue:
			batch = append(batch, rowFrom(result))
			if len(batch) >= insertBatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// drain empties whatever is still queued after shutdown began.
func (s *Store) drain(batch []IndicatorRow) []IndicatorRow {
	for {
		select {
		case result := <-s.queue:
			batch = append(batch, rowFrom(result))
		default:
			return batch
		}
	}
}

func (s *Store) flush(batch []IndicatorRow) {
	if len(batch) == 0 {
		return
	}
	if err := s.db.CreateInBatches(batch, insertBatchSize).Error; err != nil {
		s.logger.Error("history insert failed",
			zap.Int("rows", len(batch)), zap.Error(err))
		return
	}
	s.logger.Debug("history rows persisted", zap.Int("rows", len(batch)))
}
