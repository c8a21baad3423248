package history

import (
	"context"
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"codeberg.org/mutker/upsplusd/internal/errors"
	"codeberg.org/mutker/upsplusd/internal/logger"
	"codeberg.org/mutker/upsplusd/internal/upsplus"
)

const defaultDirPerm = 0o755

// Config bounds the write batching. Samples are buffered in memory and
// written in one transaction when the buffer fills or the timeout elapses,
// which keeps write amplification down on SD-card deployments.
type Config struct {
	Database     string
	BatchSize    int
	BatchTimeout int
}

// entry pins the wall-clock arrival time of a buffered sample; the actual
// write happens later.
type entry struct {
	recordedAt int64
	sample     upsplus.Sample
}

// Repository archives samples in a local sqlite database, one row per
// cycle, for offline discharge-profile analysis.
type Repository struct {
	db     *sql.DB
	log    logger.Logger
	cfg    Config
	mu     sync.Mutex
	buffer []entry

	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

func New(cfg Config, log logger.Logger) (*Repository, error) {
	errFactory := errors.New()

	if cfg.Database == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}
	if cfg.BatchSize < 1 || cfg.BatchTimeout < 1 {
		return nil, errFactory.WithData(ErrInvalidBatch, cfg)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", cfg.Database+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}
	if err := ensureSchema(db, cfg.Database, log); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("path", cfg.Database).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Int("batch_timeout", cfg.BatchTimeout).
		Msg("sample archive opened")

	r := &Repository{
		db:            db,
		log:           log,
		cfg:           cfg,
		buffer:        make([]entry, 0, cfg.BatchSize),
		flushTicker:   time.NewTicker(time.Duration(cfg.BatchTimeout) * time.Second),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}
	go r.flusher()

	return r, nil
}

// Record buffers one sample. The write happens once the buffer reaches the
// batch size; an error from that flush is reported to this caller.
func (r *Repository) Record(_ context.Context, sample upsplus.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, entry{recordedAt: time.Now().Unix(), sample: sample})
	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

// Close flushes the remaining buffer, checkpoints the WAL and closes the
// database.
func (r *Repository) Close() error {
	errFactory := errors.New()

	close(r.shutdownChan)
	r.flushTicker.Stop()
	<-r.flushDoneChan

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.log.Warn().Err(err).Msg("wal checkpoint failed")
	}
	if err := r.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	return nil
}

func (r *Repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.log.Warn().Err(err).Msg("periodic archive flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.log.Warn().Err(err).Msg("final archive flush failed")
			}
			r.mu.Unlock()
			return
		}
	}
}

// flush writes the whole buffer in one transaction. Callers hold r.mu.
func (r *Repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	stmt, err := tx.Prepare(insertSampleSQL)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.log.Debug().Err(rbErr).Msg("rollback failed")
		}
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	defer stmt.Close()

	for _, e := range r.buffer {
		if _, err := stmt.Exec(
			e.recordedAt,
			int64(e.sample.Time),
			int64(e.sample.Voltage),
			nullableFloat(e.sample.Power),
			int64(e.sample.Remaining),
			nullableFloat(e.sample.BattCurrent),
			int64(e.sample.BattTemp),
		); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.log.Debug().Err(rbErr).Msg("rollback failed")
			}
			return errFactory.Wrap(ErrStorageAccess, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	r.log.Debug().Int("records", len(r.buffer)).Msg("flushed samples to archive")
	r.buffer = r.buffer[:0]

	return nil
}

// nullableFloat maps NaN onto NULL; sqlite has no NaN representation.
func nullableFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}
