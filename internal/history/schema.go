package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/upsplusd/internal/errors"
	"codeberg.org/mutker/upsplusd/internal/logger"
)

const (
	SchemaVersion = 1

	// power_mw and batt_current_ma are nullable: NULL marks a reading the
	// sensor could not produce.
	createTablesSQL = `
    CREATE TABLE IF NOT EXISTS schema_versions (
        version     INTEGER PRIMARY KEY,
        applied_at  TEXT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS samples (
        recorded_at     INTEGER NOT NULL,
        time_s          INTEGER NOT NULL,
        volts_mv        INTEGER NOT NULL,
        power_mw        REAL,
        remaining_pct   INTEGER NOT NULL,
        batt_current_ma REAL,
        batt_temp_c     INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_samples_recorded_at ON samples (recorded_at);`

	insertSampleSQL = `
    INSERT INTO samples (
        recorded_at, time_s, volts_mv, power_mw,
        remaining_pct, batt_current_ma, batt_temp_c
    ) VALUES (?, ?, ?, ?, ?, ?, ?)`
)

// ensureSchema checks the stored schema version and recreates the schema
// when it is missing or stale. An existing database is backed up next to
// itself before its tables are dropped.
func ensureSchema(db *sql.DB, dbPath string, log logger.Logger) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}

	if version == SchemaVersion {
		log.Debug().Int("version", version).Msg("archive schema is current")
		return nil
	}

	if version != 0 {
		backupPath, err := backupDatabase(db, dbPath, version, log)
		if err != nil {
			return err
		}
		log.Warn().
			Int("from_version", version).
			Int("to_version", SchemaVersion).
			Str("backup", backupPath).
			Msg("archive schema changed; starting over from an empty database")
		if err := dropTables(db); err != nil {
			return err
		}
	}

	return initSchema(db, log)
}

func initSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInit, err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("failed to roll back schema transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.Wrap(ErrSchemaInit, err)
	}
	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.Wrap(ErrSchemaInit, err)
	}
	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInit, err)
	}
	committed = true

	log.Info().Int("version", SchemaVersion).Msg("archive schema initialized")

	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := tableExists(db, "schema_versions")
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidation, err)
	}

	return version, nil
}

func tableExists(db *sql.DB, name string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, name).Scan(&exists)
	if err != nil {
		return false, errors.New().Wrap(ErrSchemaValidation, err)
	}
	return exists, nil
}

// backupDatabase copies the database into a backups directory next to it.
// VACUUM INTO requires no active transaction.
func backupDatabase(db *sql.DB, dbPath string, version int, log logger.Logger) (string, error) {
	errFactory := errors.New()

	dir := filepath.Join(filepath.Dir(dbPath), "backups")
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return "", errFactory.Wrap(ErrStorageInit, err)
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	backupPath := filepath.Join(dir, fmt.Sprintf("history_v%d_%s.db", version, stamp))

	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", backupPath)); err != nil {
		return "", errFactory.Wrap(ErrStorageInit, err)
	}

	log.Info().Str("path", backupPath).Int("version", version).Msg("archive backup created")

	return backupPath, nil
}

func dropTables(db *sql.DB) error {
	errFactory := errors.New()

	for _, table := range []string{"samples", "schema_versions"} {
		if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return errFactory.Wrap(ErrSchemaInit, err)
		}
	}

	return nil
}
