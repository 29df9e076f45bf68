package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "history.db"
	// DefaultMaintenanceInterval controls how often old rows are pruned and
	// the WAL is truncated.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultHistoryRetention controls automatic pruning of finished transfers.
	DefaultHistoryRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  file_id         TEXT PRIMARY KEY,
  filename        TEXT NOT NULL,
  peer            TEXT NOT NULL DEFAULT '',
  direction       TEXT NOT NULL CHECK(direction IN ('upload','download')),
  transferred     INTEGER NOT NULL DEFAULT 0,
  total           INTEGER NOT NULL DEFAULT 0,
  status          TEXT NOT NULL CHECK(status IN ('pending','transferring','verifying','completed','error')) DEFAULT 'pending',
  error           TEXT,
  checksum_valid  INTEGER,
  checksum        TEXT NOT NULL DEFAULT '',
  acked_chunks    INTEGER NOT NULL DEFAULT 0,
  created_at      INTEGER NOT NULL,
  updated_at      INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_updated_at
ON transfers (updated_at DESC, file_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_peer_status
ON transfers (peer, status, updated_at DESC);
`,
}

// Options tunes background maintenance of a Store.
type Options struct {
	// MaintenanceInterval <= 0 disables the background loop.
	MaintenanceInterval time.Duration
	// Retention <= 0 keeps finished transfers forever.
	Retention time.Duration
	Logger    logrus.FieldLogger
}

// DefaultOptions returns the settings used by Open and OpenPath.
func DefaultOptions() Options {
	return Options{
		MaintenanceInterval: DefaultMaintenanceInterval,
		Retention:           DefaultHistoryRetention,
	}
}

// Store keeps transfer history in SQLite.
type Store struct {
	db      *sql.DB
	options Options
	logger  logrus.FieldLogger

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens (or creates) history.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path with default options.
func OpenPath(dbPath string) (*Store, error) {
	return OpenWithOptions(dbPath, DefaultOptions())
}

// OpenWithOptions opens SQLite at dbPath, switches it to WAL, migrates the
// schema and starts the maintenance loop.
func OpenWithOptions(dbPath string, options Options) (*Store, error) {
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:      db,
		options: options,
		logger:  options.Logger.WithField("component", "storage"),
		stop:    make(chan struct{}),
	}
	for _, step := range []func() error{store.enableWALMode, store.migrate, store.checkpointWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if options.MaintenanceInterval > 0 {
		store.wg.Add(1)
		go store.maintenanceLoop(options.MaintenanceInterval)
	}
	return store, nil
}

// Close stops maintenance and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

// SchemaVersion reports the applied migration count.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// migrate applies pending migrations, each with its version bump, in one
// transaction.
func (s *Store) migrate() error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for next := version + 1; next <= len(migrations); next++ {
		if _, err := tx.Exec(migrations[next-1]); err != nil {
			return fmt.Errorf("apply migration %d: %w", next, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", next)); err != nil {
			return fmt.Errorf("record schema version %d: %w", next, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"from": version, "to": len(migrations)}).Debug("history schema migrated")
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("truncate WAL: %w", err)
	}
	return nil
}

// maintain prunes expired history and truncates the WAL.
func (s *Store) maintain(now time.Time) {
	if s.options.Retention > 0 {
		pruned, err := s.PruneTransfers(now.Add(-s.options.Retention).UnixMilli())
		if err != nil {
			s.logger.WithError(err).Warn("history prune failed")
		} else if pruned > 0 {
			s.logger.WithField("rows", pruned).Info("pruned old transfers")
		}
	}
	if err := s.checkpointWAL(); err != nil {
		s.logger.WithError(err).Warn("WAL checkpoint failed")
	}
}

func (s *Store) maintenanceLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.maintain(now)
		case <-s.stop:
			return
		}
	}
}
