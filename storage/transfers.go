package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"wsdrop/checksum"
	"wsdrop/models"
)

const transferColumns = `file_id, filename, peer, direction, transferred, total, status, error,
  checksum_valid, checksum, acked_chunks, created_at, updated_at`

// SaveTransfer inserts or replaces the history row for record.FileID.
// created_at is preserved across updates.
func (s *Store) SaveTransfer(record models.Record) error {
	if record.FileID == uuid.Nil {
		return errors.New("transfer file_id is required")
	}
	if strings.TrimSpace(record.Filename) == "" {
		return errors.New("transfer filename is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if err := validateStatus(record.Status); err != nil {
		return err
	}

	now := nowUnixMilli()
	createdAt := record.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	updatedAt := record.UpdatedAt
	if updatedAt == 0 {
		updatedAt = now
	}

	var digest string
	if !record.Checksum.IsZero() {
		digest = record.Checksum.String()
	}

	_, err := s.db.Exec(`
INSERT INTO transfers (`+transferColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(file_id) DO UPDATE SET
  filename = excluded.filename,
  peer = excluded.peer,
  direction = excluded.direction,
  transferred = excluded.transferred,
  total = excluded.total,
  status = excluded.status,
  error = excluded.error,
  checksum_valid = excluded.checksum_valid,
  checksum = excluded.checksum,
  acked_chunks = excluded.acked_chunks,
  updated_at = excluded.updated_at
`,
		record.FileID.String(),
		record.Filename,
		record.Peer,
		string(record.Direction),
		int64(record.Transferred),
		int64(record.Total),
		string(record.Status),
		nullString(record.Error),
		nullBool(record.ChecksumValid),
		digest,
		int64(record.AckedChunks),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", record.FileID, err)
	}
	return nil
}

// GetTransfer returns one stored transfer by file ID.
func (s *Store) GetTransfer(fileID uuid.UUID) (models.Record, error) {
	row := s.db.QueryRow(`SELECT `+transferColumns+` FROM transfers WHERE file_id = ?`, fileID.String())
	record, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Record{}, ErrNotFound
	}
	if err != nil {
		return models.Record{}, fmt.Errorf("get transfer %q: %w", fileID, err)
	}
	return record, nil
}

// ListTransfers returns stored transfers, most recently updated first.
// A non-positive limit returns every row.
func (s *Store) ListTransfers(limit int) ([]models.Record, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers ORDER BY updated_at DESC, file_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]models.Record, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return records, nil
}

// PruneTransfers deletes finished transfers last updated before cutoff
// (unix millis) and returns the number of rows removed.
func (s *Store) PruneTransfers(cutoff int64) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM transfers WHERE updated_at < ? AND status IN (?, ?)`,
		cutoff,
		string(models.StatusCompleted),
		string(models.StatusError),
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	return result.RowsAffected()
}

func scanTransfer(row scanner) (models.Record, error) {
	var (
		record        models.Record
		fileID        string
		direction     string
		status        string
		transferred   int64
		total         int64
		errText       sql.NullString
		checksumValid sql.NullInt64
		digest        string
		ackedChunks   int64
	)
	if err := row.Scan(
		&fileID,
		&record.Filename,
		&record.Peer,
		&direction,
		&transferred,
		&total,
		&status,
		&errText,
		&checksumValid,
		&digest,
		&ackedChunks,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return models.Record{}, err
	}

	id, err := uuid.Parse(fileID)
	if err != nil {
		return models.Record{}, fmt.Errorf("parse file_id %q: %w", fileID, err)
	}
	record.FileID = id
	record.Direction = models.Direction(direction)
	record.Status = models.Status(status)
	record.Total = uint64(total)
	record.SetTransferred(uint64(transferred))
	record.Error = errText.String
	record.ChecksumValid = boolPtr(checksumValid)
	record.AckedChunks = uint32(ackedChunks)
	if digest != "" {
		parsed, err := checksum.Parse(digest)
		if err != nil {
			return models.Record{}, fmt.Errorf("parse checksum for %q: %w", fileID, err)
		}
		record.Checksum = parsed
	}
	return record, nil
}
