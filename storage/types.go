package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wsdrop/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.DirectionUpload, models.DirectionDownload:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateStatus(status models.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid transfer status %q", status)
	}
	return nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullBool(ptr *bool) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	if *ptr {
		return sql.NullInt64{Int64: 1, Valid: true}
	}
	return sql.NullInt64{Int64: 0, Valid: true}
}

func boolPtr(ni sql.NullInt64) *bool {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64 != 0
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
