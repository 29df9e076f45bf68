package models

import (
	"github.com/google/uuid"

	"wsdrop/checksum"
)

// Direction tells whether the local peer is sending or receiving.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Status is the lifecycle stage of one transfer.
type Status string

const (
	StatusPending      Status = "pending"
	StatusTransferring Status = "transferring"
	StatusVerifying    Status = "verifying"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusTransferring, StatusVerifying, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// Record is the progress and outcome of one transfer, as shown to users.
type Record struct {
	FileID        uuid.UUID       `json:"file_id"`
	Filename      string          `json:"filename"`
	Peer          string          `json:"peer"`
	Direction     Direction       `json:"direction"`
	Transferred   uint64          `json:"transferred"`
	Total         uint64          `json:"total"`
	Progress      float64         `json:"progress"`
	Status        Status          `json:"status"`
	Error         string          `json:"error,omitempty"`
	ChecksumValid *bool           `json:"checksum_valid,omitempty"`
	Checksum      checksum.Digest `json:"checksum"`
	AckedChunks   uint32          `json:"acked_chunks"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
}

// SetTransferred updates the byte counter and the derived percentage.
func (r *Record) SetTransferred(n uint64) {
	r.Transferred = n
	r.Progress = Percent(n, r.Total)
}

// Percent returns min(100, done/total*100); an empty total counts as done.
func Percent(done, total uint64) float64 {
	if total == 0 {
		return 100
	}
	p := float64(done) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}
