package models

import (
	"github.com/google/uuid"

	"wsdrop/checksum"
)

// Offer is a pending announcement from a peer that wants to send a file.
type Offer struct {
	FileID     uuid.UUID       `json:"file_id"`
	From       string          `json:"from"`
	Filename   string          `json:"filename"`
	Size       uint64          `json:"size"`
	Checksum   checksum.Digest `json:"checksum"`
	ReceivedAt int64           `json:"received_at"`
}
