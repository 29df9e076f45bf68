// Package protocol defines the relay control messages and the binary chunk frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"wsdrop/checksum"
)

// Client to relay message types.
const (
	TypeJoin         = "JOIN"
	TypeFileOffer    = "FILE_OFFER"
	TypeFileAccept   = "FILE_ACCEPT"
	TypeFileReject   = "FILE_REJECT"
	TypeFileChunkAck = "FILE_CHUNK_ACK"
)

// Relay to client message types. FILE_CHUNK_ACK is shared by both directions.
const (
	TypeServerConfig      = "SERVER_CONFIG"
	TypeUserJoined        = "USER_JOINED"
	TypeUserLeft          = "USER_LEFT"
	TypeFileOfferReceived = "FILE_OFFER_RECEIVED"
	TypeFileAccepted      = "FILE_ACCEPTED"
	TypeFileRejected      = "FILE_REJECTED"
	TypeFileComplete      = "FILE_COMPLETE"
	TypeFileError         = "FILE_ERROR"
	TypeError             = "ERROR"
)

var (
	// ErrInvalidMessageType indicates the message type is missing.
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Join registers a username with the relay.
type Join struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// FileOffer announces a file to a named peer.
type FileOffer struct {
	Type      string          `json:"type"`
	To        string          `json:"to"`
	FileID    uuid.UUID       `json:"file_id"`
	Filename  string          `json:"filename"`
	Size      uint64          `json:"size"`
	ChunkSize uint32          `json:"chunk_size"`
	Checksum  checksum.Digest `json:"checksum"`
}

// FileAccept accepts an offer made by From.
type FileAccept struct {
	Type   string    `json:"type"`
	From   string    `json:"from"`
	FileID uuid.UUID `json:"file_id"`
}

// FileReject declines an offer made by From.
type FileReject struct {
	Type   string    `json:"type"`
	From   string    `json:"from"`
	FileID uuid.UUID `json:"file_id"`
}

// FileChunkAck acknowledges one received chunk.
type FileChunkAck struct {
	Type       string    `json:"type"`
	FileID     uuid.UUID `json:"file_id"`
	ChunkIndex uint32    `json:"chunk_index"`
}

// ServerConfig carries relay limits sent on join.
type ServerConfig struct {
	Type        string `json:"type"`
	MaxFileSize uint64 `json:"max_file_size"`
	ChunkSize   uint32 `json:"chunk_size"`
}

// UserJoined announces a new user and the full roster.
type UserJoined struct {
	Type     string   `json:"type"`
	Username string   `json:"username"`
	Users    []string `json:"users"`
}

// UserLeft announces a departed user and the remaining roster.
type UserLeft struct {
	Type     string   `json:"type"`
	Username string   `json:"username"`
	Users    []string `json:"users"`
}

// FileOfferReceived delivers an offer to its addressee.
type FileOfferReceived struct {
	Type     string          `json:"type"`
	From     string          `json:"from"`
	FileID   uuid.UUID       `json:"file_id"`
	Filename string          `json:"filename"`
	Size     uint64          `json:"size"`
	Checksum checksum.Digest `json:"checksum"`
}

// FileAccepted tells the offerer that To accepted.
type FileAccepted struct {
	Type   string    `json:"type"`
	FileID uuid.UUID `json:"file_id"`
	To     string    `json:"to"`
}

// FileRejected tells the offerer the offer was declined.
type FileRejected struct {
	Type   string    `json:"type"`
	FileID uuid.UUID `json:"file_id"`
}

// FileComplete signals that every chunk has passed through the relay.
type FileComplete struct {
	Type   string    `json:"type"`
	FileID uuid.UUID `json:"file_id"`
}

// FileError reports a transfer-scoped failure.
type FileError struct {
	Type   string    `json:"type"`
	FileID uuid.UUID `json:"file_id"`
	Error  string    `json:"error"`
}

// ErrorMessage reports a session-scoped failure.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// Decode unmarshals payload into a message of type T.
func Decode[T any](payload []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode %T: %w", msg, err)
	}
	return msg, nil
}
