package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Chunk frame layout:
//
//	[0:16]  file_id, raw UUID bytes
//	[16:20] chunk_index, uint32 big-endian
//	[20:]   payload
const (
	FrameIDSize     = 16
	FrameIndexSize  = 4
	FrameHeaderSize = FrameIDSize + FrameIndexSize

	// MaxChunkSize is the largest chunk size a relay announces. Clients size
	// their read limit for it before SERVER_CONFIG arrives.
	MaxChunkSize = 4 << 20
	// MaxControlSize bounds one JSON control message on the wire.
	MaxControlSize = 64 << 10
)

// ReadLimit is the largest WebSocket message a peer must accept when chunks
// are chunkSize bytes: a full chunk frame or a control message.
func ReadLimit(chunkSize uint32) int64 {
	return max(int64(chunkSize)+FrameHeaderSize, MaxControlSize)
}

var (
	// ErrFrameTooShort indicates a binary frame below the header size.
	ErrFrameTooShort = errors.New("protocol: chunk frame too short")
	// ErrChunkTooLarge indicates a payload above the negotiated chunk size.
	ErrChunkTooLarge = errors.New("protocol: chunk payload exceeds chunk size")
)

// ChunkFrame is one decoded binary chunk message.
type ChunkFrame struct {
	FileID  uuid.UUID
	Index   uint32
	Payload []byte
}

// EncodeChunkFrame builds the wire form of a chunk. A maxPayload of zero
// disables the size check.
func EncodeChunkFrame(fileID uuid.UUID, index uint32, payload []byte, maxPayload int) ([]byte, error) {
	if maxPayload > 0 && len(payload) > maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, len(payload), maxPayload)
	}

	frame := make([]byte, FrameHeaderSize+len(payload))
	copy(frame[:FrameIDSize], fileID[:])
	binary.BigEndian.PutUint32(frame[FrameIDSize:FrameHeaderSize], index)
	copy(frame[FrameHeaderSize:], payload)
	return frame, nil
}

// DecodeChunkFrame parses a binary chunk message. The returned payload
// aliases frame.
func DecodeChunkFrame(frame []byte) (ChunkFrame, error) {
	if len(frame) < FrameHeaderSize {
		return ChunkFrame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}

	var out ChunkFrame
	copy(out.FileID[:], frame[:FrameIDSize])
	out.Index = binary.BigEndian.Uint32(frame[FrameIDSize:FrameHeaderSize])
	out.Payload = frame[FrameHeaderSize:]
	return out, nil
}

// ChunkCount returns ceil(size / chunkSize).
func ChunkCount(size uint64, chunkSize uint32) uint32 {
	if size == 0 || chunkSize == 0 {
		return 0
	}
	chunks := size / uint64(chunkSize)
	if size%uint64(chunkSize) != 0 {
		chunks++
	}
	return uint32(chunks)
}
