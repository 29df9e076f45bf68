package transfer

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"wsdrop/checksum"
	"wsdrop/models"
	"wsdrop/protocol"
)

// download reassembles one inbound file. Frames for the same file_id are
// serialized by mu; distinct downloads never share state.
type download struct {
	mu sync.Mutex

	fileID           uuid.UUID
	peer             string
	filename         string
	totalSize        uint64
	expectedChunks   uint32
	expectedChecksum checksum.Digest

	chunks        map[uint32][]byte
	receivedBytes uint64
	finished      bool
}

func newDownload(offer models.Offer, chunkSize uint32) *download {
	return &download{
		fileID:           offer.FileID,
		peer:             offer.From,
		filename:         offer.Filename,
		totalSize:        offer.Size,
		expectedChunks:   protocol.ChunkCount(offer.Size, chunkSize),
		expectedChecksum: offer.Checksum,
		chunks:           make(map[uint32][]byte),
	}
}

// insert stores a copy of payload at index and returns the new received
// byte count. A repeated index replaces the earlier payload.
func (d *download) insert(index uint32, payload []byte) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.finished {
		return d.receivedBytes, fmt.Errorf("%w: %s already finished", ErrUnknownTransfer, d.fileID)
	}
	if index >= d.expectedChunks {
		return d.receivedBytes, fmt.Errorf("%w: index %d, expected %d chunks", ErrChunkOutOfRange, index, d.expectedChunks)
	}

	if previous, ok := d.chunks[index]; ok {
		d.receivedBytes -= uint64(len(previous))
	}
	d.chunks[index] = append([]byte(nil), payload...)
	d.receivedBytes += uint64(len(payload))
	return d.receivedBytes, nil
}

// claim marks the download finished when every expected chunk is present.
// It returns true for exactly one caller.
func (d *download) claim() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.finished || uint32(len(d.chunks)) < d.expectedChunks {
		return false
	}
	d.finished = true
	return true
}

// assemble concatenates chunks in index order. Missing indices are logged
// and skipped, which yields a short stream that fails verification.
func (d *download) assemble(logger logrus.FieldLogger) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf bytes.Buffer
	buf.Grow(int(d.receivedBytes))
	for i := uint32(0); i < d.expectedChunks; i++ {
		chunk, ok := d.chunks[i]
		if !ok {
			logger.WithFields(logrus.Fields{
				"file_id":     d.fileID,
				"chunk_index": i,
			}).Warn("chunk missing during assembly")
			continue
		}
		buf.Write(chunk)
	}
	d.chunks = nil
	return buf.Bytes()
}

func (d *download) received() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receivedBytes
}

func (d *download) chunkCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chunks)
}
