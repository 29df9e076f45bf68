package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"wsdrop/checksum"
	"wsdrop/models"
	"wsdrop/protocol"
)

// upload is the sender side of one offer. It is owned by a single goroutine
// once started.
type upload struct {
	fileID    uuid.UUID
	to        string
	filename  string
	src       io.ReaderAt
	size      uint64
	digest    checksum.Digest
	chunkSize uint32

	started bool
	cancel  context.CancelFunc
}

func (u *upload) release() {
	if closer, ok := u.src.(io.Closer); ok {
		_ = closer.Close()
	}
}

// startUpload launches the sending goroutine for an accepted offer.
func (e *Engine) startUpload(fileID uuid.UUID) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	u := e.uploads[fileID]
	if u == nil || u.started {
		e.mu.Unlock()
		return fmt.Errorf("%w: no pending upload for %s", ErrUnknownTransfer, fileID)
	}
	ctx, cancel := context.WithCancel(e.ctx)
	u.started = true
	u.cancel = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	_, _ = e.registry.Update(fileID, func(r *models.Record) {
		if r.Status == models.StatusPending {
			r.Status = models.StatusTransferring
		}
	})

	go func() {
		defer e.wg.Done()
		defer cancel()

		err := e.runUpload(ctx, u)
		e.discardUpload(fileID)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		e.logger.WithFields(logrus.Fields{
			"file_id": fileID,
			"peer":    u.to,
		}).WithError(err).Error("upload failed")
		e.fail(fileID, err, err.Error())
	}()
	return nil
}

// runUpload streams every chunk in index order, pausing for the pacing
// delay between frames. Acks are not awaited.
func (e *Engine) runUpload(ctx context.Context, u *upload) error {
	total := protocol.ChunkCount(u.size, u.chunkSize)
	var sent uint64

	for index := uint32(0); index < total; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		offset := uint64(index) * uint64(u.chunkSize)
		length := uint64(u.chunkSize)
		if remaining := u.size - offset; remaining < length {
			length = remaining
		}

		payload, err := readChunk(u.src, int64(offset), int(length))
		if err != nil {
			return err
		}
		frame, err := protocol.EncodeChunkFrame(u.fileID, index, payload, int(u.chunkSize))
		if err != nil {
			return err
		}
		if err := e.sender.SendBinary(frame); err != nil {
			return fmt.Errorf("send chunk %d: %w", index, err)
		}

		sent += length
		_, _ = e.registry.Update(u.fileID, func(r *models.Record) {
			if !r.Status.Terminal() {
				r.SetTransferred(sent)
			}
		})

		if index+1 < total && e.pacing > 0 {
			timer := time.NewTimer(e.pacing)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	e.logger.WithFields(logrus.Fields{
		"file_id": u.fileID,
		"peer":    u.to,
		"chunks":  total,
	}).Debug("all chunks sent")
	return nil
}

// readChunk reads exactly length bytes at offset.
func readChunk(src io.ReaderAt, offset int64, length int) ([]byte, error) {
	buffer := make([]byte, length)
	n, err := src.ReadAt(buffer, offset)
	if n == length {
		return buffer, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read chunk at offset %d: %w", offset, err)
}
