package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"wsdrop/checksum"
	"wsdrop/models"
	"wsdrop/protocol"
)

// SendFile offers the file at path to the named peer. The file stays open
// until the upload ends.
func (e *Engine) SendFile(to, path string) (uuid.UUID, error) {
	if strings.TrimSpace(path) == "" {
		return uuid.Nil, errors.New("source path is required")
	}

	file, err := os.Open(path)
	if err != nil {
		return uuid.Nil, fmt.Errorf("open source file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return uuid.Nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return uuid.Nil, errors.New("source path must be a file")
	}

	fileID, err := e.Offer(to, filepath.Base(path), file, uint64(info.Size()))
	if err != nil {
		_ = file.Close()
		return uuid.Nil, err
	}
	return fileID, nil
}

// Offer hashes src, records a pending upload and announces it to the peer.
// On success the engine owns src and closes it if it is an io.Closer; on
// error the caller keeps it.
func (e *Engine) Offer(to, filename string, src io.ReaderAt, size uint64) (uuid.UUID, error) {
	if strings.TrimSpace(to) == "" {
		return uuid.Nil, errors.New("recipient is required")
	}
	if src == nil {
		return uuid.Nil, errors.New("source is required")
	}
	filename = filepath.Base(filename)
	if filename == "." || filename == string(filepath.Separator) {
		return uuid.Nil, errors.New("filename is required")
	}

	e.mu.Lock()
	closed := e.closed
	chunkSize := e.chunkSize
	maxFileSize := e.maxFileSize
	e.mu.Unlock()
	if closed {
		return uuid.Nil, ErrClosed
	}
	if maxFileSize > 0 && size > maxFileSize {
		return uuid.Nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, size, maxFileSize)
	}

	digest, err := checksum.SumReader(io.NewSectionReader(src, 0, int64(size)))
	if err != nil {
		return uuid.Nil, err
	}

	u := &upload{
		fileID:    uuid.New(),
		to:        to,
		filename:  filename,
		src:       src,
		size:      size,
		digest:    digest,
		chunkSize: chunkSize,
	}

	e.mu.Lock()
	e.uploads[u.fileID] = u
	e.mu.Unlock()

	if _, err := e.registry.Create(models.Record{
		FileID:    u.fileID,
		Filename:  filename,
		Peer:      to,
		Direction: models.DirectionUpload,
		Total:     size,
		Status:    models.StatusPending,
		Checksum:  digest,
	}); err != nil {
		e.forgetUpload(u.fileID)
		return uuid.Nil, err
	}

	err = e.send(protocol.FileOffer{
		Type:      protocol.TypeFileOffer,
		To:        to,
		FileID:    u.fileID,
		Filename:  filename,
		Size:      size,
		ChunkSize: chunkSize,
		Checksum:  digest,
	})
	if err != nil {
		e.forgetUpload(u.fileID)
		e.fail(u.fileID, err, err.Error())
		return uuid.Nil, fmt.Errorf("send offer: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"file_id": u.fileID,
		"peer":    to,
		"size":    size,
	}).Info("file offered")
	return u.fileID, nil
}

// Offers returns the pending incoming offers in arrival order.
func (e *Engine) Offers() []models.Offer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Offer(nil), e.offers...)
}

// Accept takes a pending offer, creates its download state and tells the
// sender to start. Offers above max_file_size are rejected instead.
func (e *Engine) Accept(fileID uuid.UUID) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	offer, ok := e.takeOfferLocked(fileID)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOffer, fileID)
	}
	if e.maxFileSize > 0 && offer.Size > e.maxFileSize {
		maxFileSize := e.maxFileSize
		e.mu.Unlock()
		if err := e.sendReject(offer); err != nil {
			return err
		}
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, offer.Size, maxFileSize)
	}
	if _, exists := e.downloads[fileID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTransfer, fileID)
	}
	d := newDownload(offer, e.chunkSize)
	e.downloads[fileID] = d
	e.mu.Unlock()

	if _, err := e.registry.Create(models.Record{
		FileID:    fileID,
		Filename:  offer.Filename,
		Peer:      offer.From,
		Direction: models.DirectionDownload,
		Total:     offer.Size,
		Status:    models.StatusTransferring,
		Checksum:  offer.Checksum,
	}); err != nil {
		e.dropDownload(fileID)
		return err
	}

	err := e.send(protocol.FileAccept{
		Type:   protocol.TypeFileAccept,
		From:   offer.From,
		FileID: fileID,
	})
	if err != nil {
		e.dropDownload(fileID)
		e.fail(fileID, err, err.Error())
		return fmt.Errorf("send accept: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"file_id": fileID,
		"peer":    offer.From,
		"chunks":  d.expectedChunks,
	}).Info("offer accepted")

	if d.expectedChunks == 0 {
		e.checkAndFinish(d)
	}
	return nil
}

// Reject declines a pending offer.
func (e *Engine) Reject(fileID uuid.UUID) error {
	e.mu.Lock()
	offer, ok := e.takeOfferLocked(fileID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOffer, fileID)
	}
	return e.sendReject(offer)
}

func (e *Engine) sendReject(offer models.Offer) error {
	err := e.send(protocol.FileReject{
		Type:   protocol.TypeFileReject,
		From:   offer.From,
		FileID: offer.FileID,
	})
	if err != nil {
		return fmt.Errorf("send reject: %w", err)
	}
	e.logger.WithFields(logrus.Fields{
		"file_id": offer.FileID,
		"peer":    offer.From,
	}).Info("offer rejected")
	return nil
}

func (e *Engine) receiveOffer(msg protocol.FileOfferReceived) {
	offer := models.Offer{
		FileID:     msg.FileID,
		From:       msg.From,
		Filename:   filepath.Base(msg.Filename),
		Size:       msg.Size,
		Checksum:   msg.Checksum,
		ReceivedAt: time.Now().UnixMilli(),
	}

	e.mu.Lock()
	for _, existing := range e.offers {
		if existing.FileID == offer.FileID {
			e.mu.Unlock()
			e.logger.WithField("file_id", offer.FileID).Warn("duplicate offer ignored")
			return
		}
	}
	e.offers = append(e.offers, offer)
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"file_id":  offer.FileID,
		"peer":     offer.From,
		"filename": offer.Filename,
		"size":     offer.Size,
	}).Info("offer received")
	if e.onOffer != nil {
		e.onOffer(offer)
	}
}

// handleRejected ends a pending upload the peer declined.
func (e *Engine) handleRejected(fileID uuid.UUID) error {
	if _, ok := e.registry.Get(fileID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, fileID)
	}
	e.discardUpload(fileID)
	e.fail(fileID, ErrOfferRejected, rejectedReason)
	return nil
}

func (e *Engine) takeOfferLocked(fileID uuid.UUID) (models.Offer, bool) {
	for i, offer := range e.offers {
		if offer.FileID == fileID {
			e.offers = append(e.offers[:i], e.offers[i+1:]...)
			return offer, true
		}
	}
	return models.Offer{}, false
}
