package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"wsdrop/checksum"
	"wsdrop/models"
	"wsdrop/protocol"
)

const (
	// DefaultChunkSize is used until the relay announces its own.
	DefaultChunkSize uint32 = 64 * 1024
	// DefaultPacingDelay is the pause between two outgoing chunks.
	DefaultPacingDelay = 5 * time.Millisecond
)

// Sender writes control messages and chunk frames to the relay.
type Sender interface {
	SendJSON(message any) error
	SendBinary(frame []byte) error
}

// Options configures an Engine.
type Options struct {
	Sender Sender

	// ChunkSize and MaxFileSize are replaced by SERVER_CONFIG values.
	ChunkSize   uint32
	MaxFileSize uint64

	// PacingDelay defaults to DefaultPacingDelay; a negative value disables pacing.
	PacingDelay time.Duration

	Recorder Recorder
	Logger   logrus.FieldLogger

	OnChange func(models.Record)
	OnOffer  func(models.Offer)
}

// Engine drives every transfer of one relay session.
type Engine struct {
	sender   Sender
	registry *Registry
	logger   logrus.FieldLogger
	pacing   time.Duration
	onOffer  func(models.Offer)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	chunkSize   uint32
	maxFileSize uint64
	uploads     map[uuid.UUID]*upload
	downloads   map[uuid.UUID]*download
	offers      []models.Offer
	completed   map[uuid.UUID][]byte
	causes      map[uuid.UUID]error
}

// NewEngine creates an engine with validated options.
func NewEngine(options Options) (*Engine, error) {
	if options.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if options.ChunkSize == 0 {
		options.ChunkSize = DefaultChunkSize
	}
	switch {
	case options.PacingDelay == 0:
		options.PacingDelay = DefaultPacingDelay
	case options.PacingDelay < 0:
		options.PacingDelay = 0
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	logger := options.Logger.WithField("component", "transfer")
	registry := NewRegistry(options.Recorder, logger)
	registry.OnChange(options.OnChange)

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		sender:      options.Sender,
		registry:    registry,
		logger:      logger,
		pacing:      options.PacingDelay,
		onOffer:     options.OnOffer,
		ctx:         ctx,
		cancel:      cancel,
		chunkSize:   options.ChunkSize,
		maxFileSize: options.MaxFileSize,
		uploads:     make(map[uuid.UUID]*upload),
		downloads:   make(map[uuid.UUID]*download),
		completed:   make(map[uuid.UUID][]byte),
		causes:      make(map[uuid.UUID]error),
	}, nil
}

// Registry exposes the record store for subscriptions.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Records returns every transfer record of this session in creation order.
func (e *Engine) Records() []models.Record {
	return e.registry.List()
}

// Record returns the record for fileID.
func (e *Engine) Record(fileID uuid.UUID) (models.Record, bool) {
	return e.registry.Get(fileID)
}

// ChunkSize returns the currently negotiated chunk size.
func (e *Engine) ChunkSize() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunkSize
}

// MaxFileSize returns the relay's size limit, or zero when unknown.
func (e *Engine) MaxFileSize() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxFileSize
}

// ApplyServerConfig adopts the relay's limits for subsequent offers.
func (e *Engine) ApplyServerConfig(chunkSize uint32, maxFileSize uint64) {
	e.mu.Lock()
	if chunkSize > 0 {
		e.chunkSize = chunkSize
	}
	e.maxFileSize = maxFileSize
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"chunk_size":    chunkSize,
		"max_file_size": maxFileSize,
	}).Debug("server config applied")
}

// HandleControl dispatches one JSON control message from the relay.
func (e *Engine) HandleControl(raw []byte) error {
	msgType, err := protocol.DecodeMessageType(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolParse, err)
	}

	switch msgType {
	case protocol.TypeServerConfig:
		msg, err := decodeControl[protocol.ServerConfig](raw)
		if err != nil {
			return err
		}
		e.ApplyServerConfig(msg.ChunkSize, msg.MaxFileSize)
		return nil
	case protocol.TypeFileOfferReceived:
		msg, err := decodeControl[protocol.FileOfferReceived](raw)
		if err != nil {
			return err
		}
		e.receiveOffer(msg)
		return nil
	case protocol.TypeFileAccepted:
		msg, err := decodeControl[protocol.FileAccepted](raw)
		if err != nil {
			return err
		}
		return e.startUpload(msg.FileID)
	case protocol.TypeFileRejected:
		msg, err := decodeControl[protocol.FileRejected](raw)
		if err != nil {
			return err
		}
		return e.handleRejected(msg.FileID)
	case protocol.TypeFileChunkAck:
		msg, err := decodeControl[protocol.FileChunkAck](raw)
		if err != nil {
			return err
		}
		return e.handleChunkAck(msg)
	case protocol.TypeFileComplete:
		msg, err := decodeControl[protocol.FileComplete](raw)
		if err != nil {
			return err
		}
		return e.handleComplete(msg.FileID)
	case protocol.TypeFileError:
		msg, err := decodeControl[protocol.FileError](raw)
		if err != nil {
			return err
		}
		return e.handleFileError(msg)
	default:
		e.logger.WithField("type", msgType).Debug("control message ignored")
		return nil
	}
}

// HandleBinary stores one chunk frame. Frames that cannot be used are
// dropped and reported through the returned error; records are untouched.
func (e *Engine) HandleBinary(frame []byte) error {
	chunk, err := protocol.DecodeChunkFrame(frame)
	if err != nil {
		e.logger.WithField("bytes", len(frame)).Debug("malformed chunk frame dropped")
		return fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(frame))
	}

	e.mu.Lock()
	d := e.downloads[chunk.FileID]
	e.mu.Unlock()
	if d == nil {
		e.logger.WithField("file_id", chunk.FileID).Debug("chunk for unknown transfer dropped")
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, chunk.FileID)
	}

	received, err := d.insert(chunk.Index, chunk.Payload)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"file_id":     chunk.FileID,
			"chunk_index": chunk.Index,
		}).WithError(err).Warn("chunk dropped")
		return err
	}

	_, _ = e.registry.Update(chunk.FileID, func(r *models.Record) {
		if !r.Status.Terminal() {
			r.SetTransferred(received)
		}
	})

	if err := e.send(protocol.FileChunkAck{
		Type:       protocol.TypeFileChunkAck,
		FileID:     chunk.FileID,
		ChunkIndex: chunk.Index,
	}); err != nil {
		e.logger.WithFields(logrus.Fields{
			"file_id":     chunk.FileID,
			"chunk_index": chunk.Index,
		}).WithError(err).Warn("send chunk ack failed")
	}

	e.checkAndFinish(d)
	return nil
}

// checkAndFinish verifies and closes a download once every expected chunk
// has arrived. Repeated calls after the first finish are no-ops.
func (e *Engine) checkAndFinish(d *download) {
	if !d.claim() {
		return
	}

	_, _ = e.registry.Update(d.fileID, func(r *models.Record) {
		r.Status = models.StatusVerifying
	})

	data := d.assemble(e.logger)
	e.dropDownload(d.fileID)

	fields := logrus.Fields{
		"file_id": d.fileID,
		"peer":    d.peer,
		"bytes":   len(data),
	}

	if _, err := checksum.Verify(d.expectedChecksum, data); err != nil {
		e.mu.Lock()
		e.causes[d.fileID] = fmt.Errorf("%w: %w", ErrChecksumMismatch, err)
		e.mu.Unlock()

		valid := false
		_, _ = e.registry.Update(d.fileID, func(r *models.Record) {
			r.Status = models.StatusError
			r.Error = err.Error()
			r.ChecksumValid = &valid
		})
		e.logger.WithFields(fields).WithError(err).Warn("download failed verification")
		return
	}

	e.mu.Lock()
	e.completed[d.fileID] = data
	e.mu.Unlock()

	valid := true
	_, _ = e.registry.Update(d.fileID, func(r *models.Record) {
		r.Transferred = uint64(len(data))
		r.Progress = 100
		r.Status = models.StatusCompleted
		r.ChecksumValid = &valid
	})
	e.logger.WithFields(fields).Info("download completed")
}

func (e *Engine) handleComplete(fileID uuid.UUID) error {
	e.mu.Lock()
	d := e.downloads[fileID]
	e.mu.Unlock()
	if d != nil {
		e.checkAndFinish(d)
		return nil
	}

	record, ok := e.registry.Get(fileID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, fileID)
	}
	if record.Direction != models.DirectionUpload || record.Status.Terminal() {
		return nil
	}

	_, _ = e.registry.Update(fileID, func(r *models.Record) {
		if r.Status.Terminal() {
			return
		}
		r.SetTransferred(r.Total)
		r.Progress = 100
		r.Status = models.StatusCompleted
	})
	e.logger.WithFields(logrus.Fields{
		"file_id": fileID,
		"peer":    record.Peer,
	}).Info("upload completed")
	return nil
}

func (e *Engine) handleChunkAck(msg protocol.FileChunkAck) error {
	_, err := e.registry.Update(msg.FileID, func(r *models.Record) {
		if r.Direction == models.DirectionUpload && !r.Status.Terminal() {
			r.AckedChunks++
		}
	})
	return err
}

func (e *Engine) handleFileError(msg protocol.FileError) error {
	e.mu.Lock()
	u := e.uploads[msg.FileID]
	var cancel context.CancelFunc
	if u != nil {
		if u.started {
			cancel = u.cancel
		} else {
			delete(e.uploads, msg.FileID)
		}
	}
	_, hadDownload := e.downloads[msg.FileID]
	delete(e.downloads, msg.FileID)
	_, hadOffer := e.takeOfferLocked(msg.FileID)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	} else if u != nil {
		u.release()
	}

	_, known := e.registry.Get(msg.FileID)
	if !known && u == nil && !hadDownload && !hadOffer {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, msg.FileID)
	}

	e.logger.WithFields(logrus.Fields{
		"file_id": msg.FileID,
		"reason":  msg.Error,
	}).Warn("peer reported transfer error")
	e.fail(msg.FileID, fmt.Errorf("%w: %s", ErrPeerError, msg.Error), msg.Error)
	return nil
}

// fail moves a non-terminal record to Error and remembers why.
func (e *Engine) fail(fileID uuid.UUID, cause error, reason string) {
	e.mu.Lock()
	if _, exists := e.causes[fileID]; !exists {
		e.causes[fileID] = cause
	}
	e.mu.Unlock()

	_, _ = e.registry.Update(fileID, func(r *models.Record) {
		if r.Status.Terminal() {
			return
		}
		r.Status = models.StatusError
		r.Error = reason
	})
}

// Wait blocks until the transfer is terminal. A transfer that ended in Error
// returns its cause, matching one of the package sentinels.
func (e *Engine) Wait(ctx context.Context, fileID uuid.UUID) (models.Record, error) {
	record, err := e.registry.Wait(ctx, fileID)
	if err != nil {
		return record, err
	}
	if record.Status == models.StatusError {
		return record, e.cause(fileID, record)
	}
	return record, nil
}

// Download returns the verified bytes of a completed download.
func (e *Engine) Download(fileID uuid.UUID) ([]byte, error) {
	e.mu.Lock()
	data, ok := e.completed[fileID]
	e.mu.Unlock()
	if ok {
		return data, nil
	}

	record, found := e.registry.Get(fileID)
	if !found || record.Direction != models.DirectionDownload {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, fileID)
	}
	switch record.Status {
	case models.StatusError:
		return nil, e.cause(fileID, record)
	case models.StatusCompleted:
		return nil, fmt.Errorf("%w: %s was released", ErrUnknownTransfer, fileID)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrTransferActive, fileID, record.Status)
	}
}

// SaveDownload writes a completed download to dir as <file_id>_<filename>
// and returns the written path.
func (e *Engine) SaveDownload(fileID uuid.UUID, dir string) (string, error) {
	data, err := e.Download(fileID)
	if err != nil {
		return "", err
	}
	record, _ := e.registry.Get(fileID)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	path := filepath.Join(dir, prefixedFilename(fileID, record.Filename))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write download: %w", err)
	}
	return path, nil
}

// ReleaseDownload frees the retained bytes of a completed download.
func (e *Engine) ReleaseDownload(fileID uuid.UUID) {
	e.mu.Lock()
	delete(e.completed, fileID)
	e.mu.Unlock()
}

// Close cancels running uploads and waits for their goroutines.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	pending := make([]*upload, 0, len(e.uploads))
	for id, u := range e.uploads {
		pending = append(pending, u)
		delete(e.uploads, id)
	}
	e.downloads = make(map[uuid.UUID]*download)
	e.mu.Unlock()

	for _, u := range pending {
		u.release()
	}
	return nil
}

func (e *Engine) cause(fileID uuid.UUID, record models.Record) error {
	e.mu.Lock()
	cause := e.causes[fileID]
	e.mu.Unlock()
	if cause != nil {
		return cause
	}
	return fmt.Errorf("%w: %s", ErrPeerError, record.Error)
}

func (e *Engine) send(message any) error {
	return e.sender.SendJSON(message)
}

// discardUpload forgets an upload and closes its source.
func (e *Engine) discardUpload(fileID uuid.UUID) {
	e.mu.Lock()
	u := e.uploads[fileID]
	delete(e.uploads, fileID)
	e.mu.Unlock()
	if u != nil {
		u.release()
	}
}

// forgetUpload drops an upload without touching its source.
func (e *Engine) forgetUpload(fileID uuid.UUID) {
	e.mu.Lock()
	delete(e.uploads, fileID)
	e.mu.Unlock()
}

func (e *Engine) dropDownload(fileID uuid.UUID) {
	e.mu.Lock()
	delete(e.downloads, fileID)
	e.mu.Unlock()
}

func decodeControl[T any](raw []byte) (T, error) {
	msg, err := protocol.Decode[T](raw)
	if err != nil {
		return msg, fmt.Errorf("%w: %w", ErrProtocolParse, err)
	}
	return msg, nil
}

func prefixedFilename(fileID uuid.UUID, filename string) string {
	base := filepath.Base(filename)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}
	return fileID.String() + "_" + base
}
