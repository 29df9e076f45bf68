package transfer

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"wsdrop/checksum"
	"wsdrop/models"
	"wsdrop/protocol"
)

type fakeSender struct {
	mu       sync.Mutex
	control  [][]byte
	frames   [][]byte
	err      error
	onJSON   func([]byte)
	onBinary func([]byte)
}

func (s *fakeSender) SendJSON(message any) error {
	raw, err := protocol.EncodeJSON(message)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.control = append(s.control, raw)
	hook := s.onJSON
	s.mu.Unlock()
	if hook != nil {
		hook(raw)
	}
	return nil
}

func (s *fakeSender) SendBinary(frame []byte) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	hook := s.onBinary
	s.mu.Unlock()
	if hook != nil {
		hook(frame)
	}
	return nil
}

func (s *fakeSender) messagesOfType(msgType string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, 0)
	for _, raw := range s.control {
		if got, err := protocol.DecodeMessageType(raw); err == nil && got == msgType {
			out = append(out, raw)
		}
	}
	return out
}

func (s *fakeSender) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []models.Record
}

func (r *memoryRecorder) SaveTransfer(record models.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *memoryRecorder) saved() []models.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Record(nil), r.records...)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEngine(t *testing.T, sender Sender, mutate ...func(*Options)) *Engine {
	t.Helper()

	options := Options{
		Sender:      sender,
		PacingDelay: -1,
		Logger:      quietLogger(),
	}
	for _, fn := range mutate {
		fn(&options)
	}
	engine, err := NewEngine(options)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = engine.Close()
	})
	return engine
}

func createFixture(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func mustEncode(t *testing.T, message any) []byte {
	t.Helper()
	raw, err := protocol.EncodeJSON(message)
	require.NoError(t, err)
	return raw
}

// announce delivers an offer for data to engine and returns its file_id.
func announce(t *testing.T, engine *Engine, from string, data []byte) uuid.UUID {
	t.Helper()
	fileID := uuid.New()
	require.NoError(t, engine.HandleControl(mustEncode(t, protocol.FileOfferReceived{
		Type:     protocol.TypeFileOfferReceived,
		From:     from,
		FileID:   fileID,
		Filename: "payload.bin",
		Size:     uint64(len(data)),
		Checksum: checksum.Sum(data),
	})))
	return fileID
}

// splitFrames cuts data into encoded chunk frames.
func splitFrames(t *testing.T, fileID uuid.UUID, data []byte, chunkSize int) [][]byte {
	t.Helper()
	frames := make([][]byte, 0)
	for index := 0; index*chunkSize < len(data); index++ {
		end := (index + 1) * chunkSize
		if end > len(data) {
			end = len(data)
		}
		frame, err := protocol.EncodeChunkFrame(fileID, uint32(index), data[index*chunkSize:end], chunkSize)
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	return frames
}

func bytesReader(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}
