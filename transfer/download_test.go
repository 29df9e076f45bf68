package transfer

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsdrop/checksum"
	"wsdrop/models"
	"wsdrop/protocol"
)

func TestDownloadOutOfOrderChunks(t *testing.T) {
	sender := &fakeSender{}
	engine := newTestEngine(t, sender)

	data := createFixture(150000)
	fileID := announce(t, engine, "alice", data)
	require.NoError(t, engine.Accept(fileID))

	record, ok := engine.Record(fileID)
	require.True(t, ok)
	assert.Equal(t, models.StatusTransferring, record.Status)
	assert.Equal(t, models.DirectionDownload, record.Direction)

	frames := splitFrames(t, fileID, data, 65536)
	require.Len(t, frames, 3)
	assert.Len(t, frames[0], protocol.FrameHeaderSize+65536)
	assert.Len(t, frames[1], protocol.FrameHeaderSize+65536)
	assert.Len(t, frames[2], protocol.FrameHeaderSize+18928)

	for _, index := range []int{1, 0, 2} {
		require.NoError(t, engine.HandleBinary(frames[index]))
	}

	record, _ = engine.Record(fileID)
	assert.Equal(t, models.StatusCompleted, record.Status)
	assert.Equal(t, uint64(150000), record.Transferred)
	assert.Equal(t, 100.0, record.Progress)
	require.NotNil(t, record.ChecksumValid)
	assert.True(t, *record.ChecksumValid)

	got, err := engine.Download(fileID)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.Len(t, sender.messagesOfType(protocol.TypeFileAccept), 1)
	acks := sender.messagesOfType(protocol.TypeFileChunkAck)
	require.Len(t, acks, 3)
	first, err := protocol.Decode[protocol.FileChunkAck](acks[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.ChunkIndex)
}

func TestDownloadAnyPermutationRoundTrips(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	engine := newTestEngine(t, &fakeSender{}, func(o *Options) { o.ChunkSize = 1000 })

	for round := 0; round < 20; round++ {
		data := createFixture(1 + rng.Intn(20000))
		fileID := announce(t, engine, "alice", data)
		require.NoError(t, engine.Accept(fileID))

		frames := splitFrames(t, fileID, data, 1000)
		for _, index := range rng.Perm(len(frames)) {
			require.NoError(t, engine.HandleBinary(frames[index]))
		}

		record, err := engine.Wait(context.Background(), fileID)
		require.NoError(t, err, "round %d", round)
		assert.Equal(t, models.StatusCompleted, record.Status)
		got, err := engine.Download(fileID)
		require.NoError(t, err)
		assert.Equal(t, data, got, "round %d", round)
	}
}

func TestDownloadDuplicateChunksAreIdempotent(t *testing.T) {
	engine := newTestEngine(t, &fakeSender{}, func(o *Options) { o.ChunkSize = 100 })
	data := createFixture(250)
	fileID := announce(t, engine, "alice", data)
	require.NoError(t, engine.Accept(fileID))
	frames := splitFrames(t, fileID, data, 100)

	require.NoError(t, engine.HandleBinary(frames[0]))
	require.NoError(t, engine.HandleBinary(frames[0]))
	record, _ := engine.Record(fileID)
	assert.Equal(t, uint64(100), record.Transferred)
	assert.Equal(t, models.StatusTransferring, record.Status)

	require.NoError(t, engine.HandleBinary(frames[2]))
	require.NoError(t, engine.HandleBinary(frames[2]))
	record, _ = engine.Record(fileID)
	assert.Equal(t, uint64(150), record.Transferred)

	require.NoError(t, engine.HandleBinary(frames[1]))
	record, _ = engine.Record(fileID)
	assert.Equal(t, models.StatusCompleted, record.Status)
	assert.Equal(t, uint64(250), record.Transferred)

	err := engine.HandleBinary(frames[1])
	assert.ErrorIs(t, err, ErrUnknownTransfer)
	record, _ = engine.Record(fileID)
	assert.Equal(t, models.StatusCompleted, record.Status)
}

func TestDownloadReplacedChunkAdjustsReceivedBytes(t *testing.T) {
	d := newDownload(models.Offer{FileID: uuid.New(), Size: 300}, 100)

	received, err := d.insert(0, make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), received)

	received, err = d.insert(0, make([]byte, 40))
	require.NoError(t, err)
	assert.Equal(t, uint64(40), received)
	assert.Equal(t, 1, d.chunkCount())

	_, err = d.insert(3, []byte{1})
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
	assert.Equal(t, uint64(40), d.received())
}

func TestCompleteMessageNeverFinishesEarly(t *testing.T) {
	engine := newTestEngine(t, &fakeSender{}, func(o *Options) { o.ChunkSize = 100 })
	data := createFixture(300)
	fileID := announce(t, engine, "alice", data)
	require.NoError(t, engine.Accept(fileID))
	frames := splitFrames(t, fileID, data, 100)

	complete := mustEncode(t, protocol.FileComplete{Type: protocol.TypeFileComplete, FileID: fileID})
	require.NoError(t, engine.HandleBinary(frames[0]))
	for i := 0; i < 3; i++ {
		require.NoError(t, engine.HandleControl(complete))
	}

	record, _ := engine.Record(fileID)
	assert.Equal(t, models.StatusTransferring, record.Status)
	assert.Nil(t, record.ChecksumValid)

	require.NoError(t, engine.HandleBinary(frames[2]))
	require.NoError(t, engine.HandleBinary(frames[1]))
	record, _ = engine.Record(fileID)
	assert.Equal(t, models.StatusCompleted, record.Status)

	require.NoError(t, engine.HandleControl(complete))
	record, _ = engine.Record(fileID)
	assert.Equal(t, models.StatusCompleted, record.Status)
}

func TestDownloadChecksumMismatch(t *testing.T) {
	engine := newTestEngine(t, &fakeSender{}, func(o *Options) { o.ChunkSize = 64 })
	data := createFixture(200)
	fileID := announce(t, engine, "alice", data)
	require.NoError(t, engine.Accept(fileID))

	corrupted := append([]byte(nil), data...)
	corrupted[117] ^= 0xff
	for _, frame := range splitFrames(t, fileID, corrupted, 64) {
		require.NoError(t, engine.HandleBinary(frame))
	}

	record, err := engine.Wait(context.Background(), fileID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.True(t, errors.Is(err, checksum.ErrMismatch))

	assert.Equal(t, models.StatusError, record.Status)
	require.NotNil(t, record.ChecksumValid)
	assert.False(t, *record.ChecksumValid)
	assert.NotEmpty(t, record.Error)
	assert.True(t, strings.HasPrefix(record.Error, "Checksum mismatch! Expected: "+checksum.Sum(data).Short()+"..."))
	assert.Contains(t, record.Error, "Got: "+checksum.Sum(corrupted).Short()+"...")

	_, err = engine.Download(fileID)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestMalformedFrameLeavesRecordsUntouched(t *testing.T) {
	engine := newTestEngine(t, &fakeSender{})
	data := createFixture(500)
	fileID := announce(t, engine, "alice", data)
	require.NoError(t, engine.Accept(fileID))
	before := engine.Records()

	err := engine.HandleBinary(make([]byte, 10))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.ErrorIs(t, err, protocol.ErrFrameTooShort)

	assert.Equal(t, before, engine.Records())
}

func TestFrameForUnknownTransferIsDropped(t *testing.T) {
	engine := newTestEngine(t, &fakeSender{})
	frame, err := protocol.EncodeChunkFrame(uuid.New(), 0, []byte("x"), 0)
	require.NoError(t, err)

	assert.ErrorIs(t, engine.HandleBinary(frame), ErrUnknownTransfer)
	assert.Empty(t, engine.Records())
}

func TestFrameIndexOutOfRangeIsDropped(t *testing.T) {
	sender := &fakeSender{}
	engine := newTestEngine(t, sender, func(o *Options) { o.ChunkSize = 100 })
	data := createFixture(150)
	fileID := announce(t, engine, "alice", data)
	require.NoError(t, engine.Accept(fileID))

	frame, err := protocol.EncodeChunkFrame(fileID, 2, []byte("extra"), 0)
	require.NoError(t, err)
	assert.ErrorIs(t, engine.HandleBinary(frame), ErrChunkOutOfRange)

	record, _ := engine.Record(fileID)
	assert.Equal(t, uint64(0), record.Transferred)
	assert.Empty(t, sender.messagesOfType(protocol.TypeFileChunkAck))
}

func TestZeroByteOfferFinishesOnAccept(t *testing.T) {
	engine := newTestEngine(t, &fakeSender{})
	fileID := announce(t, engine, "alice", nil)
	require.NoError(t, engine.Accept(fileID))

	record, _ := engine.Record(fileID)
	assert.Equal(t, models.StatusCompleted, record.Status)
	assert.Equal(t, 100.0, record.Progress)
	require.NotNil(t, record.ChecksumValid)
	assert.True(t, *record.ChecksumValid)

	got, err := engine.Download(fileID)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, engine.HandleControl(mustEncode(t, protocol.FileComplete{
		Type:   protocol.TypeFileComplete,
		FileID: fileID,
	})))
}

func TestDownloadWhileActive(t *testing.T) {
	engine := newTestEngine(t, &fakeSender{})
	fileID := announce(t, engine, "alice", createFixture(10))
	require.NoError(t, engine.Accept(fileID))

	_, err := engine.Download(fileID)
	assert.ErrorIs(t, err, ErrTransferActive)

	_, err = engine.Download(uuid.New())
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestSaveDownloadWritesPrefixedFile(t *testing.T) {
	engine := newTestEngine(t, &fakeSender{})
	data := createFixture(1000)
	fileID := announce(t, engine, "alice", data)
	require.NoError(t, engine.Accept(fileID))
	for _, frame := range splitFrames(t, fileID, data, int(DefaultChunkSize)) {
		require.NoError(t, engine.HandleBinary(frame))
	}

	dir := filepath.Join(t.TempDir(), "downloads")
	path, err := engine.SaveDownload(fileID, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, fileID.String()+"_payload.bin"), path)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, written)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	engine.ReleaseDownload(fileID)
	_, err = engine.Download(fileID)
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestPrefixedFilenameStripsDirectories(t *testing.T) {
	id := uuid.MustParse("3f2504e0-4f89-41d3-9a0c-0305e82c3301")
	assert.Equal(t, id.String()+"_passwd", prefixedFilename(id, "../../etc/passwd"))
	assert.Equal(t, id.String()+"_file.bin", prefixedFilename(id, ""))
}

func TestWaitHonoursContext(t *testing.T) {
	engine := newTestEngine(t, &fakeSender{})
	fileID := announce(t, engine, "alice", createFixture(10))
	require.NoError(t, engine.Accept(fileID))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := engine.Wait(ctx, fileID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
