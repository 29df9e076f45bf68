package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsdrop/checksum"
)

func TestChunkFrameRoundTrip(t *testing.T) {
	id := uuid.MustParse("3f2504e0-4f89-41d3-9a0c-0305e82c3301")
	payload := []byte("chunk payload")

	frame, err := EncodeChunkFrame(id, 7, payload, 64)
	require.NoError(t, err)
	require.Len(t, frame, FrameHeaderSize+len(payload))

	decoded, err := DecodeChunkFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, id, decoded.FileID)
	assert.Equal(t, uint32(7), decoded.Index)
	assert.Equal(t, payload, decoded.Payload)
}

func TestChunkFrameIndexIsBigEndian(t *testing.T) {
	frame, err := EncodeChunkFrame(uuid.Nil, 0x01020304, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, frame[16:20])
}

func TestChunkFrameIDIsRawBytes(t *testing.T) {
	id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	frame, err := EncodeChunkFrame(id, 0, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, frame[:16])
}

func TestDecodeChunkFrameBoundaries(t *testing.T) {
	_, err := DecodeChunkFrame(make([]byte, 10))
	assert.ErrorIs(t, err, ErrFrameTooShort)

	_, err = DecodeChunkFrame(make([]byte, FrameHeaderSize-1))
	assert.ErrorIs(t, err, ErrFrameTooShort)

	decoded, err := DecodeChunkFrame(make([]byte, FrameHeaderSize))
	require.NoError(t, err)
	assert.Empty(t, decoded.Payload)
}

func TestEncodeChunkFrameRejectsOversizedPayload(t *testing.T) {
	_, err := EncodeChunkFrame(uuid.New(), 0, bytes.Repeat([]byte{1}, 33), 32)
	assert.ErrorIs(t, err, ErrChunkTooLarge)
}

func TestChunkCount(t *testing.T) {
	cases := []struct {
		size      uint64
		chunkSize uint32
		want      uint32
	}{
		{0, 65536, 0},
		{1, 65536, 1},
		{65536, 65536, 1},
		{65537, 65536, 2},
		{150000, 65536, 3},
		{10, 0, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ChunkCount(tc.size, tc.chunkSize), "size=%d chunk=%d", tc.size, tc.chunkSize)
	}
}

func TestReadLimitCoversControlMessages(t *testing.T) {
	assert.Equal(t, int64(MaxControlSize), ReadLimit(256))
	assert.Equal(t, int64(64*1024+FrameHeaderSize), ReadLimit(64*1024))
	assert.Equal(t, int64(MaxChunkSize+FrameHeaderSize), ReadLimit(MaxChunkSize))
}

func TestOfferWireShape(t *testing.T) {
	id := uuid.New()
	sum := checksum.Sum([]byte("data"))
	raw, err := EncodeJSON(FileOffer{
		Type:      TypeFileOffer,
		To:        "bob",
		FileID:    id,
		Filename:  "a.txt",
		Size:      4,
		ChunkSize: 65536,
		Checksum:  sum,
	})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "FILE_OFFER", generic["type"])
	assert.Equal(t, id.String(), generic["file_id"])
	assert.Equal(t, sum.String(), generic["checksum"])
	assert.EqualValues(t, 65536, generic["chunk_size"])
}

func TestDecodeMessageType(t *testing.T) {
	msgType, err := DecodeMessageType([]byte(`{"type":"FILE_COMPLETE","file_id":"3f2504e0-4f89-41d3-9a0c-0305e82c3301"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeFileComplete, msgType)

	_, err = DecodeMessageType([]byte(`{"file_id":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidMessageType)

	_, err = DecodeMessageType([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	_, err := Decode[FileOfferReceived]([]byte(`{"type":"FILE_OFFER_RECEIVED","from":"a","file_id":"3f2504e0-4f89-41d3-9a0c-0305e82c3301","filename":"f","size":1,"checksum":"nothex"}`))
	assert.Error(t, err)

	msg, err := Decode[FileComplete]([]byte(`{"type":"FILE_COMPLETE","file_id":"3f2504e0-4f89-41d3-9a0c-0305e82c3301"}`))
	require.NoError(t, err)
	assert.Equal(t, "3f2504e0-4f89-41d3-9a0c-0305e82c3301", msg.FileID.String())
}
