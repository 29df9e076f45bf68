package checksum

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumKnownVector(t *testing.T) {
	got := Sum([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", got.String())
	assert.Equal(t, "ba7816bf8f01cfea", got.Short())
}

func TestSumReaderAndFileMatchSum(t *testing.T) {
	data := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 100000)

	fromReader, err := SumReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, Sum(data), fromReader)

	path := filepath.Join(t.TempDir(), "fixture.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	fromFile, err := SumFile(path)
	require.NoError(t, err)
	assert.Equal(t, Sum(data), fromFile)
}

func TestSumFileMissing(t *testing.T) {
	_, err := SumFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestParseRoundTripAndRejects(t *testing.T) {
	d := Sum([]byte("payload"))
	parsed, err := Parse(strings.ToUpper(d.String()))
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = Parse("abcd")
	assert.ErrorIs(t, err, ErrInvalidDigest)
	_, err = Parse(strings.Repeat("zz", Size))
	assert.ErrorIs(t, err, ErrInvalidDigest)
}

func TestDigestJSONUsesHex(t *testing.T) {
	d := Sum([]byte("x"))
	raw, err := json.Marshal(struct {
		Checksum Digest `json:"checksum"`
	}{Checksum: d})
	require.NoError(t, err)
	assert.Equal(t, `{"checksum":"`+d.String()+`"}`, string(raw))
}

func TestVerifyMismatchReportsPrefixesOnly(t *testing.T) {
	data := []byte("hello world")
	expected := Sum(data)

	_, err := Verify(expected, data)
	require.NoError(t, err)

	corrupted := append([]byte(nil), data...)
	corrupted[3] ^= 0xff
	actual, err := Verify(expected, corrupted)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMismatch)

	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, actual, mismatch.Actual)
	assert.Contains(t, err.Error(), expected.Short())
	assert.Contains(t, err.Error(), actual.Short())
	assert.NotContains(t, err.Error(), expected.String())
}
