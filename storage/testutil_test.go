package storage

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsdrop/checksum"
	"wsdrop/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	// No background maintenance and no retention: tests drive pruning.
	store, err := OpenWithOptions(filepath.Join(t.TempDir(), DefaultDBFileName), Options{Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})
	return store
}

func sampleRecord(status models.Status, updatedAt int64) models.Record {
	record := models.Record{
		FileID:    uuid.New(),
		Filename:  "report.pdf",
		Peer:      "bob",
		Direction: models.DirectionUpload,
		Total:     150000,
		Status:    status,
		Checksum:  checksum.Sum([]byte("report")),
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
	record.SetTransferred(65536)
	return record
}
