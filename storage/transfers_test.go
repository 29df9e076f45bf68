package storage

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsdrop/models"
)

func TestSaveAndGetTransfer(t *testing.T) {
	store := newTestStore(t)
	record := sampleRecord(models.StatusTransferring, 1000)

	require.NoError(t, store.SaveTransfer(record))

	got, err := store.GetTransfer(record.FileID)
	require.NoError(t, err)
	assert.Equal(t, record.FileID, got.FileID)
	assert.Equal(t, "report.pdf", got.Filename)
	assert.Equal(t, "bob", got.Peer)
	assert.Equal(t, models.DirectionUpload, got.Direction)
	assert.Equal(t, uint64(65536), got.Transferred)
	assert.Equal(t, uint64(150000), got.Total)
	assert.InDelta(t, record.Progress, got.Progress, 0.0001)
	assert.Equal(t, record.Checksum, got.Checksum)
	assert.Nil(t, got.ChecksumValid)
	assert.Empty(t, got.Error)
}

func TestSaveTransferUpsertKeepsCreatedAt(t *testing.T) {
	store := newTestStore(t)
	record := sampleRecord(models.StatusTransferring, 1000)
	require.NoError(t, store.SaveTransfer(record))

	valid := false
	record.Status = models.StatusError
	record.Error = "Checksum mismatch! Expected: aaaa..., Got: bbbb..."
	record.ChecksumValid = &valid
	record.CreatedAt = 5000
	record.UpdatedAt = 6000
	require.NoError(t, store.SaveTransfer(record))

	got, err := store.GetTransfer(record.FileID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, record.Error, got.Error)
	require.NotNil(t, got.ChecksumValid)
	assert.False(t, *got.ChecksumValid)
	assert.Equal(t, int64(1000), got.CreatedAt)
	assert.Equal(t, int64(6000), got.UpdatedAt)
}

func TestSaveTransferValidation(t *testing.T) {
	store := newTestStore(t)

	record := sampleRecord(models.StatusPending, 1)
	record.FileID = uuid.Nil
	assert.Error(t, store.SaveTransfer(record))

	record = sampleRecord(models.StatusPending, 1)
	record.Filename = "  "
	assert.Error(t, store.SaveTransfer(record))

	record = sampleRecord(models.Status("paused"), 1)
	assert.Error(t, store.SaveTransfer(record))

	record = sampleRecord(models.StatusPending, 1)
	record.Direction = "sideways"
	assert.Error(t, store.SaveTransfer(record))
}

func TestGetTransferNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTransfer(uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTransfersOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	oldest := sampleRecord(models.StatusCompleted, 100)
	middle := sampleRecord(models.StatusError, 200)
	newest := sampleRecord(models.StatusTransferring, 300)
	for _, r := range []models.Record{middle, oldest, newest} {
		require.NoError(t, store.SaveTransfer(r))
	}

	all, err := store.ListTransfers(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, newest.FileID, all[0].FileID)
	assert.Equal(t, middle.FileID, all[1].FileID)
	assert.Equal(t, oldest.FileID, all[2].FileID)

	limited, err := store.ListTransfers(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestPruneTransfersKeepsActiveRows(t *testing.T) {
	store := newTestStore(t)
	done := sampleRecord(models.StatusCompleted, 100)
	failed := sampleRecord(models.StatusError, 100)
	active := sampleRecord(models.StatusTransferring, 100)
	recent := sampleRecord(models.StatusCompleted, 900)
	for _, r := range []models.Record{done, failed, active, recent} {
		require.NoError(t, store.SaveTransfer(r))
	}

	removed, err := store.PruneTransfers(500)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = store.GetTransfer(active.FileID)
	assert.NoError(t, err)
	_, err = store.GetTransfer(recent.FileID)
	assert.NoError(t, err)
	_, err = store.GetTransfer(done.FileID)
	assert.ErrorIs(t, err, ErrNotFound)
}
