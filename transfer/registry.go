package transfer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"wsdrop/models"
)

// Recorder persists transfer records once they reach a terminal status.
type Recorder interface {
	SaveTransfer(models.Record) error
}

// Registry owns every transfer record of a session. All mutation goes through
// Update so subscribers observe each change exactly once, in mutation order.
// Subscribers may read the registry but must not call Create or Update.
type Registry struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*models.Record
	order   []uuid.UUID
	changed chan struct{}
	nextSeq uint64

	subMu       sync.RWMutex
	subscribers []func(models.Record)

	// published is the last sequence number handed to subscribers.
	seqMu     sync.Mutex
	seqCond   *sync.Cond
	published uint64

	recorder Recorder
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewRegistry creates an empty registry. recorder may be nil.
func NewRegistry(recorder Recorder, logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Registry{
		records:  make(map[uuid.UUID]*models.Record),
		changed:  make(chan struct{}),
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
	r.seqCond = sync.NewCond(&r.seqMu)
	return r
}

// OnChange registers fn to receive a copy of every created or updated record.
func (r *Registry) OnChange(fn func(models.Record)) {
	if fn == nil {
		return
	}
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.subMu.Unlock()
}

// Create adds a new record. It fails if the file_id is already tracked.
func (r *Registry) Create(record models.Record) (models.Record, error) {
	r.mu.Lock()
	if _, exists := r.records[record.FileID]; exists {
		r.mu.Unlock()
		return models.Record{}, fmt.Errorf("%w: %s", ErrDuplicateTransfer, record.FileID)
	}
	now := r.now().UnixMilli()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.Progress = models.Percent(record.Transferred, record.Total)
	stored := record
	r.records[record.FileID] = &stored
	r.order = append(r.order, record.FileID)
	r.broadcastLocked()
	seq := r.sequenceLocked()
	r.mu.Unlock()

	r.publishInOrder(seq, record, false)
	return record, nil
}

// Update applies fn to the record for fileID under the registry lock and
// returns the resulting copy.
func (r *Registry) Update(fileID uuid.UUID, fn func(*models.Record)) (models.Record, error) {
	r.mu.Lock()
	current, ok := r.records[fileID]
	if !ok {
		r.mu.Unlock()
		return models.Record{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, fileID)
	}
	wasTerminal := current.Status.Terminal()
	fn(current)
	current.UpdatedAt = r.now().UnixMilli()
	updated := *current
	r.broadcastLocked()
	seq := r.sequenceLocked()
	r.mu.Unlock()

	r.publishInOrder(seq, updated, wasTerminal)
	return updated, nil
}

// Get returns a copy of the record for fileID.
func (r *Registry) Get(fileID uuid.UUID) (models.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[fileID]
	if !ok {
		return models.Record{}, false
	}
	return *record, true
}

// List returns copies of all records in creation order.
func (r *Registry) List() []models.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.records[id])
	}
	return out
}

// Wait blocks until the record for fileID is terminal or ctx ends.
func (r *Registry) Wait(ctx context.Context, fileID uuid.UUID) (models.Record, error) {
	for {
		r.mu.RLock()
		record, ok := r.records[fileID]
		var snapshot models.Record
		if ok {
			snapshot = *record
		}
		changed := r.changed
		r.mu.RUnlock()

		if !ok {
			return models.Record{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, fileID)
		}
		if snapshot.Status.Terminal() {
			return snapshot, nil
		}

		select {
		case <-ctx.Done():
			return snapshot, ctx.Err()
		case <-changed:
		}
	}
}

func (r *Registry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Registry) sequenceLocked() uint64 {
	r.nextSeq++
	return r.nextSeq
}

// publishInOrder waits until every earlier mutation has been published, so a
// stale copy never reaches subscribers after a newer one.
func (r *Registry) publishInOrder(seq uint64, record models.Record, wasTerminal bool) {
	r.seqMu.Lock()
	for r.published+1 != seq {
		r.seqCond.Wait()
	}
	r.seqMu.Unlock()

	r.publish(record, wasTerminal)

	r.seqMu.Lock()
	r.published = seq
	r.seqCond.Broadcast()
	r.seqMu.Unlock()
}

func (r *Registry) publish(record models.Record, wasTerminal bool) {
	if record.Status.Terminal() && !wasTerminal && r.recorder != nil {
		if err := r.recorder.SaveTransfer(record); err != nil {
			r.logger.WithFields(logrus.Fields{
				"file_id": record.FileID,
				"status":  record.Status,
			}).WithError(err).Warn("persist transfer record failed")
		}
	}

	r.subMu.RLock()
	subscribers := slices.Clone(r.subscribers)
	r.subMu.RUnlock()
	for _, fn := range subscribers {
		fn(record)
	}
}
