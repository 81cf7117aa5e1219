package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

// RecordsBucket is the KV bucket name for task records.
const RecordsBucket = "SEMFLOW_RECORDS"

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("task record not found")

	// ErrConflict is returned when a compare-and-set write loses to a
	// concurrent writer. Indicates the persistence layer is unreliable
	// for this operation, not that the task failed.
	ErrConflict = errors.New("task record revision conflict")

	// ErrImmutable is returned when a write targets a terminal record.
	ErrImmutable = errors.New("task record is terminal")

	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("task record corrupt")
)

// Store is the persistence interface the engine and resume controller
// depend on. RecordStore is the NATS-backed implementation; tests use an
// in-memory fake.
type Store interface {
	Create(ctx context.Context, record *TaskRecord) error
	Get(ctx context.Context, id string) (*TaskRecord, error)
	List(ctx context.Context) ([]*TaskRecord, error)
	Checkpoint(ctx context.Context, id string, completedIndex int, checkpoint Checkpoint) (*TaskRecord, error)
	MarkStepRunning(ctx context.Context, id string, stepIndex int) (*TaskRecord, error)
	RecordRetry(ctx context.Context, id, stepName, lastError string) (*TaskRecord, error)
	Finalize(ctx context.Context, id string, status Status, report *FailureReport) (*TaskRecord, error)
}

// RecordStore persists task records in a JetStream KV bucket. All writes to
// one record are serialized by a per-id mutex within this process and by
// revision-checked updates across processes, so a resume racing a live run
// cannot corrupt a checkpoint.
type RecordStore struct {
	nc     *natsclient.Client
	bucket jetstream.KeyValue

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRecordStore creates a record store, creating the bucket if needed.
func NewRecordStore(nc *natsclient.Client) (*RecordStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	ctx := context.Background()

	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      RecordsBucket,
		Description: "Workflow task records",
		History:     10,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &RecordStore{
		nc:     nc,
		bucket: bucket,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// lock returns the per-id mutex, creating it on first use.
func (s *RecordStore) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create stores a new record. Fails if the id already exists.
func (s *RecordStore) Create(ctx context.Context, record *TaskRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("validate record: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if _, err := s.bucket.Create(ctx, record.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("record %s: %w", record.ID, ErrConflict)
		}
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *RecordStore) Get(ctx context.Context, id string) (*TaskRecord, error) {
	record, _, err := s.load(ctx, id)
	return record, err
}

// load fetches a record with its KV revision for compare-and-set writes.
func (s *RecordStore) load(ctx context.Context, id string) (*TaskRecord, uint64, error) {
	entry, err := s.bucket.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("record %s: %w", id, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get record: %w", err)
	}

	var record TaskRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return nil, 0, fmt.Errorf("record %s: %w: %v", id, ErrCorrupt, err)
	}
	if err := record.Validate(); err != nil {
		return nil, 0, fmt.Errorf("record %s: %w: %v", id, ErrCorrupt, err)
	}
	return &record, entry.Revision(), nil
}

// List retrieves all records.
func (s *RecordStore) List(ctx context.Context) ([]*TaskRecord, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		// Empty bucket returns ErrNoKeysFound - this is not an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*TaskRecord{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var records []*TaskRecord
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record, _, err := s.load(ctx, key)
		if err != nil {
			continue // Skip undecodable entries, surfaced on direct Get
		}
		records = append(records, record)
	}
	return records, nil
}

// update applies fn to the current record and writes it back with a
// revision check, so a reader never observes a partially applied change.
func (s *RecordStore) update(ctx context.Context, id string, fn func(*TaskRecord) error) (*TaskRecord, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	record, revision, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(record); err != nil {
		return nil, err
	}
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("validate record: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	if _, err := s.bucket.Update(ctx, id, data, revision); err != nil {
		return nil, mapUpdateErr(id, err)
	}
	return record, nil
}

// mapUpdateErr distinguishes a lost compare-and-set from other store
// faults. A wrong-revision update surfaces as ErrKeyExists; anything else
// (cancellation, connectivity) passes through unmapped.
func mapUpdateErr(id string, err error) error {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("record %s: %w", id, ErrConflict)
	}
	return fmt.Errorf("update record %s: %w", id, err)
}

// Checkpoint atomically records completion of the step at completedIndex
// and advances current_step_index, with the checkpoint summary updated in
// the same write. Advancing past the last step completes the record.
func (s *RecordStore) Checkpoint(ctx context.Context, id string, completedIndex int, checkpoint Checkpoint) (*TaskRecord, error) {
	return s.update(ctx, id, func(record *TaskRecord) error {
		return applyCheckpoint(record, completedIndex, checkpoint)
	})
}

// applyCheckpoint is the shared checkpoint transition, also used by the
// in-memory test store.
func applyCheckpoint(record *TaskRecord, completedIndex int, checkpoint Checkpoint) error {
	if record.IsTerminal() {
		return fmt.Errorf("record %s: %w", record.ID, ErrImmutable)
	}
	if record.CurrentStepIndex != completedIndex {
		return fmt.Errorf("record %s: checkpoint for step %d but current step is %d: %w",
			record.ID, completedIndex, record.CurrentStepIndex, ErrConflict)
	}

	now := time.Now().UTC()
	step := &record.Steps[completedIndex]
	step.Status = StepDone
	step.LastError = ""
	step.CompletedAt = &now

	priorFiles := record.Checkpoint.FilesTouched
	priorProtocols := record.Checkpoint.ProtocolsUsed
	record.Checkpoint = checkpoint
	record.Checkpoint.FilesTouched = mergeStrings(priorFiles, checkpoint.FilesTouched)
	record.Checkpoint.ProtocolsUsed = mergeStrings(priorProtocols, checkpoint.ProtocolsUsed)
	record.CurrentStepIndex = completedIndex + 1

	if record.CurrentStepIndex >= len(record.Steps) {
		record.transition(StatusCompleted, now)
		record.CurrentStepIndex = len(record.Steps) - 1
	} else if record.Status == StatusIdle {
		record.transition(StatusInProgress, now)
	}
	return nil
}

// MarkStepRunning records that the step at stepIndex has started. Moves an
// idle record to in_progress.
func (s *RecordStore) MarkStepRunning(ctx context.Context, id string, stepIndex int) (*TaskRecord, error) {
	return s.update(ctx, id, func(record *TaskRecord) error {
		return applyStepRunning(record, stepIndex)
	})
}

func applyStepRunning(record *TaskRecord, stepIndex int) error {
	if record.IsTerminal() {
		return fmt.Errorf("record %s: %w", record.ID, ErrImmutable)
	}
	if stepIndex < 0 || stepIndex >= len(record.Steps) {
		return &ValidationError{Field: "step_index", Message: fmt.Sprintf("out of range: %d", stepIndex)}
	}
	if stepIndex != record.CurrentStepIndex {
		return fmt.Errorf("record %s: start of step %d but current step is %d: %w",
			record.ID, stepIndex, record.CurrentStepIndex, ErrConflict)
	}

	step := &record.Steps[stepIndex]
	// A step left running by an interrupted process re-runs as is.
	if step.Status != StepRunning {
		if !step.Status.CanTransitionTo(StepRunning) {
			return &ValidationError{Field: "step_status", Message: fmt.Sprintf("cannot start step in status %s", step.Status)}
		}
		step.Status = StepRunning
	}

	if record.Status == StatusIdle {
		record.transition(StatusInProgress, time.Now().UTC())
	}
	return nil
}

// RecordRetry increments the retry counter for a step and stores the error
// that triggered it. Counters only grow; the budget tracker enforces caps.
func (s *RecordStore) RecordRetry(ctx context.Context, id, stepName, lastError string) (*TaskRecord, error) {
	return s.update(ctx, id, func(record *TaskRecord) error {
		return applyRetry(record, stepName, lastError)
	})
}

func applyRetry(record *TaskRecord, stepName, lastError string) error {
	if record.IsTerminal() {
		return fmt.Errorf("record %s: %w", record.ID, ErrImmutable)
	}

	found := false
	for i := range record.Steps {
		if record.Steps[i].Name == stepName {
			record.Steps[i].LastError = lastError
			if record.Steps[i].Status == StepRunning {
				record.Steps[i].Status = StepPending
			}
			found = true
			break
		}
	}
	if !found {
		return &ValidationError{Field: "step_name", Message: fmt.Sprintf("unknown step %q", stepName)}
	}

	if record.RetryCounts == nil {
		record.RetryCounts = make(map[string]int)
	}
	record.RetryCounts[stepName]++
	return nil
}

// Finalize moves a record to a terminal status. Idempotent: finalizing an
// already-terminal record with the same status is a no-op, and a different
// status returns ErrImmutable. Accepted even while a fan-out join is
// outstanding; worker results arriving afterwards are discarded because
// every later write sees the terminal status.
func (s *RecordStore) Finalize(ctx context.Context, id string, status Status, report *FailureReport) (*TaskRecord, error) {
	record, err := s.update(ctx, id, func(record *TaskRecord) error {
		return applyFinalize(record, status, report)
	})
	if errors.Is(err, errAlreadyFinal) {
		return s.Get(ctx, id)
	}
	return record, err
}

// errAlreadyFinal signals the idempotent no-op path inside Finalize.
var errAlreadyFinal = errors.New("already finalized")

func applyFinalize(record *TaskRecord, status Status, report *FailureReport) error {
	if !status.IsTerminal() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("finalize requires a terminal status, got %s", status)}
	}
	if record.Status == status {
		return errAlreadyFinal
	}
	if record.IsTerminal() {
		return fmt.Errorf("record %s already %s: %w", record.ID, record.Status, ErrImmutable)
	}
	if !record.Status.CanTransitionTo(status) {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("cannot transition %s to %s", record.Status, status)}
	}

	now := time.Now().UTC()
	if status == StatusFailed {
		record.FailureReport = report
		if step := record.CurrentStep(); step != nil && step.Status == StepRunning {
			step.Status = StepFailed
		}
	}
	record.transition(status, now)
	return nil
}

// transition moves the record status and appends to the history.
func (r *TaskRecord) transition(to Status, at time.Time) {
	r.StatusHistory = append(r.StatusHistory, StatusChange{
		From: r.Status,
		To:   to,
		At:   at,
	})
	r.Status = to
	if to.IsTerminal() {
		r.CompletedAt = &at
	}
}

// mergeStrings appends new values preserving order, without duplicates.
func mergeStrings(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(added))
	for _, f := range existing {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, f := range added {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
