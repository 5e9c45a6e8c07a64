package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/gosdk/logger"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrUploadExists = errors.New("upload already exists")

const (
	uploadPrefix = "upload/"
	partPrefix   = "part/"
	eventPrefix  = "event/"
)

func uploadKey(id string) string { return uploadPrefix + id }

func partKey(id string, index int) string { return fmt.Sprintf("%s%s/%06d", partPrefix, id, index) }

func eventKey(id string, seq uint64) string { return fmt.Sprintf("%s%s/%020d", eventPrefix, id, seq) }

// snapshotter is implemented by stores that can hand their keyspace over.
type snapshotter interface {
	Snapshot() []Mutation
}

// Ledger implements port.Ledger on top of a Store. All read-modify-write
// operations are serialized, and a failing store is replaced by an in-memory
// copy for the rest of the session.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	degraded bool
	byStatus map[domain.UploadStatus]map[string]struct{}
	eventSeq uint64
	now      func() time.Time
}

// Open opens the disk ledger described by cfg. If the disk store cannot be
// opened the ledger starts degraded, backed by memory.
func Open(cfg config.LedgerConfig) *Ledger {
	if cfg.InMemory {
		return New(NewMemStore())
	}

	store, err := NewLogStore(cfg)
	if err != nil {
		logger.Warnw("Ledger unavailable, running in memory for this session", "data_dir", cfg.DataDir, "error", err.Error())
		l := New(NewMemStore())
		l.degraded = true
		return l
	}
	return New(store)
}

// New builds a ledger over an existing store and rebuilds the status index.
func New(store Store) *Ledger {
	l := &Ledger{
		store:    store,
		byStatus: make(map[domain.UploadStatus]map[string]struct{}),
		now:      time.Now,
	}

	for _, kv := range store.Scan(uploadPrefix) {
		var rec domain.UploadRecord
		if err := msgpack.Unmarshal(kv.Value, &rec); err != nil {
			logger.Warnw("Skipping undecodable upload record", "key", kv.Key, "error", err.Error())
			continue
		}
		l.indexLocked(rec.ID, "", rec.Status)
	}
	for _, kv := range store.Scan(eventPrefix) {
		var seq uint64
		if i := strings.LastIndexByte(kv.Key, '/'); i >= 0 {
			_, _ = fmt.Sscanf(kv.Key[i+1:], "%d", &seq)
		}
		if seq > l.eventSeq {
			l.eventSeq = seq
		}
	}
	return l
}

// SetClock overrides the time source used for UpdatedAt stamps.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

func (l *Ledger) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// applyLocked writes a batch and falls back to memory when the store fails.
func (l *Ledger) applyLocked(batch []Mutation) error {
	err := l.store.Apply(batch)
	if err == nil {
		return nil
	}
	if l.degraded {
		return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
	}

	logger.Warnw("Ledger write failed, degrading to in-memory operation", "error", err.Error())
	mem := NewMemStore()
	if snap, ok := l.store.(snapshotter); ok {
		_ = mem.Apply(snap.Snapshot())
	} else {
		for _, prefix := range []string{uploadPrefix, partPrefix, eventPrefix} {
			for _, kv := range l.store.Scan(prefix) {
				_ = mem.Apply([]Mutation{{Key: kv.Key, Value: kv.Value}})
			}
		}
	}
	_ = l.store.Close()
	l.store = mem
	l.degraded = true
	return mem.Apply(batch)
}

func (l *Ledger) indexLocked(id string, from, to domain.UploadStatus) {
	if from != "" {
		if set, ok := l.byStatus[from]; ok {
			delete(set, id)
		}
	}
	if to == "" {
		return
	}
	set, ok := l.byStatus[to]
	if !ok {
		set = make(map[string]struct{})
		l.byStatus[to] = set
	}
	set[id] = struct{}{}
}

func (l *Ledger) getLocked(id string) (*domain.UploadRecord, error) {
	raw, ok := l.store.Get(uploadKey(id))
	if !ok {
		return nil, domain.ErrUploadNotFound
	}
	var rec domain.UploadRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode upload %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(rec *domain.UploadRecord) (Mutation, error) {
	raw, err := msgpack.Marshal(rec)
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to encode upload %s: %w", rec.ID, err)
	}
	return Mutation{Key: uploadKey(rec.ID), Value: raw}, nil
}

// commitLocked stores rec plus any extra mutations in one batch and updates the index.
func (l *Ledger) commitLocked(prev domain.UploadStatus, rec *domain.UploadRecord, extra ...Mutation) error {
	m, err := putRecord(rec)
	if err != nil {
		return err
	}
	if err := l.applyLocked(append([]Mutation{m}, extra...)); err != nil {
		return err
	}
	l.indexLocked(rec.ID, prev, rec.Status)
	return nil
}

func (l *Ledger) Create(_ context.Context, rec *domain.UploadRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.store.Get(uploadKey(rec.ID)); ok {
		return fmt.Errorf("%w: %s", ErrUploadExists, rec.ID)
	}
	return l.commitLocked("", rec.Clone())
}

func (l *Ledger) Get(_ context.Context, id string) (*domain.UploadRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getLocked(id)
}

// Update replaces an existing record. Updating a deleted record fails so a
// late writer cannot resurrect a cancelled upload.
func (l *Ledger) Update(_ context.Context, rec *domain.UploadRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.getLocked(rec.ID)
	if err != nil {
		return err
	}
	return l.commitLocked(prev.Status, rec.Clone())
}

func (l *Ledger) Delete(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.getLocked(id)
	if err != nil {
		return err
	}

	batch := []Mutation{{Key: uploadKey(id), Delete: true}}
	for _, kv := range l.store.Scan(partPrefix + id + "/") {
		batch = append(batch, Mutation{Key: kv.Key, Delete: true})
	}
	for _, kv := range l.store.Scan(eventPrefix + id + "/") {
		batch = append(batch, Mutation{Key: kv.Key, Delete: true})
	}
	if err := l.applyLocked(batch); err != nil {
		return err
	}
	l.indexLocked(id, prev.Status, "")
	return nil
}

func (l *Ledger) List(_ context.Context) ([]*domain.UploadRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kvs := l.store.Scan(uploadPrefix)
	out := make([]*domain.UploadRecord, 0, len(kvs))
	for _, kv := range kvs {
		var rec domain.UploadRecord
		if err := msgpack.Unmarshal(kv.Value, &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (l *Ledger) ListActive(ctx context.Context) ([]*domain.UploadRecord, error) {
	var out []*domain.UploadRecord
	for _, status := range []domain.UploadStatus{domain.StatusPending, domain.StatusUploading, domain.StatusPaused} {
		recs, err := l.ListByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *Ledger) ListByStatus(_ context.Context, status domain.UploadStatus) ([]*domain.UploadRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.byStatus[status]))
	for id := range l.byStatus[status] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*domain.UploadRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := l.getLocked(id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *Ledger) UpdateProgress(_ context.Context, id string, progress float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.getLocked(id)
	if err != nil {
		return err
	}
	if progress > 100 {
		progress = 100
	}
	if progress <= rec.Progress {
		return nil
	}
	rec.Progress = progress
	rec.UpdatedAt = l.now()
	return l.commitLocked(rec.Status, rec)
}

func (l *Ledger) MarkPartComplete(_ context.Context, id string, result domain.PartResult) (*domain.UploadRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.getLocked(id)
	if err != nil {
		return nil, err
	}
	if result.PartIndex < 1 || result.PartIndex > rec.TotalParts {
		return nil, fmt.Errorf("part %d out of range 1..%d", result.PartIndex, rec.TotalParts)
	}

	rec.AddPart(result.PartIndex)
	rec.UpdatedAt = l.now()

	raw, err := msgpack.Marshal(&result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode part result: %w", err)
	}
	if err := l.commitLocked(rec.Status, rec, Mutation{Key: partKey(id, result.PartIndex), Value: raw}); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) Parts(_ context.Context, id string) ([]domain.PartResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kvs := l.store.Scan(partPrefix + id + "/")
	out := make([]domain.PartResult, 0, len(kvs))
	for _, kv := range kvs {
		var p domain.PartResult
		if err := msgpack.Unmarshal(kv.Value, &p); err != nil {
			return nil, fmt.Errorf("failed to decode part result %s: %w", kv.Key, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (l *Ledger) MarkComplete(_ context.Context, id string) (*domain.UploadRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.getLocked(id)
	if err != nil {
		return nil, err
	}
	prev := rec.Status
	if err := rec.Transition(domain.StatusCompleted, l.now()); err != nil {
		return nil, err
	}
	rec.Progress = 100

	var clear []Mutation
	for _, kv := range l.store.Scan(partPrefix + id + "/") {
		clear = append(clear, Mutation{Key: kv.Key, Delete: true})
	}
	if err := l.commitLocked(prev, rec, clear...); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) MarkFailed(_ context.Context, id string, errMsg string) (*domain.UploadRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.getLocked(id)
	if err != nil {
		return nil, err
	}
	rec.RetryCount++
	rec.LastError = errMsg
	rec.UpdatedAt = l.now()
	if err := l.commitLocked(rec.Status, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) Prune(ctx context.Context, now time.Time, terminalAge, staleAge time.Duration) ([]string, error) {
	recs, err := l.List(ctx)
	if err != nil {
		return nil, err
	}

	var pruned []string
	for _, rec := range recs {
		if !rec.Expired(now, terminalAge, staleAge) {
			continue
		}
		if err := l.Delete(ctx, rec.ID); err != nil {
			if errors.Is(err, domain.ErrUploadNotFound) {
				continue
			}
			return pruned, err
		}
		pruned = append(pruned, rec.ID)
	}
	return pruned, nil
}

func (l *Ledger) RecordEvent(_ context.Context, ev domain.AnalyticsEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.store.Get(uploadKey(ev.UploadID)); !ok {
		return domain.ErrUploadNotFound
	}
	raw, err := msgpack.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("failed to encode analytics event: %w", err)
	}
	l.eventSeq++
	return l.applyLocked([]Mutation{{Key: eventKey(ev.UploadID, l.eventSeq), Value: raw}})
}

func (l *Ledger) Events(_ context.Context, id string) ([]domain.AnalyticsEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kvs := l.store.Scan(eventPrefix + id + "/")
	out := make([]domain.AnalyticsEvent, 0, len(kvs))
	for _, kv := range kvs {
		var ev domain.AnalyticsEvent
		if err := msgpack.Unmarshal(kv.Value, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Close()
}

var _ port.Ledger = (*Ledger)(nil)
