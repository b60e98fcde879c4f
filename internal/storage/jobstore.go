package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/example/cleaner-tracking/internal/models"
)

var ErrNotFound = errors.New("not found")

// JobStore defines persistence operations for jobs, their weekly
// occurrences and extra-time requests. Implementations return copies; callers
// never share mutable state with the store.
type JobStore interface {
	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, j *models.Job) error

	SaveOccurrences(ctx context.Context, jobID string, occs []models.Occurrence) error
	ListOccurrences(ctx context.Context, jobID string) ([]models.Occurrence, error)
	UpdateOccurrence(ctx context.Context, o *models.Occurrence) error

	SaveExtraTime(ctx context.Context, r *models.ExtraTimeRequest) error
	GetExtraTime(ctx context.Context, id string) (*models.ExtraTimeRequest, error)
	ListExtraTime(ctx context.Context, jobID string) ([]models.ExtraTimeRequest, error)
}

type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*models.Job
	occurrences map[string][]models.Occurrence
	extraTime   map[string]*models.ExtraTimeRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*models.Job),
		occurrences: make(map[string][]models.Occurrence),
		extraTime:   make(map[string]*models.ExtraTimeRequest),
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return errors.Newf("job %s already exists", j.ID)
	}
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return errors.Wrapf(ErrNotFound, "job %s", j.ID)
	}
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *MemoryStore) SaveOccurrences(_ context.Context, jobID string, occs []models.Occurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Occurrence, len(occs))
	for i := range occs {
		out[i] = cloneOccurrence(occs[i])
	}
	m.occurrences[jobID] = out
	return nil
}

func (m *MemoryStore) ListOccurrences(_ context.Context, jobID string) ([]models.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	occs := m.occurrences[jobID]
	out := make([]models.Occurrence, len(occs))
	for i := range occs {
		out[i] = cloneOccurrence(occs[i])
	}
	return out, nil
}

func (m *MemoryStore) UpdateOccurrence(_ context.Context, o *models.Occurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	occs := m.occurrences[o.JobID]
	for i := range occs {
		if occs[i].ID == o.ID {
			occs[i] = cloneOccurrence(*o)
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "occurrence %s", o.ID)
}

func (m *MemoryStore) SaveExtraTime(_ context.Context, r *models.ExtraTimeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.extraTime[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExtraTime(_ context.Context, id string) (*models.ExtraTimeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.extraTime[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "extra time request %s", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListExtraTime(_ context.Context, jobID string) ([]models.ExtraTimeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ExtraTimeRequest
	for _, r := range m.extraTime {
		if r.JobID == jobID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// JSON round trip keeps copies independent of nested slices and maps.
func cloneJob(j *models.Job) *models.Job {
	var out models.Job
	b, _ := json.Marshal(j)
	_ = json.Unmarshal(b, &out)
	return &out
}

func cloneOccurrence(o models.Occurrence) models.Occurrence {
	var out models.Occurrence
	b, _ := json.Marshal(o)
	_ = json.Unmarshal(b, &out)
	return out
}
