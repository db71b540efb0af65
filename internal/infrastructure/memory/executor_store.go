package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
)

// ExecutorStore implements executor.Store with a single mutex over a map.
// Records are replaced whole and handed out as copies.
type ExecutorStore struct {
	mu      sync.RWMutex
	records map[string]*executor.Executor
	nextSeq int64
}

func NewExecutorStore() *ExecutorStore {
	return &ExecutorStore{records: make(map[string]*executor.Executor)}
}

func (s *ExecutorStore) Create(exec *executor.Executor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[exec.ID]; ok {
		return fmt.Errorf("executor already registered: %s", exec.ID)
	}
	s.nextSeq++
	rec := exec.Clone()
	rec.Seq = s.nextSeq
	exec.Seq = rec.Seq
	s.records[exec.ID] = rec
	return nil
}

func (s *ExecutorStore) GetByID(executorID string) (*executor.Executor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[executorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", executor.ErrNotFound, executorID)
	}
	return rec.Clone(), nil
}

// List returns copies in registration order.
func (s *ExecutorStore) List() []*executor.Executor {
	s.mu.RLock()
	out := make([]*executor.Executor, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *ExecutorStore) Update(executorID string, fn func(*executor.Executor) error) (*executor.Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[executorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", executor.ErrNotFound, executorID)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.Seq = cur.Seq
	s.records[executorID] = next
	return next.Clone(), nil
}

func (s *ExecutorStore) Delete(executorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[executorID]; !ok {
		return fmt.Errorf("%w: %s", executor.ErrNotFound, executorID)
	}
	delete(s.records, executorID)
	return nil
}
