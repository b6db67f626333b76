package cttso_pieriandx_gateway

import (
	"context"
	"sort"
	"sync"
)

// Ledger is the externally hosted state table. Writes are last-writer-wins
// per key; retired rows are moved aside and kept forever.
type Ledger interface {
	ReadAll(ctx context.Context) ([]SubmissionState, error)
	Upsert(ctx context.Context, key SampleKey, state SubmissionState) error
	Retire(ctx context.Context, state SubmissionState) error
	ReadRetired(ctx context.Context) ([]SubmissionState, error)
}

// MemoryLedger is a Ledger held in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	active  map[SampleKey]SubmissionState
	retired map[SampleKey]SubmissionState
}

func NewMemoryLedger(states ...SubmissionState) *MemoryLedger {
	l := &MemoryLedger{active: map[SampleKey]SubmissionState{}, retired: map[SampleKey]SubmissionState{}}
	for _, s := range states {
		l.active[s.Key] = s
	}
	return l
}

func (l *MemoryLedger) ReadAll(_ context.Context) ([]SubmissionState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedStates(l.active), nil
}

func (l *MemoryLedger) Upsert(_ context.Context, key SampleKey, state SubmissionState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	state.Key = key
	l.active[key] = state
	return nil
}

func (l *MemoryLedger) Retire(_ context.Context, state SubmissionState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	state.IsDeleted = true
	state.Lifecycle = LifecycleDeleted
	delete(l.active, state.Key)
	l.retired[state.Key] = state
	return nil
}

func (l *MemoryLedger) ReadRetired(_ context.Context) ([]SubmissionState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedStates(l.retired), nil
}

func sortedStates(m map[SampleKey]SubmissionState) []SubmissionState {
	out := make([]SubmissionState, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}
