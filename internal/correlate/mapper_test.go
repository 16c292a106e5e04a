// ABOUTME: Tests for the correlation mapper's durable get-or-create behavior.
// ABOUTME: Covers idempotent repeats, per-agent isolation, and the creation race.

package correlate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthward/switchboard/internal/store"
)

// fakeMappingStore is an in-memory MappingStore with the same uniqueness
// semantics as the SQLite implementation.
type fakeMappingStore struct {
	mu      sync.Mutex
	records map[string]*store.CorrelationRecord
	getErr  error
}

func newFakeMappingStore() *fakeMappingStore {
	return &fakeMappingStore{records: make(map[string]*store.CorrelationRecord)}
}

func (f *fakeMappingStore) key(agentID, token string) string {
	return agentID + "\x00" + token
}

func (f *fakeMappingStore) CreateCorrelation(_ context.Context, rec *store.CorrelationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(rec.AgentID, rec.Token)
	if _, exists := f.records[k]; exists {
		return store.ErrDuplicateCorrelation
	}
	cp := *rec
	f.records[k] = &cp
	return nil
}

func (f *fakeMappingStore) GetCorrelation(_ context.Context, agentID, token string) (*store.CorrelationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.records[f.key(agentID, token)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeMappingStore) TouchCorrelation(_ context.Context, agentID, token string, seenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[f.key(agentID, token)]
	if !ok {
		return store.ErrNotFound
	}
	rec.LastSeenAt = seenAt
	return nil
}

func TestMapper_GetOrCreateMapping_CreatesOnFirstSight(t *testing.T) {
	mapper := NewMapper(newFakeMappingStore(), nil)

	rec, isNew, err := mapper.GetOrCreateMapping(t.Context(), "tok-1", "helper")

	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "helper", rec.AgentID)
	assert.Equal(t, "tok-1", rec.Token)
	assert.Positive(t, rec.ChatID)
	assert.Positive(t, rec.ThreadID)
}

func TestMapper_GetOrCreateMapping_RepeatsConverge(t *testing.T) {
	mapper := NewMapper(newFakeMappingStore(), nil)

	first, isNew, err := mapper.GetOrCreateMapping(t.Context(), "tok-1", "helper")
	require.NoError(t, err)
	require.True(t, isNew)

	second, isNew, err := mapper.GetOrCreateMapping(t.Context(), "tok-1", "helper")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ChatID, second.ChatID)
	assert.Equal(t, first.ThreadID, second.ThreadID)
}

func TestMapper_GetOrCreateMapping_AgentScopesToken(t *testing.T) {
	mapper := NewMapper(newFakeMappingStore(), nil)

	a, _, err := mapper.GetOrCreateMapping(t.Context(), "tok-1", "helper")
	require.NoError(t, err)
	b, isNew, err := mapper.GetOrCreateMapping(t.Context(), "tok-1", "researcher")
	require.NoError(t, err)

	// Same token under a different agent is a different conversation
	assert.True(t, isNew)
	assert.NotEqual(t, a.ChatID, b.ChatID)
}

func TestMapper_GetOrCreateMapping_SurvivesRestart(t *testing.T) {
	fs := newFakeMappingStore()

	mapper := NewMapper(fs, nil)
	first, _, err := mapper.GetOrCreateMapping(t.Context(), "tok-1", "helper")
	require.NoError(t, err)

	// A fresh mapper over the same store stands in for a process restart
	restarted := NewMapper(fs, nil)
	second, isNew, err := restarted.GetOrCreateMapping(t.Context(), "tok-1", "helper")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ChatID, second.ChatID)
}

func TestMapper_GetOrCreateMapping_ConcurrentFirstSight(t *testing.T) {
	fs := newFakeMappingStore()
	mapper := NewMapper(fs, nil)

	const n = 16
	results := make([]*store.CorrelationRecord, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			rec, _, err := mapper.GetOrCreateMapping(t.Context(), "tok-race", "helper")
			assert.NoError(t, err)
			results[i] = rec
		})
	}
	wg.Wait()

	// Every caller converged on the same conversation
	require.NotNil(t, results[0])
	for i := 1; i < n; i++ {
		require.NotNil(t, results[i])
		assert.Equal(t, results[0].ChatID, results[i].ChatID, "caller %d diverged", i)
	}
}

func TestMapper_GetOrCreateMapping_EmptyInputs(t *testing.T) {
	mapper := NewMapper(newFakeMappingStore(), nil)

	_, _, err := mapper.GetOrCreateMapping(t.Context(), "", "helper")
	assert.Error(t, err)

	_, _, err = mapper.GetOrCreateMapping(t.Context(), "tok-1", "")
	assert.Error(t, err)
}

func TestMapper_GetOrCreateMapping_StoreFailure(t *testing.T) {
	fs := newFakeMappingStore()
	fs.getErr = fmt.Errorf("disk on fire")
	mapper := NewMapper(fs, nil)

	_, _, err := mapper.GetOrCreateMapping(t.Context(), "tok-1", "helper")
	assert.ErrorContains(t, err, "disk on fire")
}
