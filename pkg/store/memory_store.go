package store

import (
	"context"
	"sync"

	"docintel/pkg/domain"
)

// MemoryTranscriptStore keeps transcripts in-process.
type MemoryTranscriptStore struct {
	mu       sync.RWMutex
	analyses map[string]domain.AnalysisResult
	turns    map[string][]domain.ChatTurn
}

// NewMemoryTranscriptStore initializes an empty in-memory transcript store.
func NewMemoryTranscriptStore() *MemoryTranscriptStore {
	return &MemoryTranscriptStore{
		analyses: make(map[string]domain.AnalysisResult),
		turns:    make(map[string][]domain.ChatTurn),
	}
}

func (m *MemoryTranscriptStore) SaveAnalysis(_ context.Context, _ string, _ domain.DocumentInfo, result domain.AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[result.DocumentID] = result
	return nil
}

func (m *MemoryTranscriptStore) GetAnalysis(_ context.Context, documentID string) (domain.AnalysisResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.analyses[documentID]
	return res, ok, nil
}

func (m *MemoryTranscriptStore) AppendTurn(_ context.Context, _ string, documentID string, turn domain.ChatTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[documentID] = append(m.turns[documentID], turn)
	return nil
}

func (m *MemoryTranscriptStore) ListTurns(_ context.Context, documentID string) ([]domain.ChatTurn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ChatTurn, len(m.turns[documentID]))
	copy(out, m.turns[documentID])
	return out, nil
}
