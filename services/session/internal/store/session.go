package store

import (
	"errors"
	"sync"

	"docintel/pkg/domain"
)

// ErrInvariantViolation signals a sequencing bug in the caller.
var ErrInvariantViolation = errors.New("invariant violation")

// Session holds one Document, one AnalysisResult and the ChatLog bound to it.
// Only the orchestrator writes; anyone may read.
type Session struct {
	mu       sync.RWMutex
	document *domain.Document
	analysis *domain.AnalysisResult
	chatLog  []domain.ChatTurn
	epoch    uint64
}

// NewSession initializes an empty session.
func NewSession() *Session {
	return &Session{}
}

// SetDocument replaces the document and drops the analysis and chat log.
func (s *Session) SetDocument(doc domain.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := doc
	s.document = &d
	s.analysis = nil
	s.chatLog = nil
	s.epoch++
}

// ClearAnalysis drops the analysis and chat log, keeping the document.
func (s *Session) ClearAnalysis() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysis = nil
	s.chatLog = nil
	s.epoch++
}

// SetAnalysis replaces the analysis and starts a fresh chat log.
func (s *Session) SetAnalysis(result domain.AnalysisResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := cloneAnalysis(result)
	s.analysis = &r
	s.chatLog = nil
	s.epoch++
}

// AppendTurn appends to the chat log of the current analysis.
func (s *Session) AppendTurn(turn domain.ChatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.analysis == nil {
		return ErrInvariantViolation
	}
	s.chatLog = append(s.chatLog, turn)
	return nil
}

// CurrentDocumentID returns the identifier of the held analysis.
func (s *Session) CurrentDocumentID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.analysis == nil {
		return "", false
	}
	return s.analysis.DocumentID, true
}

// Epoch changes whenever the document or analysis is replaced or cleared.
// Chat appends do not move it.
func (s *Session) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (s *Session) Document() (domain.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.document == nil {
		return domain.Document{}, false
	}
	return *s.document, true
}

func (s *Session) Analysis() (domain.AnalysisResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.analysis == nil {
		return domain.AnalysisResult{}, false
	}
	return cloneAnalysis(*s.analysis), true
}

// ChatLog returns a copy of the turns in insertion order.
func (s *Session) ChatLog() []domain.ChatTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ChatTurn, len(s.chatLog))
	copy(out, s.chatLog)
	return out
}

// Restore loads persisted contents. A chat log without an analysis is dropped.
func (s *Session) Restore(doc *domain.Document, analysis *domain.AnalysisResult, chatLog []domain.ChatTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.document = nil
	if doc != nil {
		d := *doc
		s.document = &d
	}
	s.analysis = nil
	s.chatLog = nil
	if analysis != nil {
		r := cloneAnalysis(*analysis)
		s.analysis = &r
		s.chatLog = append([]domain.ChatTurn(nil), chatLog...)
	}
	s.epoch++
}

func cloneAnalysis(r domain.AnalysisResult) domain.AnalysisResult {
	r.KeyPoints = append([]string{}, r.KeyPoints...)
	r.Risks = append([]string{}, r.Risks...)
	return r
}
