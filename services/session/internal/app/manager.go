package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"docintel/pkg/document"
	"docintel/pkg/domain"
	"docintel/pkg/events"
	"docintel/pkg/storage"
	pkgstore "docintel/pkg/store"
)

// ManagerConfig wires the collaborators shared by every hosted session.
// Everything except Transport is optional.
type ManagerConfig struct {
	Transport   Transport
	Rules       document.Rules
	Snapshots   pkgstore.SnapshotStore
	Transcripts pkgstore.TranscriptStore
	Publishers  []events.Publisher
	Objects     storage.ObjectStore
	Now         func() time.Time
	// IdleTTL drops hosted sessions that rested longer than this. They stay
	// restorable for as long as their snapshot lives. Zero keeps them forever.
	IdleTTL time.Duration
}

// Manager hosts independent sessions keyed by id and fans out their
// committed transitions to persistence and event sinks.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Orchestrator
	// closing counts unfinished Deletes per id; Get refuses those ids.
	closing map[string]int
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session manager requires a transport")
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Orchestrator),
		closing:  make(map[string]int),
	}, nil
}

// Create starts a new idle session.
func (m *Manager) Create(ctx context.Context) (*Orchestrator, error) {
	o := NewOrchestrator(m.options(""))
	if m.cfg.Snapshots != nil {
		if err := m.cfg.Snapshots.SaveSnapshot(ctx, o.Snapshot()); err != nil {
			return nil, fmt.Errorf("save snapshot: %w", err)
		}
	}
	m.mu.Lock()
	m.sessions[o.ID()] = o
	m.mu.Unlock()
	slog.Info("session created", "session_id", o.ID())
	return o, nil
}

// Get returns a hosted session, restoring it from its snapshot if this
// process has not seen it yet.
func (m *Manager) Get(ctx context.Context, id string) (*Orchestrator, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrSessionNotFound
	}
	m.mu.Lock()
	o, ok := m.sessions[id]
	_, closing := m.closing[id]
	m.mu.Unlock()
	if ok {
		return o, nil
	}
	if closing || m.cfg.Snapshots == nil {
		return nil, ErrSessionNotFound
	}
	snap, found, err := m.cfg.Snapshots.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if !found {
		return nil, ErrSessionNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	if _, closing := m.closing[id]; closing {
		return nil, ErrSessionNotFound
	}
	o = RestoreOrchestrator(m.options(id), snap)
	m.sessions[id] = o
	slog.Info("session restored", "session_id", id, "state", o.State())
	return o, nil
}

// Delete forgets a session and its snapshot. In-flight calls finish against
// the detached orchestrator and nothing further is persisted for it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	o, hosted := m.sessions[id]
	delete(m.sessions, id)
	m.closing[id]++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.closing[id]--; m.closing[id] <= 0 {
			delete(m.closing, id)
		}
		m.mu.Unlock()
	}()

	if o != nil {
		// a sink run that started before removal may still be saving
		o.waitObservers()
	}
	persisted := false
	if m.cfg.Snapshots != nil {
		_, found, err := m.cfg.Snapshots.LoadSnapshot(ctx, id)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		persisted = found
		if err := m.cfg.Snapshots.DeleteSnapshot(ctx, id); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
	}
	if !hosted && !persisted {
		return ErrSessionNotFound
	}

	ev := domain.Event{
		Type:      domain.EventSessionClosed,
		SessionID: id,
		At:        m.now(),
	}
	if o != nil {
		snap := o.Snapshot()
		ev.State = snap.State
		if snap.Analysis != nil {
			ev.DocumentID = snap.Analysis.DocumentID
		}
	}
	m.publish(ctx, ev)
	slog.Info("session closed", "session_id", id)
	return nil
}

// EvictIdle drops hosted sessions that have rested since before now minus
// IdleTTL. Sessions with a call in flight are kept. It returns the number
// of sessions dropped.
func (m *Manager) EvictIdle(now time.Time) int {
	if m.cfg.IdleTTL <= 0 {
		return 0
	}
	m.mu.Lock()
	hosted := make([]*Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		hosted = append(hosted, o)
	}
	m.mu.Unlock()

	cutoff := now.Add(-m.cfg.IdleTTL)
	evicted := 0
	for _, o := range hosted {
		dropped := o.ifIdleSince(cutoff, func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.sessions[o.ID()] != o {
				return false
			}
			delete(m.sessions, o.ID())
			return true
		})
		if dropped {
			evicted++
			slog.Info("session evicted", "session_id", o.ID(), "restorable", m.cfg.Snapshots != nil)
		}
	}
	return evicted
}

// Transcript returns the archived analysis and turns for a document id.
func (m *Manager) Transcript(ctx context.Context, documentID string) (domain.Transcript, error) {
	documentID = strings.TrimSpace(documentID)
	if m.cfg.Transcripts == nil {
		return domain.Transcript{}, ErrTranscriptsDisabled
	}
	if documentID == "" {
		return domain.Transcript{}, ErrTranscriptNotFound
	}
	out := domain.Transcript{DocumentID: documentID}
	result, found, err := m.cfg.Transcripts.GetAnalysis(ctx, documentID)
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("load analysis: %w", err)
	}
	if found {
		out.Analysis = &result
	}
	turns, err := m.cfg.Transcripts.ListTurns(ctx, documentID)
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("list turns: %w", err)
	}
	if !found && len(turns) == 0 {
		return domain.Transcript{}, ErrTranscriptNotFound
	}
	out.Turns = turns
	return out, nil
}

// Len reports how many sessions this process currently hosts.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Observe implements Observer. Sink failures are logged and never reach the
// session; its state is already committed.
func (m *Manager) Observe(ctx context.Context, ev domain.Event, snap domain.Snapshot) {
	if !m.hosts(ev.SessionID) {
		return
	}
	logger := slog.With("session_id", ev.SessionID, "event", ev.Type)

	var g errgroup.Group
	run := func(sink string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				logger.Warn("session sink failed", "sink", sink, "err", err)
			}
			return nil
		})
	}

	if m.cfg.Snapshots != nil {
		stored := snap
		if ev.Type != domain.EventDocumentSelected {
			stored = withoutPayload(snap)
		}
		run("snapshot", func() error {
			return m.cfg.Snapshots.SaveSnapshot(ctx, stored)
		})
	}
	for _, p := range m.cfg.Publishers {
		run("publisher", func() error {
			return p.Publish(ctx, ev)
		})
	}
	if m.cfg.Transcripts != nil {
		switch ev.Type {
		case domain.EventAnalysisCompleted:
			if snap.Analysis != nil {
				info := documentInfo(snap.Document)
				run("transcript", func() error {
					return m.cfg.Transcripts.SaveAnalysis(ctx, ev.SessionID, info, *snap.Analysis)
				})
			}
		case domain.EventQuestionAsked, domain.EventAnswerReceived, domain.EventAnswerFailed:
			if ev.Turn != nil {
				turn := *ev.Turn
				run("transcript", func() error {
					return m.cfg.Transcripts.AppendTurn(ctx, ev.SessionID, ev.DocumentID, turn)
				})
			}
		}
	}
	if m.cfg.Objects != nil && ev.Type == domain.EventAnalysisCompleted && snap.Document != nil {
		doc := snap.Document
		key := storage.DocumentKey(ev.DocumentID, doc.Filename)
		run("objects", func() error {
			return m.cfg.Objects.Put(ctx, key, bytes.NewReader(doc.Payload), int64(len(doc.Payload)), doc.MediaType)
		})
	}
	_ = g.Wait()
}

func (m *Manager) hosts(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

func (m *Manager) publish(ctx context.Context, ev domain.Event) {
	var g errgroup.Group
	for _, p := range m.cfg.Publishers {
		g.Go(func() error {
			if err := p.Publish(ctx, ev); err != nil {
				slog.Warn("session sink failed", "session_id", ev.SessionID, "event", ev.Type, "sink", "publisher", "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) options(id string) Options {
	return Options{
		ID:        id,
		Transport: m.cfg.Transport,
		Rules:     m.cfg.Rules,
		Observer:  m,
		Now:       m.cfg.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.cfg.Now != nil {
		return m.cfg.Now()
	}
	return time.Now().UTC()
}

// withoutPayload drops the document bytes; snapshot stores keep the payload
// written with document_selected until the document changes.
func withoutPayload(snap domain.Snapshot) domain.Snapshot {
	if snap.Document == nil || len(snap.Document.Payload) == 0 {
		return snap
	}
	doc := *snap.Document
	doc.Payload = nil
	snap.Document = &doc
	return snap
}

func documentInfo(doc *domain.Document) domain.DocumentInfo {
	if doc == nil {
		return domain.DocumentInfo{}
	}
	return domain.DocumentInfo{
		Filename:  doc.Filename,
		MediaType: doc.MediaType,
		SizeBytes: doc.SizeBytes,
		PageCount: doc.PageCount,
	}
}
