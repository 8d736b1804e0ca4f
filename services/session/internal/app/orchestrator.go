package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"docintel/pkg/document"
	"docintel/pkg/domain"
	"docintel/services/session/internal/store"
)

// Transport performs the two remote calls a session needs.
type Transport interface {
	SubmitDocument(ctx context.Context, doc domain.Document) (domain.AnalysisResult, error)
	AskQuestion(ctx context.Context, question, documentID string) (domain.ChatTurn, error)
}

// Observer receives every committed transition in commit order.
// Implementations must not call back into the Orchestrator.
type Observer interface {
	Observe(ctx context.Context, ev domain.Event, snap domain.Snapshot)
}

// Orchestrator sequences upload, analyze and chat for one session.
// Remote calls run without the lock held; each call is stamped with the
// session epoch and its result is dropped if the epoch moved meanwhile.
type Orchestrator struct {
	id        string
	transport Transport
	session   *store.Session
	rules     document.Rules
	observer  Observer
	now       func() time.Time

	// notifyMu is taken before mu is released so observers see commits in order.
	mu        sync.Mutex
	notifyMu  sync.Mutex
	state     domain.State
	lastError string
	updatedAt time.Time
}

// Options configure an Orchestrator.
type Options struct {
	ID        string
	Transport Transport
	Rules     document.Rules
	Observer  Observer
	Now       func() time.Time
}

// NewOrchestrator builds an idle session.
func NewOrchestrator(opts Options) *Orchestrator {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		id:        id,
		transport: opts.Transport,
		session:   store.NewSession(),
		rules:     opts.Rules,
		observer:  opts.Observer,
		now:       now,
		state:     domain.StateIdle,
		updatedAt: now(),
	}
}

// RestoreOrchestrator rebuilds a session from a snapshot. Suspending states
// come back as their rest state since their in-flight calls are gone.
func RestoreOrchestrator(opts Options, snap domain.Snapshot) *Orchestrator {
	opts.ID = snap.ID
	o := NewOrchestrator(opts)
	o.session.Restore(snap.Document, snap.Analysis, snap.ChatLog)
	o.state = restState(snap)
	o.lastError = snap.Error
	if !snap.UpdatedAt.IsZero() {
		o.updatedAt = snap.UpdatedAt
	}
	return o
}

// restState is the recorded state with suspensions rested, or the state the
// held data implies when the two disagree.
func restState(snap domain.Snapshot) domain.State {
	held := domain.StateIdle
	switch {
	case snap.Document == nil:
	case snap.Analysis == nil:
		held = domain.StateReady
	default:
		held = domain.StateAnalyzed
	}
	if rested := snap.State.Resting(); snap.State != "" && rested != held {
		slog.Warn("snapshot state disagrees with its contents", "session_id", snap.ID, "state", snap.State, "restored", held)
	}
	return held
}

func (o *Orchestrator) ID() string {
	return o.id
}

// State returns the current state tag.
func (o *Orchestrator) State() domain.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// View returns a consistent read of the session for rendering.
func (o *Orchestrator) View() domain.SessionView {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewLocked()
}

// Snapshot returns the durable form of the session.
func (o *Orchestrator) Snapshot() domain.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// SelectDocument replaces the held document from any state. In-flight calls
// are not cancelled; their results will be discarded as stale.
func (o *Orchestrator) SelectDocument(ctx context.Context, payload []byte, filename, mediaType string) (domain.SessionView, error) {
	info, err := document.Inspect(filename, mediaType, payload, o.rules)
	if err != nil {
		return o.View(), rejectInput(err)
	}
	doc := domain.Document{
		ID:        uuid.NewString(),
		Filename:  strings.TrimSpace(filename),
		MediaType: info.MediaType,
		Payload:   append([]byte(nil), payload...),
		SizeBytes: info.SizeBytes,
		PageCount: info.PageCount,
		CreatedAt: o.now(),
	}

	o.mu.Lock()
	from := o.state
	o.session.SetDocument(doc)
	o.lastError = ""
	o.transition(from, domain.StateReady)
	view := o.viewLocked()
	o.release(ctx, domain.EventDocumentSelected, "", nil)
	return view, nil
}

// Analyze submits the held document. It blocks until the call completes.
func (o *Orchestrator) Analyze(ctx context.Context) (domain.SessionView, error) {
	o.mu.Lock()
	switch o.state {
	case domain.StateIdle:
		o.lastError = msgNoDocument
		view := o.viewLocked()
		o.mu.Unlock()
		return view, ErrNoDocument
	case domain.StateAnalyzing, domain.StateAwaiting:
		view := o.viewLocked()
		o.mu.Unlock()
		return view, ErrBusy
	}
	doc, ok := o.session.Document()
	if !ok {
		o.mu.Unlock()
		return o.View(), fmt.Errorf("%w: %s state without a document", store.ErrInvariantViolation, o.state)
	}
	from := o.state
	o.session.ClearAnalysis()
	epoch := o.session.Epoch()
	o.lastError = ""
	o.transition(from, domain.StateAnalyzing)
	o.release(ctx, domain.EventAnalysisStarted, "", nil)

	result, callErr := o.transport.SubmitDocument(ctx, doc)

	o.mu.Lock()
	if o.session.Epoch() != epoch || o.state != domain.StateAnalyzing {
		slog.Info("stale response discarded", "session_id", o.id, "op", "analyze", "document", doc.Filename)
		view := o.viewLocked()
		o.release(ctx, domain.EventStaleDiscarded, result.DocumentID, nil)
		return view, ErrStaleResponse
	}
	if callErr != nil {
		o.lastError = callErr.Error()
		o.transition(domain.StateAnalyzing, domain.StateReady)
		view := o.viewLocked()
		o.release(ctx, domain.EventAnalysisFailed, "", nil)
		return view, callErr
	}
	o.session.SetAnalysis(result)
	o.transition(domain.StateAnalyzing, domain.StateAnalyzed)
	view := o.viewLocked()
	o.release(ctx, domain.EventAnalysisCompleted, result.DocumentID, nil)
	return view, nil
}

// SendMessage appends the question, asks the remote and appends the answer.
// A failed call is recorded as an assistant turn and returned as the error.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) (domain.SessionView, error) {
	o.mu.Lock()
	if strings.TrimSpace(text) == "" {
		view := o.viewLocked()
		o.mu.Unlock()
		return view, ErrEmptyQuestion
	}
	switch o.state {
	case domain.StateAwaiting:
		view := o.viewLocked()
		o.mu.Unlock()
		return view, ErrBusy
	case domain.StateAnalyzed:
	default:
		view := o.viewLocked()
		o.mu.Unlock()
		return view, ErrNotAnalyzed
	}
	documentID, ok := o.session.CurrentDocumentID()
	if !ok {
		o.mu.Unlock()
		return o.View(), fmt.Errorf("%w: analyzed state without analysis", store.ErrInvariantViolation)
	}
	question := domain.ChatTurn{Role: domain.RoleUser, Content: text}
	if err := o.session.AppendTurn(question); err != nil {
		o.mu.Unlock()
		return o.View(), err
	}
	epoch := o.session.Epoch()
	o.transition(domain.StateAnalyzed, domain.StateAwaiting)
	o.release(ctx, domain.EventQuestionAsked, documentID, &question)

	answer, callErr := o.transport.AskQuestion(ctx, text, documentID)

	o.mu.Lock()
	current, _ := o.session.CurrentDocumentID()
	if o.session.Epoch() != epoch || o.state != domain.StateAwaiting || current != documentID {
		slog.Info("stale response discarded", "session_id", o.id, "op", "chat", "document_id", documentID)
		view := o.viewLocked()
		o.release(ctx, domain.EventStaleDiscarded, documentID, nil)
		return view, ErrStaleResponse
	}
	evType := domain.EventAnswerReceived
	if callErr != nil {
		answer = domain.ChatTurn{Role: domain.RoleAssistant, Content: "Error: " + callErr.Error()}
		evType = domain.EventAnswerFailed
	}
	if err := o.session.AppendTurn(answer); err != nil {
		o.mu.Unlock()
		return o.View(), err
	}
	o.transition(domain.StateAwaiting, domain.StateAnalyzed)
	view := o.viewLocked()
	o.release(ctx, evType, documentID, &answer)
	return view, callErr
}

// waitObservers blocks until any observer hand-off in progress has returned.
func (o *Orchestrator) waitObservers() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
}

// ifIdleSince runs drop with the session locked when it rests and has not
// changed since cutoff. It reports drop's result.
func (o *Orchestrator) ifIdleSince(cutoff time.Time, drop func() bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != o.state.Resting() || !o.updatedAt.Before(cutoff) {
		return false
	}
	return drop()
}

func (o *Orchestrator) transition(from, to domain.State) {
	o.state = to
	o.updatedAt = o.now()
	slog.Debug("session transition", "session_id", o.id, "from", from, "to", to)
}

// release unlocks mu and hands the event to the observer in commit order.
func (o *Orchestrator) release(ctx context.Context, typ domain.EventType, documentID string, turn *domain.ChatTurn) {
	if o.observer == nil {
		o.mu.Unlock()
		return
	}
	if documentID == "" {
		documentID, _ = o.session.CurrentDocumentID()
	}
	ev := domain.Event{
		Type:       typ,
		SessionID:  o.id,
		DocumentID: documentID,
		State:      o.state,
		At:         o.now(),
	}
	if turn != nil {
		t := *turn
		ev.Turn = &t
	}
	snap := o.snapshotLocked()
	o.notifyMu.Lock()
	o.mu.Unlock()
	defer o.notifyMu.Unlock()
	o.observer.Observe(context.WithoutCancel(ctx), ev, snap)
}

func (o *Orchestrator) viewLocked() domain.SessionView {
	view := domain.SessionView{
		ID:        o.id,
		State:     o.state,
		ChatLog:   o.session.ChatLog(),
		Error:     o.lastError,
		UpdatedAt: o.updatedAt,
	}
	if doc, ok := o.session.Document(); ok {
		view.Document = &domain.DocumentInfo{
			Filename:  doc.Filename,
			MediaType: doc.MediaType,
			SizeBytes: doc.SizeBytes,
			PageCount: doc.PageCount,
		}
	}
	if res, ok := o.session.Analysis(); ok {
		view.Analysis = &res
	}
	return view
}

func (o *Orchestrator) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		ID:        o.id,
		State:     o.state,
		ChatLog:   o.session.ChatLog(),
		Error:     o.lastError,
		UpdatedAt: o.updatedAt,
	}
	if doc, ok := o.session.Document(); ok {
		snap.Document = &doc
	}
	if res, ok := o.session.Analysis(); ok {
		snap.Analysis = &res
	}
	return snap
}
