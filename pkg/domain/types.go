package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// State is the orchestrator state tag exposed to the presentation layer.
type State string

const (
	StateIdle      State = "idle"
	StateReady     State = "ready"
	StateAnalyzing State = "analyzing"
	StateAnalyzed  State = "analyzed"
	StateAwaiting  State = "awaiting"
)

// Resting maps a suspending state to the rest state it falls back to
// when its in-flight call is lost.
func (s State) Resting() State {
	switch s {
	case StateAnalyzing:
		return StateReady
	case StateAwaiting:
		return StateAnalyzed
	default:
		return s
	}
}

// Document is an uploaded artifact. It is immutable once created.
type Document struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	MediaType string    `json:"mediaType"`
	Payload   []byte    `json:"payload,omitempty"`
	SizeBytes int64     `json:"sizeBytes"`
	PageCount int       `json:"pageCount,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type AnalysisResult struct {
	DocumentID string   `json:"document_id"`
	Summary    string   `json:"summary"`
	KeyPoints  []string `json:"key_points"`
	Risks      []string `json:"risks"`
}

type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DocumentInfo is the payload-free description of a held Document.
type DocumentInfo struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	SizeBytes int64  `json:"sizeBytes"`
	PageCount int    `json:"pageCount,omitempty"`
}

// SessionView is everything the presentation layer renders.
type SessionView struct {
	ID        string          `json:"id"`
	State     State           `json:"state"`
	Document  *DocumentInfo   `json:"document,omitempty"`
	Analysis  *AnalysisResult `json:"analysis,omitempty"`
	ChatLog   []ChatTurn      `json:"chatLog"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Snapshot is the durable form of a session, payload included.
type Snapshot struct {
	ID        string          `json:"id"`
	State     State           `json:"state"`
	Document  *Document       `json:"document,omitempty"`
	Analysis  *AnalysisResult `json:"analysis,omitempty"`
	ChatLog   []ChatTurn      `json:"chatLog"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Transcript is the archived analysis and conversation for one document id.
// It outlives the sessions that produced it.
type Transcript struct {
	DocumentID string          `json:"documentId"`
	Analysis   *AnalysisResult `json:"analysis,omitempty"`
	Turns      []ChatTurn      `json:"turns"`
}

type EventType string

const (
	EventDocumentSelected  EventType = "document_selected"
	EventAnalysisStarted   EventType = "analysis_started"
	EventAnalysisCompleted EventType = "analysis_completed"
	EventAnalysisFailed    EventType = "analysis_failed"
	EventQuestionAsked     EventType = "question_asked"
	EventAnswerReceived    EventType = "answer_received"
	EventAnswerFailed      EventType = "answer_failed"
	EventStaleDiscarded    EventType = "stale_discarded"
	EventSessionClosed     EventType = "session_closed"
)

// Event describes one committed session transition.
type Event struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"sessionId"`
	DocumentID string    `json:"documentId,omitempty"`
	State      State     `json:"state"`
	Turn       *ChatTurn `json:"turn,omitempty"`
	At         time.Time `json:"at"`
}
