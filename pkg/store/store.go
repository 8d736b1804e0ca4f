package store

import (
	"context"

	"docintel/pkg/domain"
)

// SnapshotStore persists session snapshots so sessions survive restarts.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap domain.Snapshot) error
	LoadSnapshot(ctx context.Context, sessionID string) (domain.Snapshot, bool, error)
	DeleteSnapshot(ctx context.Context, sessionID string) error
}

// TranscriptStore archives analyses and chat turns per document id.
type TranscriptStore interface {
	SaveAnalysis(ctx context.Context, sessionID string, doc domain.DocumentInfo, result domain.AnalysisResult) error
	AppendTurn(ctx context.Context, sessionID, documentID string, turn domain.ChatTurn) error
	GetAnalysis(ctx context.Context, documentID string) (domain.AnalysisResult, bool, error)
	ListTurns(ctx context.Context, documentID string) ([]domain.ChatTurn, error)
}
