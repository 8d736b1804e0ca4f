package store

import (
	"context"
	"testing"
	"time"

	"docintel/pkg/domain"
)

func TestAnalysisModelRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	doc := domain.DocumentInfo{Filename: "nda.pdf", MediaType: "application/pdf", SizeBytes: 42}
	model, err := toAnalysisModel("session-1", doc, domain.AnalysisResult{
		DocumentID: "doc1",
		Summary:    "S",
		KeyPoints:  []string{"A", "B"},
	}, now)
	if err != nil {
		t.Fatalf("to model: %v", err)
	}
	if model.DocumentID != "doc1" || model.Filename != "nda.pdf" || model.SizeBytes != 42 || !model.CreatedAt.Equal(now) {
		t.Fatalf("unexpected model: %+v", model)
	}
	if string(model.Risks) != "[]" {
		t.Fatalf("nil risks should archive as an empty array, got %s", model.Risks)
	}
	res, err := model.toResult()
	if err != nil {
		t.Fatalf("to result: %v", err)
	}
	if len(res.KeyPoints) != 2 || res.KeyPoints[1] != "B" || res.Risks == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestTurnModelKeepsRole(t *testing.T) {
	turn := TurnModel{Role: "assistant", Content: "5 years"}.toTurn()
	if turn.Role != domain.RoleAssistant || turn.Content != "5 years" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
}

func TestMemoryTranscriptStoreKeepsOrderPerDocument(t *testing.T) {
	s := NewMemoryTranscriptStore()
	ctx := context.Background()
	_ = s.SaveAnalysis(ctx, "s", domain.DocumentInfo{}, domain.AnalysisResult{DocumentID: "doc1", Summary: "S"})
	_ = s.AppendTurn(ctx, "s", "doc1", domain.ChatTurn{Role: domain.RoleUser, Content: "q"})
	_ = s.AppendTurn(ctx, "s", "doc2", domain.ChatTurn{Role: domain.RoleUser, Content: "other"})
	_ = s.AppendTurn(ctx, "s", "doc1", domain.ChatTurn{Role: domain.RoleAssistant, Content: "a"})

	turns, _ := s.ListTurns(ctx, "doc1")
	if len(turns) != 2 || turns[0].Content != "q" || turns[1].Content != "a" {
		t.Fatalf("unexpected turns: %+v", turns)
	}
	if res, ok, _ := s.GetAnalysis(ctx, "doc1"); !ok || res.Summary != "S" {
		t.Fatalf("unexpected analysis: %+v", res)
	}
}
