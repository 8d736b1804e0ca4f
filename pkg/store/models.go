package store

import (
	"encoding/json"
	"time"

	"docintel/pkg/domain"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type AnalysisModel struct {
	DocumentID string `gorm:"primaryKey"`
	SessionID  string `gorm:"not null;index"`
	Filename   string `gorm:"not null"`
	MediaType  string
	SizeBytes  int64
	Summary    string         `gorm:"type:text;not null"`
	KeyPoints  datatypes.JSON `gorm:"type:jsonb"`
	Risks      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

type TurnModel struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID string    `gorm:"not null;index"`
	SessionID  string    `gorm:"not null;index"`
	Role       string    `gorm:"not null"`
	Content    string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

func toAnalysisModel(sessionID string, doc domain.DocumentInfo, result domain.AnalysisResult, now time.Time) (AnalysisModel, error) {
	keyPoints, err := json.Marshal(nonNil(result.KeyPoints))
	if err != nil {
		return AnalysisModel{}, err
	}
	risks, err := json.Marshal(nonNil(result.Risks))
	if err != nil {
		return AnalysisModel{}, err
	}
	return AnalysisModel{
		DocumentID: result.DocumentID,
		SessionID:  sessionID,
		Filename:   doc.Filename,
		MediaType:  doc.MediaType,
		SizeBytes:  doc.SizeBytes,
		Summary:    result.Summary,
		KeyPoints:  datatypes.JSON(keyPoints),
		Risks:      datatypes.JSON(risks),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (m AnalysisModel) toResult() (domain.AnalysisResult, error) {
	res := domain.AnalysisResult{DocumentID: m.DocumentID, Summary: m.Summary, KeyPoints: []string{}, Risks: []string{}}
	if len(m.KeyPoints) > 0 {
		if err := json.Unmarshal(m.KeyPoints, &res.KeyPoints); err != nil {
			return domain.AnalysisResult{}, err
		}
	}
	if len(m.Risks) > 0 {
		if err := json.Unmarshal(m.Risks, &res.Risks); err != nil {
			return domain.AnalysisResult{}, err
		}
	}
	return res, nil
}

func (m TurnModel) toTurn() domain.ChatTurn {
	return domain.ChatTurn{Role: domain.Role(m.Role), Content: m.Content}
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
