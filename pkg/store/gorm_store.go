package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"docintel/pkg/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormTranscriptStore implements TranscriptStore using GORM + Postgres.
type GormTranscriptStore struct {
	db *gorm.DB
}

// NewGormTranscriptStore opens the DB and runs auto-migrations.
func NewGormTranscriptStore(dsn string) (*GormTranscriptStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database URL required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return NewGormTranscriptStoreWithDB(db)
}

// NewGormTranscriptStoreWithDB wraps an already opened DB.
func NewGormTranscriptStoreWithDB(db *gorm.DB) (*GormTranscriptStore, error) {
	if err := db.AutoMigrate(&AnalysisModel{}, &TurnModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormTranscriptStore{db: db}, nil
}

// SaveAnalysis upserts the analysis for its document id.
func (s *GormTranscriptStore) SaveAnalysis(ctx context.Context, sessionID string, doc domain.DocumentInfo, result domain.AnalysisResult) error {
	model, err := toAnalysisModel(sessionID, doc, result, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id", "filename", "media_type", "size_bytes", "summary", "key_points", "risks", "updated_at"}),
	}).Create(&model).Error
}

// GetAnalysis returns the archived analysis for a document id.
func (s *GormTranscriptStore) GetAnalysis(ctx context.Context, documentID string) (domain.AnalysisResult, bool, error) {
	var model AnalysisModel
	err := s.db.WithContext(ctx).First(&model, "document_id = ?", documentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AnalysisResult{}, false, nil
	}
	if err != nil {
		return domain.AnalysisResult{}, false, err
	}
	res, err := model.toResult()
	if err != nil {
		return domain.AnalysisResult{}, false, fmt.Errorf("decode analysis: %w", err)
	}
	return res, true, nil
}

// AppendTurn records a chat turn against its document id.
func (s *GormTranscriptStore) AppendTurn(ctx context.Context, sessionID, documentID string, turn domain.ChatTurn) error {
	model := TurnModel{
		DocumentID: documentID,
		SessionID:  sessionID,
		Role:       string(turn.Role),
		Content:    turn.Content,
		CreatedAt:  time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListTurns returns turns for a document id in insertion order.
func (s *GormTranscriptStore) ListTurns(ctx context.Context, documentID string) ([]domain.ChatTurn, error) {
	var models []TurnModel
	if err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ChatTurn, 0, len(models))
	for _, m := range models {
		out = append(out, m.toTurn())
	}
	return out, nil
}
