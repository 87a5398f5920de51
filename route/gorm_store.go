package route

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/quillreader/agentrun/run"
)

// ProviderRow is the persisted form of a provider profile.
type ProviderRow struct {
	ID            string `gorm:"primaryKey"`
	Name          string
	BaseURL       string
	CredentialRef string
	Enabled       bool `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (ProviderRow) TableName() string { return "provider_profile" }

// ModelRow is the persisted form of a model profile.
type ModelRow struct {
	ID          string `gorm:"primaryKey"`
	ProviderID  string `gorm:"index"`
	Name        string
	Enabled     bool `gorm:"index"`
	Archived    bool
	IsDefault   bool
	Summarize   bool
	Translate   bool
	Temperature float32
	TopP        float32
	MaxTokens   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ModelRow) TableName() string { return "model_profile" }

// CredentialRow stores an API key by reference. Apps that keep secrets in an
// OS keychain can skip this table and provide their own CredentialStore.
type CredentialRow struct {
	Ref       string `gorm:"primaryKey"`
	APIKey    string
	UpdatedAt time.Time
}

func (CredentialRow) TableName() string { return "credential" }

// GormStore implements ProfileStore and CredentialStore over a gorm DB.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the profile tables and returns a store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&ProviderRow{}, &ModelRow{}, &CredentialRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate route tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) EnabledModels(ctx context.Context, kind run.TaskKind) ([]ModelProfile, error) {
	q := s.db.WithContext(ctx).Where("enabled = ? AND archived = ?", true, false)
	switch kind {
	case run.TaskSummarize:
		q = q.Where("summarize = ?", true)
	case run.TaskTranslate:
		q = q.Where("translate = ?", true)
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}

	var rows []ModelRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	models := make([]ModelProfile, len(rows))
	for i, row := range rows {
		models[i] = ModelProfile{
			ID:          row.ID,
			ProviderID:  row.ProviderID,
			Name:        row.Name,
			Enabled:     row.Enabled,
			Archived:    row.Archived,
			IsDefault:   row.IsDefault,
			Summarize:   row.Summarize,
			Translate:   row.Translate,
			Temperature: row.Temperature,
			TopP:        row.TopP,
			MaxTokens:   row.MaxTokens,
			UpdatedAt:   row.UpdatedAt,
		}
	}
	return models, nil
}

func (s *GormStore) EnabledProviders(ctx context.Context) (map[string]ProviderProfile, error) {
	var rows []ProviderRow
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}

	providers := make(map[string]ProviderProfile, len(rows))
	for _, row := range rows {
		providers[row.ID] = ProviderProfile{
			ID:            row.ID,
			Name:          row.Name,
			BaseURL:       row.BaseURL,
			CredentialRef: row.CredentialRef,
			Enabled:       row.Enabled,
		}
	}
	return providers, nil
}

func (s *GormStore) Credential(ctx context.Context, ref string) (string, error) {
	var row CredentialRow
	err := s.db.WithContext(ctx).First(&row, "ref = ?", ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrMissingCredential
	}
	if err != nil {
		return "", err
	}
	if row.APIKey == "" {
		return "", ErrMissingCredential
	}
	return row.APIKey, nil
}

// UpsertProvider writes or updates a provider profile.
func (s *GormStore) UpsertProvider(ctx context.Context, p ProviderProfile) error {
	row := ProviderRow{
		ID:            p.ID,
		Name:          p.Name,
		BaseURL:       p.BaseURL,
		CredentialRef: p.CredentialRef,
		Enabled:       p.Enabled,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// UpsertModel writes or updates a model profile.
func (s *GormStore) UpsertModel(ctx context.Context, m ModelProfile) error {
	row := ModelRow{
		ID:          m.ID,
		ProviderID:  m.ProviderID,
		Name:        m.Name,
		Enabled:     m.Enabled,
		Archived:    m.Archived,
		IsDefault:   m.IsDefault,
		Summarize:   m.Summarize,
		Translate:   m.Translate,
		Temperature: m.Temperature,
		TopP:        m.TopP,
		MaxTokens:   m.MaxTokens,
		UpdatedAt:   m.UpdatedAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// PutCredential stores an API key under a reference.
func (s *GormStore) PutCredential(ctx context.Context, ref, apiKey string) error {
	return s.db.WithContext(ctx).Save(&CredentialRow{Ref: ref, APIKey: apiKey}).Error
}
