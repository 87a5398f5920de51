// Package route resolves which (provider, model, credential) tuples may
// execute a task. Resolution is per attempt: candidates are computed fresh
// from configuration storage and are never cached across runs.
package route

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/quillreader/agentrun/run"
)

var (
	// ErrNoRouteAvailable means no enabled, non-archived model supports the
	// task type. Raised before any run starts; never produces a run record.
	ErrNoRouteAvailable = errors.New("no route available")

	// ErrMissingCredential means a chosen provider has no stored credential.
	// Unlike an unknown model id, this is a hard error, not a silent skip.
	ErrMissingCredential = errors.New("missing credential")
)

// ProviderProfile describes one configured LLM provider.
type ProviderProfile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	BaseURL       string `json:"base_url"`
	CredentialRef string `json:"credential_ref"`
	Enabled       bool   `json:"enabled"`
}

// ModelProfile describes one configured model under a provider.
type ModelProfile struct {
	ID          string    `json:"id"`
	ProviderID  string    `json:"provider_id"`
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	Archived    bool      `json:"archived"`
	IsDefault   bool      `json:"is_default"`
	Summarize   bool      `json:"summarize"`
	Translate   bool      `json:"translate"`
	Temperature float32   `json:"temperature"`
	TopP        float32   `json:"top_p"`
	MaxTokens   int       `json:"max_tokens"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Supports reports whether the model is usable for a task kind.
func (m ModelProfile) Supports(kind run.TaskKind) bool {
	switch kind {
	case run.TaskSummarize:
		return m.Summarize
	case run.TaskTranslate:
		return m.Translate
	}
	return false
}

// Candidate is a resolved (provider, model, credential) tuple, ordered
// primary-then-fallback. Ephemeral; recomputed per execution attempt.
type Candidate struct {
	Provider ProviderProfile
	Model    ModelProfile
	APIKey   string
}

// ProfileStore exposes enabled provider and model profiles.
type ProfileStore interface {
	// EnabledModels returns enabled, non-archived models supporting the
	// task kind.
	EnabledModels(ctx context.Context, kind run.TaskKind) ([]ModelProfile, error)

	// EnabledProviders returns enabled providers keyed by id.
	EnabledProviders(ctx context.Context) (map[string]ProviderProfile, error)
}

// CredentialStore resolves a provider's credential reference to an API key.
type CredentialStore interface {
	Credential(ctx context.Context, ref string) (string, error)
}

// StaticCredentials is a CredentialStore backed by a fixed map, used for
// tests and for apps that inject keys from their own secret storage.
type StaticCredentials map[string]string

func (s StaticCredentials) Credential(ctx context.Context, ref string) (string, error) {
	key, ok := s[ref]
	if !ok || key == "" {
		return "", ErrMissingCredential
	}
	return key, nil
}

// Resolver computes ordered route candidates from configuration storage.
type Resolver struct {
	profiles ProfileStore
	creds    CredentialStore
	logger   *zap.Logger
}

// NewResolver creates a resolver over the given stores.
func NewResolver(profiles ProfileStore, creds CredentialStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		profiles: profiles,
		creds:    creds,
		logger:   logger.With(zap.String("component", "route")),
	}
}

// ResolveCandidates returns usable candidates for the task kind, ordered
// primary then fallback. Ids whose model or provider cannot be found are
// dropped without error; a missing credential for a chosen provider is a
// hard error. With no explicit ids the default-flagged model wins, then the
// most recently updated one.
func (r *Resolver) ResolveCandidates(ctx context.Context, kind run.TaskKind, primaryModelID, fallbackModelID string) ([]Candidate, error) {
	models, err := r.profiles.EnabledModels(ctx, kind)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, ErrNoRouteAvailable
	}

	providers, err := r.profiles.EnabledProviders(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]ModelProfile, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}

	best := bestModel(models)

	ids := make([]string, 0, 2)
	if primaryModelID != "" {
		ids = append(ids, primaryModelID)
	} else {
		ids = append(ids, best.ID)
	}
	if fallbackModelID != "" && fallbackModelID != ids[0] {
		ids = append(ids, fallbackModelID)
	}

	candidates := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		c, ok, err := r.resolve(ctx, byID, providers, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.logger.Debug("route id dropped", zap.String("model_id", id))
			continue
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		// Explicit ids all dropped; fall back to the single best model.
		c, ok, err := r.resolve(ctx, byID, providers, best.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNoRouteAvailable
		}
		candidates = append(candidates, c)
	}

	return candidates, nil
}

func (r *Resolver) resolve(ctx context.Context, models map[string]ModelProfile, providers map[string]ProviderProfile, modelID string) (Candidate, bool, error) {
	model, ok := models[modelID]
	if !ok {
		return Candidate{}, false, nil
	}
	provider, ok := providers[model.ProviderID]
	if !ok {
		return Candidate{}, false, nil
	}
	key, err := r.creds.Credential(ctx, provider.CredentialRef)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("provider %s: %w", provider.ID, err)
	}
	return Candidate{Provider: provider, Model: model, APIKey: key}, true, nil
}

// bestModel orders by (isDefault desc, updatedAt desc) and returns the head.
func bestModel(models []ModelProfile) ModelProfile {
	sorted := make([]ModelProfile, len(models))
	copy(sorted, models)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IsDefault != sorted[j].IsDefault {
			return sorted[i].IsDefault
		}
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	return sorted[0]
}
