package mocks

import (
	"context"

	"github.com/quillreader/agentrun/route"
	"github.com/quillreader/agentrun/run"
)

// StaticProfiles is a fixed route.ProfileStore for tests.
type StaticProfiles struct {
	Models    []route.ModelProfile
	Providers map[string]route.ProviderProfile
}

func (s *StaticProfiles) EnabledModels(ctx context.Context, kind run.TaskKind) ([]route.ModelProfile, error) {
	var out []route.ModelProfile
	for _, m := range s.Models {
		if m.Enabled && !m.Archived && m.Supports(kind) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *StaticProfiles) EnabledProviders(ctx context.Context) (map[string]route.ProviderProfile, error) {
	out := make(map[string]route.ProviderProfile, len(s.Providers))
	for id, p := range s.Providers {
		if p.Enabled {
			out[id] = p
		}
	}
	return out, nil
}

// SimpleRoutes builds a one-provider, one-model profile set plus matching
// credentials, the minimal fixture most engine tests need.
func SimpleRoutes() (*StaticProfiles, route.StaticCredentials) {
	profiles := &StaticProfiles{
		Models: []route.ModelProfile{
			{
				ID:         "model-1",
				ProviderID: "prov-1",
				Name:       "test-model",
				Enabled:    true,
				IsDefault:  true,
				Summarize:  true,
				Translate:  true,
			},
		},
		Providers: map[string]route.ProviderProfile{
			"prov-1": {
				ID:            "prov-1",
				Name:          "test-provider",
				BaseURL:       "http://localhost:0",
				CredentialRef: "cred-1",
				Enabled:       true,
			},
		},
	}
	return profiles, route.StaticCredentials{"cred-1": "test-key"}
}
