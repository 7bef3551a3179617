package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"seekvault/internal/history"
	"seekvault/internal/projects"
	"seekvault/internal/store"
	"seekvault/internal/vault"
)

const (
	NameKey = "vaultUserName"
	BioKey  = "vaultUserBio"

	DefaultName = "Arcane Seeker"
	DefaultBio  = "A curious seeker exploring the depths of arcane knowledge and ancient mysteries. My journey is one of perpetual discovery within the Vault."
)

// ExportFilename is the download name for a full data export.
const ExportFilename = "vault_of_seekers_data.json"

// Profile is the user-facing identity shown on the profile page.
type Profile struct {
	UserName string `json:"userName"`
	UserBio  string `json:"userBio"`
}

// Options configures a Manager.
type Options struct {
	Store  store.Store
	Logger zerolog.Logger
}

// Manager persists the profile and assembles full data exports.
type Manager struct {
	mu      sync.Mutex
	store   store.Store
	logger  zerolog.Logger
	current Profile
}

// Open loads the stored profile, seeding the defaults on first run.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("profile: store is required")
	}
	m := &Manager{
		store:   opts.Store,
		logger:  opts.Logger.With().Str("component", "profile").Logger(),
		current: Profile{UserName: DefaultName, UserBio: DefaultBio},
	}
	name, err := loadOrSeed(ctx, opts.Store, NameKey, DefaultName)
	if err != nil {
		return nil, err
	}
	bio, err := loadOrSeed(ctx, opts.Store, BioKey, DefaultBio)
	if err != nil {
		return nil, err
	}
	m.current = Profile{UserName: name, UserBio: bio}
	return m, nil
}

func loadOrSeed(ctx context.Context, s store.Store, key, fallback string) (string, error) {
	v, err := s.Get(ctx, key)
	switch {
	case err == nil && strings.TrimSpace(v) != "":
		return v, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	if err := s.Set(ctx, key, fallback); err != nil {
		return "", fmt.Errorf("seed %s: %w", key, err)
	}
	return fallback, nil
}

// Get returns the current profile.
func (m *Manager) Get() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Update stores a new name and bio. Empty fields fall back to the
// defaults, matching first-run seeding.
func (m *Manager) Update(ctx context.Context, p Profile) error {
	if strings.TrimSpace(p.UserName) == "" {
		p.UserName = DefaultName
	}
	if strings.TrimSpace(p.UserBio) == "" {
		p.UserBio = DefaultBio
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Set(ctx, NameKey, p.UserName); err != nil {
		return fmt.Errorf("store %s: %w", NameKey, err)
	}
	if err := m.store.Set(ctx, BioKey, p.UserBio); err != nil {
		return fmt.Errorf("store %s: %w", BioKey, err)
	}
	m.current = p
	return nil
}

// exportConfig is a vault config without the derived deletable flag.
type exportConfig struct {
	ConfigID      string `json:"configId"`
	ProviderID    string `json:"providerId"`
	Name          string `json:"name"`
	APIKey        string `json:"apiKey"`
	DocsLink      string `json:"docsLink,omitempty"`
	Rank          *int   `json:"rank,omitempty"`
	DailyQuota    *int   `json:"dailyQuota,omitempty"`
	UsageToday    int    `json:"usageToday"`
	LastResetDate string `json:"lastResetDate,omitempty"`
	DefaultModel  string `json:"defaultModel,omitempty"`
}

// Export is the full-data download document.
type Export struct {
	Profile    Profile            `json:"profile"`
	APIConfigs []exportConfig     `json:"apiConfigs"`
	Projects   []projects.Project `json:"projects"`
	History    []history.Item     `json:"history"`
}

// ExportAll assembles the complete user data set as indented JSON. The
// deletable flag is derived state and stays out of the export.
func (m *Manager) ExportAll(configs []vault.Config, projectList []projects.Project, items []history.Item) (string, error) {
	out := Export{
		Profile:    m.Get(),
		APIConfigs: make([]exportConfig, 0, len(configs)),
		Projects:   projectList,
		History:    items,
	}
	for _, c := range configs {
		out.APIConfigs = append(out.APIConfigs, exportConfig{
			ConfigID:      c.ConfigID,
			ProviderID:    c.ProviderID,
			Name:          c.Name,
			APIKey:        c.APIKey,
			DocsLink:      c.DocsLink,
			Rank:          c.Rank,
			DailyQuota:    c.DailyQuota,
			UsageToday:    c.UsageToday,
			LastResetDate: c.LastResetDate,
			DefaultModel:  c.DefaultModel,
		})
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}
	return string(b), nil
}
