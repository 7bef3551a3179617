package projects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"seekvault/internal/store"
)

const (
	// StorageKey holds the project list blob.
	StorageKey = "vaultOfSeekersProjects"
	// SelectionKey remembers the last selected project id.
	SelectionKey = "vaultOfSeekersLastSelectedProject"

	// DefaultID is the built-in project every installation has. It can
	// never be renamed, archived or deleted.
	DefaultID   = "default_project_1"
	DefaultName = "Seeker’s Curiosity (Default)"
)

var (
	ErrEmptyName    = errors.New("projects: name cannot be empty")
	ErrReservedName = errors.New("projects: name is reserved for the default project")
	ErrNotFound     = errors.New("projects: unknown project id")
	ErrImmutable    = errors.New("projects: the default project cannot be changed")
)

// Project groups searches under a user-chosen label. Archived projects
// stay in history but cannot be selected for new searches.
type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsArchived bool   `json:"isArchived"`
}

// Clock supplies wall-clock time for id generation.
type Clock func() time.Time

// Options configures a Manager.
type Options struct {
	Store  store.Store
	Clock  Clock
	Logger zerolog.Logger
}

// Manager owns the project list and the selected-project memory.
type Manager struct {
	mu       sync.Mutex
	store    store.Store
	clock    Clock
	logger   zerolog.Logger
	projects []Project
	selected string
}

// Open loads the persisted list, forcing the default project to exist
// first, unarchived and with its canonical name, and restores the last
// selection when it still points at an active project.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("projects: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m := &Manager{
		store:  opts.Store,
		clock:  opts.Clock,
		logger: opts.Logger.With().Str("component", "projects").Logger(),
	}

	var loaded []Project
	raw, err := opts.Store.Get(ctx, StorageKey)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
			m.logger.Warn().Err(err).Msg("discarding unreadable project blob")
			loaded = nil
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load projects: %w", err)
	}
	m.projects = ensureDefault(loaded)

	m.selected = DefaultID
	if last, err := opts.Store.Get(ctx, SelectionKey); err == nil {
		if p, ok := m.find(last); ok && !p.IsArchived {
			m.selected = last
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load selection: %w", err)
	}

	if err := m.persist(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// ensureDefault pins the default project at the head of the list with
// its canonical name and active state.
func ensureDefault(loaded []Project) []Project {
	out := []Project{{ID: DefaultID, Name: DefaultName}}
	for _, p := range loaded {
		if p.ID == DefaultID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// List returns a copy of all projects, default first.
func (m *Manager) List() []Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Project, len(m.projects))
	copy(out, m.projects)
	return out
}

// Get returns the project with the given id.
func (m *Manager) Get(projectID string) (Project, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(projectID)
}

// Selected returns the currently selected project.
func (m *Manager) Selected() Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.find(m.selected); ok {
		return p
	}
	p, _ := m.find(DefaultID)
	return p
}

// Select makes the given project current. Archived projects cannot be
// selected.
func (m *Manager) Select(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.find(projectID)
	if !ok {
		return ErrNotFound
	}
	if p.IsArchived {
		return fmt.Errorf("projects: %q is archived", p.Name)
	}
	m.selected = projectID
	return m.persist(ctx)
}

// Create adds a new active project, selects it and persists. The name
// must be non-empty and may not shadow the default project's name.
func (m *Manager) Create(ctx context.Context, name string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, ErrEmptyName
	}
	if name == DefaultName {
		return Project{}, ErrReservedName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Project{
		ID:   fmt.Sprintf("project_%d", m.clock().UnixMilli()),
		Name: name,
	}
	for _, existing := range m.projects {
		if existing.ID == p.ID {
			return Project{}, fmt.Errorf("projects: id collision for %s", p.ID)
		}
	}
	m.projects = append(m.projects, p)
	m.selected = p.ID
	if err := m.persist(ctx); err != nil {
		return Project{}, err
	}
	return p, nil
}

// ToggleArchive flips a project's archived flag. Archiving the selected
// project moves the selection to the first other active project, or to
// the default. Unarchiving selects the project when nothing is selected.
func (m *Manager) ToggleArchive(ctx context.Context, projectID string) (Project, error) {
	if projectID == DefaultID {
		return Project{}, ErrImmutable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(projectID)
	if i < 0 {
		return Project{}, ErrNotFound
	}
	m.projects[i].IsArchived = !m.projects[i].IsArchived
	toggled := m.projects[i]

	if toggled.IsArchived && m.selected == projectID {
		m.selected = m.fallbackSelection(projectID)
		m.logger.Info().Str("project", toggled.Name).Str("selected", m.selected).Msg("archived selected project")
	} else if !toggled.IsArchived && m.selected == "" {
		m.selected = projectID
	}
	if err := m.persist(ctx); err != nil {
		return Project{}, err
	}
	return toggled, nil
}

// Delete removes a project. The default project cannot be deleted.
// Deleting the selected project moves the selection like archiving does.
func (m *Manager) Delete(ctx context.Context, projectID string) error {
	if projectID == DefaultID {
		return ErrImmutable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(projectID)
	if i < 0 {
		return ErrNotFound
	}
	m.projects = append(m.projects[:i], m.projects[i+1:]...)
	if m.selected == projectID {
		m.selected = m.fallbackSelection(projectID)
	}
	return m.persist(ctx)
}

// Replace swaps in an imported project list and persists it.
func (m *Manager) Replace(ctx context.Context, list []Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects = ensureDefault(list)
	if p, ok := m.find(m.selected); !ok || p.IsArchived {
		m.selected = DefaultID
	}
	return m.persist(ctx)
}

// fallbackSelection prefers the first active non-default project, then
// the default. Callers hold m.mu.
func (m *Manager) fallbackSelection(excludeID string) string {
	for _, p := range m.projects {
		if p.ID != DefaultID && p.ID != excludeID && !p.IsArchived {
			return p.ID
		}
	}
	return DefaultID
}

func (m *Manager) find(projectID string) (Project, bool) {
	i := m.indexOf(projectID)
	if i < 0 {
		return Project{}, false
	}
	return m.projects[i], true
}

func (m *Manager) indexOf(projectID string) int {
	for i, p := range m.projects {
		if p.ID == projectID {
			return i
		}
	}
	return -1
}

func (m *Manager) persist(ctx context.Context) error {
	blob, err := json.Marshal(m.projects)
	if err != nil {
		return fmt.Errorf("encode projects: %w", err)
	}
	if err := m.store.Set(ctx, StorageKey, string(blob)); err != nil {
		return fmt.Errorf("store projects: %w", err)
	}
	if err := m.store.Set(ctx, SelectionKey, m.selected); err != nil {
		return fmt.Errorf("store selection: %w", err)
	}
	return nil
}
