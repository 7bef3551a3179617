package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"seekvault/internal/projects"
	"seekvault/internal/store"
)

// StorageKey holds the search history blob.
const StorageKey = "vaultOfSeekersHistory"

// maxItems caps the history; the oldest entries fall off.
const maxItems = 100

const dateLayout = "Jan 2, 2006, 3:04 PM"

var ErrNotFound = errors.New("history: unknown item id")

// Item is one recorded search outcome.
type Item struct {
	ID          string `json:"id"`
	Query       string `json:"query"`
	Date        string `json:"date"`
	Timestamp   int64  `json:"timestamp"`
	Type        string `json:"type"`
	Notes       string `json:"notes,omitempty"`
	IsFavorite  bool   `json:"isFavorite,omitempty"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
	ResultText  string `json:"resultText,omitempty"`
}

// Clock supplies wall-clock time for timestamps.
type Clock func() time.Time

// Options configures a Recorder.
type Options struct {
	Store  store.Store
	Clock  Clock
	Logger zerolog.Logger
}

// Recorder keeps the newest-first, capped search history. Recording is
// best effort: storage failures are logged, never surfaced, so a full
// disk cannot fail a search that already succeeded.
type Recorder struct {
	mu     sync.Mutex
	store  store.Store
	clock  Clock
	logger zerolog.Logger
	items  []Item
}

// Open loads the persisted history, dropping an unreadable blob.
func Open(ctx context.Context, opts Options) (*Recorder, error) {
	if opts.Store == nil {
		return nil, errors.New("history: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	r := &Recorder{
		store:  opts.Store,
		clock:  opts.Clock,
		logger: opts.Logger.With().Str("component", "history").Logger(),
	}
	raw, err := opts.Store.Get(ctx, StorageKey)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(raw), &r.items); err != nil {
			r.logger.Warn().Err(err).Msg("discarding unreadable history blob")
			r.items = nil
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(r.items) > maxItems {
		r.items = r.items[:maxItems]
	}
	return r, nil
}

// Append records a search at the head of the history and trims to the
// cap. It never returns an error.
func (r *Recorder) Append(ctx context.Context, query, typeLabel string, project projects.Project, resultText string) Item {
	now := r.clock()
	item := Item{
		ID:          uuid.NewString(),
		Query:       query,
		Date:        now.Format(dateLayout),
		Timestamp:   now.UnixMilli(),
		Type:        typeLabel,
		ProjectID:   project.ID,
		ProjectName: project.Name,
		ResultText:  resultText,
	}
	r.mu.Lock()
	r.items = append([]Item{item}, r.items...)
	if len(r.items) > maxItems {
		r.items = r.items[:maxItems]
	}
	r.persist(ctx)
	r.mu.Unlock()
	return item
}

// List returns a copy of the history, newest first.
func (r *Recorder) List() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Item, len(r.items))
	copy(out, r.items)
	return out
}

// SetFavorite flips or sets the favorite flag on an item.
func (r *Recorder) SetFavorite(ctx context.Context, id string, favorite bool) error {
	return r.update(ctx, id, func(it *Item) { it.IsFavorite = favorite })
}

// SetNotes replaces the notes on an item.
func (r *Recorder) SetNotes(ctx context.Context, id, notes string) error {
	return r.update(ctx, id, func(it *Item) { it.Notes = notes })
}

// Remove deletes one item.
func (r *Recorder) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, it := range r.items {
		if it.ID == id {
			r.items = append(r.items[:i], r.items[i+1:]...)
			r.persist(ctx)
			return nil
		}
	}
	return ErrNotFound
}

// Clear deletes the whole history.
func (r *Recorder) Clear(ctx context.Context) {
	r.mu.Lock()
	r.items = nil
	r.persist(ctx)
	r.mu.Unlock()
}

// Replace swaps in an imported history, trimmed to the cap.
func (r *Recorder) Replace(ctx context.Context, items []Item) {
	r.mu.Lock()
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	r.items = items
	r.persist(ctx)
	r.mu.Unlock()
}

func (r *Recorder) update(ctx context.Context, id string, fn func(*Item)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if r.items[i].ID == id {
			fn(&r.items[i])
			r.persist(ctx)
			return nil
		}
	}
	return ErrNotFound
}

// persist is best effort. Callers hold r.mu.
func (r *Recorder) persist(ctx context.Context) {
	blob, err := json.Marshal(r.items)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode history")
		return
	}
	if err := r.store.Set(ctx, StorageKey, string(blob)); err != nil {
		r.logger.Error().Err(err).Msg("store history")
	}
}

// ExportJSON renders one item as indented JSON.
func ExportJSON(item Item) (string, error) {
	b, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode item: %w", err)
	}
	return string(b), nil
}

// ExportMarkdown renders one item as a small markdown document.
func ExportMarkdown(item Item) string {
	result := item.ResultText
	if result == "" {
		result = "No result text available."
	}
	notes := item.Notes
	if notes == "" {
		notes = "No notes added."
	}
	favorite := "No"
	if item.IsFavorite {
		favorite = "Yes"
	}
	doc := fmt.Sprintf(`# Query: %s

**Project:** %s
**Type:** %s
**Date:** %s
**Favorite:** %s

## Result:
`+"```"+`
%s
`+"```"+`

## Notes:
%s
`, item.Query, item.ProjectName, item.Type, item.Date, favorite, result, notes)
	return strings.TrimSpace(doc)
}

// ExportFilename mirrors the download name: the first 30 characters of
// the query, sanitized and lowercased, plus the timestamp.
func ExportFilename(item Item, ext string) string {
	q := item.Query
	if len(q) > 30 {
		q = q[:30]
	}
	var b strings.Builder
	for _, c := range strings.ToLower(q) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return fmt.Sprintf("%s_%d.%s", b.String(), item.Timestamp, ext)
}
