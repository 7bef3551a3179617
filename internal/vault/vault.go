package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"seekvault/internal/crypto"
	"seekvault/internal/providers"
	"seekvault/internal/store"
)

var (
	ErrUnknownConfig   = errors.New("vault: unknown config id")
	ErrNotDeletable    = errors.New("vault: config is not deletable")
	ErrDormantSource   = errors.New("vault: cannot duplicate a config without an api key")
	ErrUnknownProvider = errors.New("vault: unknown provider id")
)

// Options configures a Vault.
type Options struct {
	Store   store.Store
	Keyring *crypto.Keyring
	Clock   Clock
	Logger  zerolog.Logger
}

// Vault holds the provider configuration set: one seeded original per
// known provider plus any user-made copies. Mutating operations change
// the in-memory set; Commit normalizes ranks and persists.
type Vault struct {
	mu      sync.Mutex
	store   store.Store
	keyring *crypto.Keyring
	clock   Clock
	logger  zerolog.Logger
	configs []Config
}

// Open loads the persisted config set, reconciles it against the
// provider catalog and persists the reconciled result.
func Open(ctx context.Context, opts Options) (*Vault, error) {
	if opts.Store == nil {
		return nil, errors.New("vault: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	v := &Vault{
		store:   opts.Store,
		keyring: opts.Keyring,
		clock:   opts.Clock,
		logger:  opts.Logger.With().Str("component", "vault").Logger(),
	}

	var persisted []Config
	raw, err := opts.Store.Get(ctx, StorageKey)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
			v.logger.Warn().Err(err).Msg("discarding unreadable config blob")
			persisted = nil
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load configs: %w", err)
	}
	for i := range persisted {
		persisted[i].APIKey = v.openKey(persisted[i].APIKey)
	}

	v.configs = reconcile(persisted, v.today())
	if err := v.persist(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// reconcile merges a persisted set with the provider catalog: every
// catalog provider gets its original config (seeded dormant when
// missing), persisted copies of known providers survive, and anything
// else is dropped. Stale usage counters roll over to the given date.
func reconcile(persisted []Config, today string) []Config {
	byID := make(map[string]Config, len(persisted))
	for _, c := range persisted {
		byID[c.ConfigID] = c
	}

	var out []Config
	for _, d := range providers.Catalog() {
		id := d.ID + "_original"
		c, ok := byID[id]
		if !ok {
			c = Config{ConfigID: id}
		}
		delete(byID, id)
		c.ProviderID = d.ID
		c.Name = d.Name
		c.DocsLink = d.DocsLink
		if c.DefaultModel == "" {
			c.DefaultModel = d.DefaultModel
		}
		c.IsDeletable = false
		out = append(out, normalize(c, today))
	}
	copies := make([]Config, 0, len(byID))
	for _, c := range persisted {
		kept, ok := byID[c.ConfigID]
		if !ok || !kept.IsCopy() {
			continue
		}
		delete(byID, c.ConfigID)
		d, ok := providers.Lookup(kept.ProviderID)
		if !ok {
			continue
		}
		if kept.Name == "" {
			kept.Name = d.Name + " (Copy)"
		}
		kept.DocsLink = d.DocsLink
		kept.IsDeletable = true
		copies = append(copies, normalize(kept, today))
	}
	return append(out, copies...)
}

// normalize seeds the quota default and applies day rollover.
func normalize(c Config, today string) Config {
	if c.DailyQuota == nil {
		c.DailyQuota = intPtr(defaultDailyQuota)
	}
	if c.LastResetDate != today {
		c.UsageToday = 0
		c.LastResetDate = today
	}
	return c
}

func (v *Vault) today() string {
	return v.clock().Format(dateLayout)
}

// List returns a copy of the current config set.
func (v *Vault) List() []Config {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Config, len(v.configs))
	copy(out, v.configs)
	return out
}

// Usable returns today's dispatch-eligible configs ordered by rank.
func (v *Vault) Usable() []Config {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Usable(v.configs, v.today())
}

// Get returns the config with the given id.
func (v *Vault) Get(configID string) (Config, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(configID)
	if i < 0 {
		return Config{}, false
	}
	return v.configs[i], true
}

// UpsertKey replaces the stored api key for a config. An empty key
// makes the config dormant at the next Commit.
func (v *Vault) UpsertKey(configID, apiKey string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(configID)
	if i < 0 {
		return ErrUnknownConfig
	}
	v.configs[i].APIKey = strings.TrimSpace(apiKey)
	return nil
}

// SetModel overrides the model used for a config's requests.
func (v *Vault) SetModel(configID, model string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(configID)
	if i < 0 {
		return ErrUnknownConfig
	}
	v.configs[i].DefaultModel = strings.TrimSpace(model)
	return nil
}

// SetQuota sets the daily quota, clamping negatives to zero. A nil
// quota means unlimited.
func (v *Vault) SetQuota(configID string, quota *int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(configID)
	if i < 0 {
		return ErrUnknownConfig
	}
	if quota != nil && *quota < 0 {
		quota = intPtr(0)
	}
	v.configs[i].DailyQuota = quota
	return nil
}

// ResetUsage zeroes today's usage counter for a config.
func (v *Vault) ResetUsage(configID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(configID)
	if i < 0 {
		return ErrUnknownConfig
	}
	v.configs[i].UsageToday = 0
	v.configs[i].LastResetDate = v.today()
	return nil
}

// Duplicate copies an active config into a new deletable copy. The copy
// starts dormant with no key, no rank and zero usage, keeping the
// source's quota and model.
func (v *Vault) Duplicate(configID string) (Config, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(configID)
	if i < 0 {
		return Config{}, ErrUnknownConfig
	}
	src := v.configs[i]
	if !src.Active() {
		return Config{}, ErrDormantSource
	}
	d, ok := providers.Lookup(src.ProviderID)
	if !ok {
		return Config{}, ErrUnknownProvider
	}
	ms := v.clock().UnixMilli()
	id := fmt.Sprintf("%s_copy_%d", src.ProviderID, ms)
	for v.index(id) >= 0 {
		ms++
		id = fmt.Sprintf("%s_copy_%d", src.ProviderID, ms)
	}
	cp := Config{
		ConfigID:      id,
		ProviderID:    src.ProviderID,
		Name:          d.Name + " (Copy)",
		DocsLink:      d.DocsLink,
		DailyQuota:    cloneInt(src.DailyQuota),
		LastResetDate: v.today(),
		DefaultModel:  src.DefaultModel,
		IsDeletable:   true,
	}
	v.configs = append(v.configs, cp)
	return cp, nil
}

// Delete removes a copy. Originals are never deletable.
func (v *Vault) Delete(configID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(configID)
	if i < 0 {
		return ErrUnknownConfig
	}
	if !v.configs[i].IsDeletable {
		return ErrNotDeletable
	}
	v.configs = append(v.configs[:i], v.configs[i+1:]...)
	return nil
}

// Reorder moves an active config to the given position among the
// active, rank-ordered configs and reassigns dense ranks.
func (v *Vault) Reorder(configID string, position int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(configID)
	if i < 0 {
		return ErrUnknownConfig
	}
	if !v.configs[i].Active() {
		return fmt.Errorf("vault: config %s has no api key", configID)
	}

	active := v.activeOrdered()
	cur := -1
	for j, id := range active {
		if id == configID {
			cur = j
			break
		}
	}
	if cur < 0 {
		return ErrUnknownConfig
	}
	if position < 0 {
		position = 0
	}
	if position >= len(active) {
		position = len(active) - 1
	}
	active = append(active[:cur], active[cur+1:]...)
	active = append(active[:position], append([]string{configID}, active[position:]...)...)
	for rank, id := range active {
		v.configs[v.index(id)].Rank = intPtr(rank)
	}
	return nil
}

// MoveUp raises a config one position in the active rank order.
func (v *Vault) MoveUp(configID string) error {
	return v.nudge(configID, -1)
}

// MoveDown lowers a config one position in the active rank order.
func (v *Vault) MoveDown(configID string) error {
	return v.nudge(configID, +1)
}

func (v *Vault) nudge(configID string, delta int) error {
	v.mu.Lock()
	cur := -1
	for j, id := range v.activeOrdered() {
		if id == configID {
			cur = j
			break
		}
	}
	v.mu.Unlock()
	if cur < 0 {
		return ErrUnknownConfig
	}
	return v.Reorder(configID, cur+delta)
}

// ChargeUsage records one successful call against a config and
// persists. Charging never fails a dispatch; storage errors are logged.
func (v *Vault) ChargeUsage(ctx context.Context, configID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(configID)
	if i < 0 {
		return
	}
	today := v.today()
	if v.configs[i].LastResetDate != today {
		v.configs[i].UsageToday = 0
		v.configs[i].LastResetDate = today
	}
	v.configs[i].UsageToday++
	if err := v.persist(ctx); err != nil {
		v.logger.Error().Err(err).Str("config_id", configID).Msg("persist usage")
	}
}

// Commit normalizes the set and persists it: active configs keep their
// relative order and get dense ranks 0..n-1, dormant configs lose rank
// and usage, and every config gets the quota default and day rollover.
func (v *Vault) Commit(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	today := v.today()
	active := v.activeOrdered()
	for rank, id := range active {
		v.configs[v.index(id)].Rank = intPtr(rank)
	}
	for i := range v.configs {
		c := &v.configs[i]
		c.APIKey = strings.TrimSpace(c.APIKey)
		if !c.Active() {
			c.Rank = nil
			c.UsageToday = 0
			c.LastResetDate = today
		}
		*c = normalize(*c, today)
	}
	return v.persist(ctx)
}

// Replace swaps in an imported config set and reconciles it.
func (v *Vault) Replace(ctx context.Context, configs []Config) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.configs = reconcile(configs, v.today())
	return v.persist(ctx)
}

// activeOrdered returns ids of keyed configs in current rank order,
// unranked last in stored order. Callers hold v.mu.
func (v *Vault) activeOrdered() []string {
	type entry struct {
		id   string
		rank int
	}
	var entries []entry
	for _, c := range v.configs {
		if !c.Active() {
			continue
		}
		entries = append(entries, entry{c.ConfigID, rankOrInf(c)})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].rank < entries[j].rank })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func (v *Vault) index(configID string) int {
	for i, c := range v.configs {
		if c.ConfigID == configID {
			return i
		}
	}
	return -1
}

// persist writes the set to the blob store with api keys sealed.
// Callers hold v.mu.
func (v *Vault) persist(ctx context.Context) error {
	out := make([]Config, len(v.configs))
	copy(out, v.configs)
	for i := range out {
		sealed, err := v.keyring.Seal(out[i].APIKey)
		if err != nil {
			return fmt.Errorf("seal key for %s: %w", out[i].ConfigID, err)
		}
		out[i].APIKey = sealed
	}
	blob, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode configs: %w", err)
	}
	if err := v.store.Set(ctx, StorageKey, string(blob)); err != nil {
		return fmt.Errorf("store configs: %w", err)
	}
	return nil
}

func (v *Vault) openKey(raw string) string {
	plain, err := v.keyring.Open(raw)
	if err != nil {
		v.logger.Warn().Err(err).Msg("cannot unseal api key, treating as dormant")
		return ""
	}
	return plain
}
