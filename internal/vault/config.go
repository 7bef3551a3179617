package vault

import (
	"sort"
	"strings"
	"time"
)

// StorageKey is the blob store key for the persisted config set.
const StorageKey = "vaultApiKeysV2"

const (
	defaultDailyQuota = 100
	dateLayout        = "2006-01-02"
)

// Clock supplies wall-clock time. Day rollover is pure over the date it
// returns, so tests pin it.
type Clock func() time.Time

// Config is one user-editable provider configuration. Each provider
// seeds exactly one "<providerId>_original" config; user-made copies
// get "<providerId>_copy_<epochMillis>" ids and are the only deletable
// kind.
type Config struct {
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
	IsDeletable   bool   `json:"isDeletable"`
}

// Active reports whether the config has a usable key. Dormant configs
// keep their quota settings but never rank and never dispatch.
func (c Config) Active() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// IsCopy reports whether the config is a user-made duplicate.
func (c Config) IsCopy() bool {
	return strings.Contains(c.ConfigID, "_copy_")
}

// QuotaExhausted reports whether usage as of the given date has reached
// the daily quota. Usage recorded on an earlier date counts as zero,
// and a nil quota means unlimited.
func (c Config) QuotaExhausted(today string) bool {
	if c.DailyQuota == nil {
		return false
	}
	usage := c.UsageToday
	if c.LastResetDate != today {
		usage = 0
	}
	return usage >= *c.DailyQuota
}

// Usable filters configs down to the set eligible for dispatch today:
// keyed, under quota, sorted ascending by rank with unranked last.
func Usable(configs []Config, today string) []Config {
	out := make([]Config, 0, len(configs))
	for _, c := range configs {
		if !c.Active() || c.QuotaExhausted(today) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rankOrInf(out[i]) < rankOrInf(out[j])
	})
	return out
}

// Primary returns the designated rank-0 config of a usable set, if any.
func Primary(usable []Config) (Config, bool) {
	for _, c := range usable {
		if c.Rank != nil && *c.Rank == 0 {
			return c, true
		}
	}
	return Config{}, false
}

func rankOrInf(c Config) int {
	if c.Rank == nil {
		return int(^uint(0) >> 1)
	}
	return *c.Rank
}

func intPtr(n int) *int { return &n }

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	n := *p
	return &n
}
