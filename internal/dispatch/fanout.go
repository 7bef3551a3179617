package dispatch

import (
	"context"
	"sync"

	"seekvault/internal/vault"
)

// settleAll queries every config concurrently and waits for all of
// them. The returned slice matches the input order, so rank order
// survives the fan-out.
func settleAll(ctx context.Context, caller *Caller, configs []vault.Config, query string) []CallResult {
	results := make([]CallResult, len(configs))
	var wg sync.WaitGroup
	for i, cfg := range configs {
		wg.Add(1)
		go func(i int, cfg vault.Config) {
			defer wg.Done()
			results[i] = caller.Fetch(ctx, cfg, query, "")
		}(i, cfg)
	}
	wg.Wait()
	return results
}
