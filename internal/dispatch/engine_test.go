package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"seekvault/internal/history"
	"seekvault/internal/projects"
	"seekvault/internal/store"
	"seekvault/internal/vault"
)

// rewriteTransport sends every request to the test server regardless of
// the provider's real host.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

type fixture struct {
	vault   *vault.Vault
	hist    *history.Recorder
	proj    *projects.Manager
	engine  *Engine
	storeKV store.Store
}

func geminiBody(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, text)
}

func anthropicBody(text string) string {
	return fmt.Sprintf(`{"content":[{"text":%q}]}`, text)
}

func isGemini(r *http.Request) bool {
	return strings.Contains(r.URL.Path, "gemini")
}

func isAnthropic(r *http.Request) bool {
	return r.URL.Path == "/v1/messages"
}

// newFixture wires an engine against the given handler. keyed configs
// get api keys and, when commit is true, dense ranks in catalog order
// (gemini before anthropic).
func newFixture(t *testing.T, handler http.Handler, keyed []string, commit bool) (*fixture, *httptest.Server) {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := store.NewRedisStore(client)

	clock := func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	v, err := vault.Open(ctx, vault.Options{Store: kv, Clock: clock, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	for _, id := range keyed {
		if err := v.UpsertKey(id, "test-key"); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if commit {
		if err := v.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	pm, err := projects.Open(ctx, projects.Options{Store: kv, Clock: clock, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open projects: %v", err)
	}
	hist, err := history.Open(ctx, history.Options{Store: kv, Clock: clock, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open history: %v", err)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}

	caller := NewCaller(CallerOptions{
		Timeout:   5 * time.Second,
		Charger:   v,
		Logger:    zerolog.Nop(),
		Transport: rewriteTransport{target: target},
	})
	engine := NewEngine(Options{
		Vault:    v,
		Projects: pm,
		History:  hist,
		Caller:   caller,
		Logger:   zerolog.Nop(),
	})
	return &fixture{vault: v, hist: hist, proj: pm, engine: engine, storeKV: kv}, srv
}

func (f *fixture) usage(t *testing.T, configID string) int {
	t.Helper()
	c, ok := f.vault.Get(configID)
	if !ok {
		t.Fatalf("config %s missing", configID)
	}
	return c.UsageToday
}

func (f *fixture) historyTypes() []string {
	var out []string
	for _, item := range f.hist.List() {
		out = append(out, item.Type)
	}
	return out
}

func hasHistoryType(types []string, want string) bool {
	for _, ty := range types {
		if ty == want {
			return true
		}
	}
	return false
}

func TestStandardFallsBackInRankOrder(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case isGemini(r):
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"gemini down"}}`)
		case isAnthropic(r):
			fmt.Fprint(w, anthropicBody("claude answer"))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	f, _ := newFixture(t, handler, []string{"gemini_original", "anthropic_original"}, true)

	res, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategyStandard})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	std, ok := res.(StandardResult)
	if !ok {
		t.Fatalf("expected StandardResult, got %T", res)
	}
	if std.ProviderName != "Anthropic (Claude)" || std.ResultText != "claude answer" {
		t.Fatalf("unexpected result %#v", std)
	}

	if got := f.usage(t, "gemini_original"); got != 0 {
		t.Fatalf("failed provider must not be charged, usage %d", got)
	}
	if got := f.usage(t, "anthropic_original"); got != 1 {
		t.Fatalf("successful provider must be charged once, usage %d", got)
	}
	if !hasHistoryType(f.historyTypes(), "Anthropic (Claude) (Standard) Search") {
		t.Fatalf("history label missing, have %v", f.historyTypes())
	}
	if f.engine.State() != StateDone {
		t.Fatalf("expected done state, got %s", f.engine.State())
	}
}

func TestStandardKeepsEveryFailedAttempt(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"upstream down"}`)
	})
	f, _ := newFixture(t, handler, []string{"gemini_original", "anthropic_original"}, true)

	_, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategyStandard})
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if len(derr.Attempts) != 2 {
		t.Fatalf("expected 2 retained attempts, got %d", len(derr.Attempts))
	}
	if derr.Attempts[0].ProviderName != "Google Gemini" || derr.Attempts[1].ProviderName != "Anthropic (Claude)" {
		t.Fatalf("attempts out of rank order: %#v", derr.Attempts)
	}
	if !strings.HasPrefix(derr.Message, "Error from Anthropic (Claude): API Error (502):") {
		t.Fatalf("headline should come from the last attempt, got %q", derr.Message)
	}
	if f.usage(t, "gemini_original") != 0 || f.usage(t, "anthropic_original") != 0 {
		t.Fatalf("failed attempts must not charge usage")
	}
	if f.engine.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", f.engine.State())
	}
}

func TestAllQuotasExhausted(t *testing.T) {
	requests := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	})
	f, _ := newFixture(t, handler, []string{"gemini_original"}, true)
	zero := 0
	if err := f.vault.SetQuota("gemini_original", &zero); err != nil {
		t.Fatalf("set quota: %v", err)
	}

	_, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategyStandard})
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindAllQuotasExhausted {
		t.Fatalf("expected KindAllQuotasExhausted, got %v", err)
	}
	if requests != 0 {
		t.Fatalf("no provider call should happen, saw %d", requests)
	}
}

func TestNoProvidersConfigured(t *testing.T) {
	f, _ := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), nil, false)
	_, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategyStandard})
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindNoUsableProviders {
		t.Fatalf("expected KindNoUsableProviders, got %v", err)
	}
}

func TestMultiSourcePreservesRankOrderAndCharges(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case isGemini(r):
			fmt.Fprint(w, geminiBody("gemini says"))
		case isAnthropic(r):
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"rate limited"}`)
		}
	})
	f, _ := newFixture(t, handler, []string{"gemini_original", "anthropic_original"}, true)

	res, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategyMultiSource})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	multi, ok := res.(MultiSourceResult)
	if !ok {
		t.Fatalf("expected MultiSourceResult, got %T", res)
	}
	if len(multi.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(multi.Sources))
	}
	if multi.Sources[0].ProviderName != "Google Gemini" || multi.Sources[0].ResultText != "gemini says" {
		t.Fatalf("rank 0 source wrong: %#v", multi.Sources[0])
	}
	if multi.Sources[1].ProviderName != "Anthropic (Claude)" || !strings.HasPrefix(multi.Sources[1].Err, "API Error (429):") {
		t.Fatalf("rank 1 source wrong: %#v", multi.Sources[1])
	}
	if multi.AllFailed {
		t.Fatalf("partial failure must not flag the envelope as all failed")
	}
	if f.usage(t, "gemini_original") != 1 || f.usage(t, "anthropic_original") != 0 {
		t.Fatalf("usage must follow success only")
	}
	if !hasHistoryType(f.historyTypes(), "Google Gemini (Multi-Source) Search") {
		t.Fatalf("history label missing, have %v", f.historyTypes())
	}
}

func TestMultiSourceFlagsAllFailed(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"down"}`)
	})
	f, _ := newFixture(t, handler, []string{"gemini_original", "anthropic_original"}, true)

	res, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategyMultiSource})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	multi := res.(MultiSourceResult)
	if !multi.AllFailed {
		t.Fatalf("expected all-failed flag, got %#v", multi)
	}
	if len(multi.Sources) != 2 {
		t.Fatalf("per-provider errors must stay attached, got %d sources", len(multi.Sources))
	}
	for _, s := range multi.Sources {
		if s.Err == "" {
			t.Fatalf("source %s should carry its error", s.ProviderName)
		}
	}
}

func TestSummaryTwoPhase(t *testing.T) {
	var summaryPrompt string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case isGemini(r) && strings.Contains(string(body), "provide a brief summary"):
			summaryPrompt = string(body)
			fmt.Fprint(w, geminiBody("the digest"))
		case isGemini(r):
			fmt.Fprint(w, geminiBody("gemini context"))
		case isAnthropic(r):
			fmt.Fprint(w, anthropicBody("claude context"))
		}
	})
	f, _ := newFixture(t, handler, []string{"gemini_original", "anthropic_original"}, true)

	res, err := f.engine.Submit(context.Background(), Request{Query: "life", Strategy: StrategySummary, Style: StyleBrief})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sum, ok := res.(SummaryResult)
	if !ok {
		t.Fatalf("expected SummaryResult, got %T", res)
	}
	if sum.Text != "the digest" || sum.SummarizerName != "Google Gemini" || sum.Degraded {
		t.Fatalf("unexpected summary %#v", sum)
	}

	for _, want := range []string{
		`Source: Google Gemini\nResult: \"\"\"gemini context\"\"\"`,
		`Source: Anthropic (Claude)\nResult: \"\"\"claude context\"\"\"`,
		`provide a brief summary for the original query: \"life\".`,
		`Based on the above, please respond to:`,
	} {
		if !strings.Contains(summaryPrompt, want) {
			t.Fatalf("summary prompt missing %q:\n%s", want, summaryPrompt)
		}
	}
	if strings.Index(summaryPrompt, "gemini context") > strings.Index(summaryPrompt, "Based on the above") {
		t.Fatalf("context must precede the instruction:\n%s", summaryPrompt)
	}

	types := f.historyTypes()
	for _, want := range []string{
		"Google Gemini (Context for Summary) Search",
		"Anthropic (Claude) (Context for Summary) Search",
		"Summary by Google Gemini (Style: brief)",
	} {
		if !hasHistoryType(types, want) {
			t.Fatalf("history label %q missing, have %v", want, types)
		}
	}
	if got := f.usage(t, "gemini_original"); got != 2 {
		t.Fatalf("primary should be charged for context and summary, usage %d", got)
	}
}

func TestSummaryNeedsPrimary(t *testing.T) {
	f, _ := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
		[]string{"gemini_original"}, false)

	_, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategySummary})
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindPrimaryMissing {
		t.Fatalf("expected KindPrimaryMissing, got %v", err)
	}
}

func TestSummaryDegradesWithoutContext(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"down"}`)
	})
	f, _ := newFixture(t, handler, []string{"gemini_original", "anthropic_original"}, true)

	res, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategySummary})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sum := res.(SummaryResult)
	if !sum.Degraded || sum.Text != "Could not gather sufficient context for summary." {
		t.Fatalf("expected degraded summary, got %#v", sum)
	}
}

func TestConflictSingleResultShortCircuits(t *testing.T) {
	geminiCalls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case isGemini(r):
			geminiCalls++
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":"down"}`)
		case isAnthropic(r):
			fmt.Fprint(w, anthropicBody("only answer"))
		}
	})
	f, _ := newFixture(t, handler, []string{"gemini_original", "anthropic_original"}, true)

	res, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategyConflict})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	conf := res.(ConflictResult)
	if !conf.SingleSource {
		t.Fatalf("expected single source notice, got %#v", conf)
	}
	want := "Only one result from Anthropic (Claude). No other results to compare for conflicts."
	if conf.Analysis != want {
		t.Fatalf("unexpected analysis %q", conf.Analysis)
	}
	if geminiCalls != 1 {
		t.Fatalf("no analysis call should happen, gemini saw %d calls", geminiCalls)
	}
	if !hasHistoryType(f.historyTypes(), "Conflict Analysis by Anthropic (Claude) (Single Result)") {
		t.Fatalf("history label missing, have %v", f.historyTypes())
	}
}

func TestConflictWithNoSuccessesKeepsRawEntries(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"down"}`)
	})
	f, _ := newFixture(t, handler, []string{"gemini_original", "anthropic_original"}, true)

	res, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategyConflict})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	conf, ok := res.(ConflictResult)
	if !ok {
		t.Fatalf("expected ConflictResult, got %T", res)
	}
	if !conf.Failed {
		t.Fatalf("expected failed conflict result, got %#v", conf)
	}
	if conf.Analysis != "Conflict analysis failed: No successful API responses were available to analyze." {
		t.Fatalf("unexpected analysis %q", conf.Analysis)
	}
	if len(conf.Sources) != 2 {
		t.Fatalf("raw entries must stay attached, got %d", len(conf.Sources))
	}
	for _, s := range conf.Sources {
		if s.Err == "" {
			t.Fatalf("source %s should carry its error", s.ProviderName)
		}
	}
	if f.engine.State() != StateDone {
		t.Fatalf("failed analysis is still a settled envelope, state %s", f.engine.State())
	}
}

func TestConflictAnalysisEscapesQuotes(t *testing.T) {
	var analysisPrompt string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case isGemini(r) && strings.Contains(string(body), "User Query:"):
			analysisPrompt = string(body)
			fmt.Fprint(w, geminiBody("All results substantially match."))
		case isGemini(r):
			fmt.Fprint(w, geminiBody(`gemini says "yes"`))
		case isAnthropic(r):
			fmt.Fprint(w, anthropicBody("claude says no"))
		}
	})
	f, _ := newFixture(t, handler, []string{"gemini_original", "anthropic_original"}, true)

	res, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategyConflict})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	conf := res.(ConflictResult)
	if conf.Analysis != "All results substantially match." || conf.AnalyzerName != "Google Gemini" {
		t.Fatalf("unexpected conflict result %#v", conf)
	}
	if !strings.Contains(analysisPrompt, `gemini says \"\"yes\"\"`) {
		t.Fatalf("quotes not doubled in analysis prompt:\n%s", analysisPrompt)
	}
	if !strings.Contains(analysisPrompt, "--- Collected API Responses ---") {
		t.Fatalf("response separator missing:\n%s", analysisPrompt)
	}
	if !hasHistoryType(f.historyTypes(), "Conflict Analysis by Google Gemini") {
		t.Fatalf("history label missing, have %v", f.historyTypes())
	}
}

func TestCustomSummarizedSubsetUsesOverallPrimary(t *testing.T) {
	var summaryPrompt string
	geminiContextCalls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case isGemini(r) && strings.Contains(string(body), "from the selected sources"):
			summaryPrompt = string(body)
			fmt.Fprint(w, geminiBody("custom digest"))
		case isGemini(r):
			geminiContextCalls++
			fmt.Fprint(w, geminiBody("gemini context"))
		case isAnthropic(r):
			fmt.Fprint(w, anthropicBody("claude context"))
		}
	})
	f, _ := newFixture(t, handler, []string{"gemini_original", "anthropic_original"}, true)

	// Select only anthropic plus a second provider so summarized mode
	// engages; gemini stays unselected but is the overall primary.
	_ = f.vault.UpsertKey("openai_original", "test-key")
	_ = f.vault.Commit(context.Background())

	res, err := f.engine.Submit(context.Background(), Request{
		Query:     "q",
		Strategy:  StrategyCustom,
		ConfigIDs: []string{"anthropic_original", "openai_original"},
		Format:    FormatSummarized,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sum, ok := res.(SummaryResult)
	if !ok {
		t.Fatalf("expected SummaryResult, got %T", res)
	}
	if sum.SummarizerName != "Google Gemini" || sum.Text != "custom digest" {
		t.Fatalf("unexpected custom summary %#v", sum)
	}
	if geminiContextCalls != 0 {
		t.Fatalf("unselected primary must not join the fan-out")
	}
	if !strings.Contains(summaryPrompt, "provide a summary for the original query") {
		t.Fatalf("custom summary prompt malformed:\n%s", summaryPrompt)
	}
	if !hasHistoryType(f.historyTypes(), "Custom Summary by Google Gemini") {
		t.Fatalf("history label missing, have %v", f.historyTypes())
	}
}

func TestCustomSelectionValidation(t *testing.T) {
	f, _ := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
		[]string{"gemini_original"}, true)

	_, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategyCustom})
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindEmptyCustomSelection {
		t.Fatalf("expected KindEmptyCustomSelection for no selection, got %v", err)
	}

	// Selected ids that intersect to nothing usable are a provider
	// availability problem, not a selection-size one.
	_, err = f.engine.Submit(context.Background(), Request{
		Query:     "q",
		Strategy:  StrategyCustom,
		ConfigIDs: []string{"anthropic_original"},
	})
	if !errors.As(err, &derr) || derr.Kind != KindNoUsableProviders {
		t.Fatalf("expected KindNoUsableProviders for unusable selection, got %v", err)
	}
}

func TestBusyGuardRejectsOverlap(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		fmt.Fprint(w, geminiBody("slow answer"))
	})
	f, _ := newFixture(t, handler, []string{"gemini_original"}, true)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Submit(context.Background(), Request{Query: "q", Strategy: StrategyStandard})
		done <- err
	}()
	<-entered

	_, err := f.engine.Submit(context.Background(), Request{Query: "q2", Strategy: StrategyStandard})
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindBusy {
		t.Fatalf("expected KindBusy, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first submission failed: %v", err)
	}
}

func TestEmptyQueryRejected(t *testing.T) {
	f, _ := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), nil, false)
	if _, err := f.engine.Submit(context.Background(), Request{Query: "   ", Strategy: StrategyStandard}); err == nil {
		t.Fatalf("blank query must be rejected")
	}
}
