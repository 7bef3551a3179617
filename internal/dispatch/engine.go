package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"seekvault/internal/history"
	"seekvault/internal/metrics"
	"seekvault/internal/projects"
	"seekvault/internal/vault"
)

// Strategy selects how a submission is dispatched across providers.
type Strategy string

const (
	StrategyStandard    Strategy = "standard"
	StrategyMultiSource Strategy = "multi-source"
	StrategySummary     Strategy = "summary"
	StrategyConflict    Strategy = "conflict"
	StrategyCustom      Strategy = "custom"
)

// SummaryStyle shapes the summary instruction prompt.
type SummaryStyle string

const (
	StyleBrief    SummaryStyle = "brief"
	StyleList     SummaryStyle = "list"
	StyleDetailed SummaryStyle = "detailed"
)

// CustomFormat selects how a multi-selection custom search presents.
type CustomFormat string

const (
	FormatSideBySide CustomFormat = "side-by-side"
	FormatSummarized CustomFormat = "summarized"
)

// State is the engine's submission lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateFanout    State = "fanout"
	StateAnalyzing State = "analyzing"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Request is one search submission.
type Request struct {
	Query     string
	ProjectID string
	Strategy  Strategy

	// Style applies to StrategySummary.
	Style SummaryStyle

	// ConfigIDs and Format apply to StrategyCustom.
	ConfigIDs []string
	Format    CustomFormat
}

// Options wires an Engine.
type Options struct {
	Vault    *vault.Vault
	Projects *projects.Manager
	History  *history.Recorder
	Caller   *Caller
	Logger   zerolog.Logger
}

// Engine runs submissions. At most one is in flight; concurrent
// submissions fail fast with KindBusy rather than queueing.
type Engine struct {
	vault    *vault.Vault
	projects *projects.Manager
	history  *history.Recorder
	caller   *Caller
	logger   zerolog.Logger

	mu       sync.Mutex
	state    State
	inFlight bool
}

func NewEngine(opts Options) *Engine {
	return &Engine{
		vault:    opts.Vault,
		projects: opts.Projects,
		history:  opts.History,
		caller:   opts.Caller,
		logger:   opts.Logger.With().Str("component", "engine").Logger(),
		state:    StateIdle,
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Submit runs one search. On failure the error is a *Error carrying a
// Kind plus any failed attempts worth surfacing.
func (e *Engine) Submit(ctx context.Context, req Request) (Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("dispatch: empty query")
	}

	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return nil, newError(KindBusy, "A search is already in progress.")
	}
	e.inFlight = true
	e.state = StateFanout
	e.mu.Unlock()

	res, err := e.run(ctx, query, req)

	e.mu.Lock()
	if err != nil {
		e.state = StateFailed
	} else {
		e.state = StateDone
	}
	e.inFlight = false
	e.mu.Unlock()
	return res, err
}

func (e *Engine) run(ctx context.Context, query string, req Request) (Result, error) {
	project := e.resolveProject(req.ProjectID)
	usable := e.vault.Usable()
	m := metrics.Global()
	m.Searches.WithLabelValues(string(req.Strategy)).Inc()

	if len(usable) == 0 {
		keyed := 0
		for _, c := range e.vault.List() {
			if c.Active() {
				keyed++
			}
		}
		if keyed > 0 {
			m.QuotaRejections.Inc()
			return nil, newError(KindAllQuotasExhausted,
				"No Usable APIs: All configured APIs may have reached their daily quota or are inactive. Please check your Profile page.")
		}
		return nil, newError(KindNoUsableProviders,
			"No APIs Configured: Please add and activate API keys on your Profile page to perform searches.")
	}

	switch req.Strategy {
	case StrategyStandard:
		return e.runStandard(ctx, query, project, usable)
	case StrategyMultiSource:
		return e.runMultiSource(ctx, query, project, usable)
	case StrategySummary:
		return e.runSummary(ctx, query, project, usable, req.Style)
	case StrategyConflict:
		return e.runConflict(ctx, query, project, usable)
	case StrategyCustom:
		return e.runCustom(ctx, query, project, usable, req.ConfigIDs, req.Format)
	default:
		return nil, fmt.Errorf("dispatch: unknown strategy %q", req.Strategy)
	}
}

// resolveProject falls back to the default project when the requested
// one is missing or archived, logging the substitution.
func (e *Engine) resolveProject(projectID string) projects.Project {
	if projectID == "" {
		return e.projects.Selected()
	}
	p, ok := e.projects.Get(projectID)
	if ok && !p.IsArchived {
		return p
	}
	e.logger.Warn().Str("project_id", projectID).Bool("found", ok).Msg("project unavailable, using default")
	d, _ := e.projects.Get(projects.DefaultID)
	return d
}

// runStandard walks the usable set in rank order and stops at the first
// success. Every failed attempt is retained on the error.
func (e *Engine) runStandard(ctx context.Context, query string, project projects.Project, usable []vault.Config) (Result, error) {
	var attempts []Attempt
	for _, cfg := range usable {
		r := e.caller.Fetch(ctx, cfg, query, "")
		if r.OK() {
			e.history.Append(ctx, query, fmt.Sprintf("%s (Standard) Search", r.ProviderName), project, r.Text)
			return StandardResult{ProviderName: r.ProviderName, ResultText: r.Text}, nil
		}
		attempts = append(attempts, Attempt{ProviderName: r.ProviderName, Message: r.Err})
	}
	msg := "All available APIs failed or were skipped. Check configurations."
	if len(attempts) > 0 {
		last := attempts[len(attempts)-1]
		msg = fmt.Sprintf("Error from %s: %s", last.ProviderName, last.Message)
	}
	return nil, &Error{Kind: KindNoUsableProviders, Message: msg, Attempts: attempts}
}

func (e *Engine) runMultiSource(ctx context.Context, query string, project projects.Project, usable []vault.Config) (Result, error) {
	settled := settleAll(ctx, e.caller, usable, query)
	sources := make([]SourceResult, len(settled))
	anyOK := false
	for i, r := range settled {
		sources[i] = toSource(r)
		if r.OK() {
			anyOK = true
			e.history.Append(ctx, query, fmt.Sprintf("%s (Multi-Source) Search", usable[i].Name), project, r.Text)
		}
	}
	if !anyOK {
		e.logger.Warn().Msg("all providers failed in multi-source search")
	}
	return MultiSourceResult{Sources: sources, AllFailed: !anyOK}, nil
}

// runSummary gathers context from every usable provider, then asks the
// designated primary to summarize it.
func (e *Engine) runSummary(ctx context.Context, query string, project projects.Project, usable []vault.Config, style SummaryStyle) (Result, error) {
	primary, ok := vault.Primary(usable)
	if !ok {
		return nil, newError(KindPrimaryMissing,
			"No Rank #1 API available for summarization. Please set ranks on the Profile page.")
	}
	if style == "" {
		style = StyleBrief
	}

	settled := settleAll(ctx, e.caller, usable, query)
	var combined strings.Builder
	sources := make([]SourceResult, len(settled))
	for i, r := range settled {
		sources[i] = toSource(r)
		if r.OK() {
			fmt.Fprintf(&combined, "Source: %s\nResult: \"\"\"%s\"\"\"\n\n---\n\n", usable[i].Name, r.Text)
			e.history.Append(ctx, query, fmt.Sprintf("%s (Context for Summary) Search", usable[i].Name), project, r.Text)
		}
	}
	if strings.TrimSpace(combined.String()) == "" {
		return SummaryResult{
			SummarizerName: primary.Name,
			Style:          string(style),
			Text:           "Could not gather sufficient context for summary.",
			Sources:        sources,
			Degraded:       true,
		}, nil
	}

	e.setState(StateAnalyzing)
	prompt := fmt.Sprintf("Based on the following information from multiple sources, provide a %s summary for the original query: \"%s\".", style, query)
	r := e.caller.Fetch(ctx, primary, prompt, combined.String())
	if !r.OK() {
		msg := r.Err
		if msg == "" {
			msg = "Failed to summarize"
		}
		return nil, &Error{
			Kind:     KindNoUsableProviders,
			Message:  fmt.Sprintf("Error from %s during summarization: %s", primary.Name, msg),
			Attempts: []Attempt{{ProviderName: primary.Name, Message: msg}},
		}
	}
	e.history.Append(ctx, query, fmt.Sprintf("Summary by %s (Style: %s)", primary.Name, style), project, r.Text)
	return SummaryResult{SummarizerName: primary.Name, Style: string(style), Text: r.Text, Sources: sources}, nil
}

// runConflict gathers raw answers and asks the primary to compare them.
// A single successful answer short-circuits to a notice without an
// analysis call.
func (e *Engine) runConflict(ctx context.Context, query string, project projects.Project, usable []vault.Config) (Result, error) {
	primary, ok := vault.Primary(usable)
	if !ok {
		return nil, newError(KindPrimaryMissing,
			"No Rank #1 API available for conflict analysis. Please set ranks on the Profile page.")
	}

	settled := settleAll(ctx, e.caller, usable, query)
	sources := make([]SourceResult, len(settled))
	var successes []SourceResult
	for i, r := range settled {
		sources[i] = toSource(r)
		if r.OK() {
			successes = append(successes, sources[i])
			e.history.Append(ctx, query, fmt.Sprintf("%s (Context for Conflict Check) Search", usable[i].Name), project, r.Text)
		}
	}
	if len(successes) == 0 {
		e.logger.Warn().Msg("no successful responses for conflict analysis")
		return ConflictResult{
			AnalyzerName: primary.Name,
			Analysis:     "Conflict analysis failed: No successful API responses were available to analyze.",
			Sources:      sources,
			Failed:       true,
		}, nil
	}
	if len(successes) == 1 {
		analysis := fmt.Sprintf("Only one result from %s. No other results to compare for conflicts.", successes[0].ProviderName)
		e.history.Append(ctx, query, fmt.Sprintf("Conflict Analysis by %s (Single Result)", successes[0].ProviderName), project, analysis)
		return ConflictResult{AnalyzerName: successes[0].ProviderName, Analysis: analysis, Sources: sources, SingleSource: true}, nil
	}

	e.setState(StateAnalyzing)
	blocks := make([]string, len(successes))
	for i, s := range successes {
		blocks[i] = fmt.Sprintf("Source: %s\nResult: \"\"\"%s\"\"\"", s.ProviderName, strings.ReplaceAll(s.ResultText, `"`, `""`))
	}
	prompt := fmt.Sprintf("User Query: \"%s\"\n\n"+
		"Based on the user query, compare the following API responses. Identify key differences, contradictions, or unique pieces of information. "+
		"If all responses are substantially similar in their core message regarding the user query, respond with the exact phrase: \"All results substantially match.\" "+
		"Do NOT add any other text if they match. Otherwise, detail the discrepancies.\n\n"+
		"--- Collected API Responses ---\n%s", query, strings.Join(blocks, "\n\n---\n\n"))

	r := e.caller.Fetch(ctx, primary, prompt, "")
	if !r.OK() {
		msg := r.Err
		if msg == "" {
			msg = "Failed to analyze conflicts"
		}
		return nil, &Error{
			Kind:     KindNoUsableProviders,
			Message:  fmt.Sprintf("Error from %s during conflict analysis: %s", primary.Name, msg),
			Attempts: []Attempt{{ProviderName: primary.Name, Message: msg}},
		}
	}
	e.history.Append(ctx, query, fmt.Sprintf("Conflict Analysis by %s", primary.Name), project, r.Text)
	return ConflictResult{AnalyzerName: primary.Name, Analysis: r.Text, Sources: sources}, nil
}

// runCustom dispatches over a user-chosen subset. One selection behaves
// like a standard single call; several present side by side or collapse
// through the overall primary into a summary.
func (e *Engine) runCustom(ctx context.Context, query string, project projects.Project, usable []vault.Config, configIDs []string, format CustomFormat) (Result, error) {
	if len(configIDs) == 0 {
		return nil, newError(KindEmptyCustomSelection, "Please select at least one API for custom search.")
	}
	chosen := make(map[string]bool, len(configIDs))
	for _, id := range configIDs {
		chosen[id] = true
	}
	var selected []vault.Config
	for _, cfg := range usable {
		if chosen[cfg.ConfigID] {
			selected = append(selected, cfg)
		}
	}
	if len(selected) == 0 {
		return nil, newError(KindNoUsableProviders,
			"None of the custom-selected APIs are currently available (check keys/quotas).")
	}

	if len(selected) == 1 {
		cfg := selected[0]
		r := e.caller.Fetch(ctx, cfg, query, "")
		if r.OK() {
			e.history.Append(ctx, query, fmt.Sprintf("%s (Custom Single) Search", cfg.Name), project, r.Text)
			return MultiSourceResult{Sources: []SourceResult{toSource(r)}}, nil
		}
		return nil, &Error{
			Kind:     KindNoUsableProviders,
			Message:  fmt.Sprintf("Error from %s: %s", cfg.Name, r.Err),
			Attempts: []Attempt{{ProviderName: r.ProviderName, Message: r.Err}},
		}
	}

	if format != FormatSummarized {
		settled := settleAll(ctx, e.caller, selected, query)
		sources := make([]SourceResult, len(settled))
		for i, r := range settled {
			sources[i] = toSource(r)
			if r.OK() {
				e.history.Append(ctx, query, fmt.Sprintf("%s (Custom Multi) Search", selected[i].Name), project, r.Text)
			}
		}
		return MultiSourceResult{Sources: sources}, nil
	}

	// Summarized mode needs the overall primary, not one of the
	// selection.
	primary, ok := vault.Primary(usable)
	if !ok {
		return nil, newError(KindPrimaryMissing,
			"No Rank #1 API available for summarization in custom mode. Please rank your APIs.")
	}

	e.setState(StateAnalyzing)
	settled := settleAll(ctx, e.caller, selected, query)
	var combined strings.Builder
	sources := make([]SourceResult, len(settled))
	for i, r := range settled {
		sources[i] = toSource(r)
		if r.OK() {
			escaped := strings.ReplaceAll(r.Text, `"`, `""`)
			fmt.Fprintf(&combined, "Source: %s\nResult: \"\"\"%s\"\"\"\n\n---\n\n", selected[i].Name, escaped)
			e.history.Append(ctx, query, fmt.Sprintf("%s (Context for Custom Summary) Search", selected[i].Name), project, r.Text)
		}
	}
	if strings.TrimSpace(combined.String()) == "" {
		return SummaryResult{
			SummarizerName: primary.Name,
			Text:           "Could not gather sufficient context from selected APIs for summary.",
			Sources:        sources,
			Degraded:       true,
		}, nil
	}

	prompt := fmt.Sprintf("Based on the following information from the selected sources, provide a summary for the original query: \"%s\".", query)
	r := e.caller.Fetch(ctx, primary, prompt, combined.String())
	if !r.OK() {
		msg := r.Err
		if msg == "" {
			msg = "Failed to summarize"
		}
		return nil, &Error{
			Kind:     KindNoUsableProviders,
			Message:  fmt.Sprintf("Error from %s during custom summarization: %s", primary.Name, msg),
			Attempts: []Attempt{{ProviderName: primary.Name, Message: msg}},
		}
	}
	e.history.Append(ctx, query, fmt.Sprintf("Custom Summary by %s", primary.Name), project, r.Text)
	return SummaryResult{SummarizerName: primary.Name, Text: r.Text, Sources: sources}, nil
}

func toSource(r CallResult) SourceResult {
	return SourceResult{ProviderName: r.ProviderName, ResultText: r.Text, Err: r.Err}
}
