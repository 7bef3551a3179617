package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"seekvault/internal/metrics"
	"seekvault/internal/providers"
	"seekvault/internal/vault"
)

// errSnippetLen caps how much upstream error body reaches the user.
const errSnippetLen = 300

// UsageCharger records one successful call against a config.
type UsageCharger interface {
	ChargeUsage(ctx context.Context, configID string)
}

// CallResult is a settled provider call. Exactly one of Text and Err is
// set; the caller never returns a Go error because a failed provider is
// an answer, not a fault.
type CallResult struct {
	ProviderName string
	Text         string
	Err          string
}

func (r CallResult) OK() bool { return r.Err == "" && r.Text != "" }

// Caller performs single provider calls. Usage is charged exactly once
// per successful call, after the response parses, and never on failure.
type Caller struct {
	http    *resty.Client
	charger UsageCharger
	logger  zerolog.Logger
}

// CallerOptions configures a Caller.
type CallerOptions struct {
	Timeout time.Duration
	Charger UsageCharger
	Logger  zerolog.Logger

	// Transport overrides the underlying round tripper.
	Transport http.RoundTripper
}

func NewCaller(opts CallerOptions) *Caller {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	// Each provider call is a single exchange. Fallback across providers
	// is the strategies' job, not the transport's.
	client := resty.New().SetTimeout(opts.Timeout)
	if opts.Transport != nil {
		client.SetTransport(opts.Transport)
	}
	return &Caller{
		http:    client,
		charger: opts.Charger,
		logger:  opts.Logger.With().Str("component", "caller").Logger(),
	}
}

// Fetch runs one provider call for a config. An optional context string
// is folded into the prompt by the provider descriptor.
func (c *Caller) Fetch(ctx context.Context, cfg vault.Config, query, contextText string) CallResult {
	d, ok := providers.Lookup(cfg.ProviderID)
	if !ok {
		return CallResult{ProviderName: cfg.Name, Err: "Provider details not found for this configuration."}
	}
	model := cfg.DefaultModel
	if model == "" {
		model = d.DefaultModel
	}
	req := d.BuildRequest(query, cfg.APIKey, model, contextText)

	m := metrics.Global()
	m.ProviderCalls.Inc()

	r := c.http.R().SetContext(ctx).SetHeaders(req.Headers)
	if req.Method == http.MethodPost && req.Body != nil {
		r.SetBody(req.Body)
	}
	resp, err := r.Execute(req.Method, req.URL)
	if err != nil {
		m.ProviderCallErrors.Inc()
		c.logger.Warn().Err(err).Str("provider", d.Name).Msg("provider call failed")
		return CallResult{ProviderName: d.Name, Err: transportMessage(err)}
	}
	if resp.IsError() {
		m.ProviderCallErrors.Inc()
		snippet := errorSnippet(resp.Body())
		c.logger.Warn().Int("status", resp.StatusCode()).Str("provider", d.Name).Msg("provider returned error status")
		return CallResult{
			ProviderName: d.Name,
			Err:          fmt.Sprintf("API Error (%d): %s", resp.StatusCode(), snippet),
		}
	}

	var data any
	if err := json.Unmarshal(resp.Body(), &data); err != nil {
		m.ProviderCallErrors.Inc()
		return CallResult{ProviderName: d.Name, Err: transportMessage(err)}
	}
	text := d.ParseResponse(data)
	if c.charger != nil {
		c.charger.ChargeUsage(ctx, cfg.ConfigID)
	}
	return CallResult{ProviderName: d.Name, Text: text}
}

// errorSnippet renders an upstream error body as indented JSON when it
// parses, raw text otherwise, truncated to the snippet cap.
func errorSnippet(body []byte) string {
	text := "Could not retrieve error details."
	if len(body) > 0 {
		var buf bytes.Buffer
		if json.Indent(&buf, body, "", "  ") == nil {
			text = buf.String()
		} else {
			text = string(body)
		}
	}
	return truncate(text, errSnippetLen)
}

func transportMessage(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "An unexpected error occurred."
	}
	return truncate(msg, errSnippetLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
