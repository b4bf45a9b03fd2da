// Package provider ranks recon tool candidates through an AI provider over
// one of three wire protocols: OpenAI-compatible chat completions, LM Studio
// (OpenAI-compatible or its native /chat endpoint), and Anthropic-style
// messages. Every HTTP exchange is recorded in a bounded audit log with
// credentials redacted before storage.
package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/seclabs/reconplan/internal/config"
	"github.com/seclabs/reconplan/internal/recon"
)

// Prompt and response budgets. Tuned for small local models; keeping prompts
// tight matters more than completeness here.
const (
	maxPromptChars       = 3200
	maxCandidates        = 18
	maxTemplateChars     = 180
	maxLabelChars        = 96
	maxResponseTokens    = 280
	maxOpenAIRetries     = 3
	maxOpenAIRetryTokens = 1600
	defaultOpenAIModel   = "gpt-4.1-mini"
	maxContextChars      = 6200
	maxContextItems      = 64
	modelListTimeout     = 15 * time.Second
	chatTimeout          = 25 * time.Second
)

// Error marks a failure attributable to the provider call itself: transport,
// HTTP status, or an unusable response body. The planner treats it as a
// signal to fall back to heuristic scoring.
type Error struct {
	msg string
	err error
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.err }

// errorf builds an *Error; %w wraps the cause for errors.Is/As chains.
func errorf(format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{msg: wrapped.Error(), err: errors.Unwrap(wrapped)}
}

// IsProviderError reports whether err is (or wraps) a provider failure.
func IsProviderError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// Client issues ranking and probe calls. Safe for concurrent use.
type Client struct {
	chatClient  *http.Client
	modelClient *http.Client
	audit       *AuditLog
	log         zerolog.Logger
}

// NewClient returns a client with production timeouts and a fresh audit log.
func NewClient(logger zerolog.Logger) *Client {
	return &Client{
		chatClient:  &http.Client{Timeout: chatTimeout},
		modelClient: &http.Client{Timeout: modelListTimeout},
		audit:       NewAuditLog(),
		log:         logger,
	}
}

// Audit exposes the in-memory provider call log.
func (c *Client) Audit() *AuditLog { return c.audit }

// Rank asks the configured provider to rank candidates for one service and
// returns the full normalized payload. A provider of "none" or a disabled
// provider yields an empty payload and no error; the caller is expected to
// fall back to its own scoring. All other failures are *Error.
func (c *Client) Rank(cfg config.Config, goalProfile, service, protocol string, candidates []recon.Candidate, rctx recon.Context) (recon.Payload, error) {
	providerName := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if providerName == "" {
		providerName = "none"
	}
	providerCfg, _ := cfg.ProviderFor(providerName)

	if providerName == "none" || !providerCfg.Enabled {
		return emptyPayload(providerName), nil
	}

	prompt := buildPrompt(goalProfile, service, protocol, candidates, rctx)

	var (
		payload recon.Payload
		err     error
	)
	switch providerName {
	case "openai", "lm_studio":
		payload, err = c.callOpenAICompatible(providerName, providerCfg, prompt)
	case "claude":
		payload, err = c.callClaude(providerCfg, prompt)
	default:
		return recon.Payload{}, errorf("unsupported provider: %s", providerName)
	}
	if err != nil {
		return recon.Payload{}, err
	}
	payload.Provider = providerName
	return payload, nil
}

func emptyPayload(providerName string) recon.Payload {
	return recon.Payload{
		Provider:     providerName,
		Actions:      []recon.RankedAction{},
		Technologies: []recon.Technology{},
		Findings:     []recon.Finding{},
		ManualTests:  []recon.ManualTest{},
	}
}

// ProbeResult reports the outcome of a connectivity check.
type ProbeResult struct {
	OK                bool     `json:"ok"`
	Provider          string   `json:"provider"`
	BaseURL           string   `json:"base_url,omitempty"`
	Model             string   `json:"model,omitempty"`
	AuthHeaderSent    bool     `json:"auth_header_sent"`
	Endpoint          string   `json:"endpoint,omitempty"`
	APIStyle          string   `json:"api_style,omitempty"`
	AutoSelectedModel bool     `json:"auto_selected_model"`
	DiscoveredModels  []string `json:"discovered_models,omitempty"`
	LatencyMS         int64    `json:"latency_ms,omitempty"`
	Error             string   `json:"error,omitempty"`
}

const probePrompt = "Return only this JSON:\n" +
	`{"actions":[{"tool_id":"healthcheck","score":100,"rationale":"ok"}]}`

// Probe issues a minimal round trip against the named provider, or the
// configured one when providerName is empty.
func (c *Client) Probe(cfg config.Config, providerName string) ProbeResult {
	selected := strings.ToLower(strings.TrimSpace(providerName))
	if selected == "" {
		selected = strings.ToLower(strings.TrimSpace(cfg.Provider))
	}
	if selected == "" {
		selected = "none"
	}
	providerCfg, _ := cfg.ProviderFor(selected)

	if selected == "none" {
		return ProbeResult{Provider: "none", Error: "AI provider is set to none."}
	}
	if !providerCfg.Enabled {
		return ProbeResult{Provider: selected, Error: fmt.Sprintf("Provider '%s' is disabled.", selected)}
	}

	started := time.Now()
	switch selected {
	case "openai", "lm_studio":
		return c.probeOpenAICompatible(selected, providerCfg, started)
	case "claude":
		return c.probeClaude(providerCfg, started)
	}
	return ProbeResult{Provider: selected, Error: fmt.Sprintf("Unsupported provider: %s", selected)}
}
