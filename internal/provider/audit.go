package provider

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/seclabs/reconplan/internal/redact"
)

const (
	maxAuditEntries   = 600
	maxAuditTextChars = 20000
)

// AuditEntry is one recorded HTTP exchange with a provider, sanitized before
// storage. Never contains credentials.
type AuditEntry struct {
	Timestamp      string            `json:"timestamp"`
	Provider       string            `json:"provider"`
	Method         string            `json:"method"`
	Endpoint       string            `json:"endpoint"`
	APIStyle       string            `json:"api_style"`
	RequestHeaders map[string]string `json:"request_headers"`
	RequestBody    string            `json:"request_body"`
	ResponseStatus int               `json:"response_status"`
	ResponseBody   string            `json:"response_body"`
	Error          string            `json:"error"`
}

// AuditLog is a bounded in-memory ring of provider calls. Oldest entries are
// evicted once the cap is reached. Safe for concurrent use.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// record sanitizes and stores one exchange.
func (l *AuditLog) record(provider, method, endpoint, apiStyle string, headers map[string]string, body map[string]any, status int, responseBody, callErr string) {
	entry := AuditEntry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Provider:       provider,
		Method:         strings.ToUpper(method),
		Endpoint:       endpoint,
		APIStyle:       apiStyle,
		RequestHeaders: redact.Headers(headers),
		RequestBody:    renderBodyForLog(body),
		ResponseStatus: status,
		ResponseBody:   truncateLogText(redact.Text(responseBody)),
		Error:          truncateLogText(redact.Text(callErr)),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > maxAuditEntries {
		l.entries = l.entries[len(l.entries)-maxAuditEntries:]
	}
}

// Entries returns up to limit most recent entries, oldest first. The limit
// is clamped to the ring capacity; non-positive values mean 200.
func (l *AuditLog) Entries(limit int) []AuditEntry {
	if limit <= 0 {
		limit = 200
	}
	if limit > maxAuditEntries {
		limit = maxAuditEntries
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	start := len(l.entries) - limit
	if start < 0 {
		start = 0
	}
	out := make([]AuditEntry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Clear drops all entries.
func (l *AuditLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

func renderBodyForLog(body map[string]any) string {
	if body == nil {
		return "{}"
	}
	safe := redact.Body(body)
	rendered, err := json.MarshalIndent(safe, "", "  ")
	if err != nil {
		return "{}"
	}
	return truncateLogText(string(rendered))
}

func truncateLogText(text string) string {
	if len(text) <= maxAuditTextChars {
		return text
	}
	return strings.TrimRight(text[:maxAuditTextChars], " \t\n") + "...[truncated]"
}
