// Package redact scrubs secrets from audit text, HTTP headers, and request
// bodies before anything is stored or shown to the operator.
package redact

import (
	"regexp"
	"strings"
)

var sensitivePatterns = []*regexp.Regexp{
	// AWS
	regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key|aws_session_token)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{20,}['"]?`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

	// OpenAI / Anthropic style keys
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),

	// Generic API keys
	regexp.MustCompile(`(?i)(api_key|apikey|api-key|secret_key|secretkey|secret-key|access_token|auth_token)\s*[=:]\s*['"]?[A-Za-z0-9_-]{16,}['"]?`),

	// Private keys
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`),

	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{20,}`),

	// Basic auth in URLs
	regexp.MustCompile(`https?://[^:\s]+:[^@\s]+@`),

	// Passwords in assignments
	regexp.MustCompile(`(?i)(password|passwd|pwd|secret)\s*[=:]\s*['"]?[^\s'"]{8,}['"]?`),
}

const redactedPlaceholder = "[REDACTED]"

const headerPlaceholder = "***redacted***"

// Text scrubs secret-shaped substrings from free text.
func Text(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, redactedPlaceholder)
	}
	return result
}

var sensitiveHeaderNames = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"api-key":       {},
}

// HeaderValue redacts the value of a sensitive header, keeping a Bearer
// scheme prefix visible so the auth style stays recognizable in audit logs.
// Non-sensitive headers pass through unchanged.
func HeaderValue(name, value string) string {
	if _, ok := sensitiveHeaderNames[strings.ToLower(strings.TrimSpace(name))]; !ok {
		return value
	}
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return "Bearer " + headerPlaceholder
	}
	return headerPlaceholder
}

// Headers returns a copy of headers with sensitive values redacted.
func Headers(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		out[name] = HeaderValue(name, value)
	}
	return out
}

var sensitiveBodyKeys = map[string]struct{}{
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"x-api-key":     {},
}

// Body walks a decoded JSON value and redacts secret-bearing keys at any
// nesting depth. The input is not modified.
func Body(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if _, ok := sensitiveBodyKeys[strings.ToLower(key)]; ok {
				out[key] = headerPlaceholder
				continue
			}
			out[key] = Body(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Body(item)
		}
		return out
	default:
		return v
	}
}
