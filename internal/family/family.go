// Package family derives stable command-family fingerprints. Two command
// templates that differ only in concrete addresses, ports, or counts map to
// the same family id, so an operator approval of one covers the other.
package family

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	ipv4Pattern       = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)
	numberPattern     = regexp.MustCompile(`\b\d{1,5}\b`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// NormalizeTemplate rewrites a command template into its family-stable form:
// IPv4 literals become [IPV4], remaining short digit runs become [NUM], and
// whitespace is collapsed.
func NormalizeTemplate(template string) string {
	normalized := ipv4Pattern.ReplaceAllString(template, "[IPV4]")
	normalized = numberPattern.ReplaceAllString(normalized, "[NUM]")
	normalized = whitespacePattern.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// ID returns the 16-hex-char family fingerprint of a tool/protocol/template
// triple. Deterministic across processes and hosts.
func ID(toolID, protocol, template string) string {
	basis := strings.ToLower(strings.TrimSpace(toolID)) + "|" +
		strings.ToLower(strings.TrimSpace(protocol)) + "|" +
		NormalizeTemplate(template)
	sum := sha256.Sum256([]byte(basis))
	return hex.EncodeToString(sum[:])[:16]
}
