package provider

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/seclabs/reconplan/internal/recon"
)

var fencedJSONPattern = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSON pulls the first parseable JSON object out of model text. The
// raw text, any fenced blocks, and the widest first-{ to last-} span are
// tried in that order.
func extractJSON(text string) (map[string]any, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil, errorf("provider response was empty")
	}

	candidates := []string{raw}
	for _, match := range fencedJSONPattern.FindAllStringSubmatch(raw, -1) {
		candidates = append(candidates, match[1])
	}
	first := strings.Index(raw, "{")
	last := strings.LastIndex(raw, "}")
	if first != -1 && last > first {
		candidates = append(candidates, raw[first:last+1])
	}

	for _, candidate := range candidates {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			continue
		}
		if parsed != nil {
			return parsed, nil
		}
	}
	return nil, errorf("provider returned non-JSON payload")
}

// parsePayload normalizes raw model output into a Payload. Each sub-field
// is independently validated and clamped, so a partially valid response
// still yields whatever it can.
func parsePayload(content string) (recon.Payload, error) {
	obj, err := extractJSON(content)
	if err != nil {
		return recon.Payload{}, err
	}

	payload := recon.Payload{
		Actions:      parseActions(obj["actions"]),
		Findings:     parseFindings(obj["findings"]),
		ManualTests:  parseManualTests(obj["manual_tests"]),
		NextPhase:    clip(stringOf(obj["next_phase"]), 80),
		Technologies: []recon.Technology{},
	}

	hostUpdates, _ := obj["host_updates"].(map[string]any)
	technologies := parseTechnologies(hostUpdates["technologies"])
	if len(technologies) == 0 {
		technologies = parseTechnologies(obj["technologies"])
	}
	payload.Technologies = technologies

	updates := recon.HostUpdates{}
	if hostname := strings.TrimSpace(stringOf(hostUpdates["hostname"])); hostname != "" {
		updates.Hostname = clip(hostname, 160)
	}
	if conf := safeFloat(hostUpdates["hostname_confidence"], 0, 100, 0); conf > 0 {
		updates.HostnameConfidence = conf
	}
	if osValue := strings.TrimSpace(stringOf(hostUpdates["os"])); osValue != "" {
		updates.OS = clip(osValue, 120)
	}
	if conf := safeFloat(hostUpdates["os_confidence"], 0, 100, 0); conf > 0 {
		updates.OSConfidence = conf
	}
	if len(technologies) > 0 {
		updates.Technologies = technologies
	}
	payload.HostUpdates = updates

	return payload, nil
}

func parseActions(value any) []recon.RankedAction {
	items, _ := value.([]any)
	parsed := []recon.RankedAction{}
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		toolID := strings.TrimSpace(stringOf(entry["tool_id"]))
		if toolID == "" {
			continue
		}
		parsed = append(parsed, recon.RankedAction{
			ToolID:    toolID,
			Score:     floatOf(entry["score"], 50),
			Rationale: strings.TrimSpace(stringOf(entry["rationale"])),
		})
	}
	return parsed
}

func parseTechnologies(value any) []recon.Technology {
	items, _ := value.([]any)
	rows := []recon.Technology{}
	seen := map[string]struct{}{}
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := clip(stringOf(entry["name"]), 120)
		version := clip(stringOf(entry["version"]), 120)
		cpe := clip(stringOf(entry["cpe"]), 220)
		if name == "" && cpe == "" {
			continue
		}
		key := strings.ToLower(name) + "|" + strings.ToLower(version) + "|" + strings.ToLower(cpe)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, recon.Technology{
			Name:     name,
			Version:  version,
			CPE:      cpe,
			Evidence: normalizePromptText(stringOf(entry["evidence"]), 420),
		})
		if len(rows) >= 120 {
			break
		}
	}
	return rows
}

var allowedSeverities = map[string]struct{}{
	"critical": {},
	"high":     {},
	"medium":   {},
	"low":      {},
	"info":     {},
}

func parseFindings(value any) []recon.Finding {
	items, _ := value.([]any)
	rows := []recon.Finding{}
	seen := map[string]struct{}{}
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		title := clip(stringOf(entry["title"]), 220)
		severity := strings.ToLower(strings.TrimSpace(stringOf(entry["severity"])))
		if _, ok := allowedSeverities[severity]; !ok {
			severity = "info"
		}
		cve := clip(stringOf(entry["cve"]), 64)
		if title == "" && cve == "" {
			continue
		}
		key := strings.ToLower(title) + "|" + strings.ToLower(cve) + "|" + severity
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, recon.Finding{
			Title:    title,
			Severity: severity,
			CVSS:     safeFloat(entry["cvss"], 0, 10, 0),
			CVE:      cve,
			Evidence: normalizePromptText(stringOf(entry["evidence"]), 520),
		})
		if len(rows) >= 200 {
			break
		}
	}
	return rows
}

func parseManualTests(value any) []recon.ManualTest {
	items, _ := value.([]any)
	rows := []recon.ManualTest{}
	seen := map[string]struct{}{}
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		why := normalizePromptText(stringOf(entry["why"]), 280)
		command := normalizePromptText(stringOf(entry["command"]), 420)
		if command == "" && why == "" {
			continue
		}
		key := strings.ToLower(command) + "|" + strings.ToLower(why)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, recon.ManualTest{
			Why:       why,
			Command:   command,
			ScopeNote: normalizePromptText(stringOf(entry["scope_note"]), 260),
		})
		if len(rows) >= 120 {
			break
		}
	}
	return rows
}

func stringOf(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return ""
	}
}

func floatOf(value any, fallback float64) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fallback
		}
		return parsed
	default:
		return fallback
	}
}

func safeFloat(value any, lo, hi, fallback float64) float64 {
	parsed := floatOf(value, fallback)
	return clampFloat(parsed, lo, hi)
}
