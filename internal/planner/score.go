package planner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/seclabs/reconplan/internal/recon"
)

// Tokens so common across web tooling that their presence says nothing
// about what a tool specializes in.
var genericWebToolTokens = toSet(
	"http", "https", "ssl", "tls", "web", "proxy", "alt",
	"scan", "scanner", "check", "checker", "test", "testing",
	"enum", "enumerate", "discovery", "discover", "fingerprint",
	"banner", "title", "headers", "robots", "favicon", "version",
	"script", "scripts", "vuln", "vulnerability", "cve", "path", "default",
	"nmap", "nse", "nuclei", "nikto", "whatweb", "wafw00f", "sslscan", "sslyze",
	"feroxbuster", "gobuster", "dirsearch", "ffuf", "wordlist", "content",
	"port", "ports", "tcp", "udp", "open", "service", "status",
	"run", "quick", "full", "safe", "basic", "manual",
	"usr", "bin", "sbin", "local", "share", "opt", "etc", "tmp", "var", "dev", "home",
	"python", "bash", "shell", "command", "echo", "cat", "grep", "awk", "sed",
	"txt", "json", "xml", "html", "log", "out", "output", "report",
	"silent", "color", "timeout", "threads", "thread", "rate", "verbose",
	"dir", "dirs", "list", "lists", "wordlists", "dirb", "common", "url",
)

var ignoredContextTokens = toSet(
	"unknown", "localhost", "local", "internal", "external", "customer",
	"host", "target", "network", "service", "device",
	"http", "https", "ssl", "tls", "tcp", "udp",
)

// specializedToolRule gates vendor-specific tooling behind the signals that
// justify running it.
type specializedToolRule struct {
	tokens          []string
	requiredSignals []string
}

var specializedWebToolRules = []specializedToolRule{
	{tokens: []string{"wpscan", "wordpress", "wp-"}, requiredSignals: []string{"wordpress_detected"}},
	{tokens: []string{"vmware", "vsphere", "vcenter", "esxi"}, requiredSignals: []string{"vmware_detected"}},
	{tokens: []string{"coldfusion", "cfusion"}, requiredSignals: []string{"coldfusion_detected"}},
	{tokens: []string{"webdav"}, requiredSignals: []string{"webdav_detected", "iis_detected"}},
	{tokens: []string{"http-iis", "microsoft-iis", "iis-"}, requiredSignals: []string{"iis_detected"}},
	{tokens: []string{"huawei", "hg5x"}, requiredSignals: []string{"huawei_detected"}},
}

// Niche vendor tokens suppressed while baseline coverage is still missing,
// and the broad tools exempt from that suppression.
var nicheVendorTokens = []string{"coldfusion", "vmware", "webdav", "huawei", "drupal", "wordpress", "qnap", "domino"}

var baselineExemptToolIDs = toSet(
	"nmap-vuln.nse", "nuclei-web", "screenshooter",
	"whatweb", "whatweb-http", "whatweb-https",
	"nikto", "web-content-discovery", "banner", "nmap",
)

var baselineGapMarkers = toSet(
	"missing_discovery",
	"missing_screenshot",
	"missing_remote_screenshot",
	"missing_nmap_vuln",
	"missing_nuclei_auto",
	"missing_cpe_cve_enrichment",
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, match := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		out[match] = struct{}{}
	}
	return out
}

func matchesAnyToken(text string, tokens []string) bool {
	lowered := strings.ToLower(text)
	for _, token := range tokens {
		token = strings.ToLower(strings.TrimSpace(token))
		if token != "" && strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

func hasAnySignal(signals map[string]any, names []string) bool {
	for _, name := range names {
		if v, ok := signals[name].(bool); ok && v {
			return true
		}
	}
	return false
}

// heuristicScore is the fallback ranking used when the provider supplies no
// score for a tool: base 50 with per-goal-profile vocabulary deltas.
func heuristicScore(toolID, label, commandTemplate, goalProfile string) float64 {
	score := 50.0
	text := strings.ToLower(toolID + " " + label + " " + commandTemplate)

	hasVulnSignal := matchesAnyToken(text, []string{"script=vuln", "--script vuln", "vuln.nse", " nmap-vuln"})
	hasNucleiSignal := strings.Contains(text, "nuclei")
	hasWebContentDiscovery := matchesAnyToken(text, []string{"feroxbuster", "gobuster"})
	hasLegacyDirbuster := matchesAnyToken(text, []string{"dirbuster", "java -xmx256m -jar"})

	switch goalProfile {
	case "internal_asset_discovery":
		if matchesAnyToken(text, []string{"enum", "discover", "info", "list", "scan"}) {
			score += 22
		}
		if matchesAnyToken(text, []string{"smb", "ldap", "rpc", "snmp"}) {
			score += 12
		}
		if matchesAnyToken(text, []string{"brute", "exploit", "flood"}) {
			score -= 18
		}
		if hasVulnSignal {
			score += 16
		}
		if hasNucleiSignal {
			score += 10
		}
		if hasWebContentDiscovery {
			score += 8
		}
	case "external_pentest":
		if matchesAnyToken(text, []string{"whatweb", "sslscan", "sslyze", "nikto", "nmap"}) {
			score += 20
		}
		if matchesAnyToken(text, []string{"http", "https", "web"}) {
			score += 10
		}
		if matchesAnyToken(text, []string{"flood", "dos"}) {
			score -= 20
		}
		if hasVulnSignal {
			score += 24
		}
		if hasNucleiSignal {
			score += 30
		}
		if hasWebContentDiscovery {
			score += 12
		}
	}

	if hasLegacyDirbuster {
		score -= 35
	}
	return score
}

// scoreWithContext folds the evidence bundle into a candidate's score:
// repeat work and known-missing tools are pushed down hard, coverage gaps
// and matching signals pull the relevant tools up. Result clamps to 0-100.
func scoreWithContext(score float64, toolID, label, commandTemplate string, rctx *recon.Context) float64 {
	value := score
	if rctx == nil {
		return clamp(value, 0, 100)
	}

	toolNorm := normalizeToolID(toolID)
	attempted := normalizeToolIDSet(rctx.AttemptedToolIDs)
	signals := rctx.Signals
	missingTools := normalizeToolIDSet(stringsFromSignal(signals["missing_tools"]))
	coverageMissing := loweredSet(rctx.Coverage.Missing)
	coverageRecommended := normalizeToolIDSet(rctx.Coverage.RecommendedToolIDs)
	analysisMode := strings.ToLower(strings.TrimSpace(rctx.Coverage.AnalysisMode))
	if analysisMode == "" {
		analysisMode = strings.ToLower(strings.TrimSpace(rctx.AnalysisMode))
	}
	if analysisMode == "" {
		analysisMode = "standard"
	}

	text := strings.ToLower(toolID + " " + label + " " + commandTemplate)

	if _, ok := attempted[toolNorm]; ok {
		value -= 50
	}
	if _, ok := missingTools[toolNorm]; ok {
		value -= 90
	}
	if _, ok := coverageRecommended[toolNorm]; ok {
		value += 22
	}

	hasMissing := func(markers ...string) bool {
		for _, m := range markers {
			if _, ok := coverageMissing[m]; ok {
				return true
			}
		}
		return false
	}

	if hasMissing("missing_discovery") && (toolNorm == "nmap" || strings.HasPrefix(toolNorm, "nmap")) {
		value += 34
	}
	if hasMissing("missing_banner") && toolNorm == "banner" {
		value += 26
	}
	if hasMissing("missing_screenshot", "missing_remote_screenshot") && toolNorm == "screenshooter" {
		value += 34
	}
	if hasMissing("missing_nmap_vuln") && toolNorm == "nmap-vuln.nse" {
		value += 40
	}
	if hasMissing("missing_nuclei_auto") && toolNorm == "nuclei-web" {
		value += 40
	}
	if hasMissing("missing_cpe_cve_enrichment") && matchesAnyToken(text, []string{"nmap-vuln", "nuclei", "vuln", "cve"}) {
		value += 24
	}
	if hasMissing("missing_whatweb") && matchesAnyToken(text, []string{"whatweb"}) {
		value += 24
	}
	if hasMissing("missing_nikto") && matchesAnyToken(text, []string{"nikto"}) {
		value += 24
	}
	if hasMissing("missing_web_content_discovery") && matchesAnyToken(text, []string{"feroxbuster", "gobuster", "web-content-discovery"}) {
		value += 24
	}
	if hasMissing("missing_smb_signing_checks") && matchesAnyToken(text, []string{"smb-security-mode", "smb2-security-mode"}) {
		value += 26
	}
	if analysisMode == "dig_deeper" && hasMissing("missing_followup_after_vuln") &&
		matchesAnyToken(text, []string{"nikto", "whatweb", "web-content-discovery", "sslscan", "sslyze", "wafw00f"}) {
		value += 18
	}

	if boolSignal(signals, "web_service") && matchesAnyToken(text, []string{"http", "https", "web", "nuclei", "waf"}) {
		value += 7
	}
	if boolSignal(signals, "rdp_service") && strings.Contains(text, "screenshooter") {
		value += 14
	}
	if boolSignal(signals, "vnc_service") && strings.Contains(text, "screenshooter") {
		value += 14
	}
	if (boolSignal(signals, "rdp_service") || boolSignal(signals, "vnc_service")) && strings.Contains(text, "banner") {
		value += 6
	}
	if boolSignal(signals, "tls_detected") && matchesAnyToken(text, []string{"https", "ssl", "tls", "sslyze", "sslscan", "nuclei"}) {
		value += 8
	}
	if boolSignal(signals, "directory_listing") && matchesAnyToken(text, []string{"feroxbuster", "gobuster", "dirsearch", "web-content"}) {
		value += 8
	}
	if boolSignal(signals, "smb_signing_disabled") && matchesAnyToken(text, []string{"smb", "crackmapexec", "enum", "rpc"}) {
		value += 10
	}
	if boolSignal(signals, "waf_detected") && strings.Contains(text, "waf") {
		value += 10
	}
	if intSignal(signals, "vuln_hits") > 0 && matchesAnyToken(text, []string{"vuln", "cve", "nuclei", "exploit"}) {
		value += 6
	}
	if matchesAnyToken(text, []string{"ubiquiti", "unifi", "ubnt"}) && boolSignal(signals, "ubiquiti_detected") {
		value += 10
	}
	if matchesAnyToken(text, []string{"nginx", "apache", "http"}) && boolSignal(signals, "web_service") {
		value += 2
	}

	value += specializedToolSignalDelta(text, signals)
	if boolSignal(signals, "web_service") {
		value += genericContextSignalDelta(toolID, label, commandTemplate, rctx)
	}

	return clamp(value, 0, 100)
}

// specializedToolSignalDelta rewards vendor tools whose required evidence is
// present and penalizes them hard when it is absent.
func specializedToolSignalDelta(toolText string, signals map[string]any) float64 {
	delta := 0.0
	for _, rule := range specializedWebToolRules {
		if !matchesAnyToken(toolText, rule.tokens) {
			continue
		}
		if hasAnySignal(signals, rule.requiredSignals) {
			delta += 12
		} else {
			delta -= 40
		}
	}
	return delta
}

// genericContextSignalDelta compares a candidate's distinctive vocabulary
// against everything observed on the host: overlap is a nudge up, total
// mismatch a push down.
func genericContextSignalDelta(toolID, label, commandTemplate string, rctx *recon.Context) float64 {
	observed := observedContextTokens(rctx)
	if len(observed) == 0 {
		return 0
	}
	specific := candidateSpecificTokens(toolID, label, commandTemplate)
	if len(specific) == 0 {
		return 0
	}
	if intersects(specific, observed) {
		return 12
	}
	return -28
}

// filterCandidates drops candidates the evidence cannot justify: niche
// vendor tools while baseline coverage is missing, specialized tools
// without their gating signal, and (for web services) tools whose specific
// vocabulary matches nothing observed. Fails open when pruning would remove
// every candidate.
func filterCandidates(candidates []recon.Candidate, rctx *recon.Context) []recon.Candidate {
	if rctx == nil || rctx.Signals == nil {
		return candidates
	}

	coverageMissing := loweredSet(rctx.Coverage.Missing)
	baselineMissing := false
	for marker := range coverageMissing {
		if _, ok := baselineGapMarkers[marker]; ok {
			baselineMissing = true
			break
		}
	}
	observed := observedContextTokens(rctx)
	webService := boolSignal(rctx.Signals, "web_service")

	var filtered []recon.Candidate
	for _, candidate := range candidates {
		toolText := strings.ToLower(candidate.ToolID + " " + candidate.Label + " " + candidate.CommandTemplate)
		blocked := false

		if baselineMissing && matchesAnyToken(toolText, nicheVendorTokens) {
			if _, exempt := baselineExemptToolIDs[normalizeToolID(candidate.ToolID)]; !exempt {
				blocked = true
			}
		}

		if !blocked {
			for _, rule := range specializedWebToolRules {
				if !matchesAnyToken(toolText, rule.tokens) {
					continue
				}
				if !hasAnySignal(rctx.Signals, rule.requiredSignals) {
					blocked = true
				}
				break
			}
		}

		if !blocked && webService && len(observed) > 0 {
			if _, broad := baselineExemptToolIDs[normalizeToolID(candidate.ToolID)]; !broad {
				specific := candidateSpecificTokens(candidate.ToolID, candidate.Label, candidate.CommandTemplate)
				if len(specific) > 0 && !intersects(specific, observed) {
					blocked = true
				}
			}
		}

		if !blocked {
			filtered = append(filtered, candidate)
		}
	}

	if len(filtered) == 0 {
		return candidates
	}
	return filtered
}

// candidateSpecificTokens extracts the vocabulary that distinguishes a tool
// from generic web tooling. The command template is included to catch
// specialized scripts referenced only there.
func candidateSpecificTokens(toolID, label, commandTemplate string) map[string]struct{} {
	tokens := tokenize(toolID + " " + label + " " + commandTemplate)
	specific := map[string]struct{}{}
	for token := range tokens {
		if _, ok := genericWebToolTokens[token]; ok {
			continue
		}
		if _, ok := ignoredContextTokens[token]; ok {
			continue
		}
		if isDigits(token) || len(token) < 3 {
			continue
		}
		specific[token] = struct{}{}
	}
	return specific
}

// observedContextTokens collects every technology/vendor-ish token seen in
// the host evidence: target fields, port banners, inferred technologies,
// signal values, script and process excerpts, prior AI state, and coverage.
func observedContextTokens(rctx *recon.Context) map[string]struct{} {
	if rctx == nil {
		return nil
	}
	observed := map[string]struct{}{}
	add := func(texts ...string) {
		for token := range tokenize(strings.Join(texts, " ")) {
			observed[token] = struct{}{}
		}
	}

	target := rctx.Target
	add(target.Hostname, target.OS, target.Service, target.ServiceProduct,
		target.ServiceVersion, target.ServiceExtraInfo,
		strings.Join(target.HostOpenServices, " "),
		strings.Join(target.HostOpenPorts, " "),
		strings.Join(target.HostBanners, " "))

	for i, item := range rctx.HostPorts {
		if i >= 72 {
			break
		}
		add(item.Service, item.ServiceProduct, item.ServiceVersion,
			item.ServiceExtraInfo, item.Banner, strings.Join(item.Scripts, " "))
	}

	for i, item := range rctx.InferredTechnologies {
		if i >= 64 {
			break
		}
		add(item.Name, item.Version, item.CPE, item.Evidence)
	}

	if rctx.Signals != nil {
		add(stringsFromSignal(rctx.Signals["observed_technologies"])...)
		for key, value := range rctx.Signals {
			if v, ok := value.(bool); ok && v && strings.HasSuffix(key, "_detected") {
				add(strings.TrimSuffix(key, "_detected"))
			} else if s, ok := value.(string); ok && strings.TrimSpace(s) != "" {
				if key == "server" || key == "vendor" || key == "product" {
					add(s)
				}
			}
		}
	}

	for i, item := range rctx.Scripts {
		if i >= 48 {
			break
		}
		add(item.ScriptID, item.Excerpt)
	}
	for i, item := range rctx.RecentProcesses {
		if i >= 48 {
			break
		}
		add(item.ToolID, item.CommandExcerpt, item.OutputExcerpt)
	}

	if state := rctx.HostAIState; state != nil {
		add(state.Provider, state.GoalProfile, state.NextPhase)
		add(state.HostUpdates.Hostname, state.HostUpdates.OS)
		for i, item := range state.Technologies {
			if i >= 48 {
				break
			}
			add(item.Name, item.Version, item.CPE, item.Evidence)
		}
		for i, item := range state.Findings {
			if i >= 48 {
				break
			}
			add(item.Title, item.Severity, item.CVE, item.Evidence)
		}
		for i, item := range state.ManualTests {
			if i >= 24 {
				break
			}
			add(item.Why, item.Command, item.ScopeNote)
		}
	}

	add(rctx.Coverage.AnalysisMode, rctx.Coverage.Stage)
	if len(rctx.Coverage.Missing) > 24 {
		add(rctx.Coverage.Missing[:24]...)
	} else {
		add(rctx.Coverage.Missing...)
	}
	if len(rctx.Coverage.RecommendedToolIDs) > 32 {
		add(rctx.Coverage.RecommendedToolIDs[:32]...)
	} else {
		add(rctx.Coverage.RecommendedToolIDs...)
	}

	cleaned := map[string]struct{}{}
	for token := range observed {
		if _, ok := ignoredContextTokens[token]; ok {
			continue
		}
		if isDigits(token) || len(token) < 3 {
			continue
		}
		cleaned[token] = struct{}{}
	}
	return cleaned
}

// activeContextSignals summarizes the signals currently firing, for use in
// fallback rationales. Sorted for stable output.
func activeContextSignals(rctx *recon.Context) []string {
	if rctx == nil || rctx.Signals == nil {
		return nil
	}
	keys := make([]string, 0, len(rctx.Signals))
	for key := range rctx.Signals {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var active []string
	for _, key := range keys {
		switch value := rctx.Signals[key].(type) {
		case bool:
			if value {
				active = append(active, key)
			}
		case int:
			if value > 0 {
				active = append(active, fmt.Sprintf("%s=%d", key, value))
			}
		case float64:
			if value > 0 {
				active = append(active, fmt.Sprintf("%s=%v", key, value))
			}
		case string:
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				active = append(active, key+"="+trimmed)
			}
		case []string:
			if len(value) > 0 {
				active = append(active, fmt.Sprintf("%s=%d", key, len(value)))
			}
		case []any:
			if len(value) > 0 {
				active = append(active, fmt.Sprintf("%s=%d", key, len(value)))
			}
		}
	}
	return active
}

func stringsFromSignal(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func boolSignal(signals map[string]any, key string) bool {
	v, ok := signals[key].(bool)
	return ok && v
}

func intSignal(signals map[string]any, key string) int {
	switch v := signals[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func loweredSet(values []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, value := range values {
		token := strings.ToLower(strings.TrimSpace(value))
		if token != "" {
			out[token] = struct{}{}
		}
	}
	return out
}

func intersects(a, b map[string]struct{}) bool {
	for token := range a {
		if _, ok := b[token]; ok {
			return true
		}
	}
	return false
}

func isDigits(token string) bool {
	for _, r := range token {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(token) > 0
}

func toSet(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		out[value] = struct{}{}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
