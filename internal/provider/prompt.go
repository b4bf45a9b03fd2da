package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/seclabs/reconplan/internal/recon"
)

// Boolean signals that are rendered even when false, so the model sees the
// negative evidence too.
var alwaysIncludeBoolSignals = map[string]struct{}{
	"web_service":         {},
	"rdp_service":         {},
	"vnc_service":         {},
	"tls_detected":        {},
	"shodan_enabled":      {},
	"wordpress_detected":  {},
	"iis_detected":        {},
	"webdav_detected":     {},
	"vmware_detected":     {},
	"coldfusion_detected": {},
	"huawei_detected":     {},
	"ubiquiti_detected":   {},
}

var webServiceIDs = map[string]struct{}{
	"http":       {},
	"https":      {},
	"ssl":        {},
	"soap":       {},
	"http-proxy": {},
	"http-alt":   {},
	"https-alt":  {},
}

// IsWebService reports whether a service id names an HTTP-family service.
func IsWebService(service string) bool {
	_, ok := webServiceIDs[strings.ToLower(strings.TrimSpace(service))]
	return ok
}

// DerivePhase maps the current evidence to a recon lifecycle phase. The
// phase only steers the prompt; it never gates which candidates are sent.
func DerivePhase(goalProfile, service string, rctx recon.Context) string {
	missing := map[string]struct{}{}
	for _, item := range rctx.Coverage.Missing {
		token := strings.ToLower(strings.TrimSpace(item))
		if token != "" {
			missing[token] = struct{}{}
		}
	}
	analysisMode := strings.ToLower(strings.TrimSpace(rctx.Coverage.AnalysisMode))
	if analysisMode == "" {
		analysisMode = strings.ToLower(strings.TrimSpace(rctx.AnalysisMode))
	}
	if analysisMode == "" {
		analysisMode = "standard"
	}
	attempted := toolSet(rctx.AttemptedToolIDs)
	isWeb := boolSignal(rctx.Signals, "web_service") || IsWebService(service)

	hasMissing := func(tokens ...string) bool {
		for _, t := range tokens {
			if _, ok := missing[t]; ok {
				return true
			}
		}
		return false
	}

	// Explicit coverage gaps reported by the caller win over inference.
	switch {
	case hasMissing("missing_discovery"):
		return "initial_discovery"
	case hasMissing("missing_screenshot", "missing_remote_screenshot"):
		return "service_fingerprint"
	case hasMissing("missing_nmap_vuln", "missing_nuclei_auto"):
		return "broad_vuln"
	case hasMissing("missing_cpe_cve_enrichment"):
		return "broad_vuln"
	case hasMissing("missing_smb_signing_checks"):
		return "protocol_checks"
	case hasMissing("missing_whatweb", "missing_nikto", "missing_web_content_discovery"):
		return "deep_web"
	case hasMissing("missing_followup_after_vuln"):
		return "targeted_checks"
	}

	hasDiscovery := anyAttempted(attempted, "nmap", "banner", "fingerprint-strings", "http-title", "ssl-cert")
	hasScreenshot := anyAttempted(attempted, "screenshooter")
	hasBroadVuln := anyAttempted(attempted, "nmap-vuln.nse", "nuclei-web")
	hasProtocolChecks := anyAttempted(attempted,
		"smb-security-mode", "smb-os-discovery", "rdp-ntlm-info", "ssh-hostkey",
		"ssh-auth-methods.nse", "snmp-info", "sslscan", "sslyze")
	hasDeepWeb := anyAttempted(attempted,
		"whatweb", "whatweb-http", "whatweb-https", "nikto", "web-content-discovery",
		"wafw00f", "wpscan", "http-wapiti", "https-wapiti")

	shodanEnabled := boolSignal(rctx.Signals, "shodan_enabled")
	shodanChecked := anyAttempted(attempted, "shodan-enrichment", "shodan-host", "pyshodan")

	switch {
	case !hasDiscovery:
		return "initial_discovery"
	case (isWeb || boolSignal(rctx.Signals, "rdp_service") || boolSignal(rctx.Signals, "vnc_service")) && !hasScreenshot:
		return "service_fingerprint"
	case !hasBroadVuln:
		return "broad_vuln"
	case !hasProtocolChecks:
		return "protocol_checks"
	case isWeb && !hasDeepWeb:
		return "deep_web"
	case strings.ToLower(strings.TrimSpace(goalProfile)) == "external_pentest" && shodanEnabled && !shodanChecked:
		return "external_enrichment"
	case analysisMode == "dig_deeper":
		return "deep_validation"
	}
	return "targeted_checks"
}

type candidateLine struct {
	ToolID                 string `json:"tool_id"`
	Label                  string `json:"label"`
	ServiceScope           string `json:"service_scope"`
	CommandTemplateExcerpt string `json:"command_template_excerpt"`
}

// buildPrompt renders the ranking prompt under the hard character budget.
// Candidates that do not fit are dropped and summarized with a note line;
// the first candidate is always included, with a tighter template excerpt
// if the budget is already blown.
func buildPrompt(goalProfile, service, protocol string, candidates []recon.Candidate, rctx recon.Context) string {
	contextBlock := buildContextBlock(rctx)
	currentPhase := DerivePhase(goalProfile, service, rctx)

	prefix := "You are a penetration-testing scheduler assistant.\n" +
		fmt.Sprintf("Goal profile: %s\n", goalProfile) +
		fmt.Sprintf("Service: %s\n", service) +
		fmt.Sprintf("Protocol: %s\n", protocol) +
		fmt.Sprintf("Current phase: %s\n", currentPhase) +
		"Rank the candidates by expected signal-to-noise and safety.\n" +
		"Second-stage review: identify what baseline coverage is still missing from prior results and prioritize " +
		"those missing scans plus immediate follow-up dependencies before niche checks.\n" +
		"When context.coverage.missing is present, satisfy those gaps first.\n" +
		"When analysis_mode is dig_deeper, reason over full host context (all open ports/services/scripts/process " +
		"results/findings/CVEs) and choose the highest-value next actions.\n" +
		"Lifecycle phases: initial_discovery -> service_fingerprint -> broad_vuln -> protocol_checks " +
		"-> targeted_checks -> deep_web -> external_enrichment -> complete.\n" +
		"Initial discovery priorities: nmap discovery/service+OS (if enabled), screenshots for HTTP/HTTPS and " +
		"RDP/VNC when available, banners for other services.\n" +
		"Use broad vuln discovery early: nmap vuln+vulners and nuclei automatic scan.\n" +
		"When confident CPE/technology evidence exists but CVE correlation is weak, prioritize CPE-to-CVE enrichment " +
		"and related follow-up scans before niche checks.\n" +
		"Then run protocol checks (for example SMB signing/state checks) and targeted checks driven by identified " +
		"technology/vendor/CPE/CVE evidence.\n" +
		"For web services, include deeper checks like whatweb, nikto, and web content discovery.\n" +
		"If goal profile is external and Shodan is available, include external enrichment when high-value.\n" +
		"Continuously reassess hostname/OS/technology/version confidence from cumulative host evidence.\n" +
		"Only choose technology/vendor-specific tools when context contains matching evidence.\n" +
		"If matching evidence is absent, avoid specialized checks and prefer broad recon/vuln tools.\n" +
		"Avoid rerunning tools that already executed successfully or are known missing.\n" +
		"Return ONLY JSON with this schema:\n" +
		`{"actions":[{"tool_id":"...","score":0-100,"rationale":"..."}],` +
		`"host_updates":{"hostname":"...","hostname_confidence":0-100,"os":"...","os_confidence":0-100,` +
		`"technologies":[{"name":"...","version":"...","cpe":"...","evidence":"..."}]},` +
		`"findings":[{"title":"...","severity":"critical|high|medium|low|info","cvss":0-10,` +
		`"cve":"...","evidence":"..."}],` +
		`"manual_tests":[{"why":"...","command":"...","scope_note":"..."}],` +
		`"next_phase":"..."}` + "\n" +
		"If no safe/high-value action remains, return actions as [] and provide manual_tests command suggestions.\n" +
		"Do not include tools not present in candidates.\n" +
		contextBlock +
		"Candidates:\n"

	if len(candidates) == 0 {
		return prefix
	}

	budget := maxPromptChars - len(prefix) - 120
	if budget < 800 {
		budget = 800
	}

	var lines []string
	omitted := 0
	used := 0
	for index, candidate := range candidates {
		if index >= maxCandidates {
			omitted = len(candidates) - index
			break
		}
		line := marshalCandidate(candidate, maxTemplateChars)
		projected := used + len(line) + 1
		if projected > budget {
			omitted = len(candidates) - index
			break
		}
		lines = append(lines, line)
		used = projected
	}

	if len(lines) == 0 {
		lines = append(lines, marshalCandidate(candidates[0], 96))
		omitted = len(candidates) - 1
		if omitted < 0 {
			omitted = 0
		}
	}

	if omitted > 0 {
		note, _ := json.Marshal(map[string]string{
			"note": fmt.Sprintf("%d candidates omitted due to context budget", omitted),
		})
		lines = append(lines, string(note))
	}

	return prefix + strings.Join(lines, "\n")
}

func marshalCandidate(candidate recon.Candidate, templateChars int) string {
	line, _ := json.Marshal(candidateLine{
		ToolID:                 clip(candidate.ToolID, 120),
		Label:                  clip(candidate.Label, maxLabelChars),
		ServiceScope:           clip(candidate.ServiceScope, 120),
		CommandTemplateExcerpt: normalizePromptText(candidate.CommandTemplate, templateChars),
	})
	return string(line)
}

// buildContextBlock renders the advisory evidence as compact JSON lines,
// bounded at maxContextChars with an explicit truncation marker.
func buildContextBlock(rctx recon.Context) string {
	var lines []string

	appendLine := func(key string, value any) {
		wrapped := map[string]any{key: value}
		rendered, err := json.Marshal(wrapped)
		if err != nil {
			return
		}
		lines = append(lines, string(rendered))
	}

	if target := compactTarget(rctx.Target); target != nil {
		appendLine("target", target)
	}

	if analysisMode := strings.ToLower(strings.TrimSpace(rctx.AnalysisMode)); analysisMode != "" {
		appendLine("analysis_mode", clip(analysisMode, 32))
	}

	if ports := compactPorts(rctx.HostPorts); len(ports) > 0 {
		appendLine("host_ports", ports)
	}

	if inferred := compactTechnologies(rctx.InferredTechnologies, 24); len(inferred) > 0 {
		appendLine("inferred_technologies", inferred)
	}

	if cves := compactCVEs(rctx.HostCVEs); len(cves) > 0 {
		appendLine("host_cves", cves)
	}

	if coverage := compactCoverage(rctx.Coverage); coverage != nil {
		appendLine("coverage", coverage)
	}

	if signals := compactSignals(rctx.Signals); len(signals) > 0 {
		appendLine("signals", signals)
	}

	if state := compactHostAIState(rctx.HostAIState); state != nil {
		appendLine("host_ai_state", state)
	}

	if attempted := compactStrings(rctx.AttemptedToolIDs, 80, 120); len(attempted) > 0 {
		appendLine("attempted_tools", attempted)
	}

	for i, item := range rctx.Scripts {
		if i >= maxContextItems {
			break
		}
		scriptID := strings.TrimSpace(item.ScriptID)
		excerpt := normalizePromptText(item.Excerpt, 680)
		if scriptID == "" && excerpt == "" {
			continue
		}
		appendLine("script_signal", map[string]string{
			"script_id": clip(scriptID, 96),
			"port":      clip(item.Port, 20),
			"protocol":  strings.ToLower(clip(item.Protocol, 12)),
			"excerpt":   excerpt,
		})
	}

	for i, item := range rctx.RecentProcesses {
		if i >= maxContextItems {
			break
		}
		toolID := strings.TrimSpace(item.ToolID)
		excerpt := normalizePromptText(item.OutputExcerpt, 680)
		if toolID == "" && excerpt == "" {
			continue
		}
		appendLine("process_signal", map[string]string{
			"tool_id":         clip(toolID, 96),
			"status":          clip(item.Status, 40),
			"port":            clip(item.Port, 20),
			"protocol":        strings.ToLower(clip(item.Protocol, 12)),
			"command_excerpt": normalizePromptText(item.CommandExcerpt, 300),
			"output_excerpt":  excerpt,
		})
	}

	if targetScripts := compactScripts(rctx.TargetScripts, 24, 320); len(targetScripts) > 0 {
		appendLine("target_scripts", targetScripts)
	}

	if targetProcesses := compactProcesses(rctx.TargetProcesses, 24, 320); len(targetProcesses) > 0 {
		appendLine("target_processes", targetProcesses)
	}

	if len(lines) == 0 {
		return ""
	}
	return "Context:\n" + truncateBlockText(strings.Join(lines, "\n"), maxContextChars) + "\n"
}

func compactTarget(target recon.Target) map[string]any {
	payload := map[string]any{}
	setIf := func(key, value string, max int) {
		if v := clip(value, max); v != "" {
			payload[key] = v
		}
	}
	setIf("host_ip", target.HostIP, 80)
	setIf("hostname", target.Hostname, 120)
	setIf("os", target.OS, 80)
	setIf("port", target.Port, 20)
	setIf("protocol", target.Protocol, 12)
	setIf("service", target.Service, 64)
	setIf("service_product", target.ServiceProduct, 120)
	setIf("service_version", target.ServiceVersion, 80)
	setIf("service_extrainfo", target.ServiceExtraInfo, 120)
	if target.ShodanEnabled {
		payload["shodan_enabled"] = true
	}
	if services := compactStrings(target.HostOpenServices, 48, 64); len(services) > 0 {
		payload["host_open_services"] = services
	}
	if ports := compactStrings(target.HostOpenPorts, 96, 120); len(ports) > 0 {
		payload["host_open_ports"] = ports
	}
	if len(target.HostBanners) > 0 {
		var banners []string
		for i, banner := range target.HostBanners {
			if i >= 96 {
				break
			}
			if b := normalizePromptText(banner, 220); b != "" {
				banners = append(banners, b)
			}
		}
		if len(banners) > 0 {
			payload["host_banners"] = banners
		}
	}
	if len(payload) == 0 {
		return nil
	}
	return payload
}

func compactPorts(ports []recon.PortInfo) []map[string]any {
	var out []map[string]any
	for i, item := range ports {
		if i >= maxContextItems {
			break
		}
		payload := map[string]any{}
		setIf := func(key, value string, max int) {
			if v := clip(value, max); v != "" {
				payload[key] = v
			}
		}
		setIf("port", item.Port, 20)
		setIf("protocol", item.Protocol, 12)
		setIf("state", item.State, 32)
		setIf("service", item.Service, 64)
		setIf("service_product", item.ServiceProduct, 120)
		setIf("service_version", item.ServiceVersion, 80)
		setIf("service_extrainfo", item.ServiceExtraInfo, 120)
		if banner := normalizePromptText(item.Banner, 220); banner != "" {
			payload["banner"] = banner
		}
		if scripts := compactStrings(item.Scripts, 96, 16); len(scripts) > 0 {
			payload["scripts"] = scripts
		}
		if len(payload) > 0 {
			out = append(out, payload)
		}
	}
	return out
}

func compactTechnologies(items []recon.Technology, limit int) []map[string]string {
	var out []map[string]string
	for i, item := range items {
		if i >= limit {
			break
		}
		name := clip(item.Name, 120)
		cpe := clip(item.CPE, 180)
		if name == "" && cpe == "" {
			continue
		}
		out = append(out, map[string]string{
			"name":     name,
			"version":  clip(item.Version, 80),
			"cpe":      cpe,
			"evidence": normalizePromptText(item.Evidence, 220),
		})
	}
	return out
}

func compactCVEs(items []recon.CVEInfo) []map[string]string {
	var out []map[string]string
	for i, item := range items {
		if i >= maxContextItems {
			break
		}
		row := map[string]string{
			"name":     clip(item.Name, 96),
			"severity": strings.ToLower(clip(item.Severity, 24)),
			"product":  clip(item.Product, 120),
			"version":  clip(item.Version, 80),
			"url":      clip(item.URL, 220),
		}
		empty := true
		for _, v := range row {
			if v != "" {
				empty = false
				break
			}
		}
		if !empty {
			out = append(out, row)
		}
	}
	return out
}

func compactCoverage(coverage recon.Coverage) map[string]any {
	payload := map[string]any{}
	if v := strings.ToLower(clip(coverage.AnalysisMode, 24)); v != "" {
		payload["analysis_mode"] = v
	}
	if v := strings.ToLower(clip(coverage.Stage, 32)); v != "" {
		payload["stage"] = v
	}
	if coverage.HostCVECount > 0 {
		payload["host_cve_count"] = coverage.HostCVECount
	}
	if missing := compactLoweredStrings(coverage.Missing, 64, 24); len(missing) > 0 {
		payload["missing"] = missing
	}
	if recommended := compactLoweredStrings(coverage.RecommendedToolIDs, 80, 32); len(recommended) > 0 {
		payload["recommended_tool_ids"] = recommended
	}
	if len(coverage.Has) > 0 {
		has := map[string]bool{}
		for key, value := range coverage.Has {
			if k := clip(key, 40); k != "" {
				has[k] = value
			}
		}
		if len(has) > 0 {
			payload["has"] = has
		}
	}
	if len(payload) == 0 {
		return nil
	}
	return payload
}

// compactSignals renders the free-form signal map: booleans only when true
// or explicitly allowlisted, numbers only when nonzero, trimmed strings, and
// bounded string lists. Keys are sorted for stable prompts.
func compactSignals(signals map[string]any) map[string]any {
	if len(signals) == 0 {
		return nil
	}
	keys := make([]string, 0, len(signals))
	for key := range signals {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	payload := map[string]any{}
	for _, key := range keys {
		switch value := signals[key].(type) {
		case bool:
			if _, always := alwaysIncludeBoolSignals[key]; value || always {
				payload[key] = value
			}
		case int:
			if value != 0 {
				payload[key] = value
			}
		case float64:
			if value != 0 {
				payload[key] = value
			}
		case string:
			if cleaned := strings.TrimSpace(value); cleaned != "" {
				payload[key] = clip(cleaned, 120)
			}
		case []string:
			if compact := compactStrings(value, 80, 24); len(compact) > 0 {
				payload[key] = compact
			}
		case []any:
			var items []string
			for _, item := range value {
				if s, ok := item.(string); ok {
					items = append(items, s)
				}
			}
			if compact := compactStrings(items, 80, 24); len(compact) > 0 {
				payload[key] = compact
			}
		}
	}
	if len(payload) == 0 {
		return nil
	}
	return payload
}

func compactHostAIState(state *recon.HostAIState) map[string]any {
	if state == nil {
		return nil
	}
	payload := map[string]any{}
	setIf := func(key, value string, max int) {
		if v := clip(value, max); v != "" {
			payload[key] = v
		}
	}
	setIf("updated_at", state.UpdatedAt, 64)
	setIf("provider", state.Provider, 40)
	setIf("goal_profile", state.GoalProfile, 64)
	setIf("next_phase", state.NextPhase, 64)

	updates := map[string]any{}
	if v := clip(state.HostUpdates.Hostname, 120); v != "" {
		updates["hostname"] = v
	}
	if state.HostUpdates.HostnameConfidence > 0 {
		updates["hostname_confidence"] = clampFloat(state.HostUpdates.HostnameConfidence, 0, 100)
	}
	if v := clip(state.HostUpdates.OS, 80); v != "" {
		updates["os"] = v
	}
	if state.HostUpdates.OSConfidence > 0 {
		updates["os_confidence"] = clampFloat(state.HostUpdates.OSConfidence, 0, 100)
	}
	if len(updates) > 0 {
		payload["host_updates"] = updates
	}

	if technologies := compactTechnologies(state.Technologies, 24); len(technologies) > 0 {
		payload["technologies"] = technologies
	}

	var findings []map[string]string
	for i, item := range state.Findings {
		if i >= 24 {
			break
		}
		title := clip(item.Title, 220)
		cve := clip(item.CVE, 64)
		if title == "" && cve == "" {
			continue
		}
		findings = append(findings, map[string]string{
			"title":    title,
			"severity": strings.ToLower(clip(item.Severity, 16)),
			"cve":      cve,
			"evidence": normalizePromptText(item.Evidence, 220),
		})
	}
	if len(findings) > 0 {
		payload["findings"] = findings
	}

	var manual []map[string]string
	for i, item := range state.ManualTests {
		if i >= 16 {
			break
		}
		command := normalizePromptText(item.Command, 220)
		why := normalizePromptText(item.Why, 180)
		if command == "" && why == "" {
			continue
		}
		manual = append(manual, map[string]string{
			"command":    command,
			"why":        why,
			"scope_note": normalizePromptText(item.ScopeNote, 140),
		})
	}
	if len(manual) > 0 {
		payload["manual_tests"] = manual
	}

	if len(payload) == 0 {
		return nil
	}
	return payload
}

func compactScripts(items []recon.ScriptSignal, limit, excerptChars int) []map[string]string {
	var out []map[string]string
	for i, item := range items {
		if i >= limit {
			break
		}
		scriptID := strings.TrimSpace(item.ScriptID)
		excerpt := normalizePromptText(item.Excerpt, excerptChars)
		if scriptID == "" && excerpt == "" {
			continue
		}
		out = append(out, map[string]string{
			"script_id": clip(scriptID, 96),
			"port":      clip(item.Port, 20),
			"protocol":  strings.ToLower(clip(item.Protocol, 12)),
			"excerpt":   excerpt,
		})
	}
	return out
}

func compactProcesses(items []recon.ProcessSignal, limit, excerptChars int) []map[string]string {
	var out []map[string]string
	for i, item := range items {
		if i >= limit {
			break
		}
		toolID := strings.TrimSpace(item.ToolID)
		excerpt := normalizePromptText(item.OutputExcerpt, excerptChars)
		if toolID == "" && excerpt == "" {
			continue
		}
		out = append(out, map[string]string{
			"tool_id":        clip(toolID, 96),
			"status":         clip(item.Status, 40),
			"port":           clip(item.Port, 20),
			"protocol":       strings.ToLower(clip(item.Protocol, 12)),
			"output_excerpt": excerpt,
		})
	}
	return out
}

func compactStrings(values []string, itemChars, limit int) []string {
	var out []string
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		out = append(out, clip(trimmed, itemChars))
		if len(out) >= limit {
			break
		}
	}
	return out
}

func compactLoweredStrings(values []string, itemChars, limit int) []string {
	out := compactStrings(values, itemChars, limit)
	for i, value := range out {
		out[i] = strings.ToLower(value)
	}
	return out
}

func toolSet(values []string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, value := range values {
		token := strings.ToLower(strings.TrimSpace(value))
		if token != "" {
			set[token] = struct{}{}
		}
	}
	return set
}

func anyAttempted(attempted map[string]struct{}, tools ...string) bool {
	for _, tool := range tools {
		if _, ok := attempted[tool]; ok {
			return true
		}
	}
	return false
}

func boolSignal(signals map[string]any, key string) bool {
	value, ok := signals[key].(bool)
	return ok && value
}

// normalizePromptText flattens newlines, collapses whitespace, and bounds
// the result with a visible truncation marker.
func normalizePromptText(value string, maxChars int) string {
	text := strings.NewReplacer("\n", " ", "\r", " ").Replace(value)
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= maxChars {
		return text
	}
	return strings.TrimRight(text[:maxChars], " \t") + "...[truncated]"
}

func truncateBlockText(value string, maxChars int) string {
	if len(value) <= maxChars {
		return value
	}
	return strings.TrimRight(value[:maxChars], " \t\n") + "\n...[truncated]"
}

func clip(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) <= maxChars {
		return trimmed
	}
	return trimmed[:maxChars]
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
