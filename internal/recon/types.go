// Package recon holds the shared domain types the scheduler passes between
// the planner, the provider client, and the approval ledger: tool catalogue
// entries, host context assembled by callers, and ranked action output.
package recon

// Candidate is one tool the planner may schedule for a service. It is built
// by merging the coarse automated-attack catalogue with the fine port-action
// catalogue; ServiceScope keeps the comma-separated service list it matched.
type Candidate struct {
	ToolID          string `json:"tool_id"`
	Label           string `json:"label"`
	CommandTemplate string `json:"command_template"`
	ServiceScope    string `json:"service_scope"`
}

// ScheduledAction is the planner's output unit: one ranked, risk-annotated
// tool invocation candidate. RequiresApproval is recomputed on every plan
// call from the danger categories and the pre-approved family list.
type ScheduledAction struct {
	ToolID           string   `json:"tool_id"`
	Label            string   `json:"label"`
	CommandTemplate  string   `json:"command_template"`
	Protocol         string   `json:"protocol"`
	Score            float64  `json:"score"`
	Rationale        string   `json:"rationale"`
	Mode             string   `json:"mode"`
	GoalProfile      string   `json:"goal_profile"`
	FamilyID         string   `json:"family_id"`
	DangerCategories []string `json:"danger_categories"`
	RequiresApproval bool     `json:"requires_approval"`
}

// Target identifies the host/service a plan call is about, plus whatever
// product/version evidence the caller has accumulated.
type Target struct {
	HostIP           string   `json:"host_ip,omitempty"`
	Hostname         string   `json:"hostname,omitempty"`
	OS               string   `json:"os,omitempty"`
	Port             string   `json:"port,omitempty"`
	Protocol         string   `json:"protocol,omitempty"`
	Service          string   `json:"service,omitempty"`
	ServiceProduct   string   `json:"service_product,omitempty"`
	ServiceVersion   string   `json:"service_version,omitempty"`
	ServiceExtraInfo string   `json:"service_extrainfo,omitempty"`
	ShodanEnabled    bool     `json:"shodan_enabled,omitempty"`
	HostOpenServices []string `json:"host_open_services,omitempty"`
	HostOpenPorts    []string `json:"host_open_ports,omitempty"`
	HostBanners      []string `json:"host_banners,omitempty"`
}

// Coverage names the baseline checks a host still lacks and what the caller
// recommends running next.
type Coverage struct {
	Missing            []string        `json:"missing,omitempty"`
	RecommendedToolIDs []string        `json:"recommended_tool_ids,omitempty"`
	AnalysisMode       string          `json:"analysis_mode,omitempty"`
	Stage              string          `json:"stage,omitempty"`
	HostCVECount       int             `json:"host_cve_count,omitempty"`
	Has                map[string]bool `json:"has,omitempty"`
}

// PortInfo is one open port with its service evidence.
type PortInfo struct {
	Port             string   `json:"port,omitempty"`
	Protocol         string   `json:"protocol,omitempty"`
	State            string   `json:"state,omitempty"`
	Service          string   `json:"service,omitempty"`
	ServiceProduct   string   `json:"service_product,omitempty"`
	ServiceVersion   string   `json:"service_version,omitempty"`
	ServiceExtraInfo string   `json:"service_extrainfo,omitempty"`
	Banner           string   `json:"banner,omitempty"`
	Scripts          []string `json:"scripts,omitempty"`
}

// CVEInfo is one CVE correlation the caller already holds for the host.
type CVEInfo struct {
	Name     string `json:"name,omitempty"`
	Severity string `json:"severity,omitempty"`
	Product  string `json:"product,omitempty"`
	Version  string `json:"version,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ScriptSignal is an excerpt of a scanner script result.
type ScriptSignal struct {
	ScriptID string `json:"script_id,omitempty"`
	Port     string `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
}

// ProcessSignal is an excerpt of a recently executed tool run.
type ProcessSignal struct {
	ToolID         string `json:"tool_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Port           string `json:"port,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
	CommandExcerpt string `json:"command_excerpt,omitempty"`
	OutputExcerpt  string `json:"output_excerpt,omitempty"`
}

// HostAIState carries prior AI-derived findings for continuity across rounds.
type HostAIState struct {
	UpdatedAt    string       `json:"updated_at,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	GoalProfile  string       `json:"goal_profile,omitempty"`
	NextPhase    string       `json:"next_phase,omitempty"`
	HostUpdates  HostUpdates  `json:"host_updates,omitempty"`
	Technologies []Technology `json:"technologies,omitempty"`
	Findings     []Finding    `json:"findings,omitempty"`
	ManualTests  []ManualTest `json:"manual_tests,omitempty"`
}

// Context is the advisory evidence bundle a caller assembles per plan call.
// The scheduler treats it as immutable and never persists it. Signals is a
// free-form map: booleans flag detected technologies (keys ending in
// "_detected" carry vendor names), numbers carry counts, strings carry
// server/vendor/product evidence, and string lists carry observed values.
type Context struct {
	Target               Target          `json:"target,omitempty"`
	Signals              map[string]any  `json:"signals,omitempty"`
	Coverage             Coverage        `json:"coverage,omitempty"`
	AnalysisMode         string          `json:"analysis_mode,omitempty"`
	AttemptedToolIDs     []string        `json:"attempted_tool_ids,omitempty"`
	HostPorts            []PortInfo      `json:"host_ports,omitempty"`
	HostCVEs             []CVEInfo       `json:"host_cves,omitempty"`
	InferredTechnologies []Technology    `json:"inferred_technologies,omitempty"`
	Scripts              []ScriptSignal  `json:"scripts,omitempty"`
	RecentProcesses      []ProcessSignal `json:"recent_processes,omitempty"`
	TargetScripts        []ScriptSignal  `json:"target_scripts,omitempty"`
	TargetProcesses      []ProcessSignal `json:"target_recent_processes,omitempty"`
	HostAIState          *HostAIState    `json:"host_ai_state,omitempty"`
}

// RankedAction is one tool ranking returned by a provider.
type RankedAction struct {
	ToolID    string  `json:"tool_id"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Technology is one discovered technology with its evidence.
type Technology struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	CPE      string `json:"cpe"`
	Evidence string `json:"evidence"`
}

// HostUpdates carries hostname/OS refinements a provider proposed.
type HostUpdates struct {
	Hostname           string       `json:"hostname,omitempty"`
	HostnameConfidence float64      `json:"hostname_confidence,omitempty"`
	OS                 string       `json:"os,omitempty"`
	OSConfidence       float64      `json:"os_confidence,omitempty"`
	Technologies       []Technology `json:"technologies,omitempty"`
}

// Finding is one vulnerability observation a provider reported.
type Finding struct {
	Title    string  `json:"title"`
	Severity string  `json:"severity"`
	CVSS     float64 `json:"cvss"`
	CVE      string  `json:"cve"`
	Evidence string  `json:"evidence"`
}

// ManualTest is a suggested human follow-up the scheduler will not run.
type ManualTest struct {
	Why       string `json:"why"`
	Command   string `json:"command"`
	ScopeNote string `json:"scope_note"`
}

// Payload is the full normalized output of one provider ranking call. Every
// field is optional; a partially valid provider response fills what it can.
type Payload struct {
	Provider     string         `json:"provider,omitempty"`
	Actions      []RankedAction `json:"actions"`
	HostUpdates  HostUpdates    `json:"host_updates"`
	Technologies []Technology   `json:"technologies"`
	Findings     []Finding      `json:"findings"`
	ManualTests  []ManualTest   `json:"manual_tests"`
	NextPhase    string         `json:"next_phase"`
}
