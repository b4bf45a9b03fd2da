package planner

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclabs/reconplan/internal/config"
	"github.com/seclabs/reconplan/internal/family"
	"github.com/seclabs/reconplan/internal/recon"
)

type stubProvider struct {
	payload recon.Payload
	err     error

	calls         int
	gotCandidates []recon.Candidate
	gotProfile    string
}

func (s *stubProvider) Rank(_ config.Config, goalProfile, _, _ string, candidates []recon.Candidate, _ recon.Context) (recon.Payload, error) {
	s.calls++
	s.gotProfile = goalProfile
	s.gotCandidates = candidates
	return s.payload, s.err
}

func newTestPlanner(t *testing.T, mode string, stub *stubProvider) (*Planner, *config.Manager) {
	t.Helper()
	manager, err := config.NewManager(filepath.Join(t.TempDir(), "scheduler.json"))
	require.NoError(t, err)

	cfg, err := manager.Load()
	require.NoError(t, err)
	cfg.Mode = mode
	if mode == config.ModeAI {
		cfg.Provider = "openai"
		providerCfg := cfg.Providers["openai"]
		providerCfg.Enabled = true
		providerCfg.APIKey = "sk-test"
		cfg.Providers["openai"] = providerCfg
	}
	require.NoError(t, manager.Save(cfg))

	return New(manager, stub, zerolog.Nop()), manager
}

func testSettings() ToolSettings {
	return ToolSettings{
		AutomatedAttacks: []AutomatedAttack{
			{ToolID: "nmap", Services: `"smb,microsoft-ds,http,https"`, Protocol: "tcp"},
			{ToolID: "enum4linux", Services: "smb,microsoft-ds", Protocol: "tcp"},
			{ToolID: "hydra-smb", Services: "smb", Protocol: "tcp"},
			{ToolID: "nuclei-web", Services: "http,https", Protocol: "tcp"},
			{ToolID: "nmap-vuln.nse", Services: "http,https,smb", Protocol: "tcp"},
			{ToolID: "screenshooter", Services: "http,https", Protocol: "tcp"},
			{ToolID: "whatweb", Services: "http,https", Protocol: "tcp"},
			{ToolID: "wpscan", Services: "http,https", Protocol: "tcp"},
			{ToolID: "snmp-check", Services: "snmp", Protocol: "udp?"},
		},
		PortActions: []PortAction{
			{ToolID: "nmap", Label: "Nmap service scan", CommandTemplate: "nmap -sV -p {port} {target}", Services: "smb,microsoft-ds,http,https"},
			{ToolID: "enum4linux", Label: "SMB enumeration", CommandTemplate: "enum4linux -a {target}", Services: "smb,microsoft-ds"},
			{ToolID: "hydra-smb", Label: "SMB password spray", CommandTemplate: "hydra -L users.txt -P passwords.txt smb://{target}", Services: "smb"},
			{ToolID: "nuclei-web", Label: "Nuclei web scan", CommandTemplate: "nuclei -u http://{target}:{port} -silent", Services: "http,https"},
			{ToolID: "nmap-vuln.nse", Label: "Nmap vuln scripts", CommandTemplate: "nmap --script vuln -p {port} {target}", Services: "http,https,smb"},
			{ToolID: "screenshooter", Label: "Web screenshot", CommandTemplate: "screenshooter http://{target}:{port}", Services: "http,https"},
			{ToolID: "whatweb", Label: "WhatWeb fingerprint", CommandTemplate: "whatweb http://{target}:{port}", Services: "http,https"},
			{ToolID: "wpscan", Label: "WordPress scan", CommandTemplate: "wpscan --url http://{target}:{port}", Services: "http,https"},
		},
	}
}

func TestPlanDeterministicCatalogueOrder(t *testing.T) {
	planner, _ := newTestPlanner(t, config.ModeDeterministic, nil)

	actions := planner.PlanActions(testSettings(), "smb", "", PlanOptions{})

	require.Len(t, actions, 4)
	assert.Equal(t, "nmap", actions[0].ToolID)
	assert.Equal(t, "enum4linux", actions[1].ToolID)
	assert.Equal(t, "hydra-smb", actions[2].ToolID)
	assert.Equal(t, "nmap-vuln.nse", actions[3].ToolID)
	for _, action := range actions {
		assert.Equal(t, 1.0, action.Score)
		assert.Equal(t, "Selected by deterministic scheduler mapping.", action.Rationale)
		assert.Equal(t, config.ModeDeterministic, action.Mode)
		assert.Equal(t, "tcp", action.Protocol)
		assert.NotEmpty(t, action.FamilyID)
	}
	assert.Equal(t, "SMB enumeration", actions[1].Label)
}

func TestPlanDeterministicLimit(t *testing.T) {
	planner, _ := newTestPlanner(t, config.ModeDeterministic, nil)

	actions := planner.PlanActions(testSettings(), "smb", "tcp", PlanOptions{Limit: 2})

	require.Len(t, actions, 2)
	assert.Equal(t, "nmap", actions[0].ToolID)
	assert.Equal(t, "enum4linux", actions[1].ToolID)
}

func TestPlanTentativeServiceName(t *testing.T) {
	planner, _ := newTestPlanner(t, config.ModeDeterministic, nil)

	confirmed := planner.PlanActions(testSettings(), "http", "tcp", PlanOptions{})
	tentative := planner.PlanActions(testSettings(), "http?", "tcp", PlanOptions{})

	require.NotEmpty(t, tentative)
	assert.Equal(t, confirmed, tentative)
}

func TestMergeCandidatesIncludesUnscopedPortActions(t *testing.T) {
	settings := testSettings()
	settings.PortActions = append(settings.PortActions, PortAction{
		ToolID:          "banner-grab",
		Label:           "Banner grab",
		CommandTemplate: "nc -v {target} {port}",
		Services:        "",
	})

	candidates := mergeCandidates(settings, "ftp", "tcp", map[string]struct{}{})

	toolIDs := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		toolIDs = append(toolIDs, candidate.ToolID)
	}
	assert.Contains(t, toolIDs, "banner-grab")
}

func TestPlanDeterministicTentativeProtocol(t *testing.T) {
	planner, _ := newTestPlanner(t, config.ModeDeterministic, nil)

	actions := planner.PlanActions(testSettings(), "snmp", "udp", PlanOptions{})

	require.Len(t, actions, 1)
	assert.Equal(t, "snmp-check", actions[0].ToolID)
	// No port action supplies a template, so the family fingerprints on
	// the tool id.
	assert.Equal(t, family.ID("snmp-check", "udp", "snmp-check"), actions[0].FamilyID)
}

func TestPlanExclusionsIgnoreCaseAndWhitespace(t *testing.T) {
	planner, _ := newTestPlanner(t, config.ModeDeterministic, nil)

	actions := planner.PlanActions(testSettings(), "smb", "tcp", PlanOptions{
		ExcludedToolIDs: []string{"  HYDRA-SMB ", "Enum4Linux"},
	})

	require.Len(t, actions, 2)
	assert.Equal(t, "nmap", actions[0].ToolID)
	assert.Equal(t, "nmap-vuln.nse", actions[1].ToolID)
}

func TestPlanDangerousActionApprovalRoundTrip(t *testing.T) {
	planner, manager := newTestPlanner(t, config.ModeDeterministic, nil)

	actions := planner.PlanActions(testSettings(), "smb", "tcp", PlanOptions{})
	var hydra *recon.ScheduledAction
	for i := range actions {
		if actions[i].ToolID == "hydra-smb" {
			hydra = &actions[i]
		}
	}
	require.NotNil(t, hydra)
	assert.Equal(t, []string{"credential_bruteforce"}, hydra.DangerCategories)
	assert.True(t, hydra.RequiresApproval)

	_, err := manager.ApproveFamily(hydra.FamilyID, config.FamilyMeta{
		ToolID:           hydra.ToolID,
		Label:            hydra.Label,
		DangerCategories: hydra.DangerCategories,
	})
	require.NoError(t, err)

	actions = planner.PlanActions(testSettings(), "smb", "tcp", PlanOptions{})
	for _, action := range actions {
		if action.ToolID == "hydra-smb" {
			assert.Equal(t, []string{"credential_bruteforce"}, action.DangerCategories)
			assert.False(t, action.RequiresApproval)
		}
	}
}

func TestPlanAIUsesProviderScores(t *testing.T) {
	stub := &stubProvider{payload: recon.Payload{
		Provider: "openai",
		Actions: []recon.RankedAction{
			{ToolID: "enum4linux", Score: 90, Rationale: "SMB enumeration first."},
			{ToolID: "nmap", Score: 70, Rationale: "Refresh service versions."},
		},
	}}
	planner, _ := newTestPlanner(t, config.ModeAI, stub)

	result := planner.Plan(testSettings(), "smb", "tcp", PlanOptions{Limit: 2})

	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, config.ProfileInternalAssetDiscovery, stub.gotProfile)
	require.Len(t, result.Actions, 2)
	assert.Equal(t, "enum4linux", result.Actions[0].ToolID)
	assert.Equal(t, "SMB enumeration first.", result.Actions[0].Rationale)
	assert.Equal(t, config.ModeAI, result.Actions[0].Mode)
	assert.GreaterOrEqual(t, result.Actions[0].Score, result.Actions[1].Score)
	require.NotNil(t, result.ProviderPayload)
	assert.Equal(t, "openai", result.ProviderPayload.Provider)
}

func TestPlanAIProviderFailureFallsBackToHeuristics(t *testing.T) {
	stub := &stubProvider{err: errors.New("HTTP 502 from provider")}
	planner, _ := newTestPlanner(t, config.ModeAI, stub)

	result := planner.Plan(testSettings(), "smb", "tcp", PlanOptions{})

	require.NotEmpty(t, result.Actions)
	assert.Nil(t, result.ProviderPayload)
	for _, action := range result.Actions {
		assert.Contains(t, action.Rationale, "Provider 'openai' failed")
		assert.Contains(t, action.Rationale, "heuristic fallback applied")
		assert.Contains(t, action.Rationale, "internal visibility and safe enumeration")
	}
}

func TestPlanAIEmptyRankingFallsBackToHeuristics(t *testing.T) {
	stub := &stubProvider{payload: recon.Payload{Provider: "openai"}}
	planner, _ := newTestPlanner(t, config.ModeAI, stub)

	actions := planner.PlanActions(testSettings(), "smb", "tcp", PlanOptions{})

	require.NotEmpty(t, actions)
	for _, action := range actions {
		assert.Contains(t, action.Rationale, "Provider 'openai' returned no ranking; heuristic fallback applied.")
	}
}

func TestPlanAIWebBaselineEnforced(t *testing.T) {
	// Provider pushes a niche tool and omits the baseline entirely.
	stub := &stubProvider{payload: recon.Payload{
		Provider: "openai",
		Actions: []recon.RankedAction{
			{ToolID: "wpscan", Score: 99, Rationale: "WordPress suspected."},
			{ToolID: "whatweb", Score: 80, Rationale: "Fingerprint stack."},
		},
	}}
	planner, _ := newTestPlanner(t, config.ModeAI, stub)

	rctx := &recon.Context{Signals: map[string]any{
		"web_service":        true,
		"wordpress_detected": true,
	}}
	actions := planner.PlanActions(testSettings(), "http", "tcp", PlanOptions{Context: rctx})

	require.Len(t, actions, 4)
	byTool := map[string]recon.ScheduledAction{}
	for _, action := range actions {
		byTool[action.ToolID] = action
	}
	require.Contains(t, byTool, "nuclei-web")
	require.Contains(t, byTool, "nmap-vuln.nse")
	require.Contains(t, byTool, "screenshooter")
	assert.GreaterOrEqual(t, byTool["nuclei-web"].Score, 96.0)
	assert.GreaterOrEqual(t, byTool["nmap-vuln.nse"].Score, 94.0)
	assert.GreaterOrEqual(t, byTool["screenshooter"].Score, 92.0)
}

func TestWebBaselineAppendsScoredActionsNotFloors(t *testing.T) {
	// Baseline tools rank above their floors but below the cut line; the
	// enforcement step must re-append them with their provider scores.
	stub := &stubProvider{payload: recon.Payload{
		Provider: "openai",
		Actions: []recon.RankedAction{
			{ToolID: "whatweb", Score: 100, Rationale: "Fingerprint stack."},
			{ToolID: "nmap", Score: 99, Rationale: "Refresh service map."},
			{ToolID: "nuclei-web", Score: 97, Rationale: "Template sweep."},
			{ToolID: "nmap-vuln.nse", Score: 96, Rationale: "Script audit."},
			{ToolID: "screenshooter", Score: 95, Rationale: "Visual triage."},
		},
	}}
	planner, _ := newTestPlanner(t, config.ModeAI, stub)

	actions := planner.PlanActions(testSettings(), "http", "tcp", PlanOptions{Limit: 3})

	require.Len(t, actions, 3)
	byTool := map[string]float64{}
	for _, action := range actions {
		byTool[action.ToolID] = action.Score
	}
	require.Contains(t, byTool, "nuclei-web")
	require.Contains(t, byTool, "nmap-vuln.nse")
	require.Contains(t, byTool, "screenshooter")
	assert.Equal(t, 96.0, byTool["nmap-vuln.nse"])
	assert.Equal(t, 95.0, byTool["screenshooter"])
}

func TestPlanAIFiltersSpecializedToolsWithoutSignals(t *testing.T) {
	stub := &stubProvider{payload: recon.Payload{Provider: "openai"}}
	planner, _ := newTestPlanner(t, config.ModeAI, stub)

	rctx := &recon.Context{Signals: map[string]any{"web_service": true}}
	planner.PlanActions(testSettings(), "http", "tcp", PlanOptions{Context: rctx})

	for _, candidate := range stub.gotCandidates {
		assert.NotEqual(t, "wpscan", candidate.ToolID, "wpscan offered without wordpress_detected")
	}
}

func TestFilterCandidatesFailsOpen(t *testing.T) {
	candidates := []recon.Candidate{
		{ToolID: "wpscan", Label: "WordPress scan", CommandTemplate: "wpscan --url http://{target}"},
	}
	rctx := &recon.Context{Signals: map[string]any{"web_service": true}}

	filtered := filterCandidates(candidates, rctx)

	assert.Equal(t, candidates, filtered)
}

func TestPlanAINoCandidatesReturnsEmptyPlan(t *testing.T) {
	stub := &stubProvider{}
	planner, _ := newTestPlanner(t, config.ModeAI, stub)

	actions := planner.PlanActions(testSettings(), "ftp", "tcp", PlanOptions{})

	assert.NotNil(t, actions)
	assert.Empty(t, actions)
	assert.Equal(t, 0, stub.calls)
}

func TestHeuristicScoreProfiles(t *testing.T) {
	internal := heuristicScore("enum4linux", "SMB enumeration", "enum4linux -a {target}", config.ProfileInternalAssetDiscovery)
	assert.Equal(t, 84.0, internal) // 50 + 22 (enum) + 12 (smb)

	external := heuristicScore("nuclei-web", "Nuclei web scan", "nuclei -u http://{target} -silent", config.ProfileExternalPentest)
	assert.Equal(t, 90.0, external) // 50 + 10 (web vocab) + 30 (nuclei)

	legacy := heuristicScore("dirbuster", "DirBuster", "java -Xmx256m -jar dirbuster.jar", config.ProfileInternalAssetDiscovery)
	assert.Less(t, legacy, 50.0)
}

func TestScoreWithContextPenalizesRepeatWork(t *testing.T) {
	rctx := &recon.Context{AttemptedToolIDs: []string{"NMAP "}}

	fresh := scoreWithContext(60, "enum4linux", "SMB enumeration", "enum4linux -a {target}", rctx)
	repeated := scoreWithContext(60, "nmap", "Nmap service scan", "nmap -sV {target}", rctx)

	assert.Less(t, repeated, fresh)
}

func TestScoreWithContextRewardsCoverageGaps(t *testing.T) {
	rctx := &recon.Context{Coverage: recon.Coverage{Missing: []string{"missing_nuclei_auto"}}}

	boosted := scoreWithContext(50, "nuclei-web", "Nuclei web scan", "nuclei -u http://{target}", rctx)

	assert.Equal(t, 90.0, boosted)
}

func TestLoadSettingsParsesCatalogue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	yaml := `automated_attacks:
  - tool_id: nmap
    services: "smb,http"
    protocol: tcp
port_actions:
  - tool_id: nmap
    label: Nmap service scan
    command: nmap -sV {target}
    services: "*"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	settings, err := LoadSettings(path)
	require.NoError(t, err)
	require.Len(t, settings.AutomatedAttacks, 1)
	require.Len(t, settings.PortActions, 1)
	assert.Equal(t, "nmap -sV {target}", settings.PortActions[0].CommandTemplate)
	assert.True(t, serviceInScope("smb", parseServices(settings.AutomatedAttacks[0].Services)))
	assert.True(t, serviceInScope("anything", parseServices(settings.PortActions[0].Services)))
}
