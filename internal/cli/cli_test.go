package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclabs/reconplan/internal/config"
	"github.com/seclabs/reconplan/internal/delivery"
	"github.com/seclabs/reconplan/internal/ledger"
	"github.com/seclabs/reconplan/internal/planner"
)

// runCommand executes the root command with the given args and returns
// captured stdout. Flag variables are package-level, so every test passes
// its full flag set explicitly.
func runCommand(t *testing.T, args ...string) []byte {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), "stderr: %s", errOut.String())
	return out.Bytes()
}

func seedConfig(t *testing.T, path string, mutate func(cfg *config.Config)) {
	t.Helper()
	manager, err := config.NewManager(path)
	require.NoError(t, err)
	cfg := config.Default()
	mutate(&cfg)
	require.NoError(t, manager.Save(cfg))
}

func writeSMBCatalogue(t *testing.T, path string) {
	t.Helper()
	catalogue := `automated_attacks:
  - tool_id: nmap
    services: smb,microsoft-ds
    protocol: tcp
  - tool_id: enum4linux
    services: smb
    protocol: tcp
  - tool_id: hydra-smb
    services: smb
    protocol: tcp
port_actions:
  - label: Nmap SMB scripts
    tool_id: nmap
    command: nmap -p {port} --script smb-os-discovery {target}
    services: smb,microsoft-ds
  - label: Enum4linux
    tool_id: enum4linux
    command: enum4linux -a {target}
    services: smb
  - label: Hydra SMB spray
    tool_id: hydra-smb
    command: hydra -L users.txt -P passwords.txt smb://{target}
    services: smb
`
	require.NoError(t, os.WriteFile(path, []byte(catalogue), 0o644))
}

func chatCompletion(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp, err := json.Marshal(map[string]any{
		"choices": []any{map[string]any{
			"message":       map[string]any{"content": content},
			"finish_reason": "stop",
		}},
	})
	require.NoError(t, err)
	w.Write(resp)
}

func TestPlanCommandQueuesAndPersistsHostState(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "scheduler.json")
	dbPath := filepath.Join(dir, "ledger.db")
	cataloguePath := filepath.Join(dir, "tools.yaml")
	writeSMBCatalogue(t, cataloguePath)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		chatCompletion(t, w, `{"actions":[{"tool_id":"hydra-smb","score":97,"rationale":"credential spray"},{"tool_id":"enum4linux","score":90,"rationale":"share enumeration"}],"host_updates":{"hostname":"dc01","hostname_confidence":80,"os":"Windows Server 2019","os_confidence":70},"next_phase":"targeted_checks"}`)
	}))
	defer server.Close()

	seedConfig(t, cfgPath, func(cfg *config.Config) {
		cfg.Mode = config.ModeAI
		cfg.Provider = "openai"
		p := cfg.Providers["openai"]
		p.Enabled = true
		p.APIKey = "sk-test"
		p.BaseURL = server.URL + "/v1"
		cfg.Providers["openai"] = p
	})

	out := runCommand(t, "plan",
		"--config", cfgPath, "--ledger", dbPath,
		"--service", "smb", "--protocol", "tcp", "--port", "445",
		"--catalogue", cataloguePath,
		"--host", "10.0.0.5", "--host-id", "7",
		"--queue", "--context=", "--taxonomy=", "--limit", "0")

	var result planner.PlanResult
	require.NoError(t, json.Unmarshal(out, &result))
	require.NotEmpty(t, result.Actions)
	require.NotNil(t, result.ProviderPayload)

	store, err := ledger.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	state, err := store.GetHostAIState(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "10.0.0.5", state.HostIP)
	assert.Equal(t, "openai", state.Provider)
	assert.Equal(t, "dc01", state.Hostname)
	assert.Equal(t, 80.0, state.HostnameConfidence)
	assert.Equal(t, "targeted_checks", state.NextPhase)
	assert.Equal(t, "smb", state.LastService)
	assert.Equal(t, "445", state.LastPort)

	pending, err := store.ListPendingApprovals(ctx, 100, ledger.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "hydra-smb", pending[0].ToolID)
	assert.Equal(t, []string{"credential_bruteforce"}, pending[0].DangerCategories)

	decisions, err := store.ListDecisions(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, decisions, len(result.Actions))
}

func TestPlanCommandCustomTaxonomy(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "scheduler.json")
	cataloguePath := filepath.Join(dir, "tools.yaml")
	taxonomyPath := filepath.Join(dir, "taxonomy.yaml")

	catalogue := `automated_attacks:
  - tool_id: psexec-check
    services: smb
    protocol: tcp
port_actions:
  - label: PsExec session check
    tool_id: psexec-check
    command: psexec.py corp/admin@{target} whoami
    services: smb
`
	require.NoError(t, os.WriteFile(cataloguePath, []byte(catalogue), 0o644))

	taxonomy := `categories:
  - id: lateral_movement
    patterns:
      - psexec
      - wmiexec
`
	require.NoError(t, os.WriteFile(taxonomyPath, []byte(taxonomy), 0o644))

	seedConfig(t, cfgPath, func(cfg *config.Config) {
		cfg.DangerousCategories = []string{"lateral_movement"}
	})

	out := runCommand(t, "plan",
		"--config", cfgPath, "--ledger", filepath.Join(dir, "ledger.db"),
		"--service", "smb", "--protocol", "tcp", "--port=",
		"--catalogue", cataloguePath,
		"--taxonomy", taxonomyPath,
		"--host=", "--host-id", "0",
		"--queue=false", "--context=", "--limit", "0")

	var result planner.PlanResult
	require.NoError(t, json.Unmarshal(out, &result))
	require.Len(t, result.Actions, 1)

	action := result.Actions[0]
	assert.Equal(t, "psexec-check", action.ToolID)
	assert.Equal(t, []string{"lateral_movement"}, action.DangerCategories)
	assert.True(t, action.RequiresApproval)
}

func TestDeliverCommandSendsReport(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "scheduler.json")
	dbPath := filepath.Join(dir, "ledger.db")

	store, err := ledger.Open(dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = store.LogDecision(ctx, ledger.Decision{
		HostIP:   "10.0.0.5",
		Port:     "445",
		Service:  "smb",
		ToolID:   "nmap",
		Approved: true,
		Reason:   "no approval required",
	})
	require.NoError(t, err)
	_, err = store.QueuePendingApproval(ctx, ledger.PendingApproval{
		HostIP:           "10.0.0.5",
		Port:             "445",
		Service:          "smb",
		ToolID:           "hydra-smb",
		DangerCategories: []string{"credential_bruteforce"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	var (
		gotBody       map[string]any
		gotDeliveryID string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDeliveryID = r.Header.Get("X-Delivery-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	seedConfig(t, cfgPath, func(cfg *config.Config) {
		cfg.ProjectReportDelivery.Endpoint = server.URL
	})

	out := runCommand(t, "deliver", "--config", cfgPath, "--ledger", dbPath)

	var result delivery.Result
	require.NoError(t, json.Unmarshal(out, &result))
	assert.True(t, result.OK)
	assert.NotEmpty(t, gotDeliveryID)
	assert.Equal(t, gotDeliveryID, result.DeliveryID)

	assert.NotEmpty(t, gotBody["generated_at"])
	decisions, ok := gotBody["decisions"].([]any)
	require.True(t, ok)
	require.Len(t, decisions, 1)
	approvals, ok := gotBody["pending_approvals"].([]any)
	require.True(t, ok)
	require.Len(t, approvals, 1)
}
