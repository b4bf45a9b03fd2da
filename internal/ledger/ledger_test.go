package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclabs/reconplan/internal/recon"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func TestQueueAndGetPendingApproval(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.QueuePendingApproval(ctx, PendingApproval{
		HostIP:           "10.0.0.5",
		Port:             "445",
		Protocol:         "tcp",
		Service:          "smb",
		ToolID:           "hydra-smb",
		Label:            "SMB password spray",
		CommandTemplate:  "hydra -L users.txt -P passwords.txt smb://{target}",
		CommandFamilyID:  "a1b2c3d4e5f60718",
		DangerCategories: []string{"credential_bruteforce"},
		SchedulerMode:    "ai",
		GoalProfile:      "internal_asset_discovery",
		Rationale:        "High-value SMB target.",
	})
	require.NoError(t, err)
	require.Positive(t, id)

	approval, err := store.GetPendingApproval(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, approval)
	assert.Equal(t, StatusPending, approval.Status)
	assert.Equal(t, "hydra-smb", approval.ToolID)
	assert.Equal(t, []string{"credential_bruteforce"}, approval.DangerCategories)
	assert.NotEmpty(t, approval.CreatedAt)
	assert.Equal(t, approval.CreatedAt, approval.UpdatedAt)

	missing, err := store.GetPendingApproval(ctx, id+100)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListPendingApprovalsFiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.QueuePendingApproval(ctx, PendingApproval{ToolID: "hydra-smb"})
	require.NoError(t, err)
	second, err := store.QueuePendingApproval(ctx, PendingApproval{ToolID: "msfconsole", Status: StatusDenied})
	require.NoError(t, err)

	all, err := store.ListPendingApprovals(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, all, 1, "limit below 1 clamps to 1")
	assert.Equal(t, second, all[0].ID)

	pending, err := store.ListPendingApprovals(ctx, 10, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first, pending[0].ID)
}

func TestUpdatePendingApprovalPartial(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.QueuePendingApproval(ctx, PendingApproval{ToolID: "hydra-smb"})
	require.NoError(t, err)
	before, err := store.GetPendingApproval(ctx, id)
	require.NoError(t, err)

	jobID := NewJobID()
	updated, err := store.UpdatePendingApproval(ctx, id, ApprovalUpdate{
		Status:         strPtr(StatusApproved),
		ExecutionJobID: &jobID,
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, StatusApproved, updated.Status)
	assert.Equal(t, jobID, updated.ExecutionJobID)
	assert.Equal(t, before.DecisionReason, updated.DecisionReason)

	missing, err := store.UpdatePendingApproval(ctx, id+100, ApprovalUpdate{Status: strPtr(StatusDenied)})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDecisionLogRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LogDecision(ctx, Decision{
		HostIP:           "10.0.0.5",
		ToolID:           "hydra-smb",
		DangerCategories: []string{"credential_bruteforce"},
		RequiresApproval: true,
		Reason:           "queued as approval #7",
	})
	require.NoError(t, err)

	decisions, err := store.ListDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].RequiresApproval)
	assert.False(t, decisions[0].Approved)
	assert.NotEmpty(t, decisions[0].Timestamp)
}

func TestUpdateDecisionForApprovalByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LogDecision(ctx, Decision{ToolID: "hydra-smb", ApprovalID: "7"})
	require.NoError(t, err)

	updated, err := store.UpdateDecisionForApproval(ctx, 7, DecisionUpdate{
		Approved: boolPtr(true),
		Reason:   strPtr("approved by operator"),
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.True(t, updated.Approved)
	assert.Equal(t, "approved by operator", updated.Reason)
}

func TestUpdateDecisionForApprovalReasonFallback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Row written before the approval_id column was used.
	_, err := store.LogDecision(ctx, Decision{ToolID: "hydra-smb", Reason: "queued as approval #42 for review"})
	require.NoError(t, err)

	updated, err := store.UpdateDecisionForApproval(ctx, 42, DecisionUpdate{Executed: boolPtr(true)})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.True(t, updated.Executed)

	none, err := store.UpdateDecisionForApproval(ctx, 99, DecisionUpdate{Executed: boolPtr(true)})
	require.NoError(t, err)
	assert.Nil(t, none)

	empty, err := store.UpdateDecisionForApproval(ctx, 42, DecisionUpdate{})
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestHostAIStateUpsertGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := HostAIState{
		HostID:             12,
		HostIP:             "10.0.0.5",
		Provider:           "openai",
		GoalProfile:        "internal_asset_discovery",
		Hostname:           "fileserver01",
		HostnameConfidence: 80,
		OSMatch:            "Windows Server 2019",
		OSConfidence:       70,
		NextPhase:          "targeted_checks",
		Technologies:       []recon.Technology{{Name: "Samba", Version: "4.15"}},
		Findings:           []recon.Finding{{Title: "SMB signing disabled", Severity: "medium"}},
		Raw:                map[string]any{"provider": "openai"},
	}
	require.NoError(t, store.UpsertHostAIState(ctx, state))

	state.NextPhase = "deep_validation"
	require.NoError(t, store.UpsertHostAIState(ctx, state))

	loaded, err := store.GetHostAIState(ctx, 12)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "deep_validation", loaded.NextPhase)
	assert.Equal(t, state.Technologies, loaded.Technologies)
	assert.Equal(t, state.Findings, loaded.Findings)
	assert.NotEmpty(t, loaded.UpdatedAt)

	planned := loaded.ReconState()
	assert.Equal(t, "fileserver01", planned.HostUpdates.Hostname)
	assert.Equal(t, "Windows Server 2019", planned.HostUpdates.OS)

	deleted, err := store.DeleteHostAIState(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	missing, err := store.GetHostAIState(ctx, 12)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSchemaBackfillAddsApprovalID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening must tolerate the column already existing.
	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.LogDecision(context.Background(), Decision{ApprovalID: "1"})
	require.NoError(t, err)
}
