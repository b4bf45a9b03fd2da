package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Decision is one planner decision recorded for audit. Approved and
// Executed are stored as "True"/"False" text for compatibility with rows
// written by earlier releases.
type Decision struct {
	ID               int64    `json:"id"`
	Timestamp        string   `json:"timestamp"`
	HostIP           string   `json:"host_ip"`
	Port             string   `json:"port"`
	Protocol         string   `json:"protocol"`
	Service          string   `json:"service"`
	SchedulerMode    string   `json:"scheduler_mode"`
	GoalProfile      string   `json:"goal_profile"`
	ToolID           string   `json:"tool_id"`
	Label            string   `json:"label"`
	CommandFamilyID  string   `json:"command_family_id"`
	DangerCategories []string `json:"danger_categories"`
	RequiresApproval bool     `json:"requires_approval"`
	Approved         bool     `json:"approved"`
	Executed         bool     `json:"executed"`
	Reason           string   `json:"reason"`
	Rationale        string   `json:"rationale"`
	ApprovalID       string   `json:"approval_id"`
}

const decisionColumns = `id, timestamp, host_ip, port, protocol, service, scheduler_mode,
	goal_profile, tool_id, label, command_family_id, danger_categories,
	requires_approval, approved, executed, reason, rationale, approval_id`

// LogDecision appends one decision row. Timestamp defaults to now.
func (s *Store) LogDecision(ctx context.Context, decision Decision) (int64, error) {
	timestamp := strings.TrimSpace(decision.Timestamp)
	if timestamp == "" {
		timestamp = utcNow()
	}
	result, err := s.db.ExecContext(ctx, `INSERT INTO scheduler_decision_log (
		timestamp, host_ip, port, protocol, service, scheduler_mode, goal_profile,
		tool_id, label, command_family_id, danger_categories, requires_approval,
		approved, executed, reason, rationale, approval_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		timestamp, decision.HostIP, decision.Port, decision.Protocol, decision.Service,
		decision.SchedulerMode, decision.GoalProfile, decision.ToolID, decision.Label,
		decision.CommandFamilyID, categoriesJSON(decision.DangerCategories),
		boolText(decision.RequiresApproval), boolText(decision.Approved),
		boolText(decision.Executed), decision.Reason, decision.Rationale,
		decision.ApprovalID)
	if err != nil {
		return 0, fmt.Errorf("log decision: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("log decision: %w", err)
	}
	return id, nil
}

// ListDecisions returns the newest decisions, limit clamped to 1..1000.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]Decision, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+decisionColumns+" FROM scheduler_decision_log ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	decisions := []Decision{}
	for rows.Next() {
		decision, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("list decisions: %w", err)
		}
		decisions = append(decisions, decision)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return decisions, nil
}

// DecisionUpdate carries the fields resolvable after the fact. Nil pointers
// leave the column untouched.
type DecisionUpdate struct {
	Approved *bool
	Executed *bool
	Reason   *string
}

// UpdateDecisionForApproval resolves the newest decision row tied to an
// approval: first by approval_id, then (for rows written before that column
// existed) by the "approval #N" marker in the reason text. Returns the
// refreshed row, or nil when nothing matched or the update was empty.
func (s *Store) UpdateDecisionForApproval(ctx context.Context, approvalID int64, update DecisionUpdate) (*Decision, error) {
	if approvalID <= 0 {
		return nil, nil
	}
	approvalKey := strconv.FormatInt(approvalID, 10)

	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM scheduler_decision_log WHERE approval_id = ? ORDER BY id DESC LIMIT 1",
		approvalKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx,
			"SELECT id FROM scheduler_decision_log WHERE reason LIKE ? ORDER BY id DESC LIMIT 1",
			"%approval #"+approvalKey+"%").Scan(&id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update decision for approval: %w", err)
	}

	clauses := []string{}
	args := []any{}
	if update.Approved != nil {
		clauses = append(clauses, "approved = ?")
		args = append(args, boolText(*update.Approved))
	}
	if update.Executed != nil {
		clauses = append(clauses, "executed = ?")
		args = append(args, boolText(*update.Executed))
	}
	if update.Reason != nil {
		clauses = append(clauses, "reason = ?")
		args = append(args, *update.Reason)
	}
	if len(clauses) == 0 {
		return nil, nil
	}
	args = append(args, id)

	query := "UPDATE scheduler_decision_log SET " + strings.Join(clauses, ", ") + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("update decision for approval: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+decisionColumns+" FROM scheduler_decision_log WHERE id = ? LIMIT 1", id)
	decision, err := scanDecision(row)
	if err != nil {
		return nil, fmt.Errorf("update decision for approval: %w", err)
	}
	return &decision, nil
}

func scanDecision(row rowScanner) (Decision, error) {
	var (
		decision                   Decision
		categories                 string
		requiresApproval           string
		approvedText, executedText string
	)
	err := row.Scan(
		&decision.ID, &decision.Timestamp, &decision.HostIP, &decision.Port,
		&decision.Protocol, &decision.Service, &decision.SchedulerMode,
		&decision.GoalProfile, &decision.ToolID, &decision.Label,
		&decision.CommandFamilyID, &categories, &requiresApproval,
		&approvedText, &executedText, &decision.Reason, &decision.Rationale,
		&decision.ApprovalID)
	if err != nil {
		return Decision{}, err
	}
	decision.DangerCategories = categoriesFromJSON(categories)
	decision.RequiresApproval = textBool(requiresApproval)
	decision.Approved = textBool(approvedText)
	decision.Executed = textBool(executedText)
	return decision, nil
}

func boolText(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func textBool(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}
