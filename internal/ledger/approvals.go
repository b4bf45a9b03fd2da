package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Approval statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// PendingApproval is one queued dangerous action awaiting an operator
// decision.
type PendingApproval struct {
	ID               int64    `json:"id"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
	Status           string   `json:"status"`
	HostIP           string   `json:"host_ip"`
	Port             string   `json:"port"`
	Protocol         string   `json:"protocol"`
	Service          string   `json:"service"`
	ToolID           string   `json:"tool_id"`
	Label            string   `json:"label"`
	CommandTemplate  string   `json:"command_template"`
	CommandFamilyID  string   `json:"command_family_id"`
	DangerCategories []string `json:"danger_categories"`
	SchedulerMode    string   `json:"scheduler_mode"`
	GoalProfile      string   `json:"goal_profile"`
	Rationale        string   `json:"rationale"`
	DecisionReason   string   `json:"decision_reason"`
	ExecutionJobID   string   `json:"execution_job_id"`
}

const pendingApprovalColumns = `id, created_at, updated_at, status, host_ip, port, protocol, service,
	tool_id, label, command_template, command_family_id, danger_categories,
	scheduler_mode, goal_profile, rationale, decision_reason, execution_job_id`

// QueuePendingApproval inserts a new row and returns its id. Status defaults
// to pending; created_at and updated_at are set to now.
func (s *Store) QueuePendingApproval(ctx context.Context, record PendingApproval) (int64, error) {
	now := utcNow()
	status := strings.TrimSpace(record.Status)
	if status == "" {
		status = StatusPending
	}
	result, err := s.db.ExecContext(ctx, `INSERT INTO scheduler_pending_approval (
		created_at, updated_at, status, host_ip, port, protocol, service,
		tool_id, label, command_template, command_family_id, danger_categories,
		scheduler_mode, goal_profile, rationale, decision_reason, execution_job_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		now, now, status, record.HostIP, record.Port, record.Protocol, record.Service,
		record.ToolID, record.Label, record.CommandTemplate, record.CommandFamilyID,
		categoriesJSON(record.DangerCategories), record.SchedulerMode, record.GoalProfile,
		record.Rationale, record.DecisionReason, record.ExecutionJobID)
	if err != nil {
		return 0, fmt.Errorf("queue pending approval: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queue pending approval: %w", err)
	}
	return id, nil
}

// ListPendingApprovals returns rows newest-first, optionally filtered by
// status. Limit is clamped to 1..1000.
func (s *Store) ListPendingApprovals(ctx context.Context, limit int, status string) ([]PendingApproval, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	query := "SELECT " + pendingApprovalColumns + " FROM scheduler_pending_approval"
	args := []any{}
	if status = strings.TrimSpace(status); status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	approvals := []PendingApproval{}
	for rows.Next() {
		approval, err := scanPendingApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("list pending approvals: %w", err)
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return approvals, nil
}

// GetPendingApproval returns the row with the given id, or nil when absent.
func (s *Store) GetPendingApproval(ctx context.Context, id int64) (*PendingApproval, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+pendingApprovalColumns+" FROM scheduler_pending_approval WHERE id = ? LIMIT 1", id)
	approval, err := scanPendingApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending approval: %w", err)
	}
	return &approval, nil
}

// ApprovalUpdate carries the mutable fields of a pending approval. Nil
// pointers leave the column untouched.
type ApprovalUpdate struct {
	Status         *string
	DecisionReason *string
	ExecutionJobID *string
}

// UpdatePendingApproval applies a partial update, always bumping updated_at,
// and returns the refreshed row. Returns nil when the id does not exist.
func (s *Store) UpdatePendingApproval(ctx context.Context, id int64, update ApprovalUpdate) (*PendingApproval, error) {
	existing, err := s.GetPendingApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	clauses := []string{"updated_at = ?"}
	args := []any{utcNow()}
	if update.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, *update.Status)
	}
	if update.DecisionReason != nil {
		clauses = append(clauses, "decision_reason = ?")
		args = append(args, *update.DecisionReason)
	}
	if update.ExecutionJobID != nil {
		clauses = append(clauses, "execution_job_id = ?")
		args = append(args, *update.ExecutionJobID)
	}
	args = append(args, id)

	query := "UPDATE scheduler_pending_approval SET " + strings.Join(clauses, ", ") + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("update pending approval: %w", err)
	}
	return s.GetPendingApproval(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingApproval(row rowScanner) (PendingApproval, error) {
	var (
		approval   PendingApproval
		categories string
	)
	err := row.Scan(
		&approval.ID, &approval.CreatedAt, &approval.UpdatedAt, &approval.Status,
		&approval.HostIP, &approval.Port, &approval.Protocol, &approval.Service,
		&approval.ToolID, &approval.Label, &approval.CommandTemplate,
		&approval.CommandFamilyID, &categories, &approval.SchedulerMode,
		&approval.GoalProfile, &approval.Rationale, &approval.DecisionReason,
		&approval.ExecutionJobID)
	if err != nil {
		return PendingApproval{}, err
	}
	approval.DangerCategories = categoriesFromJSON(categories)
	return approval, nil
}
