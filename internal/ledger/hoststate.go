package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/seclabs/reconplan/internal/recon"
)

// HostAIState is the per-host continuity record carried between AI planning
// rounds: the last provider verdicts plus accumulated technologies,
// findings, and manual test suggestions.
type HostAIState struct {
	HostID             int64              `json:"host_id"`
	HostIP             string             `json:"host_ip"`
	UpdatedAt          string             `json:"updated_at"`
	Provider           string             `json:"provider"`
	GoalProfile        string             `json:"goal_profile"`
	LastPort           string             `json:"last_port"`
	LastProtocol       string             `json:"last_protocol"`
	LastService        string             `json:"last_service"`
	Hostname           string             `json:"hostname"`
	HostnameConfidence float64            `json:"hostname_confidence"`
	OSMatch            string             `json:"os_match"`
	OSConfidence       float64            `json:"os_confidence"`
	NextPhase          string             `json:"next_phase"`
	Technologies       []recon.Technology `json:"technologies"`
	Findings           []recon.Finding    `json:"findings"`
	ManualTests        []recon.ManualTest `json:"manual_tests"`
	Raw                map[string]any     `json:"raw"`
}

// ReconState converts the record to the context shape the planner consumes.
func (h HostAIState) ReconState() *recon.HostAIState {
	return &recon.HostAIState{
		UpdatedAt:   h.UpdatedAt,
		Provider:    h.Provider,
		GoalProfile: h.GoalProfile,
		NextPhase:   h.NextPhase,
		HostUpdates: recon.HostUpdates{
			Hostname:           h.Hostname,
			HostnameConfidence: h.HostnameConfidence,
			OS:                 h.OSMatch,
			OSConfidence:       h.OSConfidence,
		},
		Technologies: h.Technologies,
		Findings:     h.Findings,
		ManualTests:  h.ManualTests,
	}
}

// UpsertHostAIState inserts or replaces the state for a host. UpdatedAt
// defaults to now.
func (s *Store) UpsertHostAIState(ctx context.Context, state HostAIState) error {
	updatedAt := strings.TrimSpace(state.UpdatedAt)
	if updatedAt == "" {
		updatedAt = utcNow()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduler_host_ai_state (
		host_id, host_ip, updated_at, provider, goal_profile, last_port,
		last_protocol, last_service, hostname, hostname_confidence, os_match,
		os_confidence, next_phase, technologies_json, findings_json,
		manual_tests_json, raw_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(host_id) DO UPDATE SET
		host_ip = excluded.host_ip,
		updated_at = excluded.updated_at,
		provider = excluded.provider,
		goal_profile = excluded.goal_profile,
		last_port = excluded.last_port,
		last_protocol = excluded.last_protocol,
		last_service = excluded.last_service,
		hostname = excluded.hostname,
		hostname_confidence = excluded.hostname_confidence,
		os_match = excluded.os_match,
		os_confidence = excluded.os_confidence,
		next_phase = excluded.next_phase,
		technologies_json = excluded.technologies_json,
		findings_json = excluded.findings_json,
		manual_tests_json = excluded.manual_tests_json,
		raw_json = excluded.raw_json`,
		state.HostID, state.HostIP, updatedAt, state.Provider, state.GoalProfile,
		state.LastPort, state.LastProtocol, state.LastService, state.Hostname,
		state.HostnameConfidence, state.OSMatch, state.OSConfidence, state.NextPhase,
		listJSON(state.Technologies), listJSON(state.Findings),
		listJSON(state.ManualTests), rawJSON(state.Raw))
	if err != nil {
		return fmt.Errorf("upsert host AI state: %w", err)
	}
	return nil
}

// GetHostAIState returns the state for a host, or nil when absent. Corrupt
// JSON columns decode to empty collections rather than failing the read.
func (s *Store) GetHostAIState(ctx context.Context, hostID int64) (*HostAIState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT host_id, host_ip, updated_at, provider,
		goal_profile, last_port, last_protocol, last_service, hostname,
		hostname_confidence, os_match, os_confidence, next_phase,
		technologies_json, findings_json, manual_tests_json, raw_json
	FROM scheduler_host_ai_state WHERE host_id = ? LIMIT 1`, hostID)

	var (
		state                               HostAIState
		technologies, findings, manual, raw string
	)
	err := row.Scan(
		&state.HostID, &state.HostIP, &state.UpdatedAt, &state.Provider,
		&state.GoalProfile, &state.LastPort, &state.LastProtocol, &state.LastService,
		&state.Hostname, &state.HostnameConfidence, &state.OSMatch,
		&state.OSConfidence, &state.NextPhase, &technologies, &findings, &manual, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get host AI state: %w", err)
	}

	state.Technologies = decodeList[recon.Technology](technologies)
	state.Findings = decodeList[recon.Finding](findings)
	state.ManualTests = decodeList[recon.ManualTest](manual)
	state.Raw = decodeRaw(raw)
	return &state, nil
}

// DeleteHostAIState removes the state for a host, returning the number of
// rows deleted.
func (s *Store) DeleteHostAIState(ctx context.Context, hostID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM scheduler_host_ai_state WHERE host_id = ?", hostID)
	if err != nil {
		return 0, fmt.Errorf("delete host AI state: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete host AI state: %w", err)
	}
	return count, nil
}

func listJSON[T any](items []T) string {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeList[T any](raw string) []T {
	out := []T{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []T{}
	}
	return out
}

func rawJSON(value map[string]any) string {
	if value == nil {
		value = map[string]any{}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeRaw(raw string) map[string]any {
	out := map[string]any{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}
