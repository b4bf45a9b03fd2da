// Package config owns the persisted scheduler configuration: a JSON document
// that is normalized on every load and save so a hand-edited or corrupt file
// always heals back to a valid state.
package config

import (
	"os"
	"path/filepath"
)

const (
	DefaultConfigDir  = ".reconplan"
	DefaultConfigFile = "scheduler.json"
)

// Valid enum values. Anything else normalizes to the default.
const (
	ModeDeterministic = "deterministic"
	ModeAI            = "ai"

	ProfileInternalAssetDiscovery = "internal_asset_discovery"
	ProfileExternalPentest        = "external_pentest"
)

// ProviderConfig is one AI provider's connection settings.
type ProviderConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// FamilyApproval records one operator-approved command family.
type FamilyApproval struct {
	FamilyID         string   `json:"family_id"`
	ApprovedAt       string   `json:"approved_at"`
	ToolID           string   `json:"tool_id"`
	Label            string   `json:"label"`
	DangerCategories []string `json:"danger_categories"`
	ApprovalScope    string   `json:"approval_scope"`
}

// FeedbackConfig bounds the AI feedback loop per target.
type FeedbackConfig struct {
	Enabled            bool `json:"enabled"`
	MaxRoundsPerTarget int  `json:"max_rounds_per_target"`
	MaxActionsPerRound int  `json:"max_actions_per_round"`
	RecentOutputChars  int  `json:"recent_output_chars"`
}

// MTLSConfig holds client certificate paths for report delivery.
type MTLSConfig struct {
	Enabled        bool   `json:"enabled"`
	ClientCertPath string `json:"client_cert_path"`
	ClientKeyPath  string `json:"client_key_path"`
	CACertPath     string `json:"ca_cert_path"`
}

// DeliveryConfig describes where project reports are pushed.
type DeliveryConfig struct {
	ProviderName   string            `json:"provider_name"`
	Endpoint       string            `json:"endpoint"`
	Method         string            `json:"method"`
	Format         string            `json:"format"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	MTLS           MTLSConfig        `json:"mtls"`
}

// Config is the full scheduler configuration document.
type Config struct {
	Mode                       string                    `json:"mode"`
	GoalProfile                string                    `json:"goal_profile"`
	Provider                   string                    `json:"provider"`
	MaxConcurrency             int                       `json:"max_concurrency"`
	MaxJobs                    int                       `json:"max_jobs"`
	Providers                  map[string]ProviderConfig `json:"providers"`
	CloudNotice                string                    `json:"cloud_notice"`
	DangerousCategories        []string                  `json:"dangerous_categories"`
	PreapprovedCommandFamilies []FamilyApproval          `json:"preapproved_command_families"`
	AIFeedback                 FeedbackConfig            `json:"ai_feedback"`
	ProjectReportDelivery      DeliveryConfig            `json:"project_report_delivery"`
}

const cloudNotice = "Cloud AI mode may send host/service metadata to third-party providers."

// Default returns the built-in configuration. Callers get a fresh copy.
func Default() Config {
	return Config{
		Mode:           ModeDeterministic,
		GoalProfile:    ProfileInternalAssetDiscovery,
		Provider:       "none",
		MaxConcurrency: 1,
		MaxJobs:        200,
		Providers: map[string]ProviderConfig{
			"lm_studio": {BaseURL: "http://127.0.0.1:1234/v1"},
			"openai":    {BaseURL: "https://api.openai.com/v1", Model: "gpt-4.1-mini"},
			"claude":    {BaseURL: "https://api.anthropic.com"},
		},
		CloudNotice: cloudNotice,
		DangerousCategories: []string{
			"exploit_execution",
			"credential_bruteforce",
			"network_flooding",
			"destructive_write_actions",
		},
		PreapprovedCommandFamilies: []FamilyApproval{},
		AIFeedback: FeedbackConfig{
			Enabled:            true,
			MaxRoundsPerTarget: 4,
			MaxActionsPerRound: 4,
			RecentOutputChars:  900,
		},
		ProjectReportDelivery: DeliveryConfig{
			Method:         "POST",
			Format:         "json",
			Headers:        map[string]string{},
			TimeoutSeconds: 30,
		},
	}
}

// DefaultPath returns ~/.reconplan/scheduler.json, creating the directory
// with owner-only permissions when missing.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(homeDir, DefaultConfigDir)
	if err := ensureDir(configDir); err != nil {
		return "", err
	}
	return filepath.Join(configDir, DefaultConfigFile), nil
}

// IsFamilyPreapproved reports whether familyID is on the pre-approved list.
func (c Config) IsFamilyPreapproved(familyID string) bool {
	if familyID == "" {
		return false
	}
	for _, item := range c.PreapprovedCommandFamilies {
		if item.FamilyID == familyID {
			return true
		}
	}
	return false
}

// ProviderFor returns the named provider's settings and whether it exists.
func (c Config) ProviderFor(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

func ensureDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0700)
	}
	return nil
}
