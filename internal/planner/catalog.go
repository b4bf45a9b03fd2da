package planner

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AutomatedAttack is one coarse catalogue row: a tool mapped to the services
// and protocol it applies to. Services is comma-separated; "*" matches any.
type AutomatedAttack struct {
	ToolID   string `yaml:"tool_id"`
	Services string `yaml:"services"`
	Protocol string `yaml:"protocol"`
}

// PortAction is one fine catalogue row carrying the invocation details.
type PortAction struct {
	Label           string `yaml:"label"`
	ToolID          string `yaml:"tool_id"`
	CommandTemplate string `yaml:"command"`
	Services        string `yaml:"services"`
}

// ToolSettings is the tool catalogue a plan call runs against. Both lists
// are treated as read-only.
type ToolSettings struct {
	AutomatedAttacks []AutomatedAttack `yaml:"automated_attacks"`
	PortActions      []PortAction      `yaml:"port_actions"`
}

// LoadSettings reads a YAML tool catalogue.
func LoadSettings(path string) (ToolSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ToolSettings{}, fmt.Errorf("read catalogue %s: %w", path, err)
	}
	var settings ToolSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return ToolSettings{}, fmt.Errorf("parse catalogue %s: %w", path, err)
	}
	return settings, nil
}

func (s ToolSettings) portActionsByID() map[string]PortAction {
	result := make(map[string]PortAction, len(s.PortActions))
	for _, action := range s.PortActions {
		result[action.ToolID] = action
	}
	return result
}

// parseServices splits a comma-separated service scope, stripping the quote
// characters legacy catalogues carried.
func parseServices(raw string) []string {
	cleaned := strings.Trim(strings.TrimSpace(raw), `"`)
	if cleaned == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(cleaned, ",") {
		item = strings.Trim(strings.TrimSpace(item), `"`)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func serviceInScope(service string, scope []string) bool {
	for _, item := range scope {
		if item == service || item == "*" {
			return true
		}
	}
	return false
}

func normalizeToolID(toolID string) string {
	return strings.ToLower(strings.TrimSpace(toolID))
}

func normalizeToolIDSet(values []string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, value := range values {
		if token := normalizeToolID(value); token != "" {
			set[token] = struct{}{}
		}
	}
	return set
}
