package config

import (
	"encoding/json"
	"strings"
)

// Normalize turns an untrusted raw document into a valid Config: unknown
// keys are dropped, enums fall back to defaults, numeric fields are clamped,
// and every nested section is rebuilt on top of the defaults. Pure function.
func Normalize(raw map[string]any) Config {
	cfg := Default()
	if raw == nil {
		return cfg
	}

	mode := strings.ToLower(strings.TrimSpace(asString(raw["mode"], cfg.Mode)))
	if mode != ModeDeterministic && mode != ModeAI {
		mode = ModeDeterministic
	}
	cfg.Mode = mode

	profile := strings.ToLower(strings.TrimSpace(asString(raw["goal_profile"], cfg.GoalProfile)))
	if profile != ProfileInternalAssetDiscovery && profile != ProfileExternalPentest {
		profile = ProfileInternalAssetDiscovery
	}
	cfg.GoalProfile = profile

	cfg.Provider = strings.ToLower(strings.TrimSpace(asString(raw["provider"], cfg.Provider)))
	cfg.MaxConcurrency = clampInt(asInt(raw["max_concurrency"], cfg.MaxConcurrency), 1, 16)
	cfg.MaxJobs = clampInt(asInt(raw["max_jobs"], cfg.MaxJobs), 20, 2000)

	if notice, ok := raw["cloud_notice"].(string); ok && notice != "" {
		cfg.CloudNotice = notice
	}

	if userProviders, ok := raw["providers"].(map[string]any); ok {
		for name, value := range userProviders {
			sub, ok := value.(map[string]any)
			if !ok {
				continue
			}
			existing := cfg.Providers[name]
			if v, ok := sub["enabled"]; ok {
				existing.Enabled = asBool(v)
			}
			if v, ok := sub["base_url"]; ok {
				existing.BaseURL = asString(v, existing.BaseURL)
			}
			if v, ok := sub["model"]; ok {
				existing.Model = asString(v, existing.Model)
			}
			if v, ok := sub["api_key"]; ok {
				existing.APIKey = asString(v, existing.APIKey)
			}
			cfg.Providers[name] = existing
		}
	}
	// The openai transport cannot operate without a model name.
	if openai, ok := cfg.Providers["openai"]; ok {
		if strings.TrimSpace(openai.Model) == "" {
			openai.Model = "gpt-4.1-mini"
			cfg.Providers["openai"] = openai
		}
	}

	if rawCategories, ok := raw["dangerous_categories"].([]any); ok {
		categories := []string{}
		for _, item := range rawCategories {
			if s := asString(item, ""); s != "" {
				categories = append(categories, s)
			}
		}
		cfg.DangerousCategories = categories
	}

	if rawFamilies, ok := raw["preapproved_command_families"].([]any); ok {
		families := []FamilyApproval{}
		for _, item := range rawFamilies {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			familyID := strings.TrimSpace(asString(entry["family_id"], ""))
			if familyID == "" {
				continue
			}
			scope := asString(entry["approval_scope"], "family")
			if scope == "" {
				scope = "family"
			}
			families = append(families, FamilyApproval{
				FamilyID:         familyID,
				ApprovedAt:       asString(entry["approved_at"], ""),
				ToolID:           asString(entry["tool_id"], ""),
				Label:            asString(entry["label"], ""),
				DangerCategories: asStringList(entry["danger_categories"]),
				ApprovalScope:    scope,
			})
		}
		cfg.PreapprovedCommandFamilies = families
	}

	if rawFeedback, ok := raw["ai_feedback"].(map[string]any); ok {
		if v, ok := rawFeedback["enabled"]; ok {
			cfg.AIFeedback.Enabled = asBool(v)
		}
		cfg.AIFeedback.MaxRoundsPerTarget = asInt(rawFeedback["max_rounds_per_target"], cfg.AIFeedback.MaxRoundsPerTarget)
		cfg.AIFeedback.MaxActionsPerRound = asInt(rawFeedback["max_actions_per_round"], cfg.AIFeedback.MaxActionsPerRound)
		cfg.AIFeedback.RecentOutputChars = asInt(rawFeedback["recent_output_chars"], cfg.AIFeedback.RecentOutputChars)
	}
	cfg.AIFeedback.MaxRoundsPerTarget = clampInt(cfg.AIFeedback.MaxRoundsPerTarget, 1, 12)
	cfg.AIFeedback.MaxActionsPerRound = clampInt(cfg.AIFeedback.MaxActionsPerRound, 1, 8)
	cfg.AIFeedback.RecentOutputChars = clampInt(cfg.AIFeedback.RecentOutputChars, 320, 4000)

	cfg.ProjectReportDelivery = normalizeDelivery(raw["project_report_delivery"], cfg.ProjectReportDelivery)

	return cfg
}

func normalizeDelivery(value any, delivery DeliveryConfig) DeliveryConfig {
	rawDelivery, ok := value.(map[string]any)
	if !ok {
		return delivery
	}

	delivery.ProviderName = asString(rawDelivery["provider_name"], delivery.ProviderName)
	delivery.Endpoint = asString(rawDelivery["endpoint"], delivery.Endpoint)

	method := strings.ToUpper(strings.TrimSpace(asString(rawDelivery["method"], delivery.Method)))
	if method != "POST" && method != "PUT" && method != "PATCH" {
		method = "POST"
	}
	delivery.Method = method

	format := strings.ToLower(strings.TrimSpace(asString(rawDelivery["format"], delivery.Format)))
	if format == "markdown" {
		format = "md"
	}
	if format != "json" && format != "md" {
		format = "json"
	}
	delivery.Format = format

	if rawHeaders, ok := rawDelivery["headers"]; ok {
		headersMap, ok := rawHeaders.(map[string]any)
		if !ok {
			// Some clients hand headers over as a JSON-encoded string.
			if encoded, isString := rawHeaders.(string); isString {
				var parsed map[string]any
				if json.Unmarshal([]byte(encoded), &parsed) == nil {
					headersMap = parsed
				}
			}
		}
		headers := map[string]string{}
		for name, headerValue := range headersMap {
			label := strings.TrimSpace(name)
			if label == "" {
				continue
			}
			headers[label] = asString(headerValue, "")
		}
		delivery.Headers = headers
	}

	delivery.TimeoutSeconds = clampInt(asInt(rawDelivery["timeout_seconds"], delivery.TimeoutSeconds), 5, 300)

	if rawMTLS, ok := rawDelivery["mtls"].(map[string]any); ok {
		if v, ok := rawMTLS["enabled"]; ok {
			delivery.MTLS.Enabled = asBool(v)
		}
		delivery.MTLS.ClientCertPath = asString(rawMTLS["client_cert_path"], delivery.MTLS.ClientCertPath)
		delivery.MTLS.ClientKeyPath = asString(rawMTLS["client_key_path"], delivery.MTLS.ClientKeyPath)
		delivery.MTLS.CACertPath = asString(rawMTLS["ca_cert_path"], delivery.MTLS.CACertPath)
	}

	return delivery
}

func asString(value any, fallback string) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return fallback
	default:
		return fallback
	}
}

func asBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		lower := strings.ToLower(strings.TrimSpace(v))
		return lower == "true" || lower == "1" || lower == "yes"
	default:
		return false
	}
}

func asInt(value any, fallback int) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		return fallback
	default:
		return fallback
	}
}

func asStringList(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return []string{}
	}
	out := []string{}
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
