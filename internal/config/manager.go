package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Manager loads, caches, and persists the scheduler configuration. Every
// load normalizes and rewrites the file, so drifted or corrupt documents
// self-heal on first touch. Safe for concurrent use.
type Manager struct {
	path string

	mu    sync.Mutex
	cache *Config
}

// NewManager returns a manager over the given path, or the default path
// when path is empty.
func NewManager(path string) (*Manager, error) {
	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		path = defaultPath
	}
	return &Manager{path: path}, nil
}

// Path returns the backing file path.
func (m *Manager) Path() string { return m.path }

// Load returns the current configuration, reading and normalizing the file
// on first call. A missing or unparseable file yields defaults, which are
// persisted immediately.
func (m *Manager) Load() (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (Config, error) {
	if m.cache != nil {
		return *m.cache, nil
	}

	var raw map[string]any
	data, err := os.ReadFile(m.path)
	if err == nil {
		// Corrupt documents are treated as absent and rebuilt from defaults.
		if jsonErr := json.Unmarshal(data, &raw); jsonErr != nil {
			raw = nil
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %s: %w", m.path, err)
	}

	cfg := Normalize(raw)
	if err := m.saveLocked(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save normalizes and persists cfg, replacing the cache.
func (m *Manager) Save(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(Normalize(toRaw(cfg)))
}

func (m *Manager) saveLocked(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(m.path); dir != "." {
		if err := ensureDir(dir); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}

	saved := cfg
	m.cache = &saved
	return nil
}

// MergePreferences deep-merges updates over the current configuration and
// returns the normalized result without persisting it. Provider sub-configs,
// delivery headers, and mtls settings merge key-by-key; everything else
// replaces wholesale.
func (m *Manager) MergePreferences(updates map[string]any) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeLocked(updates)
}

func (m *Manager) mergeLocked(updates map[string]any) (Config, error) {
	current, err := m.loadLocked()
	if err != nil {
		return Config{}, err
	}

	merged := toRaw(current)
	for key, value := range updates {
		switch {
		case key == "providers":
			sub, ok := value.(map[string]any)
			if !ok {
				merged[key] = value
				continue
			}
			providers, _ := merged["providers"].(map[string]any)
			if providers == nil {
				providers = map[string]any{}
			}
			for name, providerValue := range sub {
				providerUpdates, ok := providerValue.(map[string]any)
				if !ok {
					providers[name] = providerValue
					continue
				}
				existing, _ := providers[name].(map[string]any)
				providers[name] = mergeMaps(existing, providerUpdates)
			}
			merged["providers"] = providers
		case key == "project_report_delivery":
			sub, ok := value.(map[string]any)
			if !ok {
				merged[key] = value
				continue
			}
			delivery, _ := merged["project_report_delivery"].(map[string]any)
			if delivery == nil {
				delivery = map[string]any{}
			}
			for deliveryKey, deliveryValue := range sub {
				nested, ok := deliveryValue.(map[string]any)
				if ok && (deliveryKey == "headers" || deliveryKey == "mtls") {
					existing, _ := delivery[deliveryKey].(map[string]any)
					delivery[deliveryKey] = mergeMaps(existing, nested)
					continue
				}
				delivery[deliveryKey] = deliveryValue
			}
			merged["project_report_delivery"] = delivery
		default:
			merged[key] = value
		}
	}

	return Normalize(merged), nil
}

// UpdatePreferences merges, persists, and returns the new configuration.
func (m *Manager) UpdatePreferences(updates map[string]any) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged, err := m.mergeLocked(updates)
	if err != nil {
		return Config{}, err
	}
	if err := m.saveLocked(merged); err != nil {
		return Config{}, err
	}
	return merged, nil
}

// FamilyMeta is the optional metadata recorded alongside a family approval.
type FamilyMeta struct {
	ToolID           string
	Label            string
	DangerCategories []string
}

// ApproveFamily adds familyID to the pre-approved list with an RFC3339 UTC
// timestamp. Idempotent: an already-approved family is left untouched.
func (m *Manager) ApproveFamily(familyID string, meta FamilyMeta) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.loadLocked()
	if err != nil {
		return Config{}, err
	}
	if familyID == "" || cfg.IsFamilyPreapproved(familyID) {
		return cfg, nil
	}

	categories := meta.DangerCategories
	if categories == nil {
		categories = []string{}
	}
	cfg.PreapprovedCommandFamilies = append(cfg.PreapprovedCommandFamilies, FamilyApproval{
		FamilyID:         familyID,
		ApprovedAt:       time.Now().UTC().Format(time.RFC3339),
		ToolID:           meta.ToolID,
		Label:            meta.Label,
		DangerCategories: categories,
		ApprovalScope:    "family",
	})
	if err := m.saveLocked(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsFamilyPreapproved reports whether familyID has been approved.
func (m *Manager) IsFamilyPreapproved(familyID string) (bool, error) {
	cfg, err := m.Load()
	if err != nil {
		return false, err
	}
	return cfg.IsFamilyPreapproved(familyID), nil
}

// toRaw round-trips a Config through JSON into the raw map form the merge
// and normalize operations work over.
func toRaw(cfg Config) map[string]any {
	data, err := json.Marshal(cfg)
	if err != nil {
		return map[string]any{}
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return map[string]any{}
	}
	return raw
}

func mergeMaps(base, updates map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}
