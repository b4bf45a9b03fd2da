// Package planner turns a tool catalogue plus host evidence into a ranked,
// risk-annotated action plan. Deterministic mode replays the catalogue
// mapping; AI mode asks a provider to rank candidates and falls back to
// heuristic scoring when the provider fails or stays silent.
package planner

import (
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/seclabs/reconplan/internal/config"
	"github.com/seclabs/reconplan/internal/family"
	"github.com/seclabs/reconplan/internal/provider"
	"github.com/seclabs/reconplan/internal/recon"
	"github.com/seclabs/reconplan/internal/risk"
)

const defaultAIPlanLimit = 4

const deterministicRationale = "Selected by deterministic scheduler mapping."

// webBaselineEntry is one always-run web tool with its score floor.
type webBaselineEntry struct {
	toolID string
	floor  float64
}

// Baseline web coverage enforced on every AI plan for a web service. Order
// matters: it is also the append order when a required tool was dropped.
var webAIBaseline = []webBaselineEntry{
	{toolID: "nuclei-web", floor: 96},
	{toolID: "nmap-vuln.nse", floor: 94},
	{toolID: "screenshooter", floor: 92},
}

func isWebService(service string) bool {
	return provider.IsWebService(service)
}

// RankProvider is the provider surface the planner depends on. Satisfied by
// *provider.Client.
type RankProvider interface {
	Rank(cfg config.Config, goalProfile, service, protocol string, candidates []recon.Candidate, rctx recon.Context) (recon.Payload, error)
}

// PlanOptions carries the per-call inputs beyond service and protocol.
type PlanOptions struct {
	// Context is the advisory evidence bundle. Nil means no evidence.
	Context *recon.Context
	// ExcludedToolIDs are dropped before ranking, matched after trimming
	// and lowercasing.
	ExcludedToolIDs []string
	// Limit caps the plan size. Zero means catalogue order untruncated in
	// deterministic mode and 4 actions in AI mode.
	Limit int
}

// PlanResult is a plan plus the raw provider payload that informed it, so
// callers can persist technologies, findings, and manual tests.
type PlanResult struct {
	Actions         []recon.ScheduledAction `json:"actions"`
	ProviderPayload *recon.Payload          `json:"provider_payload,omitempty"`
}

// Planner builds plans against a loaded configuration. Safe for concurrent
// use as long as the config manager and provider are.
type Planner struct {
	config   *config.Manager
	provider RankProvider
	risk     *risk.Classifier
	log      zerolog.Logger
}

// New returns a planner using the default risk taxonomy.
func New(manager *config.Manager, rankProvider RankProvider, logger zerolog.Logger) *Planner {
	return &Planner{
		config:   manager,
		provider: rankProvider,
		risk:     risk.NewClassifier(),
		log:      logger,
	}
}

// WithClassifier swaps in a custom risk taxonomy.
func (p *Planner) WithClassifier(classifier *risk.Classifier) *Planner {
	if classifier != nil {
		p.risk = classifier
	}
	return p
}

// PlanActions returns the ranked plan for one service. It never returns an
// error: configuration problems fall back to defaults and provider problems
// fall back to heuristic or deterministic ranking, each logged.
func (p *Planner) PlanActions(settings ToolSettings, service, protocol string, opts PlanOptions) []recon.ScheduledAction {
	return p.Plan(settings, service, protocol, opts).Actions
}

// Plan is PlanActions plus the provider payload for callers that persist the
// provider's host updates and findings.
func (p *Planner) Plan(settings ToolSettings, service, protocol string, opts PlanOptions) PlanResult {
	cfg, err := p.config.Load()
	if err != nil {
		p.log.Warn().Err(err).Msg("config load failed, planning with defaults")
		cfg = config.Default()
	}

	// Scanners report unconfirmed services with a trailing "?", e.g. "http?".
	service = strings.TrimRight(strings.ToLower(strings.TrimSpace(service)), "?")
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	if protocol == "" {
		protocol = "tcp"
	}
	excluded := normalizeToolIDSet(opts.ExcludedToolIDs)

	if cfg.Mode == config.ModeAI {
		result := p.planAI(cfg, settings, service, protocol, excluded, opts)
		if len(result.Actions) > 0 {
			return result
		}
		p.log.Warn().Str("service", service).Msg("AI plan empty, falling back to deterministic mapping")
	}

	actions := p.planDeterministic(cfg, settings, service, protocol, excluded, opts.Limit)
	return PlanResult{Actions: actions}
}

// planDeterministic replays the catalogue mapping in catalogue order with a
// constant score.
func (p *Planner) planDeterministic(cfg config.Config, settings ToolSettings, service, protocol string, excluded map[string]struct{}, limit int) []recon.ScheduledAction {
	portActions := settings.portActionsByID()

	var actions []recon.ScheduledAction
	for _, attack := range settings.AutomatedAttacks {
		if !attackMatches(attack, service, protocol) {
			continue
		}
		if _, skip := excluded[normalizeToolID(attack.ToolID)]; skip {
			continue
		}
		label := attack.ToolID
		template := ""
		if action, ok := portActions[attack.ToolID]; ok {
			if action.Label != "" {
				label = action.Label
			}
			template = action.CommandTemplate
		}
		actions = append(actions, p.annotate(cfg, recon.ScheduledAction{
			ToolID:          attack.ToolID,
			Label:           label,
			CommandTemplate: template,
			Protocol:        protocol,
			Score:           1.0,
			Rationale:       deterministicRationale,
			Mode:            config.ModeDeterministic,
			GoalProfile:     cfg.GoalProfile,
		}))
		if limit > 0 && len(actions) >= limit {
			break
		}
	}
	if actions == nil {
		actions = []recon.ScheduledAction{}
	}
	return actions
}

// planAI merges the fine and coarse catalogues into a candidate set, filters
// it against the evidence, asks the provider to rank it, and rescores with
// context. Provider failure or silence degrades to heuristic scoring.
func (p *Planner) planAI(cfg config.Config, settings ToolSettings, service, protocol string, excluded map[string]struct{}, opts PlanOptions) PlanResult {
	candidates := mergeCandidates(settings, service, protocol, excluded)
	if len(candidates) == 0 {
		return PlanResult{Actions: []recon.ScheduledAction{}}
	}
	candidates = filterCandidates(candidates, opts.Context)

	rctx := recon.Context{}
	if opts.Context != nil {
		rctx = *opts.Context
	}

	var (
		payload     recon.Payload
		providerErr error
	)
	if p.provider != nil {
		payload, providerErr = p.provider.Rank(cfg, cfg.GoalProfile, service, protocol, candidates, rctx)
		if providerErr != nil {
			p.log.Warn().Err(providerErr).
				Str("provider", cfg.Provider).
				Str("service", service).
				Msg("provider ranking failed, applying heuristic fallback")
		}
	}

	scoreByTool := map[string]recon.RankedAction{}
	for _, ranked := range payload.Actions {
		scoreByTool[normalizeToolID(ranked.ToolID)] = ranked
	}
	fallback := providerErr != nil || len(payload.Actions) == 0

	var actions []recon.ScheduledAction
	for _, candidate := range candidates {
		toolNorm := normalizeToolID(candidate.ToolID)
		ranked, rankedOK := scoreByTool[toolNorm]

		score := 0.0
		rationale := ""
		if rankedOK {
			score = ranked.Score
			rationale = strings.TrimSpace(ranked.Rationale)
		} else {
			score = heuristicScore(candidate.ToolID, candidate.Label, candidate.CommandTemplate, cfg.GoalProfile)
		}
		score = scoreWithContext(score, candidate.ToolID, candidate.Label, candidate.CommandTemplate, opts.Context)
		if rationale == "" {
			rationale = buildFallbackRationale(cfg, providerErr, fallback, opts.Context)
		}

		actions = append(actions, p.annotate(cfg, recon.ScheduledAction{
			ToolID:          candidate.ToolID,
			Label:           candidate.Label,
			CommandTemplate: candidate.CommandTemplate,
			Protocol:        protocol,
			Score:           score,
			Rationale:       rationale,
			Mode:            config.ModeAI,
			GoalProfile:     cfg.GoalProfile,
		}))
	}

	if isWebService(service) {
		applyWebBaselineFloors(actions)
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Score > actions[j].Score
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultAIPlanLimit
	}
	scored := append([]recon.ScheduledAction(nil), actions...)
	if len(actions) > limit {
		actions = actions[:limit]
	}

	if isWebService(service) {
		actions = enforceWebBaseline(actions, scored, limit)
	}

	var payloadCopy *recon.Payload
	if providerErr == nil && payload.Provider != "" {
		copied := payload
		payloadCopy = &copied
	}
	return PlanResult{Actions: actions, ProviderPayload: payloadCopy}
}

// annotate fills the risk fields: danger categories from the command
// template, the command-family fingerprint, and whether approval is needed.
func (p *Planner) annotate(cfg config.Config, action recon.ScheduledAction) recon.ScheduledAction {
	action.DangerCategories = p.risk.Classify(action.CommandTemplate, cfg.DangerousCategories)
	// A catalogue row without an invocation template fingerprints on the
	// tool id instead.
	fingerprint := action.CommandTemplate
	if fingerprint == "" {
		fingerprint = action.ToolID
	}
	action.FamilyID = family.ID(action.ToolID, action.Protocol, fingerprint)
	action.RequiresApproval = len(action.DangerCategories) > 0 && !cfg.IsFamilyPreapproved(action.FamilyID)
	return action
}

// mergeCandidates builds the AI candidate set: fine port actions first, then
// coarse automated attacks not already covered.
func mergeCandidates(settings ToolSettings, service, protocol string, excluded map[string]struct{}) []recon.Candidate {
	seen := map[string]struct{}{}
	var candidates []recon.Candidate

	for _, action := range settings.PortActions {
		// An empty scope leaves the action unscoped: it applies everywhere.
		scope := parseServices(action.Services)
		if len(scope) > 0 && !serviceInScope(service, scope) {
			continue
		}
		toolNorm := normalizeToolID(action.ToolID)
		if toolNorm == "" {
			continue
		}
		if _, skip := excluded[toolNorm]; skip {
			continue
		}
		if _, dup := seen[toolNorm]; dup {
			continue
		}
		seen[toolNorm] = struct{}{}
		label := action.Label
		if label == "" {
			label = action.ToolID
		}
		candidates = append(candidates, recon.Candidate{
			ToolID:          action.ToolID,
			Label:           label,
			CommandTemplate: action.CommandTemplate,
			ServiceScope:    action.Services,
		})
	}

	for _, attack := range settings.AutomatedAttacks {
		if !attackMatches(attack, service, protocol) {
			continue
		}
		toolNorm := normalizeToolID(attack.ToolID)
		if toolNorm == "" {
			continue
		}
		if _, skip := excluded[toolNorm]; skip {
			continue
		}
		if _, dup := seen[toolNorm]; dup {
			continue
		}
		seen[toolNorm] = struct{}{}
		candidates = append(candidates, recon.Candidate{
			ToolID:       attack.ToolID,
			Label:        attack.ToolID,
			ServiceScope: attack.Services,
		})
	}
	return candidates
}

// attackMatches checks service scope and protocol. A trailing "?" on the
// catalogue protocol marks it tentative and is ignored; an empty protocol
// matches any.
func attackMatches(attack AutomatedAttack, service, protocol string) bool {
	if !serviceInScope(service, parseServices(attack.Services)) {
		return false
	}
	attackProtocol := strings.TrimRight(strings.ToLower(strings.TrimSpace(attack.Protocol)), "?")
	return attackProtocol == "" || attackProtocol == protocol
}

// applyWebBaselineFloors bumps the always-run web tools up to their score
// floor so ranking noise cannot push them below niche tooling.
func applyWebBaselineFloors(actions []recon.ScheduledAction) {
	for i := range actions {
		for _, entry := range webAIBaseline {
			if normalizeToolID(actions[i].ToolID) == entry.toolID && actions[i].Score < entry.floor {
				actions[i].Score = entry.floor
			}
		}
	}
}

// enforceWebBaseline guarantees the baseline web tools make the plan when
// the catalogue offers them: a missing one is re-appended as already scored
// (the floor was applied as a minimum before sorting) and the
// lowest-scoring non-baseline action is evicted to stay within the limit.
func enforceWebBaseline(actions, scored []recon.ScheduledAction, limit int) []recon.ScheduledAction {
	present := map[string]struct{}{}
	for _, action := range actions {
		present[normalizeToolID(action.ToolID)] = struct{}{}
	}
	required := map[string]struct{}{}
	for _, entry := range webAIBaseline {
		required[entry.toolID] = struct{}{}
	}

	for _, entry := range webAIBaseline {
		if _, ok := present[entry.toolID]; ok {
			continue
		}
		var appended *recon.ScheduledAction
		for i := range scored {
			if normalizeToolID(scored[i].ToolID) == entry.toolID {
				appended = &scored[i]
				break
			}
		}
		if appended == nil {
			continue
		}
		actions = append(actions, *appended)
		present[entry.toolID] = struct{}{}

		if len(actions) > limit {
			evict := -1
			for i := len(actions) - 1; i >= 0; i-- {
				if _, isRequired := required[normalizeToolID(actions[i].ToolID)]; isRequired {
					continue
				}
				if evict == -1 || actions[i].Score < actions[evict].Score {
					evict = i
				}
			}
			if evict >= 0 {
				actions = append(actions[:evict], actions[evict+1:]...)
			}
		}
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Score > actions[j].Score
	})
	return actions
}

// buildFallbackRationale explains a heuristic score: the goal-profile bias,
// why the provider's ranking is absent, and up to three active signals.
func buildFallbackRationale(cfg config.Config, providerErr error, fallback bool, rctx *recon.Context) string {
	var parts []string
	switch cfg.GoalProfile {
	case config.ProfileInternalAssetDiscovery:
		parts = append(parts, "Heuristic ranking prioritizes internal visibility and safe enumeration.")
	case config.ProfileExternalPentest:
		parts = append(parts, "Heuristic ranking prioritizes external attack-surface fingerprinting.")
	default:
		parts = append(parts, "Heuristic ranking applied.")
	}

	providerName := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if providerErr != nil {
		parts = append(parts, "Provider '"+providerName+"' failed ("+providerErr.Error()+"); heuristic fallback applied.")
	} else if fallback && providerName != "" && providerName != "none" {
		parts = append(parts, "Provider '"+providerName+"' returned no ranking; heuristic fallback applied.")
	}

	if signals := activeContextSignals(rctx); len(signals) > 0 {
		if len(signals) > 3 {
			signals = signals[:3]
		}
		parts = append(parts, "Context signals: "+strings.Join(signals, ", ")+".")
	}
	return strings.Join(parts, " ")
}
