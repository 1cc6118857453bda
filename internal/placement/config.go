package placement

import (
	"controlplane/internal/config"
	"controlplane/internal/job"
	"fmt"
	"strings"
)

// LoadConfigFromEnv builds the placement policy from environment variables:
//
//	NODE_SELECTORS              default selectors
//	<KIND>_NODE_SELECTORS       per kind, e.g. SYNC_NODE_SELECTORS
//	ISOLATED_NODE_SELECTORS     custom connectors
//	ISOLATED_TOLERATIONS        custom connectors
//	PLACEMENT_TIERS             comma separated tier names
//	TIER_<NAME>_TOLERATIONS     per tier
//	EXCLUSIVE_KINDS             comma separated kinds
//	DATAPLANE_GROUP_LABEL       node label matched against tenant dataplane group
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	var err error

	if cfg.DefaultNodeSelectors, err = ParseSelectors(config.GetEnv("NODE_SELECTORS", "")); err != nil {
		return cfg, fmt.Errorf("NODE_SELECTORS: %w", err)
	}
	cfg.NodeSelectors = make(map[job.Kind]map[string]string)
	for _, kind := range job.Kinds() {
		key := string(kind) + "_NODE_SELECTORS"
		sel, err := ParseSelectors(config.GetEnv(key, ""))
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", key, err)
		}
		if sel != nil {
			cfg.NodeSelectors[kind] = sel
		}
	}
	if cfg.IsolatedNodeSelectors, err = ParseSelectors(config.GetEnv("ISOLATED_NODE_SELECTORS", "")); err != nil {
		return cfg, fmt.Errorf("ISOLATED_NODE_SELECTORS: %w", err)
	}
	if cfg.IsolatedTolerations, err = ParseTolerations(config.GetEnv("ISOLATED_TOLERATIONS", "")); err != nil {
		return cfg, fmt.Errorf("ISOLATED_TOLERATIONS: %w", err)
	}

	cfg.Tiers = make(map[string]TierPolicy)
	for _, tier := range config.GetListEnv("PLACEMENT_TIERS") {
		key := "TIER_" + strings.ToUpper(tier) + "_TOLERATIONS"
		tol, err := ParseTolerations(config.GetEnv(key, ""))
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", key, err)
		}
		cfg.Tiers[tier] = TierPolicy{Tolerations: tol}
	}

	for _, k := range config.GetListEnv("EXCLUSIVE_KINDS") {
		kind, err := job.ParseKind(k)
		if err != nil {
			return cfg, fmt.Errorf("EXCLUSIVE_KINDS: %w", err)
		}
		cfg.ExclusiveKinds = append(cfg.ExclusiveKinds, kind)
	}
	cfg.DataplaneGroupLabel = config.GetEnv("DATAPLANE_GROUP_LABEL", "controlplane.io/dataplane-group")
	return cfg, nil
}
