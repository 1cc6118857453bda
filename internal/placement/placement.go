// Package placement decides where a workload may run.
//
// The Resolver is a pure function of (job kind, tenant metadata) and its
// construction-time Config. It performs no I/O and returns values with
// sorted slices and freshly copied maps, so identical inputs always produce
// identical, independently mutable requirements.
package placement

import (
	"controlplane/internal/job"
	"maps"
	"slices"
	"strings"
)

// Operator is an affinity match operator.
type Operator string

const (
	OpIn     Operator = "In"
	OpNotIn  Operator = "NotIn"
	OpExists Operator = "Exists"
)

// Affinity constrains nodes by label.
type Affinity struct {
	Key      string   `json:"key"`
	Operator Operator `json:"operator"`
	Values   []string `json:"values,omitempty"`
}

// PreferredAffinity is a soft affinity with a scheduling weight (1-100).
type PreferredAffinity struct {
	Weight   int      `json:"weight"`
	Affinity Affinity `json:"affinity"`
}

// Toleration allows scheduling onto a tainted node.
type Toleration struct {
	Key      string `json:"key"`
	Operator string `json:"operator"` // "Equal" or "Exists"
	Value    string `json:"value,omitempty"`
	Effect   string `json:"effect,omitempty"`
}

// Requirement is the full set of placement constraints for one launch.
type Requirement struct {
	NodeSelector map[string]string   `json:"nodeSelector,omitempty"`
	Required     []Affinity          `json:"required,omitempty"`
	Preferred    []PreferredAffinity `json:"preferred,omitempty"`
	Tolerations  []Toleration        `json:"tolerations,omitempty"`
	Exclusive    bool                `json:"exclusive,omitempty"`
}

// TierPolicy adds constraints for tenants of one tier.
type TierPolicy struct {
	Required    []Affinity
	Preferred   []PreferredAffinity
	Tolerations []Toleration
}

// Config is the static placement policy.
type Config struct {
	DefaultNodeSelectors  map[string]string
	NodeSelectors         map[job.Kind]map[string]string
	IsolatedNodeSelectors map[string]string // custom connectors, any kind
	IsolatedTolerations   []Toleration
	Tiers                 map[string]TierPolicy
	ExclusiveKinds        []job.Kind
	DataplaneGroupLabel   string
}

// Resolver computes placement requirements.
type Resolver struct {
	cfg Config
}

// NewResolver creates a Resolver. The config is copied; later changes to the
// caller's maps do not affect resolution.
func NewResolver(cfg Config) *Resolver {
	c := Config{
		DefaultNodeSelectors:  maps.Clone(cfg.DefaultNodeSelectors),
		NodeSelectors:         make(map[job.Kind]map[string]string, len(cfg.NodeSelectors)),
		IsolatedNodeSelectors: maps.Clone(cfg.IsolatedNodeSelectors),
		IsolatedTolerations:   slices.Clone(cfg.IsolatedTolerations),
		Tiers:                 make(map[string]TierPolicy, len(cfg.Tiers)),
		ExclusiveKinds:        slices.Clone(cfg.ExclusiveKinds),
		DataplaneGroupLabel:   cfg.DataplaneGroupLabel,
	}
	for k, v := range cfg.NodeSelectors {
		c.NodeSelectors[k] = maps.Clone(v)
	}
	for tier, p := range cfg.Tiers {
		c.Tiers[strings.ToLower(tier)] = TierPolicy{
			Required:    cloneAffinities(p.Required),
			Preferred:   clonePreferred(p.Preferred),
			Tolerations: slices.Clone(p.Tolerations),
		}
	}
	return &Resolver{cfg: c}
}

// Resolve returns the placement requirement for a workload of the given kind
// owned by the given tenant.
func (r *Resolver) Resolve(kind job.Kind, tenant job.Tenant) Requirement {
	var req Requirement

	switch {
	case tenant.CustomConnector && len(r.cfg.IsolatedNodeSelectors) > 0:
		req.NodeSelector = maps.Clone(r.cfg.IsolatedNodeSelectors)
	case len(r.cfg.NodeSelectors[kind]) > 0:
		req.NodeSelector = maps.Clone(r.cfg.NodeSelectors[kind])
	case len(r.cfg.DefaultNodeSelectors) > 0:
		req.NodeSelector = maps.Clone(r.cfg.DefaultNodeSelectors)
	}

	if tenant.DataplaneGroup != "" && r.cfg.DataplaneGroupLabel != "" {
		req.Required = append(req.Required, Affinity{
			Key:      r.cfg.DataplaneGroupLabel,
			Operator: OpIn,
			Values:   []string{tenant.DataplaneGroup},
		})
	}

	if p, ok := r.cfg.Tiers[strings.ToLower(tenant.Tier)]; ok {
		req.Required = append(req.Required, cloneAffinities(p.Required)...)
		req.Preferred = append(req.Preferred, clonePreferred(p.Preferred)...)
		req.Tolerations = append(req.Tolerations, p.Tolerations...)
	}

	if tenant.CustomConnector {
		req.Tolerations = append(req.Tolerations, r.cfg.IsolatedTolerations...)
	}

	req.Exclusive = tenant.CustomConnector || slices.Contains(r.cfg.ExclusiveKinds, kind)

	normalize(&req)
	return req
}

// Empty reports whether req places no constraint at all.
func (req Requirement) Empty() bool {
	return len(req.NodeSelector) == 0 && len(req.Required) == 0 && len(req.Preferred) == 0 &&
		len(req.Tolerations) == 0 && !req.Exclusive
}

// Labels flattens the requirement into platform labels under the given prefix.
// Backends without native affinity support record constraints this way.
func (req Requirement) Labels(prefix string) map[string]string {
	labels := make(map[string]string, len(req.NodeSelector)+1)
	for k, v := range req.NodeSelector {
		labels[prefix+"selector."+k] = v
	}
	for _, a := range req.Required {
		labels[prefix+"affinity."+a.Key] = string(a.Operator) + ":" + strings.Join(a.Values, ",")
	}
	for _, t := range req.Tolerations {
		labels[prefix+"toleration."+t.Key] = t.Value + ":" + t.Effect
	}
	if req.Exclusive {
		labels[prefix+"exclusive"] = "true"
	}
	return labels
}

func normalize(req *Requirement) {
	for i := range req.Required {
		slices.Sort(req.Required[i].Values)
	}
	slices.SortStableFunc(req.Required, func(a, b Affinity) int {
		return strings.Compare(a.Key+string(a.Operator), b.Key+string(b.Operator))
	})
	for i := range req.Preferred {
		slices.Sort(req.Preferred[i].Affinity.Values)
	}
	slices.SortStableFunc(req.Preferred, func(a, b PreferredAffinity) int {
		if a.Weight != b.Weight {
			return b.Weight - a.Weight
		}
		return strings.Compare(a.Affinity.Key, b.Affinity.Key)
	})
	req.Tolerations = slices.CompactFunc(sortTolerations(req.Tolerations), func(a, b Toleration) bool { return a == b })
}

func sortTolerations(ts []Toleration) []Toleration {
	slices.SortStableFunc(ts, func(a, b Toleration) int {
		if c := strings.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		if c := strings.Compare(a.Effect, b.Effect); c != 0 {
			return c
		}
		return strings.Compare(a.Value, b.Value)
	})
	return ts
}

func cloneAffinities(in []Affinity) []Affinity {
	if in == nil {
		return nil
	}
	out := make([]Affinity, len(in))
	for i, a := range in {
		out[i] = Affinity{Key: a.Key, Operator: a.Operator, Values: slices.Clone(a.Values)}
	}
	return out
}

func clonePreferred(in []PreferredAffinity) []PreferredAffinity {
	if in == nil {
		return nil
	}
	out := make([]PreferredAffinity, len(in))
	for i, p := range in {
		out[i] = PreferredAffinity{Weight: p.Weight, Affinity: cloneAffinities([]Affinity{p.Affinity})[0]}
	}
	return out
}
