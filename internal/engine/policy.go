package engine

import (
	"controlplane/internal/config"
	"controlplane/internal/job"
	"controlplane/pkg/backoff"
	"fmt"
	"time"
)

// Policy is the retry and timeout configuration of one job kind.
type Policy struct {
	MaxRetries       int // retries after the first attempt
	Backoff          backoff.Config
	LaunchTimeout    time.Duration // LAUNCHING without a heartbeat or STARTED report
	HeartbeatTimeout time.Duration // RUNNING without a heartbeat
}

// Policies maps each kind to its policy.
type Policies map[job.Kind]Policy

// DefaultPolicies returns the built-in policies. Interactive kinds retry
// less and are declared dead sooner than SYNC, which may go quiet during
// large transfers.
func DefaultPolicies() Policies {
	interactive := Policy{
		MaxRetries:       1,
		Backoff:          backoff.Config{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2},
		LaunchTimeout:    2 * time.Minute,
		HeartbeatTimeout: 2 * time.Minute,
	}
	discover := interactive
	discover.MaxRetries = 2
	discover.LaunchTimeout = 5 * time.Minute
	discover.HeartbeatTimeout = 5 * time.Minute

	return Policies{
		job.KindSpec:     interactive,
		job.KindCheck:    interactive,
		job.KindDiscover: discover,
		job.KindSync: {
			MaxRetries:       3,
			Backoff:          backoff.Config{Initial: 10 * time.Second, Max: 5 * time.Minute, Multiplier: 2},
			LaunchTimeout:    10 * time.Minute,
			HeartbeatTimeout: 30 * time.Minute,
		},
	}
}

// LoadPolicies returns the defaults with the overrides of the policy file at
// path applied. An empty path yields the defaults.
func LoadPolicies(path string) (Policies, error) {
	pf, err := config.LoadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	p := DefaultPolicies()
	if err := p.Apply(pf); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply overrides policy values with those set in pf.
func (p Policies) Apply(pf *config.PolicyFile) error {
	if pf == nil {
		return nil
	}
	for name, o := range pf.Kinds {
		kind, err := job.ParseKind(name)
		if err != nil {
			return fmt.Errorf("policy file: %w", err)
		}
		pol := p.For(kind)
		if o.MaxRetries != nil {
			pol.MaxRetries = *o.MaxRetries
		}
		if o.BackoffInitial != nil {
			pol.Backoff.Initial = *o.BackoffInitial
		}
		if o.BackoffMax != nil {
			pol.Backoff.Max = *o.BackoffMax
		}
		if o.LaunchTimeout != nil {
			pol.LaunchTimeout = *o.LaunchTimeout
		}
		if o.HeartbeatTimeout != nil {
			pol.HeartbeatTimeout = *o.HeartbeatTimeout
		}
		p[kind] = pol
	}
	return nil
}

// For returns the policy of kind, falling back to the built-in default.
func (p Policies) For(kind job.Kind) Policy {
	if pol, ok := p[kind]; ok {
		return pol
	}
	return DefaultPolicies()[kind]
}

// HeartbeatTimeouts returns the per-kind liveness timeouts.
func (p Policies) HeartbeatTimeouts() map[job.Kind]time.Duration {
	out := make(map[job.Kind]time.Duration, len(job.Kinds()))
	for _, kind := range job.Kinds() {
		out[kind] = p.For(kind).HeartbeatTimeout
	}
	return out
}
