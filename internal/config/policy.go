package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyOverride holds the optional per-kind policy values from the policy file.
// Nil fields keep the built-in default.
type PolicyOverride struct {
	MaxRetries       *int           `yaml:"maxRetries"`
	BackoffInitial   *time.Duration `yaml:"backoffInitial"`
	BackoffMax       *time.Duration `yaml:"backoffMax"`
	LaunchTimeout    *time.Duration `yaml:"launchTimeout"`
	HeartbeatTimeout *time.Duration `yaml:"heartbeatTimeout"`
}

// PolicyFile is the on-disk layout of POLICY_FILE:
//
//	kinds:
//	  sync:
//	    maxRetries: 5
//	    heartbeatTimeout: 30m
type PolicyFile struct {
	Kinds map[string]PolicyOverride `yaml:"kinds"`
}

// LoadPolicyFile reads and decodes a policy file. An empty path yields an empty file.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	if path == "" {
		return &PolicyFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicyFile(data)
}

// ParsePolicyFile decodes policy YAML, rejecting unknown keys.
func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return &PolicyFile{}, nil
		}
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	for kind, o := range pf.Kinds {
		if o.MaxRetries != nil && *o.MaxRetries < 0 {
			return nil, fmt.Errorf("policy %s: maxRetries must not be negative", kind)
		}
		for name, d := range map[string]*time.Duration{
			"backoffInitial":   o.BackoffInitial,
			"backoffMax":       o.BackoffMax,
			"launchTimeout":    o.LaunchTimeout,
			"heartbeatTimeout": o.HeartbeatTimeout,
		} {
			if d != nil && *d <= 0 {
				return nil, fmt.Errorf("policy %s: %s must be positive", kind, name)
			}
		}
	}
	return &pf, nil
}
