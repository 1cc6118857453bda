package job

import (
	"bytes"
	"controlplane/internal/apperrors"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Validation limits
const (
	maxIdentifierLength = 128
	maxCPU              = 64    // cores
	maxMemoryMB         = 65536 // 64GB
	maxSecrets          = 64
	maxEnvironment      = 64
	maxConfigBytes      = 1 << 20
	maxCallbackEvents   = 16
)

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)
	envNamePattern    = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

	// Config keys that must never carry a literal value.
	secretKeyPattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|api_?key|private_?key|credentials?)$`)
)

// SubmitRequest is the body of a job submission.
type SubmitRequest struct {
	Kind         Kind         `json:"kind"`
	ConnectionID ConnectionID `json:"connectionId"`
	WorkspaceID  WorkspaceID  `json:"workspaceId"`
	Tenant       Tenant       `json:"tenant"`
	LaunchInput  LaunchInput  `json:"launchInput"`
	Callback     *Callback    `json:"callback,omitempty"`
}

// Key returns the natural key of the requested job.
func (r *SubmitRequest) Key() NaturalKey {
	return NaturalKey{Kind: r.Kind, ConnectionID: r.ConnectionID, WorkspaceID: r.WorkspaceID}
}

// ApplyDefaults normalizes the kind and fills unspecified resources.
func (r *SubmitRequest) ApplyDefaults() {
	if k, err := ParseKind(string(r.Kind)); err == nil {
		r.Kind = k
	}
	if r.LaunchInput.CPU <= 0 {
		r.LaunchInput.CPU = 1
	}
	if r.LaunchInput.MemoryMB <= 0 {
		r.LaunchInput.MemoryMB = 512
	}
	if r.LaunchInput.ProtocolVersion == "" {
		r.LaunchInput.ProtocolVersion = "0.2.0"
	}
}

// Validate checks a submission. Does not modify the request.
func (r *SubmitRequest) Validate() error {
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return apperrors.Validation("kind", err.Error())
	}
	if err := validateIdentifier("connectionId", string(r.ConnectionID)); err != nil {
		return err
	}
	if err := validateIdentifier("workspaceId", string(r.WorkspaceID)); err != nil {
		return err
	}
	if err := r.LaunchInput.Validate(); err != nil {
		return err
	}

	if r.Callback != nil {
		if err := validateURL(r.Callback.URL); err != nil {
			return apperrors.Validationf("callback.url", "invalid callback URL: %v", err)
		}
		if len(r.Callback.Events) > maxCallbackEvents {
			return apperrors.Validationf("callback.events", "callback events exceed maximum of %d", maxCallbackEvents)
		}
	}
	return nil
}

// Validate checks the launch input. A violation here is never retryable.
func (in *LaunchInput) Validate() error {
	if in.Image == "" {
		return apperrors.Validation("launchInput.image", "image is required")
	}
	if strings.ContainsAny(in.Image, " \t\n") {
		return apperrors.Validation("launchInput.image", "image must not contain whitespace")
	}
	if in.CPU > maxCPU {
		return apperrors.Validationf("launchInput.cpu", "CPU exceeds maximum of %d cores", maxCPU)
	}
	if in.MemoryMB > maxMemoryMB {
		return apperrors.Validationf("launchInput.memoryMb", "memory exceeds maximum of %d MB", maxMemoryMB)
	}
	if len(in.Environment) > maxEnvironment {
		return apperrors.Validationf("launchInput.environment", "environment exceeds maximum of %d entries", maxEnvironment)
	}
	for k := range in.Environment {
		if !envNamePattern.MatchString(k) {
			return apperrors.Validationf("launchInput.environment", "invalid environment variable name %q", k)
		}
	}

	if len(in.Secrets) > maxSecrets {
		return apperrors.Validationf("launchInput.secrets", "secrets exceed maximum of %d", maxSecrets)
	}
	seen := make(map[string]bool, len(in.Secrets))
	for i, s := range in.Secrets {
		field := fmt.Sprintf("launchInput.secrets[%d]", i)
		if !envNamePattern.MatchString(s.Env) {
			return apperrors.Validationf(field, "invalid secret env name %q", s.Env)
		}
		if seen[s.Env] {
			return apperrors.Validationf(field, "duplicate secret env name %q", s.Env)
		}
		seen[s.Env] = true
		if s.Ref == "" {
			return apperrors.Validation(field, "secret ref is required")
		}
	}

	if len(in.Config) > 0 {
		if len(in.Config) > maxConfigBytes {
			return apperrors.Validationf("launchInput.config", "config exceeds maximum of %d bytes", maxConfigBytes)
		}
		var cfg any
		dec := json.NewDecoder(bytes.NewReader(in.Config))
		dec.UseNumber()
		if err := dec.Decode(&cfg); err != nil {
			return apperrors.Validation("launchInput.config", "config must be valid JSON")
		}
		if path := findLiteralSecret(cfg, "config"); path != "" {
			return apperrors.Validationf("launchInput.config", "%s holds a literal secret; pass a secret reference instead", path)
		}
	}
	return nil
}

// findLiteralSecret returns the path of the first secret-named key holding a
// non-empty string, or "" when none exists.
func findLiteralSecret(v any, path string) string {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			p := path + "." + k
			if s, ok := child.(string); ok && s != "" && secretKeyPattern.MatchString(k) {
				return p
			}
			if found := findLiteralSecret(child, p); found != "" {
				return found
			}
		}
	case []any:
		for i, child := range t {
			if found := findLiteralSecret(child, fmt.Sprintf("%s[%d]", path, i)); found != "" {
				return found
			}
		}
	}
	return ""
}

func validateIdentifier(field, value string) error {
	if value == "" {
		return apperrors.Validationf(field, "%s is required", field)
	}
	if len(value) > maxIdentifierLength {
		return apperrors.Validationf(field, "%s exceeds maximum length of %d", field, maxIdentifierLength)
	}
	if !identifierPattern.MatchString(value) {
		return apperrors.Validationf(field, "%s contains invalid characters", field)
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
