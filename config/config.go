// Package config loads run configuration and credentials.
//
// Run configuration is a JSON document deep-merged over built-in defaults
// and validated before use. Credentials live in a separate INI file so the
// configuration document can be committed alongside fetchers and checks
// without leaking secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ComplianceAsCode/auditree-framework/internal/jsonutil"
)

// Mode selects how the locker synchronizes with its remote.
type Mode string

// Locker synchronization modes.
const (
	// ModeLocal runs against a purely local locker. No remote operations.
	ModeLocal Mode = "local"

	// ModeNoPush clones and pulls from the remote but never pushes, so a
	// run can exercise fetchers and checks without publishing evidence.
	ModeNoPush Mode = "no-push"

	// ModeFullRemote clones, pulls, and pushes. The normal CI mode.
	ModeFullRemote Mode = "full-remote"
)

// Config is the validated run configuration.
type Config struct {
	Locker LockerConfig `json:"locker" validate:"required"`
	Fetch  FetchConfig  `json:"fetch"`
	Check  CheckConfig  `json:"check"`
	Agent  AgentConfig  `json:"agent"`

	// Org carries free-form organization settings that fetchers and
	// checks read through Get.
	Org map[string]any `json:"org"`

	raw map[string]any
}

// LockerConfig configures the evidence locker.
type LockerConfig struct {
	DirName             string   `json:"dirname" validate:"required"`
	LocalPath           string   `json:"local_path"`
	RepoURL             string   `json:"repo_url"`
	PriorRepoURL        string   `json:"prior_repo_url"`
	Branch              string   `json:"branch"`
	Mode                Mode     `json:"mode" validate:"oneof=local no-push full-remote"`
	Shallow             bool     `json:"shallow"`
	TTLToleranceSeconds int      `json:"ttl_tolerance" validate:"gte=0"`
	MaxPartSize         int      `json:"max_part_size" validate:"gte=0"`
	CompressMinSize     int      `json:"compress_min_size" validate:"gte=0"`
	PushRetries         int      `json:"push_retries" validate:"gte=0"`
	ForceStale          []string `json:"force_stale"`
	AuthorName          string   `json:"author_name"`
	AuthorEmail         string   `json:"author_email"`
}

// TTLTolerance returns the configured tolerance as a duration.
func (c LockerConfig) TTLTolerance() time.Duration {
	return time.Duration(c.TTLToleranceSeconds) * time.Second
}

// FetchConfig configures the fetch phase.
type FetchConfig struct {
	Workers        int      `json:"workers" validate:"gte=1"`
	Include        []string `json:"include"`
	Exclude        []string `json:"exclude"`
	TimeoutSeconds int      `json:"timeout" validate:"gte=0"`
}

// Timeout returns the per-request HTTP timeout.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CheckConfig configures the check phase.
type CheckConfig struct {
	Workers        int      `json:"workers" validate:"gte=1"`
	Accreditations []string `json:"accreditations"`
	ControlsFiles  []string `json:"controls"`
}

// AgentConfig configures the evidence signing identity. An empty name
// disables signing.
type AgentConfig struct {
	Name            string `json:"name"`
	PrivateKeyFile  string `json:"private_key_file"`
	DisableAgentDir bool   `json:"disable_agent_dir"`
}

// defaults returns the built-in configuration document that user
// configuration is merged over.
func defaults() map[string]any {
	return map[string]any{
		"locker": map[string]any{
			"dirname":       "evidence-locker",
			"branch":        "master",
			"mode":          string(ModeLocal),
			"ttl_tolerance": 0,
			"push_retries":  3,
		},
		"fetch": map[string]any{
			"workers": 4,
			"timeout": 60,
		},
		"check": map[string]any{
			"workers": 4,
		},
	}
}

// Load reads, merges, and validates a JSON configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse merges a JSON configuration document over the defaults and
// validates the result.
func Parse(raw []byte) (*Config, error) {
	var user map[string]any
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	merged := deepMerge(defaults(), user)

	// Round-trip through JSON so the merged document lands in the typed
	// struct with the same decoding rules as the original file.
	buf, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: merge: %w", err)
	}
	cfg := &Config{raw: merged}
	if err := json.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Default returns the validated built-in configuration.
func Default() *Config {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Get resolves a dot-notation key ("org.github.orgs") against the merged
// configuration document. Returns nil when any segment is absent.
func (c *Config) Get(key string) any {
	return jsonutil.ParseDotKey(c.raw, key)
}

// GetString resolves a dot-notation key to a string, with a fallback.
func (c *Config) GetString(key, fallback string) string {
	if s, ok := c.Get(key).(string); ok {
		return s
	}
	return fallback
}

// deepMerge overlays src onto dst, merging nested objects and replacing
// everything else. dst is modified and returned.
func deepMerge(dst, src map[string]any) map[string]any {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
	return dst
}
