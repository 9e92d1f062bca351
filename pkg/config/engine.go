package config

import (
	"fmt"
	"net/url"
	"time"
)

// EngineConfig configures the workflow execution engine client.
type EngineConfig struct {
	Address             string `yaml:"address" mapstructure:"address"`
	APIVersion          string `yaml:"api_version" mapstructure:"api_version"`
	Timeout             string `yaml:"timeout" mapstructure:"timeout"`
	WorkflowType        string `yaml:"workflow_type" mapstructure:"workflow_type"`
	WorkflowTypeVersion string `yaml:"workflow_type_version" mapstructure:"workflow_type_version"`
	// StatusMap translates engine job statuses into phase states
	// (submitted, queued, running, aborting, succeeded, failed, aborted).
	// Keys are matched case-insensitively.
	StatusMap map[string]string `yaml:"status_map,omitempty" mapstructure:"status_map"`
}

// DefaultStatusMap returns the status vocabulary of a Cromwell server.
func DefaultStatusMap() map[string]string {
	return map[string]string{
		"on hold":   "queued",
		"submitted": "submitted",
		"running":   "running",
		"aborting":  "aborting",
		"succeeded": "succeeded",
		"failed":    "failed",
		"aborted":   "aborted",
	}
}

// GetTimeout returns the parsed per-request timeout.
func (c *EngineConfig) GetTimeout() time.Duration {
	return mustDuration(c.Timeout, DefaultEngineTimeout)
}

func (c *EngineConfig) applyDefaults() {
	if c.Address == "" {
		c.Address = DefaultEngineAddress
	}

	if c.APIVersion == "" {
		c.APIVersion = "v1"
	}

	if c.Timeout == "" {
		c.Timeout = DefaultEngineTimeout
	}

	if c.WorkflowType == "" {
		c.WorkflowType = "WDL"
	}

	if c.WorkflowTypeVersion == "" {
		c.WorkflowTypeVersion = "1.0"
	}

	if len(c.StatusMap) == 0 {
		c.StatusMap = DefaultStatusMap()
	}
}

// Validate checks the engine configuration for errors.
func (c *EngineConfig) Validate() error {
	u, err := url.Parse(c.Address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", c.Address, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("address %q must be an http(s) URL", c.Address)
	}

	if _, err := time.ParseDuration(c.Timeout); err != nil {
		return fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
	}

	return nil
}
