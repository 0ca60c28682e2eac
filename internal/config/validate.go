package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.HardTimeoutMinutes <= c.Pipeline.SoftTimeoutMinutes {
		return fmt.Errorf(
			"pipeline.hard_timeout_minutes (%d) must be greater than pipeline.soft_timeout_minutes (%d)",
			c.Pipeline.HardTimeoutMinutes, c.Pipeline.SoftTimeoutMinutes,
		)
	}
	if c.Pipeline.Workers > 64 {
		return errors.New("pipeline.workers must be 64 or fewer")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return fmt.Errorf(
			"workflow.heartbeat_timeout (%d) must be greater than workflow.heartbeat_interval (%d)",
			c.Workflow.HeartbeatTimeout, c.Workflow.HeartbeatInterval,
		)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
