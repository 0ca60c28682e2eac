package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeBroker()
	c.normalizePipeline()
	c.normalizeWorkflow()
	c.normalizeClient()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		c.Paths.StagingDir = defaultStagingDir
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeBroker() {
	c.Broker.QueueName = strings.TrimSpace(c.Broker.QueueName)
	if c.Broker.QueueName == "" {
		c.Broker.QueueName = defaultQueueName
	}
	if c.Broker.EnqueueAttempts <= 0 {
		c.Broker.EnqueueAttempts = defaultEnqueueAttempts
	}
	if c.Broker.EnqueueBackoff <= 0 {
		c.Broker.EnqueueBackoff = defaultEnqueueBackoff
	}
	if c.Broker.MaxDeliveries <= 0 {
		c.Broker.MaxDeliveries = defaultMaxDeliveries
	}
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = defaultWorkers
	}
	if c.Pipeline.SoftTimeoutMinutes <= 0 {
		c.Pipeline.SoftTimeoutMinutes = defaultSoftTimeoutMinutes
	}
	if c.Pipeline.HardTimeoutMinutes <= 0 {
		c.Pipeline.HardTimeoutMinutes = defaultHardTimeoutMinutes
	}
	c.Pipeline.FFmpegBinary = strings.TrimSpace(c.Pipeline.FFmpegBinary)
	if c.Pipeline.FFmpegBinary == "" {
		c.Pipeline.FFmpegBinary = defaultFFmpegBinary
	}
	c.Pipeline.FFprobeBinary = strings.TrimSpace(c.Pipeline.FFprobeBinary)
	if c.Pipeline.FFprobeBinary == "" {
		c.Pipeline.FFprobeBinary = defaultFFprobeBinary
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.QueuePollInterval <= 0 {
		c.Workflow.QueuePollInterval = defaultQueuePollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultErrorRetryInterval
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		c.Workflow.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		c.Workflow.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.Workflow.SupervisorInterval <= 0 {
		c.Workflow.SupervisorInterval = defaultSupervisorInterval
	}
}

func (c *Config) normalizeClient() {
	if c.Client.PollIntervalSeconds <= 0 {
		c.Client.PollIntervalSeconds = defaultClientPollInterval
	}
	if c.Client.RequestTimeout <= 0 {
		c.Client.RequestTimeout = defaultClientTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
