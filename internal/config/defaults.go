package config

import "time"

const (
	defaultStagingDir         = "~/.local/share/framewise/staging"
	defaultLogDir             = "~/.local/share/framewise/logs"
	defaultAPIBind            = "127.0.0.1:7519"
	defaultQueueName          = "media_enhance"
	defaultEnqueueAttempts    = 3
	defaultEnqueueBackoff     = 1
	defaultMaxDeliveries      = 3
	defaultWorkers            = 2
	defaultSoftTimeoutMinutes = 25
	defaultHardTimeoutMinutes = 30
	defaultFFmpegBinary       = "ffmpeg"
	defaultFFprobeBinary      = "ffprobe"
	defaultQueuePollInterval  = 2
	defaultErrorRetryInterval = 5
	defaultHeartbeatInterval  = 15
	defaultHeartbeatTimeout   = 120
	defaultSupervisorInterval = 10
	defaultClientPollInterval = 2
	defaultClientTimeout      = 30
	defaultNotifyTimeout      = 10
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Broker: Broker{
			QueueName:       defaultQueueName,
			EnqueueAttempts: defaultEnqueueAttempts,
			EnqueueBackoff:  defaultEnqueueBackoff,
			MaxDeliveries:   defaultMaxDeliveries,
		},
		Pipeline: Pipeline{
			Workers:            defaultWorkers,
			SoftTimeoutMinutes: defaultSoftTimeoutMinutes,
			HardTimeoutMinutes: defaultHardTimeoutMinutes,
			FFmpegBinary:       defaultFFmpegBinary,
			FFprobeBinary:      defaultFFprobeBinary,
		},
		Workflow: Workflow{
			QueuePollInterval:  defaultQueuePollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
			SupervisorInterval: defaultSupervisorInterval,
		},
		Client: Client{
			PollIntervalSeconds: defaultClientPollInterval,
			RequestTimeout:      defaultClientTimeout,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Completion:     true,
			Errors:         true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

// SoftTimeout returns the cooperative wind-down deadline for one job.
func (c *Config) SoftTimeout() time.Duration {
	return time.Duration(c.Pipeline.SoftTimeoutMinutes) * time.Minute
}

// HardTimeout returns the forcible reclaim deadline for one job.
func (c *Config) HardTimeout() time.Duration {
	return time.Duration(c.Pipeline.HardTimeoutMinutes) * time.Minute
}
