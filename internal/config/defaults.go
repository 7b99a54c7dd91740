package config

const (
	defaultDataDir            = "~/.local/share/callpipe"
	defaultStagingDir         = "~/.local/share/callpipe/staging"
	defaultLogDir             = "~/.local/share/callpipe/logs"
	defaultSourcePageSize     = 50
	defaultSourceRateLimit    = 2.0
	defaultSourceTimeout      = 30
	defaultDedupTolerance     = 5
	defaultCollabTimeout      = 120
	defaultRetrievalTimeout   = 60
	defaultWorkers            = 2
	defaultLeaseSeconds       = 300
	defaultMaxStageAttempts   = 3
	defaultMaxClaimRetries    = 3
	defaultExportMaxRetries   = 3
	defaultExportBatchSize    = 25
	defaultDisposalMethod     = "overwrite"
	defaultOverwritePasses    = 1
	defaultPollInterval       = 10
	defaultReaperInterval     = 60
	defaultErrorRetryInterval = 5
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
		},
		Source: Source{
			PageSize:           defaultSourcePageSize,
			RateLimitSeconds:   defaultSourceRateLimit,
			RequestTimeout:     defaultSourceTimeout,
			DedupToleranceSecs: defaultDedupTolerance,
		},
		Transcription: Transcription{
			Model:          "whisper-1",
			TimeoutSeconds: defaultCollabTimeout,
		},
		Analysis: Analysis{
			TimeoutSeconds: defaultCollabTimeout,
		},
		Retrieval: Retrieval{
			Collection:     "calls",
			TimeoutSeconds: defaultRetrievalTimeout,
		},
		Pipeline: Pipeline{
			Workers:          defaultWorkers,
			LeaseSeconds:     defaultLeaseSeconds,
			MaxStageAttempts: defaultMaxStageAttempts,
			MaxClaimRetries:  defaultMaxClaimRetries,
		},
		Export: Export{
			MaxRetries: defaultExportMaxRetries,
			BatchSize:  defaultExportBatchSize,
		},
		Disposal: Disposal{
			Enabled:         true,
			Method:          defaultDisposalMethod,
			OverwritePasses: defaultOverwritePasses,
		},
		Workflow: Workflow{
			PollInterval:       defaultPollInterval,
			ReaperInterval:     defaultReaperInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
