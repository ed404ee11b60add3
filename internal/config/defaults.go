package config

// Provider identifiers used throughout the pipeline.
const (
	ProviderVision     = "vision"
	ProviderTTS        = "tts"
	ProviderChapters   = "chapters"
	ProviderTranscoder = "transcoder"
)

const (
	defaultDataDir                  = "~/.local/share/recap/data"
	defaultBlobDir                  = "~/.local/share/recap/blobs"
	defaultLogDir                   = "~/.local/share/recap/logs"
	defaultAPIBind                  = "127.0.0.1:7590"
	defaultSocketPath               = "~/.local/share/recap/recapd.sock"
	defaultLogFormat                = "console"
	defaultLogLevel                 = "info"
	defaultWorkerConcurrency        = 4
	defaultMaxConcurrentJobs        = 32
	defaultLeaseSeconds             = 60
	defaultQueuePollInterval        = 5
	defaultSegmentTimeoutMinutes    = 20
	defaultStitchingTimeoutMinutes  = 10
	defaultSegmentMinSeconds        = 2.0
	defaultSegmentMaxSeconds        = 30.0
	defaultShortClipMaxSeconds      = 3.0
	defaultSpeedMin                 = 0.5
	defaultSpeedMax                 = 2.0
	defaultTargetOverrunFactor      = 1.10
	defaultBillingRequestTimeout    = 10
	defaultPresignTTLSeconds        = 900
	defaultRetentionMaxAgeHours     = 72
	defaultTranscoderTimeoutMinutes = 30
	defaultFFmpegBinary             = "ffmpeg"
	defaultFFprobeBinary            = "ffprobe"
)

func defaultProvider(rps float64, inFlight, timeoutSeconds, maxAttempts int) Provider {
	return Provider{
		RequestsPerSecond: rps,
		MaxInFlight:       inFlight,
		TimeoutSeconds:    timeoutSeconds,
		MaxAttempts:       maxAttempts,
		BaseDelayMillis:   500,
		MaxDelayMillis:    10000,
		RetriableStatuses: []int{408, 429, 500, 502, 503, 504},
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			BlobDir:    defaultBlobDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
			SocketPath: defaultSocketPath,
		},
		Providers: map[string]Provider{
			ProviderVision:     defaultProvider(2, 4, 120, 4),
			ProviderTTS:        defaultProvider(5, 8, 60, 4),
			ProviderChapters:   defaultProvider(1, 2, 180, 3),
			ProviderTranscoder: defaultProvider(10, 2, 1800, 1),
		},
		Segment: Segment{
			MinSeconds:          defaultSegmentMinSeconds,
			MaxSeconds:          defaultSegmentMaxSeconds,
			ShortClipMaxSeconds: defaultShortClipMaxSeconds,
			SpeedMin:            defaultSpeedMin,
			SpeedMax:            defaultSpeedMax,
		},
		PlanLimits: PlanLimits{
			TargetOverrunFactor: defaultTargetOverrunFactor,
		},
		Workflow: Workflow{
			WorkerConcurrencyPerJob:         defaultWorkerConcurrency,
			MaxConcurrentJobs:               defaultMaxConcurrentJobs,
			LeaseSeconds:                    defaultLeaseSeconds,
			QueuePollInterval:               defaultQueuePollInterval,
			SegmentProcessingTimeoutMinutes: defaultSegmentTimeoutMinutes,
			StitchingTimeoutMinutes:         defaultStitchingTimeoutMinutes,
		},
		Billing: Billing{
			RequestTimeout: defaultBillingRequestTimeout,
		},
		Blob: Blob{
			PresignTTLSeconds: defaultPresignTTLSeconds,
		},
		Transcoder: Transcoder{
			FFmpegBinary:   defaultFFmpegBinary,
			FFprobeBinary:  defaultFFprobeBinary,
			TimeoutMinutes: defaultTranscoderTimeoutMinutes,
		},
		Retention: Retention{
			Enabled:         true,
			TerminalMaxAgeH: defaultRetentionMaxAgeHours,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
