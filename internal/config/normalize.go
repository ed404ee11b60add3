package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeProviders()
	c.normalizeWorkflow()
	c.normalizeSegment()
	c.normalizeBilling()
	c.normalizeBlob()
	c.normalizeTranscoder()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(nonEmpty(c.Paths.DataDir, defaultDataDir)); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.BlobDir, err = expandPath(nonEmpty(c.Paths.BlobDir, defaultBlobDir)); err != nil {
		return fmt.Errorf("paths.blob_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(nonEmpty(c.Paths.LogDir, defaultLogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.SocketPath, err = expandPath(nonEmpty(c.Paths.SocketPath, defaultSocketPath)); err != nil {
		return fmt.Errorf("paths.socket_path: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

// normalizeProviders fills gate fields a config file omitted with the
// repository defaults for that provider, so partial [providers.x] sections
// only override what they mention.
func (c *Config) normalizeProviders() {
	defaults := Default().Providers
	if c.Providers == nil {
		c.Providers = defaults
		return
	}
	for id, def := range defaults {
		p, ok := c.Providers[id]
		if !ok {
			c.Providers[id] = def
			continue
		}
		if p.RequestsPerSecond <= 0 {
			p.RequestsPerSecond = def.RequestsPerSecond
		}
		if p.MaxInFlight <= 0 {
			p.MaxInFlight = def.MaxInFlight
		}
		if p.TimeoutSeconds <= 0 {
			p.TimeoutSeconds = def.TimeoutSeconds
		}
		if p.MaxAttempts <= 0 {
			p.MaxAttempts = def.MaxAttempts
		}
		if p.BaseDelayMillis <= 0 {
			p.BaseDelayMillis = def.BaseDelayMillis
		}
		if p.MaxDelayMillis <= 0 {
			p.MaxDelayMillis = def.MaxDelayMillis
		}
		if len(p.RetriableStatuses) == 0 {
			p.RetriableStatuses = def.RetriableStatuses
		}
		p.BaseURL = strings.TrimSpace(p.BaseURL)
		p.APIKey = strings.TrimSpace(p.APIKey)
		p.Model = strings.TrimSpace(p.Model)
		c.Providers[id] = p
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.WorkerConcurrencyPerJob <= 0 {
		c.Workflow.WorkerConcurrencyPerJob = defaultWorkerConcurrency
	}
	if c.Workflow.MaxConcurrentJobs <= 0 {
		c.Workflow.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}
	if c.Workflow.LeaseSeconds <= 0 {
		c.Workflow.LeaseSeconds = defaultLeaseSeconds
	}
	if c.Workflow.QueuePollInterval <= 0 {
		c.Workflow.QueuePollInterval = defaultQueuePollInterval
	}
	if c.Workflow.SegmentProcessingTimeoutMinutes <= 0 {
		c.Workflow.SegmentProcessingTimeoutMinutes = defaultSegmentTimeoutMinutes
	}
	if c.Workflow.StitchingTimeoutMinutes <= 0 {
		c.Workflow.StitchingTimeoutMinutes = defaultStitchingTimeoutMinutes
	}
	if c.Workflow.SegmentFailureTolerance < 0 {
		c.Workflow.SegmentFailureTolerance = 0
	}
}

func (c *Config) normalizeSegment() {
	if c.Segment.MinSeconds <= 0 {
		c.Segment.MinSeconds = defaultSegmentMinSeconds
	}
	if c.Segment.MaxSeconds <= 0 {
		c.Segment.MaxSeconds = defaultSegmentMaxSeconds
	}
	if c.Segment.ShortClipMaxSeconds <= 0 {
		c.Segment.ShortClipMaxSeconds = defaultShortClipMaxSeconds
	}
	if c.Segment.SpeedMin <= 0 {
		c.Segment.SpeedMin = defaultSpeedMin
	}
	if c.Segment.SpeedMax <= 0 {
		c.Segment.SpeedMax = defaultSpeedMax
	}
	if c.PlanLimits.TargetOverrunFactor <= 0 {
		c.PlanLimits.TargetOverrunFactor = defaultTargetOverrunFactor
	}
}

func (c *Config) normalizeBilling() {
	c.Billing.SinkURL = strings.TrimSpace(c.Billing.SinkURL)
	c.Billing.SigningSecret = strings.TrimSpace(c.Billing.SigningSecret)
	if c.Billing.RequestTimeout <= 0 {
		c.Billing.RequestTimeout = defaultBillingRequestTimeout
	}
}

func (c *Config) normalizeBlob() {
	c.Blob.PresignSecret = strings.TrimSpace(c.Blob.PresignSecret)
	if c.Blob.PresignTTLSeconds <= 0 {
		c.Blob.PresignTTLSeconds = defaultPresignTTLSeconds
	}
}

func (c *Config) normalizeTranscoder() {
	if strings.TrimSpace(c.Transcoder.FFmpegBinary) == "" {
		c.Transcoder.FFmpegBinary = defaultFFmpegBinary
	}
	if strings.TrimSpace(c.Transcoder.FFprobeBinary) == "" {
		c.Transcoder.FFprobeBinary = defaultFFprobeBinary
	}
	if c.Transcoder.TimeoutMinutes <= 0 {
		c.Transcoder.TimeoutMinutes = defaultTranscoderTimeoutMinutes
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

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
