package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateProviders(); err != nil {
		return err
	}
	if err := c.validateSegment(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateBilling(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateProviders() error {
	for _, id := range []string{ProviderVision, ProviderTTS, ProviderChapters, ProviderTranscoder} {
		p, ok := c.Providers[id]
		if !ok {
			return fmt.Errorf("providers.%s section is required", id)
		}
		if p.RequestsPerSecond <= 0 {
			return fmt.Errorf("providers.%s.requests_per_second must be positive", id)
		}
		if p.MaxInFlight <= 0 {
			return fmt.Errorf("providers.%s.max_in_flight must be positive", id)
		}
		if p.MaxAttempts <= 0 {
			return fmt.Errorf("providers.%s.max_attempts must be positive", id)
		}
		if p.BaseDelayMillis > p.MaxDelayMillis {
			return fmt.Errorf("providers.%s.base_delay_ms must not exceed max_delay_ms", id)
		}
	}
	return nil
}

func (c *Config) validateSegment() error {
	if c.Segment.MinSeconds >= c.Segment.MaxSeconds {
		return errors.New("segment.min_seconds must be less than segment.max_seconds")
	}
	if c.Segment.SpeedMin >= c.Segment.SpeedMax {
		return errors.New("segment.speed_min must be less than segment.speed_max")
	}
	if c.PlanLimits.TargetOverrunFactor < 1 {
		return errors.New("plan_limits.target_overrun_factor must be at least 1.0")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.worker_concurrency_per_job":         c.Workflow.WorkerConcurrencyPerJob,
		"workflow.max_concurrent_jobs":                c.Workflow.MaxConcurrentJobs,
		"workflow.lease_seconds":                      c.Workflow.LeaseSeconds,
		"workflow.queue_poll_interval":                c.Workflow.QueuePollInterval,
		"workflow.segment_processing_timeout_minutes": c.Workflow.SegmentProcessingTimeoutMinutes,
		"workflow.stitching_timeout_minutes":          c.Workflow.StitchingTimeoutMinutes,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateBilling() error {
	if c.Billing.SinkURL != "" && c.Billing.SigningSecret == "" {
		return errors.New("billing.signing_secret must be set when billing.sink_url is configured")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for name, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
