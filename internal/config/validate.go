package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateSource(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateExport(); err != nil {
		return err
	}
	if err := c.validateDisposal(); err != nil {
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

func (c *Config) validateSource() error {
	if c.Source.PageSize <= 0 {
		return errors.New("source.page_size must be positive")
	}
	if c.Source.RateLimitSeconds < 0 {
		return errors.New("source.rate_limit_seconds must not be negative")
	}
	if c.Source.DedupToleranceSecs < 0 {
		return errors.New("source.dedup_tolerance_seconds must not be negative")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be positive")
	}
	if c.Pipeline.LeaseSeconds <= 0 {
		return errors.New("pipeline.lease_seconds must be positive")
	}
	if c.Pipeline.MaxStageAttempts <= 0 {
		return errors.New("pipeline.max_stage_attempts must be positive")
	}
	if c.Pipeline.MaxClaimRetries < 0 {
		return errors.New("pipeline.max_claim_retries must not be negative")
	}
	return nil
}

func (c *Config) validateExport() error {
	if c.Export.MaxRetries < 0 {
		return errors.New("export.max_retries must not be negative")
	}
	if c.Export.BatchSize <= 0 {
		return errors.New("export.batch_size must be positive")
	}
	return nil
}

func (c *Config) validateDisposal() error {
	switch c.Disposal.Method {
	case "overwrite", "remove":
	default:
		return fmt.Errorf("disposal.method must be \"overwrite\" or \"remove\", got %q", c.Disposal.Method)
	}
	if c.Disposal.OverwritePasses <= 0 {
		return errors.New("disposal.overwrite_passes must be positive")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.PollInterval <= 0 {
		return errors.New("workflow.poll_interval must be positive")
	}
	if c.Workflow.ReaperInterval <= 0 {
		return errors.New("workflow.reaper_interval must be positive")
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		return errors.New("workflow.error_retry_interval must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	return nil
}
