package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateSeparator(); err != nil {
		return err
	}
	if err := c.validateDispatcher(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		return errors.New("paths.staging_dir must be set")
	}
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		return errors.New("paths.output_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	if strings.TrimSpace(c.Paths.SocketPath) == "" {
		return errors.New("paths.socket_path must be set")
	}
	return nil
}

func (c *Config) validateSeparator() error {
	base := strings.TrimSpace(c.Separator.BaseURL)
	if base == "" {
		return errors.New("separator.base_url must be set")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("separator.base_url %q is not a valid URL", base)
	}
	if c.Separator.PollInterval <= 0 {
		return errors.New("separator.poll_interval must be positive")
	}
	if c.Separator.PollTimeout > 0 && c.Separator.PollTimeout < c.Separator.PollInterval {
		return errors.New("separator.poll_timeout must be zero or at least separator.poll_interval")
	}
	return nil
}

func (c *Config) validateDispatcher() error {
	if c.Dispatcher.FlushIntervalMS <= 0 {
		return errors.New("dispatcher.flush_interval_ms must be positive")
	}
	if c.Dispatcher.FlushBatchSize <= 0 {
		return errors.New("dispatcher.flush_batch_size must be positive")
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
