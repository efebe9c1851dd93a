package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateClient(cfg, ve)
	validateDownload(cfg, ve)
	validateWatch(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateClient(cfg *Config, ve *ValidationError) {
	c := cfg.Client
	if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		ve.Add("client.base_url must be a ws:// or wss:// URL, got %q", c.BaseURL)
	}
	if c.DialTimeout <= 0 {
		ve.Add("client.dial_timeout must be > 0")
	}
	if c.ReadTimeout < 0 {
		ve.Add("client.read_timeout must be >= 0")
	}
	if c.SendTimeout <= 0 {
		ve.Add("client.send_timeout must be > 0")
	}
	if c.RequestTimeout <= 0 {
		ve.Add("client.request_timeout must be > 0")
	}
	if c.RequestsPerSecond < 0 {
		ve.Add("client.requests_per_second must be >= 0")
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		ve.Add("client.burst must be > 0 when requests_per_second is set")
	}
}

func validateDownload(cfg *Config, ve *ValidationError) {
	d := cfg.Download
	for name, raw := range map[string]string{"content_url": d.ContentURL, "app_url": d.AppURL} {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			ve.Add("download.%s must be an http(s) URL, got %q", name, raw)
		}
	}
	if d.IoCURL != "" && !strings.Contains(d.IoCURL, "{task}") {
		ve.Add("download.ioc_url must contain the {task} placeholder")
	}
	if d.Timeout <= 0 {
		ve.Add("download.timeout must be > 0")
	}
	if d.Breaker.MaxFailures == 0 {
		ve.Add("download.circuit_breaker.max_failures must be > 0")
	}
}

func validateWatch(cfg *Config, ve *ValidationError) {
	if cfg.Watch.Retention < 0 {
		ve.Add("watch.retention must be >= 0, got %s", cfg.Watch.Retention)
	}
	s := strings.TrimSpace(cfg.Watch.Schedule)
	if s == "" {
		ve.Add("watch.schedule must not be empty")
		return
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Minute {
			ve.Add("watch.schedule interval must be >= 1m, got %s", d)
		}
		return
	}
	if len(strings.Fields(s)) != 5 && !strings.HasPrefix(s, "@") {
		ve.Add("watch.schedule %q is neither a duration nor a 5-field cron expression", s)
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q is invalid (text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is unsupported (stdout, noop)", cfg.Tracer.Exporter)
	}
}
